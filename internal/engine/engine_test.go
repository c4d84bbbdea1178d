package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/client/polymarket/clob"
	"polycopy/internal/client/polymarket/gamma"
	"polycopy/internal/config"
	"polycopy/internal/filter"
	"polycopy/internal/ledger"
	"polycopy/internal/market"
	"polycopy/internal/retry"
	"polycopy/internal/settings"
	"polycopy/internal/venue"
)

type fakeVenue struct {
	activity []gamma.Activity
	holdings []gamma.UserPosition
	markets  map[string]*market.Market
	books    map[string]*clob.OrderBook
	live     map[string]*venue.LivePrice
}

func (f *fakeVenue) UserActivity(context.Context, string, int) []gamma.Activity {
	return f.activity
}

func (f *fakeVenue) UserPositions(context.Context, string) []gamma.UserPosition {
	return f.holdings
}

func (f *fakeVenue) UserProfile(context.Context, string) *gamma.UserProfile {
	return &gamma.UserProfile{Address: "0xsource", Name: "source"}
}

func (f *fakeVenue) MarketDetails(_ context.Context, id string) *market.Market {
	return f.markets[id]
}

func (f *fakeVenue) OrderBook(_ context.Context, tokenID string) *clob.OrderBook {
	return f.books[tokenID]
}

func (f *fakeVenue) LivePrice(_ context.Context, id string) *venue.LivePrice {
	return f.live[id]
}

func level(price, size float64) clob.Order {
	return clob.Order{Price: decimal.NewFromFloat(price), Size: decimal.NewFromFloat(size)}
}

func binaryMarket(id string) *market.Market {
	return &market.Market{
		ID:       id,
		Question: "Will it rain?",
		Slug:     "will-it-rain",
		Binary:   true,
		Outcomes: []market.Outcome{
			{TokenID: "t0", Label: "No"},
			{TokenID: "t1", Label: "Yes"},
		},
		Container: market.Container{Markets: []market.ChildMarket{{
			ConditionID: id,
			Outcomes:    []string{"No", "Yes"},
		}}},
	}
}

func newTestEngine(t *testing.T, fv *fakeVenue) *Engine {
	t.Helper()
	dir := t.TempDir()
	led, err := ledger.Open(filepath.Join(dir, "ledger.json"), decimal.NewFromInt(1000), nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	e := &Engine{
		Venue:    fv,
		Ledger:   led,
		Filter:   filter.Load(filepath.Join(dir, "positions_log.json"), nil),
		Settings: settings.Load(filepath.Join(dir, "trade_settings.json"), settings.Defaults(), nil),
		Config: config.EngineConfig{
			ProfileAddress:       "0xsource",
			PollIntervalMs:       1000,
			StartFromNow:         true,
			FixedCopyPct:         0.10,
			MinOrderSizeShares:   1,
			EnableTradeFilters:   true,
			ExpectedEdge:         0.06,
			SlippageDelayPenalty: 0.003,
			MaxTickWait:          time.Millisecond,
		},
		Retry: retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	// Keep the wall clock ahead of ledger entry times so the minimum-hold
	// gate never interferes unless a test opts in.
	e.now = func() time.Time { return time.Now().Add(time.Minute) }
	return e
}

func mustActivity(t *testing.T, js string) gamma.Activity {
	t.Helper()
	var a gamma.Activity
	if err := json.Unmarshal([]byte(js), &a); err != nil {
		t.Fatalf("activity: %v", err)
	}
	return a
}

func buyYes(t *testing.T, hash string, size float64) gamma.Activity {
	return mustActivity(t, `{"id":"`+hash+`","timestamp":1750000000,"type":"TRADE","side":"BUY","outcome":"Yes","size":`+jsonNum(size)+`,"price":0.43,"conditionId":"M"}`)
}

func jsonNum(v float64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestReplicate_BinaryCopyBuy(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 500)}, Asks: []clob.Order{level(0.44, 500)}},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())

	p, ok := e.Ledger.GetPosition("M", market.SideYes, "t1", "Yes")
	if !ok {
		t.Fatalf("position not opened")
	}
	if p.Side != market.SideYes || p.EntryTick != 440 || !p.Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("p=%+v", p)
	}
	if !e.Ledger.Balance().Equal(decimal.NewFromFloat(995.6)) {
		t.Fatalf("balance=%s want=995.6", e.Ledger.Balance())
	}
	events := e.Ledger.TradeEvents()
	if len(events) != 1 || events[0].Side != "BUY" {
		t.Fatalf("events=%+v", events)
	}
}

func TestReplicate_ScaleInWeightedAverage(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())

	fv.books["t1"] = &clob.OrderBook{Bids: []clob.Order{level(0.48, 5000)}, Asks: []clob.Order{level(0.50, 5000)}}
	e.replicate(context.Background(), buyYes(t, "h2", 200), e.clock())

	p, _ := e.Ledger.GetPosition("M", market.SideYes, "t1", "Yes")
	if !p.Size.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("size=%s want=30", p.Size)
	}
	if p.EntryTick != 480 {
		t.Fatalf("entryTick=%d want=480", p.EntryTick)
	}
}

func TestReplicate_CopySellTriggersPriorityClose(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())
	fv.books["t1"] = &clob.OrderBook{Bids: []clob.Order{level(0.48, 5000)}, Asks: []clob.Order{level(0.50, 5000)}}
	e.replicate(context.Background(), buyYes(t, "h2", 200), e.clock())

	fv.books["t1"] = &clob.OrderBook{Bids: []clob.Order{level(0.55, 1000)}}
	sellAct := mustActivity(t, `{"id":"h3","timestamp":1750000100,"type":"TRADE","side":"SELL","outcome":"Yes","size":200,"price":0.55,"conditionId":"M"}`)
	e.replicate(context.Background(), sellAct, e.clock())

	if _, ok := e.Ledger.GetPosition("M", market.SideYes, "t1", "Yes"); ok {
		t.Fatalf("position still open")
	}
	closed := e.Ledger.ClosedPositions()
	if len(closed) != 1 {
		t.Fatalf("closed=%d want=1", len(closed))
	}
	c := closed[0]
	if c.ExitTick != 550 {
		t.Fatalf("exitTick=%d want=550", c.ExitTick)
	}
	if c.CloseTrigger != ledger.TriggerCopyTraderEvent || c.CloseCause != ledger.CauseTargetSelloff {
		t.Fatalf("c=%+v", c)
	}
	if !c.RealizedPnL.Equal(decimal.NewFromFloat(2.1)) {
		t.Fatalf("pnl=%s want=2.1", c.RealizedPnL)
	}
}

func TestLifecycleSweep_ResolutionWinsForYesHolder(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())

	resolved := binaryMarket("M")
	resolved.Resolved = true
	resolved.Container.Markets[0].UmaResolutionStatus = "resolved"
	resolved.Container.Markets[0].OutcomePrices = []float64{0, 1}
	fv.markets["M"] = resolved

	e.lifecycleSweep(context.Background())

	closed := e.Ledger.ClosedPositions()
	if len(closed) != 1 {
		t.Fatalf("closed=%d want=1", len(closed))
	}
	c := closed[0]
	if c.CloseTrigger != ledger.TriggerMarketResolution || c.CloseCause != ledger.CauseWinnerYes {
		t.Fatalf("c=%+v", c)
	}
	if c.ExitTick != 999 {
		t.Fatalf("exitTick=%d want=999", c.ExitTick)
	}
	// 10 * (0.999 - 0.44) = 5.59
	if !c.RealizedPnL.Equal(decimal.NewFromFloat(5.59)) {
		t.Fatalf("pnl=%s want=5.59", c.RealizedPnL)
	}
	for _, ev := range e.Ledger.TradeEvents() {
		if ev.Side == "SELL" {
			t.Fatalf("settlement emitted SELL event")
		}
	}
}

func TestClose_ResolutionOverridesWeakerClosing(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())

	// A copy-trader close claimed the position but its commit never landed.
	if err := e.Ledger.MarkClosing("M", market.SideYes, "t1", "Yes", ledger.TriggerCopyTraderEvent, ledger.CauseTargetSelloff); err != nil {
		t.Fatalf("mark closing: %v", err)
	}

	e.Close(context.Background(), CloseRequest{
		MarketID:     "M",
		Side:         market.SideYes,
		TokenID:      "t1",
		OutcomeLabel: "Yes",
		Trigger:      ledger.TriggerMarketResolution,
		Cause:        ledger.CauseWinnerYes,
	})

	closed := e.Ledger.ClosedPositions()
	if len(closed) != 1 {
		t.Fatalf("closed=%d want=1", len(closed))
	}
	if closed[0].CloseTrigger != ledger.TriggerMarketResolution {
		t.Fatalf("trigger=%s want=%s", closed[0].CloseTrigger, ledger.TriggerMarketResolution)
	}
	if closed[0].ExitTick != 999 {
		t.Fatalf("exitTick=%d want=999", closed[0].ExitTick)
	}
}

func TestClose_WeakerTriggerCannotOverrideStronger(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())
	if err := e.Ledger.MarkClosing("M", market.SideYes, "t1", "Yes", ledger.TriggerMarketResolution, ledger.CauseWinnerYes); err != nil {
		t.Fatalf("mark closing: %v", err)
	}

	e.Close(context.Background(), CloseRequest{
		MarketID:     "M",
		Side:         market.SideYes,
		TokenID:      "t1",
		OutcomeLabel: "Yes",
		Trigger:      ledger.TriggerCopyTraderEvent,
		Cause:        ledger.CauseTargetSelloff,
		ForceTick:    500,
	})

	if len(e.Ledger.ClosedPositions()) != 0 {
		t.Fatalf("weaker trigger closed the position")
	}
	p, _ := e.Ledger.GetPosition("M", market.SideYes, "t1", "Yes")
	if p.State != ledger.StateClosing || p.ClosePriority != 1 {
		t.Fatalf("p=%+v", p)
	}
}

func TestReplicate_MaxTickGuardSkipsDeadTrade(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.99, 100)}, Asks: []clob.Order{level(0.999, 100)}},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())

	if len(e.Ledger.Positions()) != 0 {
		t.Fatalf("position opened at max tick")
	}
	if len(e.Ledger.TradeEvents()) != 0 {
		t.Fatalf("trade event written")
	}
	if e.Ledger.HasProcessed("h1") {
		t.Fatalf("max-tick skip must stay retryable")
	}

	// A later healthy book permits the retry.
	fv.books["t1"] = &clob.OrderBook{Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}}
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())
	if len(e.Ledger.Positions()) != 1 {
		t.Fatalf("healthy retry did not open position")
	}
}

func TestReplicate_DedupByTxHash(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
	}
	e := newTestEngine(t, fv)
	act := buyYes(t, "h1", 100)
	e.replicate(context.Background(), act, e.clock())
	e.replicate(context.Background(), act, e.clock())

	p, _ := e.Ledger.GetPosition("M", market.SideYes, "t1", "Yes")
	if !p.Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("size=%s want=10 (duplicate applied)", p.Size)
	}
}

func TestReplicate_BlacklistBlocksUnlessHeld(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
	}
	e := newTestEngine(t, fv)
	if err := e.Filter.Initialize([]string{"M"}); err != nil {
		t.Fatalf("filter: %v", err)
	}
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())
	if len(e.Ledger.Positions()) != 0 {
		t.Fatalf("blacklisted market replicated")
	}

	// With a local paper position, scale-in is allowed through.
	if ok, _ := e.Ledger.ApplyTrade(ledger.TradeInput{
		MarketID: "M", Question: "q", Side: market.SideYes, OutcomeLabel: "Yes",
		Shares: decimal.NewFromInt(5), Tick: 440, TxHash: "seed", Reason: "COPY_TRADE",
		TokenID: "t1", MarketType: market.TypeSingle,
	}); !ok {
		t.Fatalf("seed buy refused")
	}
	e.replicate(context.Background(), buyYes(t, "h2", 100), e.clock())
	p, _ := e.Ledger.GetPosition("M", market.SideYes, "t1", "Yes")
	if !p.Size.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("size=%s want=15", p.Size)
	}
}

func TestReplicate_SellLossGuard(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())

	// Entry 440, sell executes at 380: a 13.6% loss exceeds the 10% guard.
	fv.books["t1"] = &clob.OrderBook{Bids: []clob.Order{level(0.38, 5000)}, Asks: []clob.Order{level(0.40, 5000)}}
	sellAct := mustActivity(t, `{"id":"h2","timestamp":1750000100,"type":"TRADE","side":"SELL","outcome":"Yes","size":100,"price":0.38,"conditionId":"M"}`)
	e.replicate(context.Background(), sellAct, e.clock())

	if _, ok := e.Ledger.GetPosition("M", market.SideYes, "t1", "Yes"); !ok {
		t.Fatalf("loss guard did not hold the position")
	}
	if len(e.Ledger.ClosedPositions()) != 0 {
		t.Fatalf("position closed through loss guard")
	}
}

func TestClose_MinHoldBlocksAutomatedTriggers(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
		live: map[string]*venue.LivePrice{
			"M": {BestBidTick: 420, BestAskTick: 440, MidTick: 430},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())

	// Wall clock right at entry: automated close is inside the hold window.
	e.now = time.Now
	e.Close(context.Background(), CloseRequest{
		MarketID: "M", Side: market.SideYes, TokenID: "t1", OutcomeLabel: "Yes",
		Trigger: ledger.TriggerSystemPolicy, Cause: "",
	})
	if len(e.Ledger.ClosedPositions()) != 0 {
		t.Fatalf("automated close beat the minimum hold")
	}

	// User action ignores the hold.
	e.Close(context.Background(), CloseRequest{
		MarketID: "M", Side: market.SideYes, TokenID: "t1", OutcomeLabel: "Yes",
		Trigger: ledger.TriggerUserAction, Cause: ledger.CauseUserManualClose,
	})
	if len(e.Ledger.ClosedPositions()) != 1 {
		t.Fatalf("user close blocked")
	}
}

func TestLifecycleSweep_PendingAndReopen(t *testing.T) {
	m := binaryMarket("M")
	m.Container.Markets[0].EndTimeMs = time.Now().Add(-time.Hour).UnixMilli()
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": m},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())

	e.lifecycleSweep(context.Background())
	p, _ := e.Ledger.GetPosition("M", market.SideYes, "t1", "Yes")
	if p.State != ledger.StatePendingResolution {
		t.Fatalf("state=%s want=%s", p.State, ledger.StatePendingResolution)
	}

	// The venue pushes the end date out: the market re-opens.
	reopened := binaryMarket("M")
	reopened.Container.Markets[0].EndTimeMs = time.Now().Add(time.Hour).UnixMilli()
	fv.markets["M"] = reopened
	e.lifecycleSweep(context.Background())
	p, _ = e.Ledger.GetPosition("M", market.SideYes, "t1", "Yes")
	if p.State != ledger.StateOpen {
		t.Fatalf("state=%s want=%s", p.State, ledger.StateOpen)
	}
}

func TestStreamMessage_MultiNoInversion(t *testing.T) {
	fv := &fakeVenue{}
	e := newTestEngine(t, fv)
	if ok, _ := e.Ledger.ApplyTrade(ledger.TradeInput{
		MarketID: "M", Question: "q", Side: market.SideNo, OutcomeLabel: "No",
		Shares: decimal.NewFromInt(10), Tick: 600, TxHash: "seed", Reason: "COPY_TRADE",
		TokenID: "tNo", MarketType: market.TypeMulti,
	}); !ok {
		t.Fatalf("seed refused")
	}
	if err := e.Ledger.UpdateMarketCache("M", "q", "", []string{"Yes", "No"}, []string{"tYes", "tNo"}, 0); err != nil {
		t.Fatalf("cache: %v", err)
	}

	ids := e.rebuildStreamTargets()
	if len(ids) != 1 || ids[0] != "tYes" {
		t.Fatalf("ids=%v want=[tYes] (multi NO tracks the sibling YES leg)", ids)
	}

	raw := []byte(`[{"asset_id":"tYes","bids":[["0.30","100"]],"asks":[["0.32","100"]]}]`)
	e.onStreamMessage(clob.MarketEnvelope{EventType: "book"}, raw)

	p, _ := e.Ledger.GetPosition("M", market.SideNo, "tNo", "No")
	if p.CurrentTick != 690 {
		t.Fatalf("currentTick=%d want=690", p.CurrentTick)
	}
}

func TestRestPriceFallback_RefreshesStaleTicks(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())

	fv.books["t1"] = &clob.OrderBook{Bids: []clob.Order{level(0.60, 100)}, Asks: []clob.Order{level(0.64, 100)}}
	e.restPriceFallback(context.Background())

	p, _ := e.Ledger.GetPosition("M", market.SideYes, "t1", "Yes")
	if p.CurrentTick != 620 {
		t.Fatalf("currentTick=%d want=620", p.CurrentTick)
	}
	if !p.UnrealizedPnL.Equal(decimal.NewFromFloat(1.8)) {
		t.Fatalf("unrealized=%s want=1.8", p.UnrealizedPnL)
	}
}

func TestCloseAll(t *testing.T) {
	fv := &fakeVenue{
		markets: map[string]*market.Market{"M": binaryMarket("M")},
		books: map[string]*clob.OrderBook{
			"t1": {Bids: []clob.Order{level(0.42, 5000)}, Asks: []clob.Order{level(0.44, 5000)}},
		},
		live: map[string]*venue.LivePrice{
			"M": {BestBidTick: 420, BestAskTick: 440, MidTick: 430},
		},
	}
	e := newTestEngine(t, fv)
	e.replicate(context.Background(), buyYes(t, "h1", 100), e.clock())

	e.CloseAll(context.Background())
	if len(e.Ledger.Positions()) != 0 {
		t.Fatalf("positions remain after close-all")
	}
	closed := e.Ledger.ClosedPositions()
	if len(closed) != 1 || closed[0].CloseTrigger != ledger.TriggerUserAction {
		t.Fatalf("closed=%+v", closed)
	}
	// User close exits at the YES best bid.
	if closed[0].ExitTick != 420 {
		t.Fatalf("exitTick=%d want=420", closed[0].ExitTick)
	}
}
