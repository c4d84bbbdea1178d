package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/market"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	s, err := Open(path, decimal.NewFromInt(1000), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func buy(marketID, tokenID string, side market.Side, shares float64, tk int, hash string) TradeInput {
	return TradeInput{
		MarketID:     marketID,
		Question:     "test market",
		Side:         side,
		OutcomeLabel: "Yes",
		Shares:       decimal.NewFromFloat(shares),
		Tick:         tk,
		TxHash:       hash,
		Reason:       "COPY_TRADE",
		TokenID:      tokenID,
		MarketType:   market.TypeSingle,
	}
}

func sell(marketID, tokenID string, side market.Side, shares float64, tk int, hash, reason string) TradeInput {
	in := buy(marketID, tokenID, side, -shares, tk, hash)
	in.Reason = reason
	return in
}

func TestApplyTrade_BinaryCopyBuy(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.ApplyTrade(buy("M", "t1", market.SideYes, 10, 440, "h1"))
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	p, found := s.GetPosition("M", market.SideYes, "t1", "Yes")
	if !found {
		t.Fatalf("position missing")
	}
	if p.EntryTick != 440 || !p.Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("p=%+v", p)
	}
	want := decimal.NewFromFloat(995.6)
	if !s.Balance().Equal(want) {
		t.Fatalf("balance=%s want=%s", s.Balance(), want)
	}
	events := s.TradeEvents()
	if len(events) != 1 || events[0].Side != "BUY" {
		t.Fatalf("events=%+v", events)
	}
}

func TestApplyTrade_ScaleInWeightedAverage(t *testing.T) {
	s := newTestStore(t)
	if ok, _ := s.ApplyTrade(buy("M", "t1", market.SideYes, 10, 440, "h1")); !ok {
		t.Fatalf("first buy refused")
	}
	if ok, _ := s.ApplyTrade(buy("M", "t1", market.SideYes, 20, 500, "h2")); !ok {
		t.Fatalf("second buy refused")
	}
	p, _ := s.GetPosition("M", market.SideYes, "t1", "Yes")
	if !p.Size.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("size=%s want=30", p.Size)
	}
	// (10*0.44 + 20*0.50) / 30 = 0.48
	if p.EntryTick != 480 {
		t.Fatalf("entryTick=%d want=480", p.EntryTick)
	}
}

func TestApplyTrade_SellRealizesAndMigratesToClosed(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.ApplyTrade(buy("M", "t1", market.SideYes, 10, 440, "h1"))
	_, _ = s.ApplyTrade(buy("M", "t1", market.SideYes, 20, 500, "h2"))

	ok, err := s.ApplyTrade(sell("M", "t1", market.SideYes, 30, 550, "h3", "COPY_TRADER_EVENT|TARGET_SELLOFF"))
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if _, found := s.GetPosition("M", market.SideYes, "t1", "Yes"); found {
		t.Fatalf("position should be closed")
	}
	closed := s.ClosedPositions()
	if len(closed) != 1 {
		t.Fatalf("closed=%d want=1", len(closed))
	}
	c := closed[0]
	if c.ExitTick != 550 || c.EntryTick != 480 {
		t.Fatalf("c=%+v", c)
	}
	if !c.RealizedPnL.Equal(decimal.NewFromFloat(2.1)) {
		t.Fatalf("pnl=%s want=2.1", c.RealizedPnL)
	}
	if c.CloseTrigger != TriggerCopyTraderEvent || c.CloseCause != CauseTargetSelloff {
		t.Fatalf("c=%+v", c)
	}
	// 995.6 - 10 + 16.5 = 1002.1
	if !s.Balance().Equal(decimal.NewFromFloat(1002.1)) {
		t.Fatalf("balance=%s", s.Balance())
	}
}

func TestApplyTrade_IdempotentTxHash(t *testing.T) {
	s := newTestStore(t)
	in := buy("M", "t1", market.SideYes, 10, 440, "h1")
	if ok, _ := s.ApplyTrade(in); !ok {
		t.Fatalf("first apply refused")
	}
	before := s.Balance()
	if ok, _ := s.ApplyTrade(in); ok {
		t.Fatalf("second apply accepted")
	}
	if !s.Balance().Equal(before) {
		t.Fatalf("balance changed on duplicate")
	}
	p, _ := s.GetPosition("M", market.SideYes, "t1", "Yes")
	if !p.Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("size=%s", p.Size)
	}
}

func TestApplyTrade_OrphanSellGuard(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.ApplyTrade(sell("M", "t1", market.SideYes, 5, 500, "h9", "COPY_TRADER_EVENT|TARGET_SELLOFF"))
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !s.HasProcessed("h9") {
		t.Fatalf("orphan sell hash not marked processed")
	}
	if !s.Balance().Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("balance=%s", s.Balance())
	}
}

func TestApplyTrade_SolvencyGuard(t *testing.T) {
	s := newTestStore(t)
	ok, _ := s.ApplyTrade(buy("M", "t1", market.SideYes, 10000, 500, "big"))
	if ok {
		t.Fatalf("insolvent buy accepted")
	}
	if !s.HasProcessed("big") {
		t.Fatalf("hash not marked processed")
	}
	if len(s.Positions()) != 0 {
		t.Fatalf("positions=%d", len(s.Positions()))
	}
}

func TestApplyTrade_SellClampsToOwned(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.ApplyTrade(buy("M", "t1", market.SideYes, 10, 400, "h1"))
	ok, _ := s.ApplyTrade(sell("M", "t1", market.SideYes, 50, 500, "h2", "COPY_TRADER_EVENT|TARGET_SELLOFF"))
	if !ok {
		t.Fatalf("sell refused")
	}
	// Clamped to 10 shares: proceeds 5.00 against cost 4.00.
	if !s.Balance().Equal(decimal.NewFromInt(1001)) {
		t.Fatalf("balance=%s want=1001", s.Balance())
	}
	closed := s.ClosedPositions()
	if len(closed) != 1 || !closed[0].Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("closed=%+v", closed)
	}
}

func TestApplyTrade_ResolutionSellEmitsNoEvent(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.ApplyTrade(buy("M", "t1", market.SideYes, 10, 400, "h1"))
	ok, _ := s.ApplyTrade(sell("M", "t1", market.SideYes, 10, 999, "h2", "MARKET_RESOLUTION|WINNER_YES"))
	if !ok {
		t.Fatalf("settlement refused")
	}
	for _, ev := range s.TradeEvents() {
		if ev.Side == "SELL" {
			t.Fatalf("settlement emitted a SELL event: %+v", ev)
		}
	}
}

func TestApplyTrade_StateGateRejectsSell(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.ApplyTrade(buy("M", "t1", market.SideYes, 10, 400, "h1"))
	if err := s.SetPositionState("M", market.SideYes, "t1", "Yes", StatePendingResolution); err != nil {
		t.Fatalf("set state: %v", err)
	}
	ok, _ := s.ApplyTrade(sell("M", "t1", market.SideYes, 10, 500, "h2", "COPY_TRADER_EVENT|TARGET_SELLOFF"))
	if ok {
		t.Fatalf("sell accepted against PENDING_RESOLUTION")
	}
	if s.HasProcessed("h2") {
		t.Fatalf("state-gated sell must stay retryable")
	}
}

func TestApplyTrade_LegacyKeyMigration(t *testing.T) {
	s := newTestStore(t)
	// Legacy position without a token id.
	in := buy("M", "", market.SideYes, 10, 400, "h1")
	if ok, _ := s.ApplyTrade(in); !ok {
		t.Fatalf("legacy buy refused")
	}
	// Next write carries the token id: the entry migrates to the canonical key.
	if ok, _ := s.ApplyTrade(buy("M", "t1", market.SideYes, 10, 400, "h2")); !ok {
		t.Fatalf("migrating buy refused")
	}
	p, found := s.GetPosition("M", market.SideYes, "t1", "")
	if !found || p.TokenID != "t1" {
		t.Fatalf("p=%+v found=%v", p, found)
	}
	if !p.Size.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("size=%s want=20", p.Size)
	}
	if len(s.Positions()) != 1 {
		t.Fatalf("positions=%d want=1", len(s.Positions()))
	}
}

func TestUpdateRealTimePrice_TokenAndLegacyDerivation(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.ApplyTrade(buy("M", "t1", market.SideYes, 10, 400, "h1"))
	legacyNo := buy("M2", "", market.SideNo, 10, 600, "h2")
	legacyNo.OutcomeLabel = ""
	_, _ = s.ApplyTrade(legacyNo)

	if err := s.UpdateRealTimePrice("M", 450, "t1"); err != nil {
		t.Fatalf("err=%v", err)
	}
	p, _ := s.GetPosition("M", market.SideYes, "t1", "")
	if p.CurrentTick != 450 {
		t.Fatalf("currentTick=%d want=450", p.CurrentTick)
	}
	if !p.UnrealizedPnL.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("unrealized=%s want=0.5", p.UnrealizedPnL)
	}

	// Legacy NO derives 1000 - yesTick.
	if err := s.UpdateRealTimePrice("M2", 300, ""); err != nil {
		t.Fatalf("err=%v", err)
	}
	p2, _ := s.GetPosition("M2", market.SideNo, "", "")
	if p2.CurrentTick != 700 {
		t.Fatalf("currentTick=%d want=700", p2.CurrentTick)
	}
}

func TestPriceFresh(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	_ = s.UpdateRealTimePrice("M", 500, "t1")
	if !s.PriceFresh("t1", 30*time.Second) {
		t.Fatalf("fresh entry reported stale")
	}
	s.now = func() time.Time { return base.Add(31 * time.Second) }
	if s.PriceFresh("t1", 30*time.Second) {
		t.Fatalf("stale entry reported fresh")
	}
	if s.PriceFresh("missing", 30*time.Second) {
		t.Fatalf("missing entry reported fresh")
	}
}

func TestOpen_PersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	s, err := Open(path, decimal.NewFromInt(1000), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = s.ApplyTrade(buy("M", "t1", market.SideYes, 10, 440, "h1"))

	s2, err := Open(path, decimal.NewFromInt(5), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !s2.Balance().Equal(decimal.NewFromFloat(995.6)) {
		t.Fatalf("balance=%s", s2.Balance())
	}
	if !s2.HasProcessed("h1") {
		t.Fatalf("processed set lost")
	}
	if len(s2.Positions()) != 1 {
		t.Fatalf("positions=%d", len(s2.Positions()))
	}
}

func TestOpen_CorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := Open(path, decimal.NewFromInt(1000), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !s.Balance().Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("balance=%s", s.Balance())
	}
}

func TestLoad_CoercesUnknownEnums(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	raw := map[string]any{
		"balance": "100",
		"positions": map[string]any{
			"M|t1": map[string]any{
				"marketId":     "M",
				"side":         "YES",
				"tokenId":      "t1",
				"size":         "10",
				"entryTick":    400,
				"state":        "LIMBO",
				"closeTrigger": "WHIM",
				"closeCause":   "WHIMSY",
				"marketType":   "WEIRD",
			},
		},
	}
	data, _ := json.Marshal(raw)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := Open(path, decimal.NewFromInt(1000), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p, found := s.GetPosition("M", market.SideYes, "t1", "")
	if !found {
		t.Fatalf("position missing")
	}
	if p.State != StateOpen {
		t.Fatalf("state=%s want=%s", p.State, StateOpen)
	}
	if p.CloseTrigger != TriggerSystemPolicy {
		t.Fatalf("trigger=%s want=%s", p.CloseTrigger, TriggerSystemPolicy)
	}
	if p.CloseCause != "" {
		t.Fatalf("cause=%q want empty", p.CloseCause)
	}
	if p.MarketType != market.TypeSingle {
		t.Fatalf("marketType=%s want=%s", p.MarketType, market.TypeSingle)
	}
}

func TestCloseTrigger_Priorities(t *testing.T) {
	order := []CloseTrigger{
		TriggerMarketResolution,
		TriggerSystemGuard,
		TriggerUserAction,
		TriggerCopyTraderEvent,
		TriggerSystemPolicy,
		TriggerTimeout,
	}
	for i, trig := range order {
		if trig.Priority() != i+1 {
			t.Fatalf("%s priority=%d want=%d", trig, trig.Priority(), i+1)
		}
	}
}
