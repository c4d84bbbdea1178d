// Package engine drives trade replication and the position lifecycle: it
// polls the source account's activity, replicates trades against live
// books, arbitrates concurrent close triggers, and sweeps open positions
// toward settlement.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"polycopy/internal/audit"
	"polycopy/internal/client/polymarket/clob"
	"polycopy/internal/client/polymarket/gamma"
	"polycopy/internal/config"
	"polycopy/internal/filter"
	"polycopy/internal/ledger"
	"polycopy/internal/market"
	"polycopy/internal/metrics"
	"polycopy/internal/retry"
	"polycopy/internal/settings"
	"polycopy/internal/venue"
)

const (
	lifecycleEvery = 10 // loop ticks between lifecycle sweeps
	liquidityEvery = 5  // loop ticks between liquidity checks

	priceStaleAfter  = 30 * time.Second
	minHoldDuration  = 5 * time.Second
	liquidityStrikes = 3
	sellLossCapPct   = 0.10
	activityLimit    = 10
	backfillWindow   = 10 * time.Minute
)

// Venue is the slice of the venue facade the engine consumes.
type Venue interface {
	UserActivity(ctx context.Context, address string, limit int) []gamma.Activity
	UserPositions(ctx context.Context, address string) []gamma.UserPosition
	UserProfile(ctx context.Context, address string) *gamma.UserProfile
	MarketDetails(ctx context.Context, marketID string) *market.Market
	OrderBook(ctx context.Context, tokenID string) *clob.OrderBook
	LivePrice(ctx context.Context, marketID string) *venue.LivePrice
}

type Engine struct {
	Venue     Venue
	Ledger    *ledger.Store
	Filter    *filter.Filter
	Settings  *settings.Store
	Audit     *audit.Logger
	Logger    *zap.Logger
	Config    config.EngineConfig
	Retry     retry.Config
	StreamURL string

	mu              sync.Mutex
	running         bool
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	startupCursorMs int64

	stream    *clob.MarketStream
	streamMu  sync.Mutex
	streamMap map[string]streamTarget

	strikesMu sync.Mutex
	strikes   map[string]int

	now func() time.Time
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// Start brings up the poll loop and the market stream. It is a no-op when
// the engine is already running.
func (e *Engine) Start(parent context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	e.running = true

	cursor := e.clock()
	if !e.Config.StartFromNow {
		cursor = cursor.Add(-backfillWindow)
	}
	e.startupCursorMs = cursor.UnixMilli()

	if e.Config.SkipActivePositions {
		e.RefreshBlacklist(ctx)
	}
	e.rebuildStreamTargets()

	e.wg.Add(2)
	go e.runStream(ctx)
	go e.runLoop(ctx)

	e.Audit.Log(audit.CategoryEngine, "engine started cursor=%d", e.startupCursorMs)
	if e.Logger != nil {
		e.Logger.Info("engine started", zap.Int64("cursor_ms", e.startupCursorMs))
	}
	return nil
}

// Stop requests a cooperative shutdown; in-flight work finishes on its own
// bounded timeouts. Use Wait to block until the goroutines exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.Audit.Log(audit.CategoryEngine, "engine stop requested")
	if e.Logger != nil {
		e.Logger.Info("engine stopping")
	}
}

// Wait blocks until the loop and stream goroutines have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) Status() string {
	if e.IsRunning() {
		return "running"
	}
	return "stopped"
}

// RefreshBlacklist scans the source's live holdings and blacklists every
// market the paper ledger does not already participate in: those holdings
// predate the copy session and must not be shadowed.
func (e *Engine) RefreshBlacklist(ctx context.Context) {
	holdings := e.Venue.UserPositions(ctx, e.Config.ProfileAddress)
	if holdings == nil {
		return
	}
	held := map[string]struct{}{}
	for _, p := range e.Ledger.Positions() {
		held[p.MarketID] = struct{}{}
	}
	var ids []string
	for _, h := range holdings {
		if h.ConditionID == "" {
			continue
		}
		if _, ok := held[h.ConditionID]; ok {
			continue
		}
		ids = append(ids, h.ConditionID)
	}
	if err := e.Filter.Initialize(ids); err != nil {
		if e.Logger != nil {
			e.Logger.Warn("blacklist init failed", zap.Error(err))
		}
		return
	}
	e.Audit.Log(audit.CategoryEngine, "blacklist initialized with %d markets", len(ids))
}

func (e *Engine) runLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.Config.PollInterval()
	n := 0
	for {
		n++
		e.safeTick(ctx, n)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// safeTick runs one loop pass; a panic is logged and the loop continues on
// the next tick.
func (e *Engine) safeTick(ctx context.Context, n int) {
	defer func() {
		if r := recover(); r != nil {
			e.Audit.Log(audit.CategoryCrash, "loop tick panic: %v", r)
			if e.Logger != nil {
				e.Logger.Error("loop tick panic", zap.Any("panic", r))
			}
		}
	}()
	if ctx.Err() != nil {
		return
	}
	e.pollActivity(ctx)
	if n%lifecycleEvery == 0 {
		e.lifecycleSweep(ctx)
	}
	if n%liquidityEvery == 0 {
		e.liquidityCheck(ctx)
	}
	e.restPriceFallback(ctx)
	e.publishGauges()
}

// pollActivity processes the source feed oldest-first: the venue answers
// newest-first and the dedup set protects against cross-poll reordering.
func (e *Engine) pollActivity(ctx context.Context) {
	acts := e.Venue.UserActivity(ctx, e.Config.ProfileAddress, activityLimit)
	if len(acts) == 0 {
		return
	}
	fetchedAt := e.clock()
	for i := len(acts) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return
		}
		e.replicate(ctx, acts[i], fetchedAt)
	}
}

func (e *Engine) publishGauges() {
	metrics.OpenPositions.Set(float64(len(e.Ledger.Positions())))
	metrics.BalanceUSD.Set(e.Ledger.Balance().InexactFloat64())
}

// CloseAll closes every open position on user request.
func (e *Engine) CloseAll(ctx context.Context) {
	e.Audit.Log(audit.CategoryAPI, "close-all requested")
	for _, p := range e.Ledger.Positions() {
		e.Close(ctx, CloseRequest{
			MarketID:     p.MarketID,
			Side:         p.Side,
			TokenID:      p.TokenID,
			OutcomeLabel: p.OutcomeLabel,
			Trigger:      ledger.TriggerUserAction,
			Cause:        ledger.CauseUserCloseAll,
		})
	}
}

// ManualClose closes one position on user request.
func (e *Engine) ManualClose(ctx context.Context, marketID string, side market.Side, tokenID, outcomeLabel string) error {
	if marketID == "" {
		return fmt.Errorf("marketId is required")
	}
	e.Audit.Log(audit.CategoryAPI, "manual close requested market=%s side=%s", marketID, side)
	e.Close(ctx, CloseRequest{
		MarketID:     marketID,
		Side:         side,
		TokenID:      tokenID,
		OutcomeLabel: outcomeLabel,
		Trigger:      ledger.TriggerUserAction,
		Cause:        ledger.CauseUserManualClose,
	})
	return nil
}

func (e *Engine) GetTradeSettings() settings.TradeSettings {
	return e.Settings.Get()
}

func (e *Engine) SetTradeSettings(p settings.Patch) (settings.TradeSettings, error) {
	out, err := e.Settings.Apply(p)
	if err == nil {
		e.Audit.Log(audit.CategoryAPI, "trade settings updated mode=%s pct=%.4f fixed=%.2f", out.Mode, out.Percentage, out.FixedAmountUSD)
	}
	return out, err
}

// paperHoldsMarket reports whether the ledger already has a local position
// in the market; scale-ins bypass the blacklist.
func (e *Engine) paperHoldsMarket(marketID string) bool {
	for _, p := range e.Ledger.Positions() {
		if p.MarketID == marketID {
			return true
		}
	}
	return false
}
