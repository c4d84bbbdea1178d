package engine

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polycopy/internal/audit"
	"polycopy/internal/client/polymarket/clob"
	"polycopy/internal/client/polymarket/gamma"
	"polycopy/internal/ledger"
	"polycopy/internal/market"
	"polycopy/internal/metrics"
	"polycopy/internal/retry"
	"polycopy/internal/settings"
	"polycopy/internal/slippage"
	"polycopy/internal/tick"
)

const copyTradeReason = "COPY_TRADE"

// minSizingTick floors the per-share price used for fixed-USD sizing so a
// near-zero book cannot produce an absurd share count.
const minSizingTick = 10

func (e *Engine) replicate(ctx context.Context, act gamma.Activity, fetchedAt time.Time) {
	if !strings.EqualFold(strings.TrimSpace(act.Type), "TRADE") {
		return
	}
	if act.TimestampMs() < e.startupCursorMs {
		return
	}
	txHash := act.TxHash()
	if txHash == "" || e.Ledger.HasProcessed(txHash) {
		return
	}
	marketID := act.Market()
	if marketID == "" {
		e.skip("missing_market", act, "")
		return
	}
	if e.Filter.IsBlacklisted(marketID) && !e.paperHoldsMarket(marketID) {
		e.skip("blacklisted", act, marketID)
		return
	}

	m := e.marketModel(ctx, marketID)
	if m == nil {
		e.skip("no_metadata", act, marketID)
		return
	}
	marketType := market.Classify(m.Container, marketID, e.clock()).Type

	outcome, side, ok := m.MatchOutcome(act.Outcome)
	if !ok || outcome.TokenID == "" {
		e.skip("unmapped_outcome", act, marketID)
		return
	}

	isBuy := strings.EqualFold(act.Side, "BUY")
	sourceTick := tick.ToTick(float64(act.Price))

	book := e.Venue.OrderBook(ctx, outcome.TokenID)
	execTick := executionTick(book, isBuy, sourceTick)

	// Max-tick guard: a book pinned at the top of the grid is a market in
	// its death throes; wait once and re-check before giving up. The trade
	// stays unprocessed so a later healthy book can still replicate it.
	if execTick >= tick.Max {
		if !e.waitFor(ctx, e.maxTickWait()) {
			return
		}
		book = e.Venue.OrderBook(ctx, outcome.TokenID)
		execTick = executionTick(book, isBuy, sourceTick)
		if execTick >= tick.Max {
			e.skip("max_tick", act, marketID)
			return
		}
	}

	var pos ledger.Position
	var havePos bool
	if !isBuy {
		pos, havePos = e.Ledger.GetPosition(marketID, side, outcome.TokenID, outcome.Label)
		if !havePos || !pos.Size.IsPositive() {
			e.skip("no_position", act, marketID)
			return
		}
	}

	shares := e.sizeShares(isBuy, float64(act.Size), execTick, pos, havePos)
	if !shares.IsPositive() {
		e.skip("zero_size", act, marketID)
		return
	}

	if e.Config.EnableTradeFilters {
		if !isBuy && havePos && pos.EntryTick > 0 {
			lossPct := float64(pos.EntryTick-execTick) / float64(pos.EntryTick)
			if lossPct > sellLossCapPct {
				e.skip("loss_guard", act, marketID)
				return
			}
		}
		if e.Config.ExpectedEdge > 0 {
			if reason, ok := e.slippageGate(book, shares, execTick, isBuy); !ok {
				e.skip("slippage", act, marketID)
				if e.Logger != nil {
					e.Logger.Debug("slippage gate rejected trade", zap.String("market_id", marketID), zap.String("reason", reason))
				}
				return
			}
		}
	}

	if !isBuy {
		e.Close(ctx, CloseRequest{
			MarketID:     marketID,
			Side:         side,
			TokenID:      outcome.TokenID,
			OutcomeLabel: outcome.Label,
			Trigger:      ledger.TriggerCopyTraderEvent,
			Cause:        ledger.CauseTargetSelloff,
			ForceTick:    execTick,
			TxHash:       txHash,
		})
		return
	}

	latencyMs := e.clock().Sub(fetchedAt).Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}
	in := ledger.TradeInput{
		MarketID:     marketID,
		Question:     m.Question,
		Slug:         m.Slug,
		Side:         side,
		OutcomeLabel: outcome.Label,
		Shares:       shares,
		Tick:         execTick,
		TxHash:       txHash,
		Reason:       copyTradeReason,
		SourceTick:   sourceTick,
		LatencyMs:    latencyMs,
		TokenID:      outcome.TokenID,
		MarketType:   marketType,
	}
	commitCfg := e.Retry
	commitCfg.RetryIf = func(error) bool { return true }
	res := retry.Do(ctx, commitCfg, e.Logger, "ledger_commit", func(context.Context) (bool, error) {
		return e.Ledger.ApplyTrade(in)
	})
	if !res.Success {
		e.Audit.Log(audit.CategoryError, "buy commit failed market=%s err=%v", marketID, res.Err)
		return
	}
	if !res.Data {
		e.skip("ledger_refused", act, marketID)
		return
	}

	metrics.TradesCopied.WithLabelValues("BUY").Inc()
	metrics.CopyLatency.Observe(float64(e.clock().UnixMilli()-act.TimestampMs()) / 1000)
	e.Audit.Log(audit.CategoryTrade, "copied BUY market=%q outcome=%s shares=%s tick=%d source_tick=%d",
		m.Question, outcome.Label, shares.StringFixed(2), execTick, sourceTick)
	e.Audit.Trade(audit.TradeRow{
		Timestamp:      e.clock(),
		ProfileAddress: e.Config.ProfileAddress,
		MarketQuestion: m.Question,
		Side:           "BUY",
		Size:           shares.InexactFloat64(),
		Price:          tick.FromTick(execTick),
		Intent:         copyTradeReason,
	})
	e.RefreshSubscriptions()
}

// marketModel fetches fresh metadata, refreshing the persistent cache, and
// falls back to the cache when the venue is unreachable.
func (e *Engine) marketModel(ctx context.Context, marketID string) *market.Market {
	if m := e.Venue.MarketDetails(ctx, marketID); m != nil {
		outcomes := make([]string, 0, len(m.Outcomes))
		tokens := make([]string, 0, len(m.Outcomes))
		for _, o := range m.Outcomes {
			outcomes = append(outcomes, o.Label)
			tokens = append(tokens, o.TokenID)
		}
		if err := e.Ledger.UpdateMarketCache(marketID, m.Question, m.Slug, outcomes, tokens, m.EndTimeMs); err != nil && e.Logger != nil {
			e.Logger.Warn("market cache update failed", zap.Error(err))
		}
		return m
	}
	cached, ok := e.Ledger.MarketCacheGet(marketID)
	if !ok {
		return nil
	}
	m := &market.Market{
		ID:        cached.MarketID,
		Question:  cached.Question,
		Slug:      cached.Slug,
		EndTimeMs: cached.EndTimeMs,
		Binary:    len(cached.Outcomes) == 2,
	}
	for i, label := range cached.Outcomes {
		o := market.Outcome{Label: label}
		if i < len(cached.ClobTokenIds) {
			o.TokenID = cached.ClobTokenIds[i]
		}
		m.Outcomes = append(m.Outcomes, o)
	}
	return m
}

// executionTick picks the realistic fill price: best ask for buys, best bid
// for sells, the source's own tick when the book is unusable.
func executionTick(book *clob.OrderBook, isBuy bool, sourceTick int) int {
	if book != nil {
		bid, okBid := book.BestBidTick()
		ask, okAsk := book.BestAskTick()
		if okBid && okAsk {
			if isBuy {
				return ask
			}
			return bid
		}
	}
	return tick.Clamp(sourceTick)
}

// sizeShares applies the configured sizing mode and the minimum-order
// floor; sells clamp to the owned size.
func (e *Engine) sizeShares(isBuy bool, sourceSize float64, execTick int, pos ledger.Position, havePos bool) decimal.Decimal {
	ts := e.Settings.Get()
	var shares decimal.Decimal
	if ts.Mode == settings.ModeFixed {
		priceTick := execTick
		if priceTick < minSizingTick {
			priceTick = minSizingTick
		}
		shares = decimal.NewFromFloat(ts.FixedAmountUSD).Div(decimal.NewFromFloat(tick.FromTick(priceTick)))
	} else {
		shares = decimal.NewFromFloat(sourceSize).Mul(decimal.NewFromFloat(ts.Percentage))
	}
	minShares := decimal.NewFromFloat(e.Config.MinOrderSizeShares)
	if shares.LessThan(minShares) {
		shares = minShares
	}
	if !isBuy && havePos && shares.GreaterThan(pos.Size) {
		shares = pos.Size
	}
	return shares
}

func (e *Engine) slippageGate(book *clob.OrderBook, shares decimal.Decimal, execTick int, isBuy bool) (string, bool) {
	if book == nil {
		return "", true
	}
	bid, okBid := book.BestBidTick()
	ask, okAsk := book.BestAskTick()
	if !okBid || !okAsk {
		return "", true
	}
	notional := shares.Mul(decimal.NewFromFloat(tick.FromTick(execTick)))
	est := slippage.Evaluate(slippage.Input{
		BestBidTick:  bid,
		BestAskTick:  ask,
		Book:         book,
		NotionalUSD:  notional,
		Buy:          isBuy,
		ExpectedEdge: e.Config.ExpectedEdge,
		DelayPenalty: e.Config.SlippageDelayPenalty,
	})
	return est.Reason, est.Execute
}

func (e *Engine) skip(reason string, act gamma.Activity, marketID string) {
	metrics.TradesSkipped.WithLabelValues(reason).Inc()
	if e.Logger != nil {
		e.Logger.Debug("trade skipped",
			zap.String("reason", reason),
			zap.String("market_id", marketID),
			zap.String("tx", act.TxHash()),
			zap.String("side", act.Side),
		)
	}
}

func (e *Engine) maxTickWait() time.Duration {
	if e.Config.MaxTickWait > 0 {
		return e.Config.MaxTickWait
	}
	return 30 * time.Second
}

// waitFor sleeps d or returns false when the context ends first.
func (e *Engine) waitFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
