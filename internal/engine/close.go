package engine

import (
	"context"

	"go.uber.org/zap"

	"polycopy/internal/audit"
	"polycopy/internal/ledger"
	"polycopy/internal/market"
	"polycopy/internal/metrics"
	"polycopy/internal/tick"
)

// CloseRequest is one close intent against a position. Competing intents
// are arbitrated by trigger priority; a numerically lower rank wins.
type CloseRequest struct {
	MarketID     string
	Side         market.Side
	TokenID      string
	OutcomeLabel string
	Trigger      ledger.CloseTrigger
	Cause        ledger.CloseCause
	ForceTick    int
	TxHash       string
}

// Close is the single path every close intent funnels through: resolution
// sweeps, copy-sells, user commands and guards all race here and the
// strongest trigger wins the position.
func (e *Engine) Close(ctx context.Context, req CloseRequest) {
	pos, ok := e.Ledger.GetPosition(req.MarketID, req.Side, req.TokenID, req.OutcomeLabel)
	if !ok {
		if e.Logger != nil {
			e.Logger.Debug("close requested for unknown position",
				zap.String("market_id", req.MarketID),
				zap.String("side", string(req.Side)),
				zap.String("trigger", string(req.Trigger)),
			)
		}
		return
	}

	// State gate. CLOSING positions stay contested: the priority gate below
	// decides whether the incoming trigger may take the close over.
	switch pos.State {
	case ledger.StateOpen, ledger.StateClosing:
	case ledger.StatePendingResolution:
		if req.Trigger != ledger.TriggerMarketResolution {
			return
		}
	default:
		return
	}

	// Minimum hold: automated triggers must not flip a position that was
	// entered moments ago; users and settlement always may.
	if req.Trigger != ledger.TriggerUserAction && req.Trigger != ledger.TriggerMarketResolution {
		if e.clock().UnixMilli()-pos.LastEntryTime < minHoldDuration.Milliseconds() {
			return
		}
	}

	prio := req.Trigger.Priority()
	if pos.ClosePriority != 0 && pos.ClosePriority < prio {
		if e.Logger != nil {
			e.Logger.Debug("close ignored by priority gate",
				zap.String("market_id", req.MarketID),
				zap.Int("held", pos.ClosePriority),
				zap.Int("incoming", prio),
			)
		}
		return
	}

	exitTick := e.exitTick(ctx, req, pos)

	if err := e.Ledger.MarkClosing(req.MarketID, req.Side, req.TokenID, req.OutcomeLabel, req.Trigger, req.Cause); err != nil {
		if e.Logger != nil {
			e.Logger.Warn("mark closing failed", zap.Error(err))
		}
		return
	}

	reason := string(req.Trigger) + "|" + string(req.Cause)
	ok, err := e.Ledger.ApplyTrade(ledger.TradeInput{
		MarketID:     pos.MarketID,
		Question:     pos.Question,
		Slug:         pos.Slug,
		Side:         pos.Side,
		OutcomeLabel: pos.OutcomeLabel,
		Shares:       pos.Size.Neg(),
		Tick:         exitTick,
		TxHash:       req.TxHash,
		Reason:       reason,
		TokenID:      pos.TokenID,
		MarketType:   pos.MarketType,
	})
	if err != nil || !ok {
		// Revert so a retry (or a stronger trigger) can claim the close.
		if revertErr := e.Ledger.RevertClosing(req.MarketID, req.Side, req.TokenID, req.OutcomeLabel); revertErr != nil && e.Logger != nil {
			e.Logger.Warn("revert closing failed", zap.Error(revertErr))
		}
		e.Audit.Log(audit.CategoryError, "close commit failed market=%s trigger=%s err=%v", req.MarketID, req.Trigger, err)
		return
	}

	metrics.ClosesTotal.WithLabelValues(string(req.Trigger)).Inc()
	e.Audit.Log(audit.CategoryClose, "closed market=%q side=%s exit_tick=%d trigger=%s cause=%s",
		pos.Question, pos.Side, exitTick, req.Trigger, req.Cause)
	if req.Trigger == ledger.TriggerCopyTraderEvent {
		e.Audit.Trade(audit.TradeRow{
			Timestamp:      e.clock(),
			ProfileAddress: e.Config.ProfileAddress,
			MarketQuestion: pos.Question,
			Side:           "SELL",
			Size:           pos.Size.InexactFloat64(),
			Price:          tick.FromTick(exitTick),
			Intent:         reason,
		})
		metrics.TradesCopied.WithLabelValues("SELL").Inc()
	}
	e.RefreshSubscriptions()
}

// exitTick determines the realized price for a close: a forced price wins,
// settlement pays the grid extremes, and live closes hit the book with the
// NO leg inverted.
func (e *Engine) exitTick(ctx context.Context, req CloseRequest, pos ledger.Position) int {
	if req.ForceTick > 0 {
		return tick.Clamp(req.ForceTick)
	}
	if req.Trigger == ledger.TriggerMarketResolution {
		won := (req.Cause == ledger.CauseWinnerYes && pos.Side == market.SideYes) ||
			(req.Cause == ledger.CauseWinnerNo && pos.Side == market.SideNo)
		if won {
			return tick.Max
		}
		return tick.Min
	}
	if lp := e.Venue.LivePrice(ctx, req.MarketID); lp != nil {
		if pos.Side == market.SideYes {
			return tick.Clamp(lp.BestBidTick)
		}
		return tick.Invert(lp.BestAskTick)
	}
	if pos.CurrentTick > 0 {
		return tick.Clamp(pos.CurrentTick)
	}
	return tick.Clamp(pos.EntryTick)
}
