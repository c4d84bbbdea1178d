package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"polycopy/internal/audit"
	"polycopy/internal/ledger"
	"polycopy/internal/market"
	"polycopy/internal/tick"
)

// lifecycleSweep reclassifies the market behind every open position and
// applies transitions: re-opened markets drop back to OPEN, halted markets
// park at PENDING_RESOLUTION, resolved markets settle at the grid extremes.
func (e *Engine) lifecycleSweep(ctx context.Context) {
	for _, pos := range e.Ledger.Positions() {
		if ctx.Err() != nil {
			return
		}
		if pos.State != ledger.StateOpen && pos.State != ledger.StatePendingResolution {
			continue
		}
		m := e.Venue.MarketDetails(ctx, pos.MarketID)
		if m == nil {
			continue
		}
		cls := market.Classify(m.Container, pos.MarketID, e.clock())
		switch cls.State {
		case market.StateActive:
			if pos.State == ledger.StatePendingResolution {
				if err := e.Ledger.SetPositionState(pos.MarketID, pos.Side, pos.TokenID, pos.OutcomeLabel, ledger.StateOpen); err == nil {
					e.Audit.Log(audit.CategoryLifecycle, "market re-opened market=%q", pos.Question)
				}
			}
		case market.StatePendingResolution:
			if pos.State == ledger.StateOpen {
				if err := e.Ledger.SetPositionState(pos.MarketID, pos.Side, pos.TokenID, pos.OutcomeLabel, ledger.StatePendingResolution); err == nil {
					e.Audit.Log(audit.CategoryLifecycle, "market pending resolution market=%q", pos.Question)
				}
			}
		case market.StateClosed:
			e.settle(ctx, pos, cls)
		}
	}
}

// settle converts a resolved classification into a MARKET_RESOLUTION close
// whose cause makes the exit-tick rule pay winners 999 and losers 1.
func (e *Engine) settle(ctx context.Context, pos ledger.Position, cls market.Classification) {
	won, ok := positionWon(pos, cls)
	if !ok {
		if e.Logger != nil {
			e.Logger.Warn("resolved market with unknown winner",
				zap.String("market_id", pos.MarketID),
				zap.String("label", cls.WinningLabel),
			)
		}
		return
	}
	winningSide := pos.Side
	if !won {
		winningSide = pos.Side.Opposite()
	}
	cause := ledger.CauseWinnerNo
	if winningSide == market.SideYes {
		cause = ledger.CauseWinnerYes
	}
	e.Audit.Log(audit.CategoryLifecycle, "settling market=%q side=%s won=%v", pos.Question, pos.Side, won)
	e.Close(ctx, CloseRequest{
		MarketID:     pos.MarketID,
		Side:         pos.Side,
		TokenID:      pos.TokenID,
		OutcomeLabel: pos.OutcomeLabel,
		Trigger:      ledger.TriggerMarketResolution,
		Cause:        cause,
	})
}

// positionWon decides whether the position is on the winning side. Multi
// children settle by the winning side within the child; single markets
// match the winning label against the held outcome, with the YES/NO result
// as fallback.
func positionWon(pos ledger.Position, cls market.Classification) (bool, bool) {
	if cls.Type == market.TypeMulti && cls.WinningSide != "" {
		return cls.WinningSide == pos.Side, true
	}
	if cls.WinningLabel != "" && pos.OutcomeLabel != "" {
		return strings.EqualFold(cls.WinningLabel, pos.OutcomeLabel), true
	}
	switch cls.Winner {
	case market.YesWon:
		return pos.Side == market.SideYes, true
	case market.NoWon:
		return pos.Side == market.SideNo, true
	}
	return false, false
}

// liquidityCheck watches open positions for books with no bids. Three
// consecutive empty checks only log a warning: the engine waits for
// resolution instead of forcing a zero-proceed exit.
func (e *Engine) liquidityCheck(ctx context.Context) {
	now := e.clock().UnixMilli()
	for _, pos := range e.Ledger.Positions() {
		if ctx.Err() != nil {
			return
		}
		if pos.State != ledger.StateOpen {
			continue
		}
		if cached, ok := e.Ledger.MarketCacheGet(pos.MarketID); ok && cached.EndTimeMs > 0 && now >= cached.EndTimeMs {
			continue
		}
		token := e.watchToken(pos)
		if token == "" {
			continue
		}
		book := e.Venue.OrderBook(ctx, token)
		if book == nil {
			continue
		}
		key := pos.MarketID + "|" + token
		e.strikesMu.Lock()
		if e.strikes == nil {
			e.strikes = map[string]int{}
		}
		if len(book.Bids) == 0 {
			e.strikes[key]++
			count := e.strikes[key]
			e.strikesMu.Unlock()
			if count >= liquidityStrikes {
				e.Audit.Log(audit.CategoryLifecycle, "no bids for %d checks market=%q (holding for resolution)", count, pos.Question)
				if e.Logger != nil {
					e.Logger.Warn("position illiquid", zap.String("market_id", pos.MarketID), zap.Int("strikes", count))
				}
			}
			continue
		}
		delete(e.strikes, key)
		e.strikesMu.Unlock()
	}
}

// restPriceFallback refreshes derived prices over REST for positions the
// stream has not updated within the staleness window.
func (e *Engine) restPriceFallback(ctx context.Context) {
	for _, pos := range e.Ledger.Positions() {
		if ctx.Err() != nil {
			return
		}
		cacheKey := pos.TokenID
		if cacheKey == "" {
			cacheKey = pos.MarketID
		}
		if e.Ledger.PriceFresh(cacheKey, priceStaleAfter) {
			continue
		}
		fetchToken, invert, writeToken := e.priceLeg(pos)
		if fetchToken == "" {
			continue
		}
		book := e.Venue.OrderBook(ctx, fetchToken)
		if book == nil {
			continue
		}
		mid, ok := book.MidTick()
		if !ok {
			continue
		}
		if invert {
			mid = tick.Invert(mid)
		}
		if err := e.Ledger.UpdateRealTimePrice(pos.MarketID, mid, writeToken); err != nil && e.Logger != nil {
			e.Logger.Warn("price fallback update failed", zap.Error(err))
		}
	}
}

// priceLeg picks which book to read for a position and how to map the mid
// back onto the position's own leg. A multi NO leg is tracked through the
// sibling YES token (ordering is not guaranteed, so lookup is by
// exclusion); legacy entries read the YES leg and let the ledger invert.
func (e *Engine) priceLeg(pos ledger.Position) (fetchToken string, invert bool, writeToken string) {
	if pos.TokenID == "" {
		cached, ok := e.Ledger.MarketCacheGet(pos.MarketID)
		if !ok {
			return "", false, ""
		}
		token, ok := cached.YesToken()
		if !ok {
			return "", false, ""
		}
		return token, false, ""
	}
	if pos.MarketType == market.TypeMulti && pos.Side == market.SideNo {
		cached, ok := e.Ledger.MarketCacheGet(pos.MarketID)
		if ok {
			if other, found := cached.OtherToken(pos.TokenID); found {
				return other, true, pos.TokenID
			}
		}
	}
	return pos.TokenID, false, pos.TokenID
}

// watchToken returns the book the liquidity check should watch.
func (e *Engine) watchToken(pos ledger.Position) string {
	token, _, _ := e.priceLeg(pos)
	return token
}
