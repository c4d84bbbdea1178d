package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"polycopy/internal/client/polymarket/clob"
	"polycopy/internal/ledger"
	"polycopy/internal/metrics"
	"polycopy/internal/tick"
)

// streamTarget maps a subscribed token back onto the position it prices.
// A multi NO leg subscribes the sibling YES token and inverts.
type streamTarget struct {
	MarketID        string
	PositionTokenID string
	Invert          bool
}

func (e *Engine) runStream(ctx context.Context) {
	defer e.wg.Done()
	stream := clob.NewMarketStream(clob.MarketStreamOptions{
		URL: e.StreamURL,
		AssetIDProvider: func(context.Context) ([]string, error) {
			return e.rebuildStreamTargets(), nil
		},
		Logger:      e.Logger,
		OnReconnect: func() { metrics.WSReconnects.Inc() },
	})
	e.streamMu.Lock()
	e.stream = stream
	e.streamMu.Unlock()

	err := stream.Run(ctx, e.onStreamMessage)
	if err != nil && !errors.Is(err, context.Canceled) && e.Logger != nil {
		e.Logger.Warn("market stream stopped", zap.Error(err))
	}
}

// RefreshSubscriptions re-resolves the token set from the open positions
// and resubscribes the stream.
func (e *Engine) RefreshSubscriptions() {
	e.rebuildStreamTargets()
	e.streamMu.Lock()
	stream := e.stream
	e.streamMu.Unlock()
	if stream != nil {
		stream.Refresh()
	}
}

// rebuildStreamTargets derives the subscription set from the open
// positions and returns the token ids to subscribe.
func (e *Engine) rebuildStreamTargets() []string {
	targets := map[string]streamTarget{}
	for _, pos := range e.Ledger.Positions() {
		if pos.State == ledger.StateClosed || pos.State == ledger.StateSettled {
			continue
		}
		fetchToken, invert, writeToken := e.priceLeg(pos)
		if fetchToken == "" {
			continue
		}
		targets[fetchToken] = streamTarget{
			MarketID:        pos.MarketID,
			PositionTokenID: writeToken,
			Invert:          invert,
		}
	}
	e.streamMu.Lock()
	e.streamMap = targets
	e.streamMu.Unlock()

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	return ids
}

// onStreamMessage routes one decoded batch through the ledger's single
// price-update path. Updates for tokens no position tracks are dropped.
func (e *Engine) onStreamMessage(env clob.MarketEnvelope, raw []byte) {
	updates := clob.DecodeUpdates(env, raw)
	if len(updates) == 0 {
		return
	}
	e.streamMu.Lock()
	targets := e.streamMap
	e.streamMu.Unlock()

	for _, u := range updates {
		target, ok := targets[u.TokenID]
		if !ok {
			continue
		}
		var t int
		if u.HasBook {
			mid, ok := u.Book.MidTick()
			if !ok {
				continue
			}
			t = mid
		} else {
			t = tick.ToTick(u.Price.InexactFloat64())
		}
		if target.Invert {
			t = tick.Invert(t)
		}
		if err := e.Ledger.UpdateRealTimePrice(target.MarketID, t, target.PositionTokenID); err != nil && e.Logger != nil {
			e.Logger.Warn("stream price update failed", zap.Error(err))
		}
	}
}
