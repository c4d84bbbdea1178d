// Package venue is the engine-facing facade over the venue's REST APIs:
// every operation is rate-limited, retried on transient failures, and
// best-effort — a nil result means "no update this pass".
package venue

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"polycopy/internal/client/polymarket/clob"
	"polycopy/internal/client/polymarket/gamma"
	"polycopy/internal/market"
	"polycopy/internal/metrics"
	"polycopy/internal/retry"
	"polycopy/internal/tick"
)

type Client struct {
	gamma   *gamma.Client
	clob    *clob.Client
	logger  *zap.Logger
	retry   retry.Config
	limiter *rate.Limiter
}

func New(gammaClient *gamma.Client, clobClient *clob.Client, retryCfg retry.Config, rps float64, logger *zap.Logger) *Client {
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		gamma:   gammaClient,
		clob:    clobClient,
		logger:  logger,
		retry:   retryCfg,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// call runs one venue operation through the rate limiter and retry wrapper.
func call[T any](c *Client, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, bool) {
	var zero T
	res := retry.Do(ctx, c.retry, c.logger, op, func(ctx context.Context) (T, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		return fn(ctx)
	})
	if !res.Success {
		c.logFailure(op, res.Err, res.Attempts)
		return zero, false
	}
	return res.Data, true
}

func (c *Client) logFailure(op string, err error, attempts int) {
	if errors.Is(err, context.Canceled) {
		return
	}
	metrics.VenueErrors.WithLabelValues(op).Inc()
	if c.logger == nil {
		return
	}
	kind := "network"
	if errors.Is(err, context.DeadlineExceeded) {
		kind = "timeout"
	}
	c.logger.Debug("venue call failed",
		zap.String("op", op),
		zap.String("kind", kind),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}

// UserActivity returns the source's most recent trades, newest first.
func (c *Client) UserActivity(ctx context.Context, address string, limit int) []gamma.Activity {
	out, ok := call(c, ctx, "user_activity", func(ctx context.Context) ([]gamma.Activity, error) {
		return c.gamma.GetUserActivity(ctx, address, limit)
	})
	if !ok {
		return nil
	}
	return out
}

// UserPositions returns the source's current holdings.
func (c *Client) UserPositions(ctx context.Context, address string) []gamma.UserPosition {
	out, ok := call(c, ctx, "user_positions", func(ctx context.Context) ([]gamma.UserPosition, error) {
		return c.gamma.GetUserPositions(ctx, address)
	})
	if !ok {
		return nil
	}
	return out
}

// UserProfile returns the source's public profile.
func (c *Client) UserProfile(ctx context.Context, address string) *gamma.UserProfile {
	out, ok := call(c, ctx, "user_profile", func(ctx context.Context) (*gamma.UserProfile, error) {
		return c.gamma.GetUser(ctx, address)
	})
	if !ok {
		return nil
	}
	return out
}

// MarketDetails returns the normalized market model, or nil.
func (c *Client) MarketDetails(ctx context.Context, marketID string) *market.Market {
	out, ok := call(c, ctx, "market_details", func(ctx context.Context) (*market.Market, error) {
		return c.gamma.GetMarketDetails(ctx, marketID)
	})
	if !ok {
		return nil
	}
	return out
}

// OrderBook returns the normalized book for a token, or nil.
func (c *Client) OrderBook(ctx context.Context, tokenID string) *clob.OrderBook {
	out, ok := call(c, ctx, "order_book", func(ctx context.Context) (*clob.OrderBook, error) {
		return c.clob.GetBook(ctx, tokenID)
	})
	if !ok {
		return nil
	}
	return out
}

// LivePrice is the YES-leg top of book in ticks.
type LivePrice struct {
	BestBidTick int
	BestAskTick int
	MidTick     int
}

// LivePrice derives the market's live quote from the YES-leg book. It
// returns nil when either side of the book is empty.
func (c *Client) LivePrice(ctx context.Context, marketID string) *LivePrice {
	m := c.MarketDetails(ctx, marketID)
	if m == nil {
		return nil
	}
	leg, ok := m.YesLeg()
	if !ok || leg.TokenID == "" {
		return nil
	}
	book := c.OrderBook(ctx, leg.TokenID)
	if book == nil {
		return nil
	}
	bid, okBid := book.BestBidTick()
	ask, okAsk := book.BestAskTick()
	if !okBid || !okAsk {
		return nil
	}
	return &LivePrice{
		BestBidTick: bid,
		BestAskTick: ask,
		MidTick:     tick.Clamp((bid + ask) / 2),
	}
}
