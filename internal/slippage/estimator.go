// Package slippage decides whether a paper order can realistically execute
// against the current book with a decomposed cost model.
package slippage

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"polycopy/internal/client/polymarket/clob"
	"polycopy/internal/tick"
)

const (
	// DeadMarketSpread is the hard cap: wider books are untradeable.
	DeadMarketSpread = 0.15

	// Depth windows around the touch, in price ratio.
	buyDepthWindow  = 1.01
	sellDepthWindow = 0.99

	minDelayPenalty     = 0.002
	maxDelayPenalty     = 0.005
	defaultDelayPenalty = 0.003

	edgeThresholdFactor = 0.4
)

type Input struct {
	BestBidTick  int
	BestAskTick  int
	Book         *clob.OrderBook
	NotionalUSD  decimal.Decimal
	Buy          bool
	ExpectedEdge float64
	DelayPenalty float64
}

// Estimate is the decomposed result. Total = Spread + Impact + DelayPenalty;
// the order executes iff Total is finite and within Threshold.
type Estimate struct {
	Spread       float64
	DepthUSD     float64
	Impact       float64
	DelayPenalty float64
	Total        float64
	Threshold    float64
	Execute      bool
	Reason       string
}

// Evaluate runs the cost model for one prospective order.
func Evaluate(in Input) Estimate {
	est := Estimate{DelayPenalty: validDelayPenalty(in.DelayPenalty)}

	bid := tick.Clamp(in.BestBidTick)
	ask := tick.Clamp(in.BestAskTick)
	mid := float64(bid+ask) / 2
	if mid <= 0 {
		est.Reason = "no usable quotes"
		return est
	}
	est.Spread = float64(ask-bid) / mid
	if est.Spread > DeadMarketSpread {
		est.Reason = fmt.Sprintf("dead market: spread %.1f%% exceeds %.0f%% cap", est.Spread*100, DeadMarketSpread*100)
		return est
	}

	est.DepthUSD = depthUSD(in.Book, in.Buy, bid, ask)
	if est.DepthUSD > 0 {
		est.Impact = in.NotionalUSD.InexactFloat64() / est.DepthUSD
	} else {
		est.Impact = math.Inf(1)
	}

	est.Total = est.Spread + est.Impact + est.DelayPenalty
	est.Threshold = est.Spread + edgeThresholdFactor*in.ExpectedEdge

	if math.IsInf(est.Total, 1) || math.IsNaN(est.Total) {
		est.Reason = "no depth near the touch"
		return est
	}
	if est.Total > est.Threshold {
		est.Reason = fmt.Sprintf("slippage %.2f%% exceeds threshold %.2f%%", est.Total*100, est.Threshold*100)
		return est
	}
	est.Execute = true
	est.Reason = fmt.Sprintf("slippage %.2f%% within threshold %.2f%%", est.Total*100, est.Threshold*100)
	return est
}

// depthUSD sums the notional resting within 1% of the touch on the side the
// order would hit.
func depthUSD(book *clob.OrderBook, buy bool, bidTick, askTick int) float64 {
	if book == nil {
		return 0
	}
	total := 0.0
	if buy {
		limit := int(math.Floor(float64(askTick) * buyDepthWindow))
		for _, level := range book.Asks {
			t := level.Tick()
			if t > limit {
				break
			}
			total += tick.FromTick(t) * level.Size.InexactFloat64()
		}
		return total
	}
	limit := int(math.Floor(float64(bidTick) * sellDepthWindow))
	for _, level := range book.Bids {
		t := level.Tick()
		if t < limit {
			break
		}
		total += tick.FromTick(t) * level.Size.InexactFloat64()
	}
	return total
}

func validDelayPenalty(v float64) float64 {
	if math.IsNaN(v) || v < minDelayPenalty || v > maxDelayPenalty {
		return defaultDelayPenalty
	}
	return v
}
