// Package metrics provides Prometheus instrumentation for the copy trader.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TradesCopied counts replicated paper fills, partitioned by side.
	TradesCopied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_trades_copied_total",
		Help: "Paper trades replicated from the source account",
	}, []string{"side"})

	// TradesSkipped counts source trades the engine declined to copy.
	TradesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_trades_skipped_total",
		Help: "Source trades skipped, by reason",
	}, []string{"reason"})

	// ClosesTotal counts position closes by winning trigger.
	ClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_closes_total",
		Help: "Positions closed, by close trigger",
	}, []string{"trigger"})

	// CopyLatency observes source-trade-to-commit latency.
	CopyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copytrader_copy_latency_seconds",
		Help:    "Latency from source trade timestamp to ledger commit",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// OpenPositions tracks the current size of the open set.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copytrader_open_positions",
		Help: "Number of open paper positions",
	})

	// BalanceUSD tracks the paper cash balance.
	BalanceUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copytrader_balance_usd",
		Help: "Paper cash balance in USD",
	})

	// WSReconnects counts streaming connection (re)establishments.
	WSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copytrader_ws_reconnects_total",
		Help: "Market stream connection attempts that succeeded",
	})

	// VenueErrors counts failed venue calls after retries, by operation.
	VenueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_venue_errors_total",
		Help: "Venue calls that failed after retry, by operation",
	}, []string{"op"})
)
