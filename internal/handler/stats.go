// Package handler exposes the dashboard's read-only stats view and the
// engine control endpoints.
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"polycopy/internal/engine"
	"polycopy/internal/ledger"
	"polycopy/internal/tick"
)

// Profile identifies the copied source account.
type Profile struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type StatsHandler struct {
	Engine  *engine.Engine
	Ledger  *ledger.Store
	Profile Profile
}

func (h *StatsHandler) Register(r *gin.Engine) {
	r.GET("/api/stats", h.stats)
}

type positionView struct {
	MarketID      string  `json:"marketId"`
	MarketName    string  `json:"marketName"`
	Slug          string  `json:"slug,omitempty"`
	Side          string  `json:"side"`
	OutcomeLabel  string  `json:"outcomeLabel,omitempty"`
	TokenID       string  `json:"tokenId,omitempty"`
	MarketType    string  `json:"marketType,omitempty"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entryPrice"`
	CurrentPrice  float64 `json:"currentPrice"`
	InvestedUSD   float64 `json:"investedUsd"`
	CurrentValue  float64 `json:"currentValue"`
	UnrealizedPnL float64 `json:"unrealizedPnL"`
	RealizedPnL   float64 `json:"realizedPnL"`
	State         string  `json:"state"`
}

type closedView struct {
	MarketID     string  `json:"marketId"`
	MarketName   string  `json:"marketName"`
	Side         string  `json:"side"`
	OutcomeLabel string  `json:"outcomeLabel,omitempty"`
	Size         float64 `json:"size"`
	EntryPrice   float64 `json:"entryPrice"`
	ExitPrice    float64 `json:"exitPrice"`
	InvestedUSD  float64 `json:"investedUsd"`
	ReturnUSD    float64 `json:"returnUsd"`
	RealizedPnL  float64 `json:"realizedPnL"`
	CloseTrigger string  `json:"closeTrigger,omitempty"`
	CloseCause   string  `json:"closeCause,omitempty"`
	ClosedAt     int64   `json:"closedAt"`
}

func (h *StatsHandler) stats(c *gin.Context) {
	positions := h.Ledger.Positions()
	closed := h.Ledger.ClosedPositions()

	totalUnrealized := decimal.Zero
	openRealized := decimal.Zero
	active := make([]positionView, 0, len(positions))
	for _, p := range positions {
		totalUnrealized = totalUnrealized.Add(p.UnrealizedPnL)
		openRealized = openRealized.Add(p.RealizedPnL)
		active = append(active, positionView{
			MarketID:      p.MarketID,
			MarketName:    p.Question,
			Slug:          p.Slug,
			Side:          string(p.Side),
			OutcomeLabel:  p.OutcomeLabel,
			TokenID:       p.TokenID,
			MarketType:    string(p.MarketType),
			Size:          p.Size.InexactFloat64(),
			EntryPrice:    tick.FromTick(p.EntryTick),
			CurrentPrice:  tick.FromTick(p.CurrentTick),
			InvestedUSD:   p.InvestedUSD.InexactFloat64(),
			CurrentValue:  p.CurrentValue.InexactFloat64(),
			UnrealizedPnL: p.UnrealizedPnL.InexactFloat64(),
			RealizedPnL:   p.RealizedPnL.InexactFloat64(),
			State:         string(p.State),
		})
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour).UnixMilli()
	dailyRealized := decimal.Zero
	allTimeRealized := openRealized
	closedViews := make([]closedView, 0, len(closed))
	for _, cp := range closed {
		allTimeRealized = allTimeRealized.Add(cp.RealizedPnL)
		if cp.CloseTimestamp >= dayStart {
			dailyRealized = dailyRealized.Add(cp.RealizedPnL)
		}
		closedViews = append(closedViews, closedView{
			MarketID:     cp.MarketID,
			MarketName:   cp.Question,
			Side:         string(cp.Side),
			OutcomeLabel: cp.OutcomeLabel,
			Size:         cp.Size.InexactFloat64(),
			EntryPrice:   tick.FromTick(cp.EntryTick),
			ExitPrice:    tick.FromTick(cp.ExitTick),
			InvestedUSD:  cp.InvestedUSD.InexactFloat64(),
			ReturnUSD:    cp.ReturnUSD.InexactFloat64(),
			RealizedPnL:  cp.RealizedPnL.InexactFloat64(),
			CloseTrigger: string(cp.CloseTrigger),
			CloseCause:   string(cp.CloseCause),
			ClosedAt:     cp.CloseTimestamp,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"botStatus":          h.Engine.Status(),
		"balance":            h.Ledger.Balance().InexactFloat64(),
		"dailyRealizedPnL":   dailyRealized.InexactFloat64(),
		"totalUnrealizedPnL": totalUnrealized.InexactFloat64(),
		"dailyPnL":           dailyRealized.Add(totalUnrealized).InexactFloat64(),
		"allTimePnL":         allTimeRealized.InexactFloat64(),
		"activePositions":    active,
		"closedPositions":    closedViews,
		"history":            h.Ledger.TradeEvents(),
		"profile":            h.Profile,
	})
}
