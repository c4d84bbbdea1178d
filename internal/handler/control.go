package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"polycopy/internal/engine"
	"polycopy/internal/market"
	"polycopy/internal/settings"
)

// ControlHandler delegates start/stop, closes and sizing changes to the
// engine. BaseCtx outlives individual requests so a toggle-started engine
// is not bound to the HTTP request's lifetime.
type ControlHandler struct {
	Engine  *engine.Engine
	BaseCtx context.Context
}

func (h *ControlHandler) Register(r *gin.Engine) {
	r.POST("/api/control/toggle", h.toggle)
	r.POST("/api/control/close-all", h.closeAll)
	r.POST("/api/close", h.closePosition)
	r.GET("/api/settings/trade-amount", h.getTradeAmount)
	r.POST("/api/settings/trade-amount", h.setTradeAmount)
}

func (h *ControlHandler) toggle(c *gin.Context) {
	if h.Engine.IsRunning() {
		h.Engine.Stop()
	} else if err := h.Engine.Start(h.BaseCtx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "isRunning": h.Engine.IsRunning()})
}

func (h *ControlHandler) closeAll(c *gin.Context) {
	h.Engine.CloseAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type closeRequest struct {
	MarketID     string `json:"marketId"`
	Side         string `json:"side"`
	TokenID      string `json:"tokenId"`
	OutcomeLabel string `json:"outcomeLabel"`
}

func (h *ControlHandler) closePosition(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid payload"})
		return
	}
	side := market.SideYes
	if strings.EqualFold(strings.TrimSpace(req.Side), string(market.SideNo)) {
		side = market.SideNo
	}
	if err := h.Engine.ManualClose(c.Request.Context(), strings.TrimSpace(req.MarketID), side, strings.TrimSpace(req.TokenID), strings.TrimSpace(req.OutcomeLabel)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *ControlHandler) getTradeAmount(c *gin.Context) {
	c.JSON(http.StatusOK, h.Engine.GetTradeSettings())
}

func (h *ControlHandler) setTradeAmount(c *gin.Context) {
	var patch settings.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid payload"})
		return
	}
	out, err := h.Engine.SetTradeSettings(patch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "settings": out})
}
