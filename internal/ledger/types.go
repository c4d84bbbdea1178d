// Package ledger owns the durable paper-trading state: cash balance, open
// and closed positions, the trade-event audit trail, the market cache and
// the processed-transaction set. Every mutation persists by atomic
// whole-file rewrite, so a crash leaves the last committed state on disk.
package ledger

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"polycopy/internal/market"
)

// PositionState is the position lifecycle. Unknown values coerce to OPEN at
// load so a hand-edited or older ledger file cannot wedge the engine.
type PositionState string

const (
	StateOpen              PositionState = "OPEN"
	StateClosing           PositionState = "CLOSING"
	StatePendingResolution PositionState = "PENDING_RESOLUTION"
	StateClosed            PositionState = "CLOSED"
	StateSettled           PositionState = "SETTLED"
	StateInvalidated       PositionState = "INVALIDATED"
)

func (s *PositionState) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		*s = StateOpen
		return nil
	}
	switch PositionState(strings.ToUpper(strings.TrimSpace(raw))) {
	case StateOpen, StateClosing, StatePendingResolution, StateClosed, StateSettled, StateInvalidated:
		*s = PositionState(strings.ToUpper(strings.TrimSpace(raw)))
	default:
		*s = StateOpen
	}
	return nil
}

// CloseTrigger identifies who asked for a close. Lower priority ranks win
// when triggers race; ties may overwrite.
type CloseTrigger string

const (
	TriggerMarketResolution CloseTrigger = "MARKET_RESOLUTION"
	TriggerSystemGuard      CloseTrigger = "SYSTEM_GUARD"
	TriggerUserAction       CloseTrigger = "USER_ACTION"
	TriggerCopyTraderEvent  CloseTrigger = "COPY_TRADER_EVENT"
	TriggerSystemPolicy     CloseTrigger = "SYSTEM_POLICY"
	TriggerTimeout          CloseTrigger = "TIMEOUT"
)

var triggerPriorities = map[CloseTrigger]int{
	TriggerMarketResolution: 1,
	TriggerSystemGuard:      2,
	TriggerUserAction:       3,
	TriggerCopyTraderEvent:  4,
	TriggerSystemPolicy:     5,
	TriggerTimeout:          6,
}

func (t CloseTrigger) Priority() int {
	if p, ok := triggerPriorities[t]; ok {
		return p
	}
	return triggerPriorities[TriggerSystemPolicy]
}

func (t *CloseTrigger) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		*t = TriggerSystemPolicy
		return nil
	}
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		*t = ""
		return nil
	}
	if _, ok := triggerPriorities[CloseTrigger(raw)]; ok {
		*t = CloseTrigger(raw)
		return nil
	}
	*t = TriggerSystemPolicy
	return nil
}

// CloseCause qualifies the trigger. It is a closed enumeration: unknown
// values in a loaded ledger coerce to empty rather than propagating.
type CloseCause string

const (
	CauseWinnerYes       CloseCause = "WINNER_YES"
	CauseWinnerNo        CloseCause = "WINNER_NO"
	CauseTargetSelloff   CloseCause = "TARGET_SELLOFF"
	CauseUserCloseAll    CloseCause = "USER_CLOSE_ALL"
	CauseUserManualClose CloseCause = "USER_MANUAL_CLOSE"
)

var knownCauses = map[CloseCause]struct{}{
	CauseWinnerYes:       {},
	CauseWinnerNo:        {},
	CauseTargetSelloff:   {},
	CauseUserCloseAll:    {},
	CauseUserManualClose: {},
}

func (c *CloseCause) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		*c = ""
		return nil
	}
	cause := CloseCause(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownCauses[cause]; ok {
		*c = cause
		return nil
	}
	*c = ""
	return nil
}

// Position is one open paper position, identified by (marketId, tokenId).
// Legacy entries created before per-outcome tokens carry an empty TokenID
// and resolve by (marketId, side); they migrate to the canonical key on
// first write.
type Position struct {
	MarketID      string          `json:"marketId"`
	Question      string          `json:"marketName"`
	Slug          string          `json:"slug,omitempty"`
	Side          market.Side     `json:"side"`
	OutcomeLabel  string          `json:"outcomeLabel,omitempty"`
	TokenID       string          `json:"tokenId,omitempty"`
	MarketType    market.Type     `json:"marketType,omitempty"`
	Size          decimal.Decimal `json:"size"`
	EntryTick     int             `json:"entryTick"`
	InvestedUSD   decimal.Decimal `json:"investedUsd"`
	RealizedPnL   decimal.Decimal `json:"realizedPnL"`
	CurrentTick   int             `json:"currentTick,omitempty"`
	CurrentValue  decimal.Decimal `json:"currentValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnL"`
	State         PositionState   `json:"state"`
	CloseTrigger  CloseTrigger    `json:"closeTrigger,omitempty"`
	CloseCause    CloseCause      `json:"closeCause,omitempty"`
	ClosePriority int             `json:"closePriority,omitempty"`
	LastEntryTime int64           `json:"lastEntryTime"` // ms
}

// ClosedPosition is the immutable record of a realized close.
type ClosedPosition struct {
	MarketID       string          `json:"marketId"`
	Question       string          `json:"marketName"`
	Slug           string          `json:"slug,omitempty"`
	Side           market.Side     `json:"side"`
	OutcomeLabel   string          `json:"outcomeLabel,omitempty"`
	TokenID        string          `json:"tokenId,omitempty"`
	MarketType     market.Type     `json:"marketType,omitempty"`
	Size           decimal.Decimal `json:"size"`
	EntryTick      int             `json:"entryTick"`
	ExitTick       int             `json:"exitTick"`
	InvestedUSD    decimal.Decimal `json:"investedUsd"`
	ReturnUSD      decimal.Decimal `json:"returnUsd"`
	RealizedPnL    decimal.Decimal `json:"realizedPnL"`
	CloseTrigger   CloseTrigger    `json:"closeTrigger,omitempty"`
	CloseCause     CloseCause      `json:"closeCause,omitempty"`
	CloseTimestamp int64           `json:"closeTimestamp"` // ms
}

// TradeEvent is one append-only audit record: one per BUY and one per
// user-initiated SELL. System settlements do not emit events.
type TradeEvent struct {
	ID           string          `json:"id"`
	Timestamp    int64           `json:"timestamp"` // ms
	MarketID     string          `json:"marketId"`
	Question     string          `json:"marketName"`
	Side         string          `json:"side"` // BUY | SELL
	OutcomeLabel string          `json:"outcomeLabel,omitempty"`
	Shares       decimal.Decimal `json:"shares"`
	Tick         int             `json:"tick"`
	SourceTick   int             `json:"sourceTick,omitempty"`
	LatencyMs    int64           `json:"latencyMs,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// CachedMarket is the persisted slice of market metadata the engine needs
// offline: labels, token alignment and end time.
type CachedMarket struct {
	MarketID     string   `json:"marketId"`
	Question     string   `json:"question"`
	Slug         string   `json:"slug,omitempty"`
	Outcomes     []string `json:"outcomes"`
	ClobTokenIds []string `json:"clobTokenIds"`
	EndTimeMs    int64    `json:"endTime,omitempty"`
}

// OtherToken returns the cached market's other leg. Ordering is not
// guaranteed, so the lookup is by exclusion.
func (c CachedMarket) OtherToken(tokenID string) (string, bool) {
	for _, id := range c.ClobTokenIds {
		if id != "" && id != tokenID {
			return id, true
		}
	}
	return "", false
}

// YesToken returns the token aligned with the YES-like outcome label.
func (c CachedMarket) YesToken() (string, bool) {
	for i, label := range c.Outcomes {
		if market.IsYesLabel(label) && i < len(c.ClobTokenIds) {
			return c.ClobTokenIds[i], true
		}
	}
	if len(c.ClobTokenIds) > 0 {
		return c.ClobTokenIds[0], true
	}
	return "", false
}

// parseReason splits an action reason of the form "TRIGGER|CAUSE". Both
// halves coerce to the closed enumerations.
func parseReason(reason string) (CloseTrigger, CloseCause) {
	parts := strings.SplitN(reason, "|", 2)
	trigger := CloseTrigger(strings.ToUpper(strings.TrimSpace(parts[0])))
	if _, ok := triggerPriorities[trigger]; !ok {
		trigger = TriggerSystemPolicy
	}
	cause := CloseCause("")
	if len(parts) == 2 {
		cause = CloseCause(strings.ToUpper(strings.TrimSpace(parts[1])))
		if _, ok := knownCauses[cause]; !ok {
			cause = ""
		}
	}
	return trigger, cause
}

// isResolutionReason reports whether the reason describes a system
// settlement rather than a user-initiated sell.
func isResolutionReason(reason string) bool {
	upper := strings.ToUpper(reason)
	return strings.Contains(upper, "RESOLUTION")
}
