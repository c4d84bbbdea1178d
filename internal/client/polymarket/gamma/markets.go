package gamma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"polycopy/internal/market"
)

// rawMarket mirrors the venue's market payload. The venue serializes
// outcomes, clobTokenIds and outcomePrices either as native lists or as
// JSON-encoded strings depending on endpoint and age of the market.
type rawMarket struct {
	ID                  string          `json:"id"`
	ConditionID         string          `json:"conditionId"`
	Question            string          `json:"question"`
	Slug                string          `json:"slug"`
	Outcomes            json.RawMessage `json:"outcomes"`
	ClobTokenIds        json.RawMessage `json:"clobTokenIds"`
	OutcomePrices       json.RawMessage `json:"outcomePrices"`
	Resolved            bool            `json:"resolved"`
	Closed              bool            `json:"closed"`
	Active              bool            `json:"active"`
	Status              string          `json:"status"`
	UmaResolutionStatus string          `json:"umaResolutionStatus"`
	WinnerTokenID       string          `json:"winnerTokenId"`
	OutcomeStatuses     json.RawMessage `json:"outcomeStatuses"`
	EndDate             string          `json:"endDate"`
	AcceptingOrders     *bool           `json:"acceptingOrders"`
	Events              []rawEvent      `json:"events"`
	Markets             []rawMarket     `json:"markets"`
}

type rawEvent struct {
	ID      string      `json:"id"`
	Markets []rawMarket `json:"markets"`
}

// GetMarketDetails fetches and normalizes a market. The primary lookup is by
// id; a not-found answer falls back to the condition_ids filter.
func (c *Client) GetMarketDetails(ctx context.Context, marketID string) (*market.Market, error) {
	if strings.TrimSpace(marketID) == "" {
		return nil, fmt.Errorf("market id is required")
	}
	body, err := c.doRequest(ctx, c.gammaHost, "/markets/"+url.PathEscape(marketID), nil)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 404 {
			return nil, err
		}
		query := url.Values{}
		query.Set("condition_ids", marketID)
		body, err = c.doRequest(ctx, c.gammaHost, "/markets", query)
		if err != nil {
			return nil, err
		}
	}
	raw, err := decodeFirstMarket(body)
	if err != nil {
		return nil, err
	}
	return normalizeMarket(raw, marketID)
}

func decodeFirstMarket(body []byte) (rawMarket, error) {
	var one rawMarket
	if err := json.Unmarshal(body, &one); err == nil && (one.ID != "" || one.ConditionID != "" || one.Question != "") {
		return one, nil
	}
	var list []rawMarket
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
		return list[0], nil
	}
	return rawMarket{}, fmt.Errorf("market not found in response")
}

func normalizeMarket(raw rawMarket, requestedID string) (*market.Market, error) {
	outcomes := parseStringList(raw.Outcomes)
	tokenIDs := parseStringList(raw.ClobTokenIds)
	prices := parseFloatList(raw.OutcomePrices)
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("market %s has no outcomes", requestedID)
	}

	m := &market.Market{
		ID:       firstNonEmpty(raw.ConditionID, raw.ID, requestedID),
		Question: raw.Question,
		Slug:     raw.Slug,
		Binary:   len(outcomes) == 2,
		Resolved: isResolved(raw),
	}
	if ts := parseEndDate(raw.EndDate); !ts.IsZero() {
		m.EndTimeMs = ts.UnixMilli()
	}
	for i, label := range outcomes {
		o := market.Outcome{Label: label}
		if i < len(tokenIDs) {
			o.TokenID = tokenIDs[i]
		}
		if i < len(prices) {
			o.Price = prices[i]
		}
		m.Outcomes = append(m.Outcomes, o)
	}
	m.Container = buildContainer(raw)
	return m, nil
}

// isResolved applies the venue's five overlapping resolution markers; any
// one of them is authoritative.
func isResolved(raw rawMarket) bool {
	if raw.Resolved {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(raw.Status), "resolved") {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(raw.UmaResolutionStatus), "resolved") {
		return true
	}
	if strings.TrimSpace(raw.WinnerTokenID) != "" {
		return true
	}
	statuses := parseStringList(raw.OutcomeStatuses)
	if len(statuses) == 0 {
		return false
	}
	for _, s := range statuses {
		if !strings.EqualFold(strings.TrimSpace(s), "resolved") {
			return false
		}
	}
	return true
}

// buildContainer assembles the event container used by the lifecycle
// classifier: all sibling children when the market belongs to an event,
// otherwise the market itself as the sole child.
func buildContainer(raw rawMarket) market.Container {
	var children []rawMarket
	for _, ev := range raw.Events {
		if len(ev.Markets) > 0 {
			children = ev.Markets
			break
		}
	}
	if len(children) == 0 && len(raw.Markets) > 0 {
		children = raw.Markets
	}
	if len(children) == 0 {
		children = []rawMarket{raw}
	}
	c := market.Container{}
	for _, child := range children {
		c.Markets = append(c.Markets, toChild(child))
	}
	return c
}

func toChild(raw rawMarket) market.ChildMarket {
	child := market.ChildMarket{
		ID:                  raw.ID,
		ConditionID:         raw.ConditionID,
		Question:            raw.Question,
		UmaResolutionStatus: raw.UmaResolutionStatus,
		AcceptingOrders:     raw.AcceptingOrders,
		Outcomes:            parseStringList(raw.Outcomes),
		OutcomePrices:       parseFloatList(raw.OutcomePrices),
	}
	if ts := parseEndDate(raw.EndDate); !ts.IsZero() {
		child.EndTimeMs = ts.UnixMilli()
	}
	return child
}

func parseEndDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC()
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if v > 1_000_000_000_000 {
			return time.UnixMilli(v).UTC()
		}
		return time.Unix(v, 0).UTC()
	}
	return time.Time{}
}

// parseStringList accepts both a native JSON list and a JSON-encoded string
// holding a list.
func parseStringList(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return list
		}
	}
	return nil
}

func parseFloatList(raw json.RawMessage) []float64 {
	items := parseRawList(raw)
	out := make([]float64, 0, len(items))
	for _, item := range items {
		var f flexFloat
		if err := f.UnmarshalJSON(item); err != nil {
			out = append(out, 0)
			continue
		}
		out = append(out, float64(f))
	}
	return out
}

func parseRawList(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return list
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
