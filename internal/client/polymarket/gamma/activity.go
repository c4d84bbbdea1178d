package gamma

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Activity is one entry from the data API's user activity feed, newest first.
type Activity struct {
	ID              string    `json:"id"`
	TransactionHash string    `json:"transactionHash"`
	Timestamp       flexInt64 `json:"timestamp"` // seconds
	Type            string    `json:"type"`
	Side            string    `json:"side"`
	Outcome         string    `json:"outcome"`
	Size            flexFloat `json:"size"`
	Price           flexFloat `json:"price"`
	MarketID        string    `json:"marketId"`
	ConditionID     string    `json:"conditionId"`
}

// Market returns the best market identifier the entry carries.
func (a Activity) Market() string {
	if strings.TrimSpace(a.ConditionID) != "" {
		return strings.TrimSpace(a.ConditionID)
	}
	return strings.TrimSpace(a.MarketID)
}

// TxHash returns the dedup key: the on-chain transaction hash when present,
// the feed's own id otherwise.
func (a Activity) TxHash() string {
	if strings.TrimSpace(a.TransactionHash) != "" {
		return strings.TrimSpace(a.TransactionHash)
	}
	return strings.TrimSpace(a.ID)
}

// TimestampMs converts the feed's second-resolution timestamp to ms.
func (a Activity) TimestampMs() int64 {
	return int64(a.Timestamp) * 1000
}

// GetUserActivity fetches the most recent activity for an address.
func (c *Client) GetUserActivity(ctx context.Context, address string, limit int) ([]Activity, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("address is required")
	}
	if limit <= 0 {
		limit = 10
	}
	query := url.Values{}
	query.Set("user", address)
	query.Set("limit", strconv.Itoa(limit))
	body, err := c.doRequest(ctx, c.dataHost, "/activity", query)
	if err != nil {
		return nil, err
	}
	var out []Activity
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode activity: %w", err)
	}
	return out, nil
}

// UserPosition is one live holding reported by the data API.
type UserPosition struct {
	ConditionID string    `json:"conditionId"`
	Asset       string    `json:"asset"` // clob token id
	Outcome     string    `json:"outcome"`
	Size        flexFloat `json:"size"`
	AvgPrice    flexFloat `json:"avgPrice"`
	Title       string    `json:"title"`
}

// GetUserPositions fetches the address's current holdings (size >= 1).
func (c *Client) GetUserPositions(ctx context.Context, address string) ([]UserPosition, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("address is required")
	}
	query := url.Values{}
	query.Set("user", address)
	query.Set("size_min", "1")
	body, err := c.doRequest(ctx, c.dataHost, "/positions", query)
	if err != nil {
		return nil, err
	}
	var out []UserPosition
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}
	return out, nil
}

// UserProfile is the data API's public view of an address.
type UserProfile struct {
	Address   string `json:"proxyWallet"`
	Name      string `json:"name"`
	Pseudonym string `json:"pseudonym"`
}

// DisplayName returns the best human-readable name for the profile.
func (p UserProfile) DisplayName() string {
	if strings.TrimSpace(p.Name) != "" {
		return strings.TrimSpace(p.Name)
	}
	return strings.TrimSpace(p.Pseudonym)
}

// GetUser fetches the public profile for an address.
func (c *Client) GetUser(ctx context.Context, address string) (*UserProfile, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("address is required")
	}
	body, err := c.doRequest(ctx, c.dataHost, "/users/"+url.PathEscape(address), nil)
	if err != nil {
		return nil, err
	}
	var out UserProfile
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &out, nil
}

// flexFloat accepts numbers serialized either natively or as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err == nil {
		*f = flexFloat(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	return fmt.Errorf("invalid number: %s", string(b))
}

type flexInt64 int64

func (i *flexInt64) UnmarshalJSON(b []byte) error {
	var f flexFloat
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	*i = flexInt64(f)
	return nil
}
