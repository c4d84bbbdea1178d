package clob

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceUpdate is one decoded entry from the market channel. Full-book shapes
// set Book; ticker-style entries set Price.
type PriceUpdate struct {
	TokenID string
	Book    *OrderBook
	Price   decimal.Decimal
	HasBook bool
}

// DecodeUpdates accepts the three wire shapes the venue emits on the book
// channel: a flat list, {data: [...]}, or {price_changes: [...]}. A single
// object decodes as a one-entry batch.
func DecodeUpdates(env MarketEnvelope, raw []byte) []PriceUpdate {
	entries := splitEntries(raw)
	out := make([]PriceUpdate, 0, len(entries))
	for _, entry := range entries {
		if u, ok := decodeEntry(env, entry); ok {
			out = append(out, u)
		}
	}
	return out
}

func splitEntries(raw []byte) []json.RawMessage {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var wrapper struct {
		Data         []json.RawMessage `json:"data"`
		PriceChanges []json.RawMessage `json:"price_changes"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil {
		if len(wrapper.Data) > 0 {
			return wrapper.Data
		}
		if len(wrapper.PriceChanges) > 0 {
			return wrapper.PriceChanges
		}
	}
	return []json.RawMessage{raw}
}

func decodeEntry(env MarketEnvelope, entry json.RawMessage) (PriceUpdate, bool) {
	var obj struct {
		AssetID string          `json:"asset_id"`
		TokenID string          `json:"token_id"`
		Price   json.RawMessage `json:"price"`
		Bids    []Order         `json:"bids"`
		Asks    []Order         `json:"asks"`
	}
	if err := json.Unmarshal(entry, &obj); err != nil {
		return PriceUpdate{}, false
	}
	token := strings.TrimSpace(obj.AssetID)
	if token == "" {
		token = strings.TrimSpace(obj.TokenID)
	}
	if token == "" {
		token = strings.TrimSpace(env.AssetID)
	}
	if token == "" {
		return PriceUpdate{}, false
	}
	if len(obj.Bids) > 0 || len(obj.Asks) > 0 {
		book := &OrderBook{Bids: obj.Bids, Asks: obj.Asks}
		normalizeBook(book)
		return PriceUpdate{TokenID: token, Book: book, HasBook: true}, true
	}
	if len(obj.Price) > 0 {
		price, err := parseDecimalRaw(obj.Price)
		if err != nil || !price.IsPositive() {
			return PriceUpdate{}, false
		}
		return PriceUpdate{TokenID: token, Price: price}, true
	}
	return PriceUpdate{}, false
}
