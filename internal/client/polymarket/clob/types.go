package clob

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"polycopy/internal/tick"
)

// Order is one price level. The venue serves levels both as [price, size]
// pairs and as {price, size} objects depending on endpoint and channel.
type Order struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (o *Order) UnmarshalJSON(b []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err == nil && len(arr) >= 2 {
		price, err := parseDecimalRaw(arr[0])
		if err != nil {
			return err
		}
		size, err := parseDecimalRaw(arr[1])
		if err != nil {
			return err
		}
		o.Price = price
		o.Size = size
		return nil
	}
	var obj struct {
		Price json.RawMessage `json:"price"`
		Size  json.RawMessage `json:"size"`
		Qty   json.RawMessage `json:"qty"`
	}
	if err := json.Unmarshal(b, &obj); err == nil {
		price, err := parseDecimalRaw(obj.Price)
		if err != nil {
			return err
		}
		sizeRaw := obj.Size
		if len(sizeRaw) == 0 {
			sizeRaw = obj.Qty
		}
		size, err := parseDecimalRaw(sizeRaw)
		if err != nil {
			return err
		}
		o.Price = price
		o.Size = size
		return nil
	}
	return fmt.Errorf("invalid order: %s", string(b))
}

// Tick returns the level's price on the integer grid.
func (o Order) Tick() int {
	return tick.ToTick(o.Price.InexactFloat64())
}

type OrderBook struct {
	Bids []Order `json:"bids"`
	Asks []Order `json:"asks"`
}

// BestBidTick returns the top bid as a tick, or false on an empty side.
func (b *OrderBook) BestBidTick() (int, bool) {
	if b == nil || len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Tick(), true
}

// BestAskTick returns the top ask as a tick, or false on an empty side.
func (b *OrderBook) BestAskTick() (int, bool) {
	if b == nil || len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Tick(), true
}

// MidTick returns (bid+ask)/2 in ticks; false when either side is empty.
func (b *OrderBook) MidTick() (int, bool) {
	bid, ok := b.BestBidTick()
	if !ok {
		return 0, false
	}
	ask, ok := b.BestAskTick()
	if !ok {
		return 0, false
	}
	return tick.Clamp((bid + ask) / 2), true
}

func parseOrderBook(body []byte) (*OrderBook, error) {
	var book OrderBook
	if err := json.Unmarshal(body, &book); err == nil {
		return &book, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if bidsRaw, ok := raw["bids"]; ok {
		_ = json.Unmarshal(bidsRaw, &book.Bids)
	}
	if asksRaw, ok := raw["asks"]; ok {
		_ = json.Unmarshal(asksRaw, &book.Asks)
	}
	return &book, nil
}

func parseDecimalRaw(b json.RawMessage) (decimal.Decimal, error) {
	if len(b) == 0 || string(b) == "null" {
		return decimal.Zero, nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return decimal.NewFromString(s)
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		return decimal.NewFromFloat(f), nil
	}
	return decimal.Zero, fmt.Errorf("invalid decimal: %s", string(b))
}
