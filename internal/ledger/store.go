package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polycopy/internal/market"
	"polycopy/internal/tick"
)

// dustThreshold: a position smaller than this cannot stay in the open set.
var dustThreshold = decimal.NewFromFloat(0.1)

type state struct {
	Balance           decimal.Decimal         `json:"balance"`
	Positions         map[string]*Position    `json:"positions"`
	ClosedPositions   []ClosedPosition        `json:"closedPositions"`
	TradeEvents       []TradeEvent            `json:"tradeEvents"`
	MarketCache       map[string]CachedMarket `json:"marketCache"`
	ProcessedTxHashes map[string]bool         `json:"processedTxHashes"`
}

type priceEntry struct {
	Tick int
	At   time.Time
}

// Store is the single serialization point for all ledger mutations. One
// mutex guards the whole state; readers get copies and never hold the lock
// across I/O.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
	now    func() time.Time

	st state

	// priceCache is derived, in-memory only: tokenId (or marketId for
	// legacy entries) -> last observed tick.
	priceCache map[string]priceEntry
}

// Open loads the ledger file, or starts fresh with startingBalance when the
// file is missing or unreadable.
func Open(path string, startingBalance decimal.Decimal, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:       path,
		logger:     logger,
		now:        time.Now,
		priceCache: map[string]priceEntry{},
		st: state{
			Balance:           startingBalance,
			Positions:         map[string]*Position{},
			MarketCache:       map[string]CachedMarket{},
			ProcessedTxHashes: map[string]bool{},
		},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Warn("ledger unreadable, starting fresh", zap.String("path", path), zap.Error(err))
		}
		return s, nil
	}
	var loaded state
	if err := json.Unmarshal(data, &loaded); err != nil {
		if logger != nil {
			logger.Warn("ledger corrupt, starting fresh", zap.String("path", path), zap.Error(err))
		}
		return s, nil
	}
	if loaded.Positions == nil {
		loaded.Positions = map[string]*Position{}
	}
	if loaded.MarketCache == nil {
		loaded.MarketCache = map[string]CachedMarket{}
	}
	if loaded.ProcessedTxHashes == nil {
		loaded.ProcessedTxHashes = map[string]bool{}
	}
	s.st = loaded
	return s, nil
}

// Save rewrites the ledger file atomically (write temp, rename).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}

// ---- keys ----

func canonicalKey(marketID, tokenID string) string {
	return marketID + "|" + tokenID
}

func labelKey(marketID string, side market.Side, label string) string {
	return marketID + "|" + string(side) + "|" + strings.ToUpper(strings.TrimSpace(label))
}

func legacyKey(marketID string, side market.Side) string {
	return marketID + "|" + string(side)
}

// findLocked resolves a position by canonical key first, then the label key,
// then the legacy (marketId, side) key.
func (s *Store) findLocked(marketID string, side market.Side, tokenID, label string) (string, *Position) {
	if tokenID != "" {
		if key := canonicalKey(marketID, tokenID); s.st.Positions[key] != nil {
			return key, s.st.Positions[key]
		}
	}
	if label != "" {
		if key := labelKey(marketID, side, label); s.st.Positions[key] != nil {
			return key, s.st.Positions[key]
		}
	}
	if key := legacyKey(marketID, side); s.st.Positions[key] != nil {
		return key, s.st.Positions[key]
	}
	return "", nil
}

// ---- read accessors (lock-scoped snapshots) ----

func (s *Store) Balance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Balance
}

func (s *Store) Positions() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.st.Positions))
	for _, p := range s.st.Positions {
		out = append(out, *p)
	}
	return out
}

func (s *Store) GetPosition(marketID string, side market.Side, tokenID, label string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, p := s.findLocked(marketID, side, tokenID, label); p != nil {
		return *p, true
	}
	return Position{}, false
}

func (s *Store) ClosedPositions() []ClosedPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClosedPosition, len(s.st.ClosedPositions))
	copy(out, s.st.ClosedPositions)
	return out
}

func (s *Store) TradeEvents() []TradeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TradeEvent, len(s.st.TradeEvents))
	copy(out, s.st.TradeEvents)
	return out
}

func (s *Store) HasProcessed(txHash string) bool {
	if txHash == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ProcessedTxHashes[txHash]
}

func (s *Store) MarketCacheGet(marketID string) (CachedMarket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.st.MarketCache[marketID]
	return m, ok
}

// UpdateMarketCache stores the offline metadata slice for a market. A
// seconds-resolution endTime (< 1e10) is normalized to milliseconds.
func (s *Store) UpdateMarketCache(marketID, question, slug string, outcomes, clobTokenIds []string, endTime int64) error {
	if endTime > 0 && endTime < 10_000_000_000 {
		endTime *= 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.MarketCache[marketID] = CachedMarket{
		MarketID:     marketID,
		Question:     question,
		Slug:         slug,
		Outcomes:     outcomes,
		ClobTokenIds: clobTokenIds,
		EndTimeMs:    endTime,
	}
	return s.saveLocked()
}

// ---- price cache ----

// PriceFresh reports whether the cache holds an entry younger than maxAge
// for the position's cache key (tokenId, or marketId for legacy entries).
func (s *Store) PriceFresh(cacheKey string, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.priceCache[cacheKey]
	if !ok {
		return false
	}
	return s.now().Sub(entry.At) <= maxAge
}

// UpdateRealTimePrice records a tick observation and refreshes the derived
// fields of every matching open position. Positions carrying the token id
// match exactly; legacy binary positions without a token id derive their
// tick from the YES-leg observation (NO legs invert on the grid).
func (s *Store) UpdateRealTimePrice(marketID string, t int, tokenID string) error {
	t = tick.Clamp(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	cacheKey := tokenID
	if cacheKey == "" {
		cacheKey = marketID
	}
	s.priceCache[cacheKey] = priceEntry{Tick: t, At: s.now()}

	changed := false
	for _, p := range s.st.Positions {
		switch {
		case tokenID != "" && p.TokenID == tokenID:
			changed = s.refreshDerivedLocked(p, t) || changed
		case tokenID == "" && p.TokenID == "" && p.MarketID == marketID:
			derived := t
			if p.Side == market.SideNo {
				derived = tick.Invert(t)
			}
			changed = s.refreshDerivedLocked(p, derived) || changed
		}
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) refreshDerivedLocked(p *Position, t int) bool {
	value := p.Size.Mul(decimal.NewFromFloat(tick.FromTick(t)))
	if p.CurrentTick == t && p.CurrentValue.Equal(value) {
		return false
	}
	p.CurrentTick = t
	p.CurrentValue = value
	p.UnrealizedPnL = value.Sub(p.InvestedUSD)
	return true
}

// ---- state transitions ----

func (s *Store) SetPositionState(marketID string, side market.Side, tokenID, label string, newState PositionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, p := s.findLocked(marketID, side, tokenID, label)
	if p == nil {
		return fmt.Errorf("position not found: %s/%s", marketID, side)
	}
	if p.State == newState {
		return nil
	}
	p.State = newState
	return s.saveLocked()
}

// MarkClosing flags the position as the single close winner, recording the
// trigger, cause and priority.
func (s *Store) MarkClosing(marketID string, side market.Side, tokenID, label string, trigger CloseTrigger, cause CloseCause) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, p := s.findLocked(marketID, side, tokenID, label)
	if p == nil {
		return fmt.Errorf("position not found: %s/%s", marketID, side)
	}
	p.State = StateClosing
	p.CloseTrigger = trigger
	p.CloseCause = cause
	p.ClosePriority = trigger.Priority()
	return s.saveLocked()
}

// RevertClosing undoes MarkClosing after a failed commit so a later (or
// stronger) trigger can retry the close.
func (s *Store) RevertClosing(marketID string, side market.Side, tokenID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, p := s.findLocked(marketID, side, tokenID, label)
	if p == nil {
		return nil
	}
	p.State = StateOpen
	p.CloseTrigger = ""
	p.CloseCause = ""
	p.ClosePriority = 0
	return s.saveLocked()
}

// ---- trades ----

// TradeInput carries one signed paper fill into the ledger.
type TradeInput struct {
	MarketID     string
	Question     string
	Slug         string
	Side         market.Side
	OutcomeLabel string
	Shares       decimal.Decimal // positive buys, negative sells
	Tick         int
	TxHash       string
	Reason       string
	SourceTick   int
	LatencyMs    int64
	TokenID      string
	MarketType   market.Type
}

// ApplyTrade commits one fill. It returns false without error when the
// ledger refuses the mutation (duplicate hash, orphan sell, insolvency,
// state mismatch); an error means persistence failed and nothing was
// committed durably.
func (s *Store) ApplyTrade(in TradeInput) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.TxHash != "" && s.st.ProcessedTxHashes[in.TxHash] {
		return false, nil
	}
	if in.Shares.IsZero() {
		return false, nil
	}

	key, p := s.findLocked(in.MarketID, in.Side, in.TokenID, in.OutcomeLabel)

	if in.Shares.IsNegative() {
		return s.applySellLocked(in, key, p)
	}
	return s.applyBuyLocked(in, key, p)
}

func (s *Store) applyBuyLocked(in TradeInput, key string, p *Position) (bool, error) {
	t := tick.Clamp(in.Tick)
	price := decimal.NewFromFloat(tick.FromTick(t))
	cost := in.Shares.Mul(price)

	if s.st.Balance.LessThan(cost) {
		s.logRefusal("insolvent buy refused", in)
		s.markProcessedLocked(in.TxHash)
		return false, s.saveLocked()
	}

	nowMs := s.now().UnixMilli()
	if p == nil {
		key = s.newKeyLocked(in)
		p = &Position{
			MarketID:     in.MarketID,
			Question:     in.Question,
			Slug:         in.Slug,
			Side:         in.Side,
			OutcomeLabel: in.OutcomeLabel,
			TokenID:      in.TokenID,
			MarketType:   in.MarketType,
			EntryTick:    t,
			CurrentTick:  t,
			State:        StateOpen,
		}
		s.st.Positions[key] = p
	} else {
		key = s.migrateKeyLocked(key, p, in)
		oldCost := p.InvestedUSD
		newShares := p.Size.Add(in.Shares)
		avgPrice := oldCost.Add(cost).Div(newShares)
		p.EntryTick = tick.ToTick(avgPrice.InexactFloat64())
	}
	p.Size = p.Size.Add(in.Shares)
	p.InvestedUSD = p.InvestedUSD.Add(cost)
	p.State = StateOpen
	p.LastEntryTime = nowMs
	s.refreshDerivedLocked(p, t)

	s.st.Balance = s.st.Balance.Sub(cost)
	s.appendEventLocked(in, "BUY", in.Shares, t, nowMs)
	s.markProcessedLocked(in.TxHash)
	return true, s.saveLocked()
}

func (s *Store) applySellLocked(in TradeInput, key string, p *Position) (bool, error) {
	t := tick.Clamp(in.Tick)
	sellShares := in.Shares.Abs()

	if p == nil {
		// Orphan sell: nothing to realize against. Resolution sweeps may
		// legitimately race a position that settled already.
		if !isResolutionReason(in.Reason) {
			s.logRefusal("orphan sell refused", in)
		}
		s.markProcessedLocked(in.TxHash)
		return false, s.saveLocked()
	}
	if p.State != StateOpen && p.State != StateClosing {
		s.logRefusal("sell refused by state gate", in)
		return false, nil
	}
	key = s.migrateKeyLocked(key, p, in)

	if sellShares.GreaterThan(p.Size) {
		sellShares = p.Size
	}
	entryPrice := decimal.NewFromFloat(tick.FromTick(p.EntryTick))
	exitPrice := decimal.NewFromFloat(tick.FromTick(t))
	costBasis := entryPrice.Mul(sellShares)
	proceeds := exitPrice.Mul(sellShares)
	pnl := proceeds.Sub(costBasis)

	s.st.Balance = s.st.Balance.Add(proceeds)
	p.Size = p.Size.Sub(sellShares)
	p.InvestedUSD = p.InvestedUSD.Sub(costBasis)
	p.RealizedPnL = p.RealizedPnL.Add(pnl)

	nowMs := s.now().UnixMilli()
	if p.Size.LessThan(dustThreshold) {
		trigger, cause := parseReason(in.Reason)
		if p.CloseTrigger != "" {
			trigger = p.CloseTrigger
		}
		if p.CloseCause != "" {
			cause = p.CloseCause
		}
		s.st.ClosedPositions = append(s.st.ClosedPositions, ClosedPosition{
			MarketID:       p.MarketID,
			Question:       p.Question,
			Slug:           p.Slug,
			Side:           p.Side,
			OutcomeLabel:   p.OutcomeLabel,
			TokenID:        p.TokenID,
			MarketType:     p.MarketType,
			Size:           sellShares,
			EntryTick:      p.EntryTick,
			ExitTick:       t,
			InvestedUSD:    costBasis,
			ReturnUSD:      proceeds,
			RealizedPnL:    p.RealizedPnL,
			CloseTrigger:   trigger,
			CloseCause:     cause,
			CloseTimestamp: nowMs,
		})
		delete(s.st.Positions, key)
	}

	if !isResolutionReason(in.Reason) {
		s.appendEventLocked(in, "SELL", sellShares, t, nowMs)
	}
	s.markProcessedLocked(in.TxHash)
	return true, s.saveLocked()
}

// newKeyLocked picks the canonical key for a fresh position.
func (s *Store) newKeyLocked(in TradeInput) string {
	if in.TokenID != "" {
		return canonicalKey(in.MarketID, in.TokenID)
	}
	if in.OutcomeLabel != "" {
		return labelKey(in.MarketID, in.Side, in.OutcomeLabel)
	}
	return legacyKey(in.MarketID, in.Side)
}

// migrateKeyLocked moves a position found under a legacy key to the
// canonical (marketId, tokenId) key on first write.
func (s *Store) migrateKeyLocked(key string, p *Position, in TradeInput) string {
	if in.TokenID == "" {
		return key
	}
	want := canonicalKey(in.MarketID, in.TokenID)
	if key == want {
		return key
	}
	delete(s.st.Positions, key)
	p.TokenID = in.TokenID
	if p.OutcomeLabel == "" {
		p.OutcomeLabel = in.OutcomeLabel
	}
	if p.MarketType == "" {
		p.MarketType = in.MarketType
	}
	s.st.Positions[want] = p
	return want
}

func (s *Store) appendEventLocked(in TradeInput, side string, shares decimal.Decimal, t int, nowMs int64) {
	id := in.TxHash
	if id == "" {
		id = uuid.NewString()
	}
	s.st.TradeEvents = append(s.st.TradeEvents, TradeEvent{
		ID:           id,
		Timestamp:    nowMs,
		MarketID:     in.MarketID,
		Question:     in.Question,
		Side:         side,
		OutcomeLabel: in.OutcomeLabel,
		Shares:       shares,
		Tick:         t,
		SourceTick:   in.SourceTick,
		LatencyMs:    in.LatencyMs,
		Reason:       in.Reason,
	})
}

func (s *Store) markProcessedLocked(txHash string) {
	if txHash != "" {
		s.st.ProcessedTxHashes[txHash] = true
	}
}

func (s *Store) logRefusal(msg string, in TradeInput) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(msg,
		zap.String("market_id", in.MarketID),
		zap.String("side", string(in.Side)),
		zap.String("shares", in.Shares.String()),
		zap.String("reason", in.Reason),
	)
}
