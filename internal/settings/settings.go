// Package settings persists the operator-tunable trade sizing, separate
// from the ledger so edits never race position commits.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Mode string

const (
	ModePercentage Mode = "percentage"
	ModeFixed      Mode = "fixed"
)

// TradeSettings is the sizing configuration behind the dashboard's
// trade-amount endpoints.
type TradeSettings struct {
	Mode           Mode    `json:"mode"`
	Percentage     float64 `json:"percentage"`
	FixedAmountUSD float64 `json:"fixedAmountUsd"`
}

// Defaults is the sizing used before the operator ever saves settings; the
// percentage may be overridden by configuration at load time.
func Defaults() TradeSettings {
	return TradeSettings{
		Mode:           ModePercentage,
		Percentage:     0.10,
		FixedAmountUSD: 10,
	}
}

// Patch carries a partial update; nil fields keep their current value.
type Patch struct {
	Mode           *Mode    `json:"mode,omitempty"`
	Percentage     *float64 `json:"percentage,omitempty"`
	FixedAmountUSD *float64 `json:"fixedAmountUsd,omitempty"`
}

type Store struct {
	mu       sync.Mutex
	path     string
	logger   *zap.Logger
	defaults TradeSettings
	current  TradeSettings
}

// Load reads the settings file; unreadable files fall back to def.
func Load(path string, def TradeSettings, logger *zap.Logger) *Store {
	def = sanitize(Defaults(), def)
	s := &Store{path: path, logger: logger, defaults: def, current: def}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Warn("trade settings unreadable, using defaults", zap.String("path", path), zap.Error(err))
		}
		return s
	}
	var loaded TradeSettings
	if err := json.Unmarshal(data, &loaded); err != nil {
		if logger != nil {
			logger.Warn("trade settings corrupt, using defaults", zap.String("path", path), zap.Error(err))
		}
		return s
	}
	s.current = sanitize(def, loaded)
	return s
}

// sanitize folds in into base, dropping unknown modes and out-of-range
// values.
func sanitize(base, in TradeSettings) TradeSettings {
	out := base
	switch Mode(strings.ToLower(string(in.Mode))) {
	case ModeFixed:
		out.Mode = ModeFixed
	case ModePercentage:
		out.Mode = ModePercentage
	}
	if in.Percentage > 0 && in.Percentage <= 1 {
		out.Percentage = in.Percentage
	}
	if in.FixedAmountUSD > 0 {
		out.FixedAmountUSD = in.FixedAmountUSD
	}
	return out
}

func (s *Store) Get() TradeSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Apply merges a patch, persists, and returns the resulting settings.
func (s *Store) Apply(p Patch) (TradeSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current
	if p.Mode != nil {
		next.Mode = *p.Mode
	}
	if p.Percentage != nil {
		next.Percentage = *p.Percentage
	}
	if p.FixedAmountUSD != nil {
		next.FixedAmountUSD = *p.FixedAmountUSD
	}
	next = sanitize(s.defaults, next)
	if err := s.saveLocked(next); err != nil {
		return s.current, err
	}
	s.current = next
	return next, nil
}

func (s *Store) saveLocked(v TradeSettings) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
