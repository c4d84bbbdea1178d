// Package filter suppresses copying into markets the real account already
// participates in, so paper fills never shadow live exposure.
package filter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Filter is a persisted blacklist of market ids. The engine consults it
// before replicating and may still scale into markets the paper ledger
// already holds.
type Filter struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
	ids    map[string]struct{}
}

// Load reads the blacklist file; an unreadable file starts empty.
func Load(path string, logger *zap.Logger) *Filter {
	f := &Filter{path: path, logger: logger, ids: map[string]struct{}{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Warn("blacklist unreadable, starting empty", zap.String("path", path), zap.Error(err))
		}
		return f
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		if logger != nil {
			logger.Warn("blacklist corrupt, starting empty", zap.String("path", path), zap.Error(err))
		}
		return f
	}
	for _, id := range list {
		if id != "" {
			f.ids[id] = struct{}{}
		}
	}
	return f
}

// Initialize replaces the blacklist with the given market ids and persists.
func (f *Filter) Initialize(marketIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = make(map[string]struct{}, len(marketIDs))
	for _, id := range marketIDs {
		if id != "" {
			f.ids[id] = struct{}{}
		}
	}
	return f.saveLocked()
}

func (f *Filter) IsBlacklisted(marketID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[marketID]
	return ok
}

func (f *Filter) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func (f *Filter) saveLocked() error {
	list := make([]string, 0, len(f.ids))
	for id := range f.ids {
		list = append(list, id)
	}
	sort.Strings(list)
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal blacklist: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create blacklist dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".blacklist-*.json")
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
	return os.Rename(tmpName, f.path)
}
