package convroute

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/go-loom/internal/shared"
)

const indexFileVersion = 1

// Entry records the newest known conversation for one route.
type Entry struct {
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
	LastEventType  string    `json:"lastEventType"`
	RunID          string    `json:"runId,omitempty"`
}

type indexFile struct {
	Version   int              `json:"version"`
	Entries   map[string]Entry `json:"entries"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Index is the persisted routeKey -> conversation map. An entry is replaced
// only by an event whose own timestamp is strictly newer, which keeps the
// index convergent when events arrive out of order. All writes funnel
// through the router's single consumer goroutine; the mutex covers direct
// lookups racing that goroutine.
type Index struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

func NewIndex(path string, logger *slog.Logger) (*Index, error) {
	idx := &Index{
		path:    path,
		logger:  logger,
		entries: make(map[string]Entry),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("read conversation index: %w", err)
	}
	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		logger.Warn("conversation index unreadable, starting empty", "path", path, "error", err)
		return idx, nil
	}
	if file.Entries != nil {
		idx.entries = file.Entries
	}
	return idx, nil
}

// Apply stores entry under routeKey if it is strictly newer than what is
// already there, then persists the whole index. Returns whether the entry
// was taken.
func (idx *Index) Apply(routeKey string, entry Entry) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	existing, ok := idx.entries[routeKey]
	if ok && !entry.Timestamp.After(existing.Timestamp) {
		return false, nil
	}
	idx.entries[routeKey] = entry
	if err := idx.persistLocked(); err != nil {
		idx.entries[routeKey] = existing
		if !ok {
			delete(idx.entries, routeKey)
		}
		return false, err
	}
	return true, nil
}

// Lookup is a map read; no disk access.
func (idx *Index) Lookup(routeKey string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entry, ok := idx.entries[routeKey]
	return entry, ok
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *Index) persistLocked() error {
	file := indexFile{
		Version:   indexFileVersion,
		Entries:   idx.entries,
		UpdatedAt: time.Now().UTC(),
	}
	return writeJSONAtomic(idx.path, file)
}

// writeJSONAtomic marshals v and writes it through the shared atomic write
// path after ensuring the parent directory exists.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	return shared.WriteFileAtomic(path, data, 0o644)
}
