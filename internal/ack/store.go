package ack

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/basket/go-loom/internal/shared"
)

const storeFileVersion = 1

type storeFile struct {
	Version   int               `json:"version"`
	Entries   map[string]Record `json:"entries"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Store persists tracked acknowledgments as one whole-file JSON snapshot.
// The tracker is the only writer; the mutex covers status readers.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]Record
}

func NewStore(path string, logger *slog.Logger) (*Store, error) {
	store := &Store{
		path:    path,
		logger:  logger,
		entries: make(map[string]Record),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("read ack store: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		logger.Warn("ack store unreadable, starting empty", "path", path, "error", err)
		return store, nil
	}
	if file.Entries != nil {
		store.entries = file.Entries
	}
	return store, nil
}

// Upsert stores record and persists the snapshot.
func (s *Store) Upsert(record Record) error {
	if record.ID == "" {
		return fmt.Errorf("upsert ack: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, had := s.entries[record.ID]
	s.entries[record.ID] = record
	if err := s.persistLocked(); err != nil {
		if had {
			s.entries[record.ID] = previous
		} else {
			delete(s.entries, record.ID)
		}
		return err
	}
	return nil
}

// Delete removes the given ids and persists once.
func (s *Store) Delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[string]Record, len(ids))
	for _, id := range ids {
		if record, ok := s.entries[id]; ok {
			removed[id] = record
			delete(s.entries, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.persistLocked(); err != nil {
		for id, record := range removed {
			s.entries[id] = record
		}
		return err
	}
	return nil
}

// All returns every record sorted by sentAt ascending, oldest first.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.entries))
	for _, record := range s.entries {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.entries[id]
	return record, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) persistLocked() error {
	file := storeFile{
		Version:   storeFileVersion,
		Entries:   s.entries,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ack store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create ack store dir: %w", err)
	}
	return shared.WriteFileAtomic(s.path, data, 0o644)
}
