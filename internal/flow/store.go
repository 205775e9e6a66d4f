package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/basket/go-loom/internal/shared"
)

// Store persists one JSON file per job under dir. Writes go through a
// temp-file-then-rename so a crash mid-write never leaves a corrupt record
// where a reader can see it. A single mutex serializes writes; reads are
// plain file reads and may trail the newest write by at most one.
type Store struct {
	dir    string
	logger *slog.Logger

	writeMu sync.Mutex
}

func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job store dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// Save writes the record atomically.
func (s *Store) Save(record *JobRecord) error {
	if record == nil || record.JobID == "" {
		return fmt.Errorf("save job: empty job id")
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", record.JobID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := shared.WriteFileAtomic(s.path(record.JobID), data, 0o644); err != nil {
		return fmt.Errorf("save job %s: %w", record.JobID, err)
	}
	return nil
}

// Load reads one record. Missing and corrupt files both return (nil, nil):
// callers treat either as "no such job", and corruption is logged rather
// than propagated so one bad file never halts a scan.
func (s *Store) Load(jobID string) (*JobRecord, error) {
	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}
	var record JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Warn("skipping corrupt job record", "job_id", jobID, "error", err)
		return nil, nil
	}
	return &record, nil
}

// List returns every readable record, oldest created first. Corrupt files
// are skipped with a warning.
func (s *Store) List() ([]*JobRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read job store dir: %w", err)
	}
	records := make([]*JobRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		record, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if record == nil {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(jobID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := os.Remove(s.path(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}
