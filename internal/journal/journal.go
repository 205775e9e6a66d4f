// Package journal persists every bus event to a local SQLite database
// so operators can reconstruct what the engine did after the fact. The
// journal is append-only during operation; the retention pass is the
// only deleter.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/go-loom/internal/bus"
)

const (
	schemaVersion  = 1
	schemaChecksum = "loom-v1-2026-08-19-event-journal"
)

// Entry is one journaled bus event.
type Entry struct {
	EventID   int64     `json:"eventId"`
	Topic     string    `json:"topic"`
	EventTs   time.Time `json:"eventTs"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// Journal owns the SQLite handle and the bus consumer goroutine.
type Journal struct {
	db     *sql.DB
	bus    *bus.Bus
	logger *slog.Logger

	wg sync.WaitGroup
}

// Open opens (or creates) the journal database and applies the schema.
func Open(path string, eventBus *bus.Bus, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, bus: eventBus, logger: logger}
	if err := j.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read journal schema version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read journal schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("journal schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			event_ts DATETIME NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);`); err != nil {
		return fmt.Errorf("create events topic index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_ts ON events(event_ts);`); err != nil {
		return fmt.Errorf("create events ts index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record journal schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal migration tx: %w", err)
	}
	return nil
}

// Start subscribes to every bus topic and journals events until ctx is
// canceled or the bus closes the subscription.
func (j *Journal) Start(ctx context.Context) {
	sub := j.bus.Subscribe("")
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer j.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				if err := j.Append(ctx, event); err != nil {
					j.logger.Warn("journal append failed", "topic", event.Topic, "error", err)
				}
			}
		}
	}()
}

// Wait blocks until the consumer goroutine has exited.
func (j *Journal) Wait() {
	j.wg.Wait()
}

// Append writes one event row.
func (j *Journal) Append(ctx context.Context, event bus.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO events (topic, event_ts, payload_json) VALUES (?, ?, ?);`,
			event.Topic, event.Ts.UTC(), string(payload))
		if err != nil {
			return fmt.Errorf("insert journal event: %w", err)
		}
		return nil
	})
}

// Recent returns the newest entries, most recent first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT event_id, topic, event_ts, payload_json, created_at
		FROM events ORDER BY event_id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.EventID, &entry.Topic, &entry.EventTs, &entry.Payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal event: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecentByTopic returns the newest entries whose topic has the given
// prefix, most recent first.
func (j *Journal) RecentByTopic(ctx context.Context, topicPrefix string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT event_id, topic, event_ts, payload_json, created_at
		FROM events WHERE topic LIKE ? ORDER BY event_id DESC LIMIT ?;
	`, topicPrefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("query events by topic: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.EventID, &entry.Topic, &entry.EventTs, &entry.Payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal event: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Count returns the total number of journaled events.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count journal events: %w", err)
	}
	return count, nil
}

// PruneOlderThan deletes events whose event_ts predates cutoff and
// returns the number of rows removed.
func (j *Journal) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		result, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE event_ts < ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("prune journal events: %w", err)
		}
		removed, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("count pruned events: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		j.logger.Info("journal retention pruned events", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with
// exponential backoff and bounded jitter on top of the driver's own
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is a SQLite BUSY (5) or LOCKED (6)
// error. String matching avoids importing the sqlite3 package outside
// the driver registration.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
