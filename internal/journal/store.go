package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ismaiel54/advisor-bridge/internal/msg"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is the local bridge journal. Every recorded event lands in an outbox
// table until the Publisher has shipped it.
type Store struct {
	db        *sql.DB
	topic     string
	localOnly bool
	now       func() time.Time
}

// Options configures a Store
type Options struct {
	// Topic events are published to
	Topic string
	// LocalOnly marks events published on insert. Use it when no sink is
	// configured so that Prune can reclaim them.
	LocalOnly bool
}

// Entry is a journal row waiting to be published
type Entry struct {
	ID                  int64
	EventID             string
	Kind                string
	Topic               string
	Key                 string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// Open creates or opens the journal at path
func Open(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY between
	// the engine and the publisher
	db.SetMaxOpenConns(1)

	store := &Store{db: db, topic: opts.Topic, localOnly: opts.LocalOnly, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bridge_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			topic TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_events_unpublished
			ON bridge_events(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// Record appends ev to the journal. A missing event id or timestamp is filled in.
// Recording the same event id twice is a no-op.
func (s *Store) Record(ctx context.Context, ev msg.BridgeEventMsg) error {
	now := s.now().UnixMilli()
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.TsUnixMillis == 0 {
		ev.TsUnixMillis = now
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge event: %w", err)
	}

	var published sql.NullInt64
	if s.localOnly {
		published = sql.NullInt64{Int64: now, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bridge_events (event_id, kind, topic, key, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, ev.Kind, s.topic, ev.Key(), string(payload), now, published,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bridge event: %w", err)
	}
	return nil
}

// ListUnpublished returns up to limit unpublished entries, oldest first
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, kind, topic, key, payload_json, created_unix_millis, published_unix_millis
		 FROM bridge_events
		 WHERE published_unix_millis IS NULL
		 ORDER BY id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.Kind, &e.Topic, &e.Key,
			&e.PayloadJSON, &e.CreatedUnixMillis, &e.PublishedUnixMillis,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// MarkPublished marks an entry as published
func (s *Store) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE bridge_events SET published_unix_millis = ? WHERE event_id = ?",
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as published: %w", err)
	}
	return nil
}

// Prune deletes published entries created before cutoff. Unpublished entries
// are kept regardless of age.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bridge_events
		 WHERE published_unix_millis IS NOT NULL AND created_unix_millis < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}
	return n, nil
}

// RunRetention prunes entries older than retention every interval until ctx is done
func (s *Store) RunRetention(ctx context.Context, retention, interval time.Duration, logger *zap.Logger) error {
	logger = logger.With(zap.String("component", "journal-retention"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Prune(ctx, s.now().Add(-retention))
			if err != nil {
				logger.Error("failed to prune journal", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned journal", zap.Int64("rows", n), zap.Duration("retention", retention))
			}
		}
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
