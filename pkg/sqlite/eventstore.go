// Package sqlite provides a durable event log and checkpoint store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/plaenen/eventlane/pkg/domain"
	"github.com/plaenen/eventlane/pkg/store"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// EventStore is a SQLite-based implementation of store.EventStore.
// It provides ACID guarantees for event persistence with no CGo dependencies.
type EventStore struct {
	db *sql.DB
	mu sync.RWMutex // serializes appends; SQLite allows a single writer
}

// eventStoreConfig holds internal configuration for the SQLite event store.
type eventStoreConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// maxOpenConns sets the maximum number of open connections
	maxOpenConns int

	// maxIdleConns sets the maximum number of idle connections
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool
}

func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:          "eventlane.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// EventStoreOption is a function that configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database. WAL mode is disabled.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
		c.walMode = false
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging.
// Recommended for file databases; not available for :memory: databases.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations on startup.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewEventStore opens a SQLite event store.
//
// Example usage:
//
//	// Defaults: eventlane.db, WAL mode, auto-migrate
//	es, err := sqlite.NewEventStore()
//
//	// In-memory database for tests
//	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
func NewEventStore(opts ...EventStoreOption) (*EventStore, error) {
	config := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to :memory: gets its own database, so pin a single connection.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &EventStore{db: db}
	ctx := context.Background()

	if err := s.applyPragmas(ctx, config.walMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if config.autoMigrate {
		if err := runMigrations(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return s, nil
}

func (s *EventStore) applyPragmas(ctx context.Context, wal bool) error {
	if wal {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`)
	return err
}

// DB returns the underlying database, e.g. to share it with a CheckpointStore.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// RunMigrations runs all pending event log migrations.
func (s *EventStore) RunMigrations(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runMigrations(ctx, s.db)
}

// AppendEvents appends events to an aggregate's stream atomically.
func (s *EventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var head int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?", aggregateID,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to check current version: %w", err)
	}

	if expectedVersion != store.AnyVersion && head != expectedVersion {
		return 0, domain.ErrConcurrencyConflict
	}
	if len(events) == 0 {
		return head, nil
	}
	if err := store.CheckBatch(aggregateID, head, events); err != nil {
		return 0, err
	}

	positions := make([]int64, len(events))
	for i, evt := range events {
		metadataJSON, err := json.Marshal(evt.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metadata: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, version, timestamp_ns, data, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			evt.ID, evt.AggregateID, evt.AggregateType, evt.EventType,
			evt.Version, evt.Timestamp.UnixNano(), evt.Data, string(metadataJSON),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
			}
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}

		positions[i], err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read event position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for i, evt := range events {
		evt.Position = positions[i]
	}
	return head + int64(len(events)), nil
}

// LoadEvents loads the events of an aggregate after afterVersion.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_id = ? AND version > ?
		ORDER BY version ASC`,
		aggregateID, afterVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

// LoadAllEvents loads events from all aggregates in commit order.
func (s *EventStore) LoadAllEvents(ctx context.Context, afterPosition int64, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE position > ?
		ORDER BY position ASC
		LIMIT ?`,
		afterPosition, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

// GetAggregateVersion returns the current version of an aggregate.
func (s *EventStore) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?", aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query version: %w", err)
	}
	return version, nil
}

// Close closes the database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

const eventColumns = "position, event_id, aggregate_id, aggregate_type, event_type, version, timestamp_ns, data, metadata"

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	defer rows.Close()

	events := make([]*domain.Event, 0)
	for rows.Next() {
		var (
			evt         domain.Event
			timestampNS int64
			metadata    string
		)
		if err := rows.Scan(
			&evt.Position, &evt.ID, &evt.AggregateID, &evt.AggregateType, &evt.EventType,
			&evt.Version, &timestampNS, &evt.Data, &metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Timestamp = time.Unix(0, timestampNS).UTC()
		if err := json.Unmarshal([]byte(metadata), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of event %s: %w", evt.ID, err)
		}
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ store.EventStore = (*EventStore)(nil)
