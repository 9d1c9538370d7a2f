// Package stores persists the notification history so a dashboard can show
// past events across restarts. Only durable events are written: terminal
// notifications and instantaneous ones. Ongoing progression updates are
// transient UI state and are skipped.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/pkg/notify"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// EventStore is the sqlite-backed notification history.
type EventStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// NewEventStore creates a store over the sqlite file at path.
func NewEventStore(path string, logger zerolog.Logger) (*EventStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &EventStore{
		path:   path,
		logger: logger.With().Str("component", "event-store").Logger(),
	}, nil
}

// Init opens the database, sets connection pragmas and runs migrations.
func (s *EventStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	if err := s.migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *EventStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *EventStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Write persists one notification. Ongoing progression updates are skipped;
// the caller does not need to filter.
func (s *EventStore) Write(ctx context.Context, n notify.Notification) error {
	if n.State == notify.StateOngoing && n.Total != 0 {
		s.logger.Debug().Str("id", n.ID).Msg("Skipping progression update")
		return nil
	}

	startValue, err := json.Marshal(n.StartValue)
	if err != nil {
		return fmt.Errorf("failed to encode start value: %w", err)
	}

	query := `
		INSERT INTO notifications (notification_id, level, state, start_value, progress, total, message, instance_uuid, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		n.ID,
		string(n.Level),
		string(n.State),
		string(startValue),
		int64(n.Progress),
		int64(n.Total),
		n.Message,
		instanceUUID(n.StartValue),
		n.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

// Record is one persisted notification row.
type Record struct {
	RowID        int64
	Notification notify.Notification
	InstanceUUID string
}

// ListRecent returns up to limit most recent notifications, newest first.
func (s *EventStore) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, notification_id, level, state, start_value, progress, total, message, instance_uuid, published_at
		FROM notifications
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListByInstance returns persisted notifications for one instance,
// newest first.
func (s *EventStore) ListByInstance(ctx context.Context, uuid string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, notification_id, level, state, start_value, progress, total, message, instance_uuid, published_at
		FROM notifications
		WHERE instance_uuid = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, uuid, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Drain consumes a subscription until its channel closes or ctx is
// cancelled, persisting every durable notification. Intended to run as its
// own goroutine alongside the bus.
func (s *EventStore) Drain(ctx context.Context, sub *notify.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.Write(ctx, n); err != nil {
				s.logger.Warn().Err(err).Str("id", n.ID).Msg("Failed to persist notification")
			}
		}
	}
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec         Record
		level       string
		state       string
		startValue  string
		progress    int64
		total       int64
		publishedAt string
	)
	if err := rows.Scan(
		&rec.RowID,
		&rec.Notification.ID,
		&level,
		&state,
		&startValue,
		&progress,
		&total,
		&rec.Notification.Message,
		&rec.InstanceUUID,
		&publishedAt,
	); err != nil {
		return Record{}, fmt.Errorf("failed to scan notification row: %w", err)
	}

	rec.Notification.Level = notify.Level(level)
	rec.Notification.State = notify.State(state)
	rec.Notification.Progress = uint64(progress)
	rec.Notification.Total = uint64(total)
	if err := json.Unmarshal([]byte(startValue), &rec.Notification.StartValue); err != nil {
		return Record{}, fmt.Errorf("failed to decode start value: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, publishedAt); err == nil {
		rec.Notification.Timestamp = ts
	}
	return rec, nil
}

func instanceUUID(sv notify.StartValue) string {
	switch sv.Kind {
	case notify.StartInstanceCreation:
		if sv.InstanceCreation != nil {
			return sv.InstanceCreation.InstanceUUID
		}
	case notify.StartInstanceDeletion:
		if sv.InstanceDeletion != nil {
			return sv.InstanceDeletion.InstanceUUID
		}
	case notify.StartMacroRun:
		if sv.MacroRun != nil {
			return sv.MacroRun.InstanceUUID
		}
	case notify.StartNativeOp:
		if sv.NativeOp != nil {
			return sv.NativeOp.InstanceUUID
		}
	}
	return ""
}
