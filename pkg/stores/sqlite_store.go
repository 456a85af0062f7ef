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

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/intentd/intentd/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists the state journal and the archive of terminal
// intents, plans, events, and artifacts. It implements statestore.Journal
// and engine.Archive.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// An in-memory database lives in a single connection.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

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

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Append durably records committed state entries in commit order.
func (s *SQLiteStore) Append(ctx context.Context, entries []engine.StateEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO state_log (key, version, value, deleted, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`
	for _, e := range entries {
		var value []byte
		if e.Value != nil {
			value = []byte(e.Value)
		}
		if _, err := tx.ExecContext(ctx, query, e.Key, e.Version, value, e.Deleted, e.Timestamp); err != nil {
			return fmt.Errorf("failed to append state entry %s@%d: %w", e.Key, e.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state entries: %w", err)
	}
	return nil
}

// Replay returns all journaled state entries in commit order.
func (s *SQLiteStore) Replay(ctx context.Context) ([]engine.StateEntry, error) {
	query := `
		SELECT key, version, value, deleted, timestamp
		FROM state_log
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to replay state log: %w", err)
	}
	defer rows.Close()

	var entries []engine.StateEntry
	for rows.Next() {
		var e engine.StateEntry
		var value []byte
		if err := rows.Scan(&e.Key, &e.Version, &value, &e.Deleted, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan state entry: %w", err)
		}
		if len(value) > 0 {
			e.Value = json.RawMessage(value)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate state log: %w", err)
	}
	return entries, nil
}

// SaveIntent persists an intent and its current status. Saving the same
// intent again updates the status.
func (s *SQLiteStore) SaveIntent(ctx context.Context, intent *engine.Intent, status engine.IntentStatus) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}

	query := `
		INSERT INTO intents (id, kind, status, parent_id, depth, budget, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body, updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		intent.ID,
		intent.Kind,
		status,
		intent.ParentID,
		intent.Depth,
		intent.Budget,
		string(body),
		intent.CreatedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save intent: %w", err)
	}
	return nil
}

// GetIntent retrieves an archived intent and its status.
func (s *SQLiteStore) GetIntent(ctx context.Context, id string) (*engine.Intent, engine.IntentStatus, error) {
	query := `SELECT body, status FROM intents WHERE id = ?`

	var body string
	var status engine.IntentStatus
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("intent not found: %s", id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get intent: %w", err)
	}

	var intent engine.Intent
	if err := json.Unmarshal([]byte(body), &intent); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal intent: %w", err)
	}
	return &intent, status, nil
}

// ListIntents lists archived intents newest first.
func (s *SQLiteStore) ListIntents(ctx context.Context, limit, offset int) ([]*engine.Intent, error) {
	query := `
		SELECT body FROM intents
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	defer rows.Close()

	var intents []*engine.Intent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		var intent engine.Intent
		if err := json.Unmarshal([]byte(body), &intent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intent: %w", err)
		}
		intents = append(intents, &intent)
	}
	return intents, rows.Err()
}

// SavePlan persists a plan.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	query := `
		INSERT INTO plans (id, intent_id, status, total_cost, step_count, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body
	`
	_, err = s.db.ExecContext(ctx, query,
		plan.ID,
		plan.IntentID,
		plan.Status,
		plan.TotalCost,
		len(plan.Steps),
		string(body),
		plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// GetPlan retrieves an archived plan.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*engine.Plan, error) {
	query := `SELECT body FROM plans WHERE id = ?`

	var body string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	var plan engine.Plan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &plan, nil
}

// SaveEvent persists one event. Replaying the same (plan, sequence) pair is
// a no-op.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *engine.Event) error {
	var payload *string
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		str := string(data)
		payload = &str
	}

	query := `
		INSERT OR IGNORE INTO events (id, plan_id, sequence, type, step_index, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.PlanID,
		event.Sequence,
		event.Type,
		event.StepIndex,
		payload,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// ListEvents returns a plan's archived events in sequence order, starting
// at fromSeq.
func (s *SQLiteStore) ListEvents(ctx context.Context, planID string, fromSeq uint64) ([]engine.Event, error) {
	query := `
		SELECT id, plan_id, sequence, type, step_index, payload, timestamp
		FROM events
		WHERE plan_id = ? AND sequence >= ?
		ORDER BY sequence ASC
	`
	rows, err := s.db.QueryContext(ctx, query, planID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []engine.Event
	for rows.Next() {
		var e engine.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Sequence, &e.Type, &e.StepIndex, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveArtifact persists an artifact.
func (s *SQLiteStore) SaveArtifact(ctx context.Context, artifact *engine.Artifact) error {
	body, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	query := `
		INSERT INTO artifacts (id, plan_id, intent_id, outcome, actual_cost, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET outcome = excluded.outcome, body = excluded.body
	`
	_, err = s.db.ExecContext(ctx, query,
		artifact.ID,
		artifact.PlanID,
		artifact.IntentID,
		artifact.Outcome,
		artifact.ActualCost,
		string(body),
		artifact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	return nil
}

// GetArtifact returns the artifact for a plan.
func (s *SQLiteStore) GetArtifact(ctx context.Context, planID string) (*engine.Artifact, error) {
	query := `SELECT body FROM artifacts WHERE plan_id = ?`

	var body string
	err := s.db.QueryRowContext(ctx, query, planID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact not found for plan: %s", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	var artifact engine.Artifact
	if err := json.Unmarshal([]byte(body), &artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return &artifact, nil
}
