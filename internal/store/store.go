package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
)

// Run lifecycle statuses.
const (
	RunStatusQueued    = "queued"
	RunStatusPlanning  = "planning"
	RunStatusRetrieval = "retrieval"
	RunStatusWriting   = "writing"
	RunStatusDone      = "done"
	RunStatusFailed    = "failed"
)

// ErrRunNotFound is returned when looking up an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one generation run as persisted in Postgres.
type Run struct {
	ID         string          `json:"id"`
	Request    string          `json:"request"`
	DocKind    string          `json:"doc_kind"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Plan       json.RawMessage `json:"plan,omitempty"`
	Document   string          `json:"document,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Store persists generation runs in Postgres.
type Store struct {
	DB *sql.DB
}

// New opens a connection from configuration and creates the schema if
// it does not exist yet.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn := cfg.URL
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    request     TEXT NOT NULL,
    doc_kind    TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    plan        JSONB,
    document    TEXT NOT NULL DEFAULT '',
    summary     TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs (created_at DESC);
`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateRun inserts a new queued run.
func (s *Store) CreateRun(ctx context.Context, id, request, docKind string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (id, request, doc_kind, status) VALUES ($1, $2, $3, $4)`,
		id, request, docKind, RunStatusQueued)
	return err
}

// SetStatus moves a run to a new lifecycle status.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

// SavePlan stores the latest plan snapshot for a run.
func (s *Store) SavePlan(ctx context.Context, id string, plan json.RawMessage) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET plan = $2, updated_at = now() WHERE id = $1`, id, []byte(plan))
	return err
}

// CompleteRun records a finished run with its document and summary.
func (s *Store) CompleteRun(ctx context.Context, id, document, summary string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status = $2, document = $3, summary = $4, updated_at = now(), finished_at = now() WHERE id = $1`,
		id, RunStatusDone, document, summary)
	return err
}

// FailRun records a failed run with the error that stopped it.
func (s *Store) FailRun(ctx context.Context, id, reason string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status = $2, error = $3, updated_at = now(), finished_at = now() WHERE id = $1`,
		id, RunStatusFailed, reason)
	return err
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, request, doc_kind, status, error, COALESCE(plan, 'null'::jsonb), document, summary, created_at, updated_at, finished_at
		 FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first, without plan and
// document payloads.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, request, doc_kind, status, error, created_at, updated_at, finished_at
		 FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Request, &r.DocKind, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row *sql.Row) (Run, error) {
	var r Run
	var plan []byte
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.Request, &r.DocKind, &r.Status, &r.Error, &plan, &r.Document, &r.Summary, &r.CreatedAt, &r.UpdatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, err
	}
	if len(plan) > 0 && string(plan) != "null" {
		r.Plan = json.RawMessage(plan)
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}
