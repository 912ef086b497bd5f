// Package sqldb implements storage.Backend on database/sql through sqlx,
// supporting SQLite, PostgreSQL and MySQL through the dialect package.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/storage"
	"github.com/tjfontaine/autotara/internal/storage/dialect"
)

// DefaultConnectTimeout bounds how long New keeps retrying the first ping.
const DefaultConnectTimeout = 30 * time.Second

// Store is a SQL implementation of storage.Backend that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.Backend = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver         string        // Driver name: sqlite, postgres, mysql
	DSN            string        // Data source name / connection string
	ConnectTimeout time.Duration // Retry window for the initial ping
}

// New opens the database, waits for it to answer a ping and creates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
	}

	if err := ping(ctx, db, cfg.ConnectTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store
func NewSQLite(dbPath string) (*Store, error) {
	return New(context.Background(), Config{Driver: "sqlite", DSN: dbPath})
}

func ping(ctx context.Context, db *sqlx.DB, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(bo, ctx))
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema(ctx context.Context) error {
	key, text, boolean := s.dialect.KeyType(), s.dialect.TextType(), s.dialect.BooleanType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS models (
workspace_id %[1]s NOT NULL PRIMARY KEY,
name %[2]s NOT NULL,
content_type %[2]s NOT NULL,
raw %[2]s NOT NULL,
document %[2]s NOT NULL,
uploaded_at VARCHAR(64) NOT NULL
)`, key, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS artifacts (
workspace_id %[1]s NOT NULL,
stage_id INTEGER NOT NULL,
scope_key %[1]s NOT NULL,
rows_json %[2]s NOT NULL,
inputs_json %[2]s NOT NULL,
fingerprint VARCHAR(64) NOT NULL,
produced_at VARCHAR(64) NOT NULL,
stale %[3]s NOT NULL,
feedback %[2]s NOT NULL,
params_json %[2]s NOT NULL,
PRIMARY KEY (workspace_id, stage_id, scope_key)
)`, key, text, boolean),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

type artifactRow struct {
	Workspace   string `db:"workspace_id"`
	Stage       int    `db:"stage_id"`
	Scope       string `db:"scope_key"`
	Rows        string `db:"rows_json"`
	Inputs      string `db:"inputs_json"`
	Fingerprint string `db:"fingerprint"`
	ProducedAt  string `db:"produced_at"`
	Stale       bool   `db:"stale"`
	Feedback    string `db:"feedback"`
	Params      string `db:"params_json"`
}

func (r *artifactRow) artifact() (*domain.Artifact, error) {
	id := domain.StageID(r.Stage)
	rows, err := domain.DecodeRows(id, []byte(r.Rows))
	if err != nil {
		return nil, err
	}
	var inputs []domain.InputRef
	if err := json.Unmarshal([]byte(r.Inputs), &inputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(r.Params), &params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	producedAt, err := time.Parse(time.RFC3339Nano, r.ProducedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse produced_at: %w", err)
	}
	return &domain.Artifact{
		Stage:       id,
		Scope:       r.Scope,
		Rows:        rows,
		ProducedAt:  producedAt,
		Fingerprint: r.Fingerprint,
		Inputs:      inputs,
		Stale:       r.Stale,
		Feedback:    r.Feedback,
		Params:      params,
	}, nil
}

const artifactColumns = `workspace_id, stage_id, scope_key, rows_json, inputs_json, fingerprint, produced_at, stale, feedback, params_json`

// CommitArtifact upserts a and flags the stale keys in one transaction.
func (s *Store) CommitArtifact(ctx context.Context, workspace string, a *domain.Artifact, stale []domain.ArtifactKey) error {
	rows, err := json.Marshal(a.Rows)
	if err != nil {
		return fmt.Errorf("failed to marshal rows: %w", err)
	}
	inputs, err := json.Marshal(a.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}
	params, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if a.Rows == nil {
		rows = []byte("[]")
	}
	if a.Inputs == nil {
		inputs = []byte("[]")
	}
	if a.Params == nil {
		params = []byte("{}")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	mark := s.dialect.Rebind(`UPDATE artifacts SET stale = ?
	          WHERE workspace_id = ? AND stage_id = ? AND scope_key = ?`)
	for _, k := range stale {
		if _, err := tx.ExecContext(ctx, mark, true, workspace, int(k.Stage), k.Scope); err != nil {
			return fmt.Errorf("failed to mark %s stale: %w", k, err)
		}
	}

	upsert := s.dialect.UpsertClause(
		[]string{"workspace_id", "stage_id", "scope_key"},
		[]string{"rows_json", "inputs_json", "fingerprint", "produced_at", "stale", "feedback", "params_json"},
	)
	query := s.dialect.Rebind(`INSERT INTO artifacts (` + artifactColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` + upsert)

	_, err = tx.ExecContext(ctx, query,
		workspace, int(a.Stage), a.Scope, string(rows), string(inputs), a.Fingerprint,
		a.ProducedAt.UTC().Format(time.RFC3339Nano), a.Stale, a.Feedback, string(params))
	if err != nil {
		return fmt.Errorf("failed to put artifact: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetArtifact(ctx context.Context, workspace string, key domain.ArtifactKey) (*domain.Artifact, error) {
	query := s.dialect.Rebind(`SELECT ` + artifactColumns + ` FROM artifacts
	          WHERE workspace_id = ? AND stage_id = ? AND scope_key = ?`)

	var row artifactRow
	err := s.db.GetContext(ctx, &row, query, workspace, int(key.Stage), key.Scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return row.artifact()
}

func (s *Store) ListArtifacts(ctx context.Context, workspace string, id domain.StageID) ([]*domain.Artifact, error) {
	query := s.dialect.Rebind(`SELECT ` + artifactColumns + ` FROM artifacts
	          WHERE workspace_id = ? AND stage_id = ? ORDER BY scope_key ASC`)

	var rows []artifactRow
	if err := s.db.SelectContext(ctx, &rows, query, workspace, int(id)); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	result := make([]*domain.Artifact, 0, len(rows))
	for i := range rows {
		a, err := rows[i].artifact()
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

type modelRow struct {
	Name        string `db:"name"`
	ContentType string `db:"content_type"`
	Raw         string `db:"raw"`
	Document    string `db:"document"`
	UploadedAt  string `db:"uploaded_at"`
}

// ReplaceModel upserts the model and flags every artifact of the workspace
// stale in one transaction.
func (s *Store) ReplaceModel(ctx context.Context, workspace string, m *domain.Model) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := s.dialect.UpsertClause(
		[]string{"workspace_id"},
		[]string{"name", "content_type", "raw", "document", "uploaded_at"},
	)
	query := s.dialect.Rebind(`INSERT INTO models (workspace_id, name, content_type, raw, document, uploaded_at)
	          VALUES (?, ?, ?, ?, ?, ?) ` + upsert)

	_, err = tx.ExecContext(ctx, query,
		workspace, m.Name, m.ContentType, string(m.Raw), string(m.Document),
		m.UploadedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put model: %w", err)
	}

	mark := s.dialect.Rebind(`UPDATE artifacts SET stale = ? WHERE workspace_id = ?`)
	if _, err := tx.ExecContext(ctx, mark, true, workspace); err != nil {
		return fmt.Errorf("failed to mark artifacts stale: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetModel(ctx context.Context, workspace string) (*domain.Model, error) {
	query := s.dialect.Rebind(`SELECT name, content_type, raw, document, uploaded_at
	          FROM models WHERE workspace_id = ?`)

	var row modelRow
	err := s.db.GetContext(ctx, &row, query, workspace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}

	uploadedAt, err := time.Parse(time.RFC3339Nano, row.UploadedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse uploaded_at: %w", err)
	}
	return &domain.Model{
		Name:        row.Name,
		ContentType: row.ContentType,
		Raw:         []byte(row.Raw),
		Document:    json.RawMessage(row.Document),
		UploadedAt:  uploadedAt,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
