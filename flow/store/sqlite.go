package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS flow_executions (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			trigger_type TEXT NOT NULL,
			status TEXT NOT NULL,
			results TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_executions_flow ON flow_executions(flow_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS flow_deployments (
			flow_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	},
	upsertExecution: `INSERT INTO flow_executions
		(id, flow_id, session_id, trigger_type, status, results, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			flow_id = excluded.flow_id,
			session_id = excluded.session_id,
			trigger_type = excluded.trigger_type,
			status = excluded.status,
			results = excluded.results,
			created_at = excluded.created_at,
			finished_at = excluded.finished_at`,
	upsertDeployment: `INSERT INTO flow_deployments (flow_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
}

// SQLiteStore is a single-file Store backed by modernc.org/sqlite.
//
// Pass ":memory:" as the path for a throwaway database.
type SQLiteStore struct {
	*sqlStore
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path, enables
// WAL mode and creates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{sqlStore: &sqlStore{db: db, d: sqliteDialect}, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database location the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}
