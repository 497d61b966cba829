package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS flow_executions (
			id VARCHAR(64) PRIMARY KEY,
			flow_id VARCHAR(255) NOT NULL,
			session_id VARCHAR(255) NOT NULL DEFAULT '',
			trigger_type VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			results JSON NOT NULL,
			created_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL,
			INDEX idx_flow_executions_flow (flow_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS flow_deployments (
			flow_id VARCHAR(255) PRIMARY KEY,
			state VARCHAR(32) NOT NULL,
			updated_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	upsertExecution: `INSERT INTO flow_executions
		(id, flow_id, session_id, trigger_type, status, results, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			flow_id = VALUES(flow_id),
			session_id = VALUES(session_id),
			trigger_type = VALUES(trigger_type),
			status = VALUES(status),
			results = VALUES(results),
			created_at = VALUES(created_at),
			finished_at = VALUES(finished_at)`,
	upsertDeployment: `INSERT INTO flow_deployments (flow_id, state, updated_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			updated_at = VALUES(updated_at)`,
}

// MySQLStore is a Store backed by MySQL or Aurora, suitable for several
// daemons sharing execution history.
//
// The DSN uses the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/flowrun?parseTime=true
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects to dsn, verifies the connection and creates the
// schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := NewMySQLStoreWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStoreWithDB wraps an existing connection pool and creates the
// schema. The store takes ownership of db and closes it on Close.
func NewMySQLStoreWithDB(db *sql.DB) (*MySQLStore, error) {
	s := &MySQLStore{sqlStore: &sqlStore{db: db, d: mysqlDialect}}
	if err := s.createTables(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}
