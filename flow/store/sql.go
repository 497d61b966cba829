package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/flowrun/flow"
)

// dialect holds the statements that differ between SQL backends. Both
// backends bind parameters with '?'.
type dialect struct {
	name             string
	schema           []string
	upsertExecution  string
	upsertDeployment string
}

// sqlStore implements Store on database/sql. Timestamps are stored as unix
// nanoseconds so both backends round-trip them without driver specific
// parsing; results are stored as a JSON document.
type sqlStore struct {
	db     *sql.DB
	d      dialect
	mu     sync.RWMutex
	closed bool
}

const (
	selectExecution = `SELECT id, flow_id, session_id, trigger_type, status, results, created_at, finished_at FROM flow_executions`

	selectDeployments = `SELECT flow_id, state, updated_at FROM flow_deployments ORDER BY flow_id`
)

func (s *sqlStore) createTables(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) check() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveExecution implements Store.
func (s *sqlStore) SaveExecution(ctx context.Context, exec Execution) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	results, err := json.Marshal(exec.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.d.upsertExecution,
		exec.ID, exec.FlowID, exec.SessionID, string(exec.Trigger), string(exec.Status),
		string(results), exec.CreatedAt.UnixNano(), exec.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", exec.ID, err)
	}
	return nil
}

// LoadExecution implements Store.
func (s *sqlStore) LoadExecution(ctx context.Context, id string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return Execution{}, err
	}

	row := s.db.QueryRowContext(ctx, selectExecution+` WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	return exec, nil
}

// ListExecutions implements Store.
func (s *sqlStore) ListExecutions(ctx context.Context, flowID string, limit int) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	query := selectExecution + ` WHERE flow_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{flowID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions of %s: %w", flowID, err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return out, nil
}

// SaveDeployment implements Store.
func (s *sqlStore) SaveDeployment(ctx context.Context, d Deployment) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, s.d.upsertDeployment, d.FlowID, string(d.State), d.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to save deployment %s: %w", d.FlowID, err)
	}
	return nil
}

// ListDeployments implements Store.
func (s *sqlStore) ListDeployments(ctx context.Context) ([]Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, selectDeployments)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	out := []Deployment{}
	for rows.Next() {
		var (
			d       Deployment
			state   string
			updated int64
		)
		if err := rows.Scan(&d.FlowID, &state, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		d.State = DeploymentState(state)
		d.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deployments: %w", err)
	}
	return out, nil
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store. Closing twice is a no-op.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (Execution, error) {
	var (
		exec              Execution
		trigger, status   string
		results           []byte
		created, finished int64
	)
	if err := row.Scan(&exec.ID, &exec.FlowID, &exec.SessionID, &trigger, &status, &results, &created, &finished); err != nil {
		return Execution{}, err
	}
	if err := json.Unmarshal(results, &exec.Results); err != nil {
		return Execution{}, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	exec.Trigger = Trigger(trigger)
	exec.Status = flow.Status(status)
	exec.CreatedAt = time.Unix(0, created).UTC()
	exec.FinishedAt = time.Unix(0, finished).UTC()
	return exec, nil
}
