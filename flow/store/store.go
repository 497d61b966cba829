// Package store persists flow executions and deployment state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/flowrun/flow"
)

// ErrNotFound is returned when a requested execution does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every method of a closed store.
var ErrClosed = errors.New("store is closed")

// Trigger labels what started an execution.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerWebhook  Trigger = "webhook"
	TriggerSchedule Trigger = "schedule"
	TriggerTest     Trigger = "test"
)

// Execution is the persisted record of one run.
type Execution struct {
	ID         string                 `json:"id"`
	FlowID     string                 `json:"flowId"`
	SessionID  string                 `json:"sessionId,omitempty"`
	Trigger    Trigger                `json:"trigger"`
	Status     flow.Status            `json:"status"`
	Results    []flow.ExecutionResult `json:"results"`
	CreatedAt  time.Time              `json:"createdAt"`
	FinishedAt time.Time              `json:"finishedAt"`
}

// DeploymentState is the lifecycle state of a deployed flow.
type DeploymentState string

const (
	StateDeployed DeploymentState = "deployed"
	StateHalted   DeploymentState = "halted"
)

// Deployment records whether a flow's triggers should be listening. The
// daemon redeploys every StateDeployed entry at startup.
type Deployment struct {
	FlowID    string          `json:"flowId"`
	State     DeploymentState `json:"state"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists executions and deployments. Implementations must be safe
// for concurrent use.
type Store interface {
	// SaveExecution inserts exec or replaces the execution with the same ID.
	SaveExecution(ctx context.Context, exec Execution) error

	// LoadExecution returns the execution with id, or ErrNotFound.
	LoadExecution(ctx context.Context, id string) (Execution, error)

	// ListExecutions returns the executions of flowID, newest first. A
	// non-positive limit returns all of them.
	ListExecutions(ctx context.Context, flowID string, limit int) ([]Execution, error)

	// SaveDeployment inserts or replaces the deployment of d.FlowID.
	SaveDeployment(ctx context.Context, d Deployment) error

	// ListDeployments returns every recorded deployment ordered by flow id.
	ListDeployments(ctx context.Context) ([]Deployment, error)

	Close() error
}

// NewExecution builds the record of a finished run. started is when the
// caller submitted the run; FinishedAt is the current time.
func NewExecution(res *flow.RunResult, trigger Trigger, sessionID string, started time.Time) Execution {
	return Execution{
		ID:         res.RunID,
		FlowID:     res.FlowID,
		SessionID:  sessionID,
		Trigger:    trigger,
		Status:     res.Status,
		Results:    res.Log,
		CreatedAt:  started,
		FinishedAt: time.Now(),
	}
}
