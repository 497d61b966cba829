package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/store"
	"github.com/dshills/flowrun/log"
)

// DefaultWorkers is the size of the run worker pool when none is configured.
const DefaultWorkers = 16

// ErrNotDeployed is returned by Halt for flows that are not deployed.
var ErrNotDeployed = errors.New("flow is not deployed")

// ErrClosed is returned by Deploy after Close.
var ErrClosed = errors.New("deployed pool is closed")

// DeploymentInfo describes one entry of the pool.
type DeploymentInfo struct {
	FlowID    string
	State     store.DeploymentState
	Triggers  []string
	Webhooks  []string
	UpdatedAt time.Time
}

type deployment struct {
	flow      flow.Flow
	state     store.DeploymentState
	cancel    context.CancelFunc
	triggers  []string
	webhooks  []string
	updatedAt time.Time
}

// DeployedPool keeps trigger listeners and webhook routes of deployed flows
// alive. A firing trigger runs the flow from that trigger on a bounded ants
// worker pool.
//
// A flow id has at most one registration: deploying it again tears the
// previous one down first.
type DeployedPool struct {
	engine   *flow.Engine
	router   *WebhookRouter
	store    store.Store
	logger   log.Logger
	onResult func(store.Execution)
	size     int

	workers *ants.Pool
	wg      sync.WaitGroup
	runMu   sync.Mutex
	stopped bool

	mu          sync.Mutex
	deployments map[string]*deployment
	closed      bool
}

// DeployedOption configures a DeployedPool.
type DeployedOption func(*DeployedPool)

// WithStore persists every triggered run and deployment state change.
func WithStore(s store.Store) DeployedOption {
	return func(p *DeployedPool) { p.store = s }
}

// WithRouter shares a webhook router, typically the one the HTTP server
// dispatches to.
func WithRouter(r *WebhookRouter) DeployedOption {
	return func(p *DeployedPool) { p.router = r }
}

// WithWorkers bounds the number of concurrently triggered runs.
func WithWorkers(n int) DeployedOption {
	return func(p *DeployedPool) { p.size = n }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l log.Logger) DeployedOption {
	return func(p *DeployedPool) { p.logger = l }
}

// WithResultHook is called after every triggered run completes.
func WithResultHook(fn func(store.Execution)) DeployedOption {
	return func(p *DeployedPool) { p.onResult = fn }
}

// NewDeployedPool creates a pool running flows on engine.
func NewDeployedPool(engine *flow.Engine, opts ...DeployedOption) (*DeployedPool, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	p := &DeployedPool{
		engine:      engine,
		logger:      log.Default,
		size:        DefaultWorkers,
		deployments: make(map[string]*deployment),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.router == nil {
		p.router = NewWebhookRouter()
	}

	workers, err := ants.NewPool(p.size)
	if err != nil {
		return nil, fmt.Errorf("failed to create run worker pool: %w", err)
	}
	p.workers = workers
	return p, nil
}

// Router returns the webhook router the pool registers routes on.
func (p *DeployedPool) Router() *WebhookRouter {
	return p.router
}

// Deploy registers a listener for every trigger node and a route for every
// webhook node of f. Listeners live until Halt or Close, independent of ctx.
func (p *DeployedPool) Deploy(ctx context.Context, f flow.Flow) error {
	f = f.Clone()
	if err := f.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	prev, redeploy := p.deployments[f.ID]
	if redeploy {
		p.teardown(prev)
	}
	// fail tears down d and marks the already torn down prev as halted.
	fail := func(d *deployment, err error) error {
		p.teardown(d)
		if redeploy && prev.state == store.StateDeployed {
			prev.state = store.StateHalted
			prev.updatedAt = time.Now()
			p.logger.Warnf("redeploy of flow %s failed, halting it: %v", f.ID, err)
			p.saveState(ctx, f.ID, store.StateHalted, prev.updatedAt)
		}
		return err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	d := &deployment{flow: f, state: store.StateDeployed, cancel: cancel, updatedAt: time.Now()}

	registry := p.engine.Registry()
	for _, node := range f.Nodes {
		desc, ok := registry.Get(node.Name)
		if !ok {
			continue
		}
		if l, ok := desc.(flow.Listener); ok {
			nodeID := node.ID
			fire := func(out []flow.ExecutionData) { p.submit(f, nodeID, out) }
			if err := l.Listen(listenCtx, node, fire); err != nil {
				return fail(d, &flow.NodeError{
					Message: "failed to register trigger",
					Code:    "TRIGGER_REGISTER_FAILED",
					NodeID:  node.ID,
					Cause:   err,
				})
			}
			d.triggers = append(d.triggers, node.ID)
		}
		if w, ok := desc.(flow.WebhookNode); ok {
			hook := w.Webhook(f.ID, node)
			if err := p.router.Register(hook, p.webhookHandler(f, node.ID)); err != nil {
				return fail(d, fmt.Errorf("node %s: %w", node.ID, err))
			}
			d.webhooks = append(d.webhooks, hook.Path)
		}
	}

	p.deployments[f.ID] = d
	p.logger.Infof("deployed flow %s: %d triggers, %d webhooks", f.ID, len(d.triggers), len(d.webhooks))
	p.saveState(ctx, f.ID, store.StateDeployed, d.updatedAt)
	return nil
}

// Halt stops the listeners and routes of flowID. The flow stays in the pool
// in the halted state.
func (p *DeployedPool) Halt(ctx context.Context, flowID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.deployments[flowID]
	if !ok || d.state != store.StateDeployed {
		return fmt.Errorf("%w: %s", ErrNotDeployed, flowID)
	}
	p.teardown(d)
	d.state = store.StateHalted
	d.updatedAt = time.Now()

	p.logger.Infof("halted flow %s", flowID)
	p.saveState(ctx, flowID, store.StateHalted, d.updatedAt)
	return nil
}

// Status returns the state of flowID, false when it was never deployed.
func (p *DeployedPool) Status(flowID string) (store.DeploymentState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.deployments[flowID]
	if !ok {
		return "", false
	}
	return d.state, true
}

// IsDeployed reports whether flowID is currently listening.
func (p *DeployedPool) IsDeployed(flowID string) bool {
	state, ok := p.Status(flowID)
	return ok && state == store.StateDeployed
}

// List returns every entry ordered by flow id.
func (p *DeployedPool) List() []DeploymentInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]DeploymentInfo, 0, len(p.deployments))
	for id, d := range p.deployments {
		out = append(out, DeploymentInfo{
			FlowID:    id,
			State:     d.state,
			Triggers:  append([]string(nil), d.triggers...),
			Webhooks:  append([]string(nil), d.webhooks...),
			UpdatedAt: d.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out
}

// Restore redeploys every flow the store records as deployed. Flows missing
// from flows are skipped with a warning.
func (p *DeployedPool) Restore(ctx context.Context, flows map[string]flow.Flow) error {
	if p.store == nil {
		return nil
	}
	deps, err := p.store.ListDeployments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}
	for _, d := range deps {
		if d.State != store.StateDeployed {
			continue
		}
		f, ok := flows[d.FlowID]
		if !ok {
			p.logger.Warnf("deployed flow %s no longer exists, skipping", d.FlowID)
			continue
		}
		if err := p.Deploy(ctx, f); err != nil {
			return fmt.Errorf("failed to redeploy %s: %w", d.FlowID, err)
		}
	}
	return nil
}

// Close tears down every deployment, waits for in-flight runs and releases
// the worker pool.
func (p *DeployedPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, d := range p.deployments {
		p.teardown(d)
	}
	p.mu.Unlock()

	p.runMu.Lock()
	p.stopped = true
	p.runMu.Unlock()

	p.wg.Wait()
	p.workers.Release()
	return nil
}

// teardown must be called with p.mu held.
func (p *DeployedPool) teardown(d *deployment) {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	for _, path := range d.webhooks {
		p.router.Unregister(path)
	}
	d.triggers = nil
	d.webhooks = nil
}

func (p *DeployedPool) saveState(ctx context.Context, flowID string, state store.DeploymentState, at time.Time) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveDeployment(ctx, store.Deployment{FlowID: flowID, State: state, UpdatedAt: at}); err != nil {
		p.logger.Warnf("failed to persist deployment of %s: %v", flowID, err)
	}
}

// submit queues a run of f starting at the trigger nodeID.
func (p *DeployedPool) submit(f flow.Flow, nodeID string, out []flow.ExecutionData) {
	p.runMu.Lock()
	if p.stopped {
		p.runMu.Unlock()
		return
	}
	p.wg.Add(1)
	p.runMu.Unlock()

	err := p.workers.Submit(func() {
		defer p.wg.Done()
		if _, err := p.RunFrom(context.Background(), f, nodeID, out, store.TriggerSchedule, ""); err != nil {
			p.logger.Warnf("triggered run of %s from %s failed: %v", f.ID, nodeID, err)
		}
	})
	if err != nil {
		p.wg.Done()
		p.logger.Warnf("dropping trigger %s of flow %s: %v", nodeID, f.ID, err)
	}
}

func (p *DeployedPool) webhookHandler(f flow.Flow, nodeID string) WebhookHandler {
	return func(ctx context.Context, req WebhookRequest) (*flow.RunResult, error) {
		return p.RunFrom(ctx, f, nodeID, []flow.ExecutionData{req.Data()}, store.TriggerWebhook, "")
	}
}

// RunFrom executes f from the origin nodeID seeded with its output and
// persists the result. The returned error is that of flow.Engine.Execute.
func (p *DeployedPool) RunFrom(ctx context.Context, f flow.Flow, nodeID string, out []flow.ExecutionData, trigger store.Trigger, sessionID string) (*flow.RunResult, error) {
	started := time.Now()
	res, err := p.engine.Execute(ctx, flow.ExecuteRequest{
		SessionID:    sessionID,
		Flow:         f,
		StartNodeIDs: []string{nodeID},
		Seed:         map[string][]flow.ExecutionData{nodeID: out},
		ReturnLast:   true,
	})
	if res == nil {
		return nil, err
	}

	exec := store.NewExecution(res, trigger, sessionID, started)
	if p.store != nil {
		if serr := p.store.SaveExecution(context.WithoutCancel(ctx), exec); serr != nil {
			p.logger.Warnf("failed to persist run %s: %v", res.RunID, serr)
		}
	}
	if p.onResult != nil {
		p.onResult(exec)
	}
	return res, err
}
