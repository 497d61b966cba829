package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/flowrun/flow/emit"
	"github.com/dshills/flowrun/log"
)

// Engine executes flows against a node Registry.
//
// An Engine holds no per-run state: every Run builds its own queue, loop
// ledger and results map, so one Engine serves any number of concurrent runs
// as long as callers pass distinct Flow values (see Flow.Clone).
type Engine struct {
	registry    *Registry
	opts        Options
	emitter     emit.Emitter
	credentials CredentialResolver
	logger      log.Logger
}

// New creates an Engine dispatching to registry.
func New(registry *Registry, options ...Option) (*Engine, error) {
	if registry == nil {
		return nil, &EngineError{Message: "registry cannot be nil"}
	}

	cfg := &engineConfig{}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.opts.LoopBudget == 0 {
		cfg.opts.LoopBudget = DefaultLoopBudget
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}
	if cfg.logger == nil {
		cfg.logger = log.Default
	}

	return &Engine{
		registry:    registry,
		opts:        cfg.opts,
		emitter:     cfg.emitter,
		credentials: cfg.credentials,
		logger:      cfg.logger,
	}, nil
}

// Registry returns the registry the engine dispatches to.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// IsOrigin reports whether node can originate a run: its declared type, or
// the type of its registered implementation, is trigger or webhook.
func (e *Engine) IsOrigin(node Node) bool {
	if node.Type.IsOrigin() {
		return true
	}
	if d, ok := e.registry.Get(node.Name); ok {
		return d.Metadata().Type.IsOrigin()
	}
	return false
}

// RunRequest describes one scheduler run.
type RunRequest struct {
	// RunID identifies the run. Generated when empty.
	RunID string

	// FlowID labels events and metrics. Defaults to Flow.ID.
	FlowID string

	// SessionID addresses emitted events to a client session.
	SessionID string

	// Flow is the flow to execute. The engine never modifies it.
	Flow Flow

	// StartingNodeIDs seed the work queue at depth 0.
	StartingNodeIDs []string

	// DepthQueue, when set, limits the run to the nodes it contains: edges
	// leading outside it are not followed.
	DepthQueue DepthQueue

	// Seed supplies the output of starting nodes that already ran, such as
	// a trigger that fired. A seeded starting node is not invoked on its
	// first visit; its seed is recorded as its result.
	Seed map[string][]ExecutionData

	// Vars are run-level inputs addressable as {{name}}, for example the
	// question of a chat request.
	Vars map[string]any

	// Resolved holds outputs of nodes that ran in an earlier run. References
	// to them resolve as if they had run in this one.
	Resolved Results

	// ReturnLast asks for the last execution record in RunResult.Last.
	ReturnLast bool
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID  string
	FlowID string

	// Log lists every node visit in execution order.
	Log []ExecutionResult

	// Last is the final record when the request set ReturnLast.
	Last *ExecutionResult

	// Outputs holds the most recent output of every node that ran.
	Outputs Results

	// Status is StatusError when a node failed or the run was cancelled.
	Status Status
}

type workItem struct {
	nodeID string
	depth  int
}

// visit is the loop ledger entry of a node within one run.
type visit struct {
	remainingBudget int
	lastSeenDepth   int
}

// Run executes req breadth-first.
//
// Configuration problems (empty flow, missing starting nodes, a node in scope
// with no registered implementation) are returned as errors before anything
// runs. A failing node does not produce
// an error: it is recorded as an ERROR entry, emitted, and ends the run, and
// Run returns normally. A cancelled ctx stops the run between nodes and is
// returned along with the partial result.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if len(req.Flow.Nodes) == 0 {
		return nil, &EngineError{Message: "flow has no nodes", Code: "INVALID_FLOW"}
	}
	if len(req.StartingNodeIDs) == 0 {
		return nil, &EngineError{Message: "no starting nodes", Code: "NO_STARTING_NODES", Err: ErrNoStartingNodes}
	}

	nodes := make(map[string]Node, len(req.Flow.Nodes))
	for _, n := range req.Flow.Nodes {
		nodes[n.ID] = n
	}
	for _, id := range req.StartingNodeIDs {
		if _, ok := nodes[id]; !ok {
			return nil, &EngineError{Message: "starting node does not exist: " + id, Code: "NODE_NOT_FOUND"}
		}
	}
	graph, _ := BuildGraph(req.Flow.Nodes, req.Flow.Edges, false)
	if err := e.checkScope(req, nodes, graph); err != nil {
		return nil, err
	}

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.FlowID == "" {
		req.FlowID = req.Flow.ID
	}

	r := &run{
		engine:   e,
		req:      req,
		nodes:    nodes,
		outEdges: make(map[string][]Edge),
		ledger:   make(map[string]*visit),
		pending:  make(map[string]bool),
		results:  make(Results, len(req.Resolved)),
	}
	for id, out := range req.Resolved {
		r.results[id] = out
	}
	r.graph = graph
	for _, edge := range req.Flow.Edges {
		r.outEdges[edge.Source] = append(r.outEdges[edge.Source], edge)
	}

	e.opts.Metrics.RunStarted()
	e.logger.Debugf("run %s: starting flow %s from %v", req.RunID, req.FlowID, req.StartingNodeIDs)

	err := r.execute(ctx)

	e.opts.Metrics.RunFinished(req.FlowID, r.status)
	e.emitter.Emit(emit.Event{
		RunID:     req.RunID,
		FlowID:    req.FlowID,
		SessionID: req.SessionID,
		Msg:       emit.EventRunFinished,
		Meta: map[string]interface{}{
			"status": string(r.status),
			"steps":  len(r.log),
		},
	})

	res := &RunResult{
		RunID:   req.RunID,
		FlowID:  req.FlowID,
		Log:     r.log,
		Outputs: r.results,
		Status:  r.status,
	}
	if req.ReturnLast && len(r.log) > 0 {
		last := r.log[len(r.log)-1]
		res.Last = &last
	}
	return res, err
}

// checkScope fails with ErrUnknownNode when a node the run can reach has no
// registered implementation. A run reaches every node forward of its
// starting nodes, limited to the DepthQueue when one is set. Seeded starting
// nodes are only checked when another node in scope leads back to them.
func (e *Engine) checkScope(req RunRequest, nodes map[string]Node, graph Graph) error {
	seen := make(map[string]bool, len(nodes))
	queue := make([]string, 0, len(req.StartingNodeIDs))
	for _, id := range req.StartingNodeIDs {
		if !seen[id] {
			seen[id] = true
			queue = append(queue, id)
		}
	}

	invoked := make(map[string]bool, len(nodes))
	for _, id := range req.StartingNodeIDs {
		if _, seeded := req.Seed[id]; !seeded {
			invoked[id] = true
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, succ := range graph[id] {
			if req.DepthQueue != nil {
				if _, inScope := req.DepthQueue[succ]; !inScope {
					continue
				}
			}
			invoked[succ] = true
			if !seen[succ] {
				seen[succ] = true
				queue = append(queue, succ)
			}
		}
	}

	ids := make([]string, 0, len(invoked))
	for id := range invoked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := nodes[id]
		if _, ok := e.registry.Get(n.Name); !ok {
			return &EngineError{
				Message: fmt.Sprintf("node %s: no implementation registered for %q", id, n.Name),
				Code:    "UNKNOWN_NODE",
				Err:     ErrUnknownNode,
			}
		}
	}
	return nil
}

// ExecuteRequest is the convenience form of RunRequest: the engine resolves
// starting nodes itself.
type ExecuteRequest struct {
	RunID     string
	SessionID string
	Flow      Flow

	// EndNodeIDs are the nodes the caller wants results for. The run is
	// limited to their dependencies. When empty, the whole flow runs from
	// its roots.
	EndNodeIDs []string

	// StartNodeIDs overrides starting node discovery.
	StartNodeIDs []string

	Seed       map[string][]ExecutionData
	Vars       map[string]any
	Resolved   Results
	ReturnLast bool
}

// Execute validates and clones req.Flow, works out where the run starts and
// calls Run.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*RunResult, error) {
	f := req.Flow.Clone()
	if err := f.Validate(); err != nil {
		return nil, err
	}

	rr := RunRequest{
		RunID:           req.RunID,
		FlowID:          f.ID,
		SessionID:       req.SessionID,
		Flow:            f,
		StartingNodeIDs: req.StartNodeIDs,
		Seed:            req.Seed,
		Vars:            req.Vars,
		Resolved:        req.Resolved,
		ReturnLast:      req.ReturnLast,
	}

	if len(req.StartNodeIDs) == 0 || len(req.EndNodeIDs) > 0 {
		starts, depths, err := e.StartingNodes(f, req.EndNodeIDs)
		if err != nil {
			return nil, err
		}
		rr.DepthQueue = depths
		if len(rr.StartingNodeIDs) == 0 {
			rr.StartingNodeIDs = starts
		}
	}

	return e.Run(ctx, rr)
}

// StartingNodes resolves where a run of f towards endNodeIDs begins. With no
// end nodes it returns the roots of f and a nil DepthQueue.
func (e *Engine) StartingNodes(f Flow, endNodeIDs []string) ([]string, DepthQueue, error) {
	if len(endNodeIDs) == 0 {
		_, deps := BuildGraph(f.Nodes, f.Edges, false)
		roots := Roots(f.Nodes, deps)
		if len(roots) == 0 {
			return nil, nil, &EngineError{
				Message: "flow has no root nodes; give an ending node",
				Code:    "NO_STARTING_NODES",
				Err:     ErrNoStartingNodes,
			}
		}
		return roots, nil, nil
	}

	reversed, _ := BuildGraph(f.Nodes, f.Edges, true)
	byID := make(map[string]Node, len(f.Nodes))
	for _, n := range f.Nodes {
		byID[n.ID] = n
	}
	isOrigin := func(id string) bool { return e.IsOrigin(byID[id]) }
	return StartingNodesForEnds(reversed, endNodeIDs, isOrigin)
}

// run is the state of one Run call.
type run struct {
	engine   *Engine
	req      RunRequest
	nodes    map[string]Node
	graph    Graph
	outEdges map[string][]Edge

	ledger  map[string]*visit
	pending map[string]bool // seeded starting nodes not yet visited
	results Results
	log     []ExecutionResult
	status  Status
}

func (r *run) execute(ctx context.Context) error {
	e := r.engine
	r.status = StatusFinished

	queue := make([]workItem, 0, len(r.req.StartingNodeIDs))
	for _, id := range r.req.StartingNodeIDs {
		queue = append(queue, workItem{nodeID: id})
		r.ledger[id] = &visit{remainingBudget: e.opts.LoopBudget}
		if _, ok := r.req.Seed[id]; ok {
			r.pending[id] = true
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			r.status = StatusError
			e.logger.Infof("run %s: cancelled after %d steps", r.req.RunID, len(r.log))
			return err
		}

		item := queue[0]
		queue = queue[1:]
		e.opts.Metrics.UpdateQueueDepth(len(queue))

		node := r.nodes[item.nodeID]
		rec, desc, variants := r.visit(ctx, node, item.depth)
		r.log = append(r.log, rec)
		r.emit(rec)

		if rec.Status == StatusError {
			r.status = StatusError
			return nil
		}
		r.results[node.ID] = rec.Data

		ignored := r.prunedTargets(node, desc, variants)
		queue = r.expand(queue, item, ignored)
	}
	return nil
}

// visit produces the execution record of one dequeue, along with the output
// of every fan-out variant. rec.Data is the variants concatenated.
func (r *run) visit(ctx context.Context, node Node, depth int) (ExecutionResult, NodeDescriptor, [][]ExecutionData) {
	e := r.engine
	rec := ExecutionResult{
		NodeID:    node.ID,
		NodeLabel: node.DisplayName(),
		Depth:     depth,
		StartedAt: time.Now(),
	}

	desc, known := e.registry.Get(node.Name)

	if r.pending[node.ID] {
		delete(r.pending, node.ID)
		rec.Data = r.req.Seed[node.ID]
		rec.Status = StatusFinished
		return rec, desc, [][]ExecutionData{rec.Data}
	}

	e.logger.Debugf("run %s: dispatching %s (%s) at depth %d", r.req.RunID, node.ID, node.Name, depth)

	var (
		variants [][]ExecutionData
		err      error
	)
	if !known {
		err = &NodeError{
			Message: fmt.Sprintf("no implementation registered for %q", node.Name),
			Code:    "UNKNOWN_NODE",
			NodeID:  node.ID,
			Cause:   ErrUnknownNode,
		}
	} else {
		variants, err = r.invoke(ctx, node, desc)
	}

	rec.Duration = time.Since(rec.StartedAt)
	if err != nil {
		rec.Status = StatusError
		rec.Error = err.Error()
		e.logger.Warnf("run %s: node %s failed: %v", r.req.RunID, node.ID, err)
	} else {
		rec.Status = StatusFinished
		for _, items := range variants {
			rec.Data = append(rec.Data, items...)
		}
	}
	e.opts.Metrics.RecordStep(r.req.FlowID, node.Name, rec.Duration, rec.Status)
	return rec, desc, variants
}

func (r *run) invoke(ctx context.Context, node Node, desc NodeDescriptor) ([][]ExecutionData, error) {
	e := r.engine

	var cred map[string]any
	if node.Data.Credential != "" {
		if e.credentials == nil {
			return nil, &NodeError{
				Message: "node references a credential but no credential resolver is configured",
				Code:    "CREDENTIAL_UNAVAILABLE",
				NodeID:  node.ID,
			}
		}
		c, err := e.credentials.Resolve(ctx, node)
		if err != nil {
			return nil, &NodeError{
				Message: "failed to resolve credential: " + err.Error(),
				Code:    "CREDENTIAL_UNAVAILABLE",
				NodeID:  node.ID,
				Cause:   err,
			}
		}
		cred = c
	}

	timeout := nodeTimeout(desc, e.opts.DefaultNodeTimeout)

	var variants [][]ExecutionData
	for _, inputs := range ResolveVariables(node.Data.Inputs, r.results, r.req.Vars) {
		items, err := safeInvoke(ctx, desc, Invocation{
			RunID:      r.req.RunID,
			FlowID:     r.req.FlowID,
			Node:       node,
			Inputs:     inputs,
			Credential: cred,
		}, timeout)
		if err != nil {
			var ne *NodeError
			if errors.As(err, &ne) {
				if ne.NodeID == "" {
					ne.NodeID = node.ID
				}
				return nil, ne
			}
			return nil, &NodeError{Message: err.Error(), Code: "INVOKE_FAILED", NodeID: node.ID, Cause: err}
		}
		variants = append(variants, items)
	}
	return variants, nil
}

// safeInvoke reports a panic inside a node as a NODE_PANIC NodeError.
func safeInvoke(ctx context.Context, d NodeDescriptor, in Invocation, timeout time.Duration) (out []ExecutionData, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = &NodeError{
				Message: fmt.Sprintf("panic: %v", p),
				Code:    "NODE_PANIC",
				NodeID:  in.Node.ID,
			}
		}
	}()
	return invokeWithTimeout(ctx, d, in, timeout)
}

// prunedTargets returns the successors a branching node switched off: for
// every output slot i left empty by all fan-out variants, the targets of its
// edges whose source handle ends in "-output-<i>".
func (r *run) prunedTargets(node Node, desc NodeDescriptor, variants [][]ExecutionData) map[string]struct{} {
	branching := strings.Contains(node.ID, "ifElse")
	if desc != nil && desc.Metadata().Branching {
		branching = true
	}
	if !branching {
		return nil
	}

	var taken []bool
	for _, out := range variants {
		for i, item := range out {
			if i >= len(taken) {
				taken = append(taken, false)
			}
			if len(item) > 0 {
				taken[i] = true
			}
		}
	}

	ignored := make(map[string]struct{})
	for i, t := range taken {
		if t {
			continue
		}
		suffix := fmt.Sprintf("-output-%d", i)
		for _, edge := range r.outEdges[node.ID] {
			if strings.HasSuffix(edge.SourceHandle, suffix) {
				ignored[edge.Target] = struct{}{}
			}
		}
	}
	return ignored
}

// expand appends the successors of item to queue under the loop ledger
// rules:
//   - a node seen for the first time is enqueued with a fresh budget
//   - a node already reached at this depth is not enqueued again
//   - a node with a spent budget stops expansion of the remaining successors
//   - otherwise the budget is decremented and the node is enqueued
func (r *run) expand(queue []workItem, item workItem, ignored map[string]struct{}) []workItem {
	e := r.engine
	next := item.depth + 1

	for _, succ := range r.graph[item.nodeID] {
		if _, skip := ignored[succ]; skip {
			continue
		}
		if r.req.DepthQueue != nil {
			if _, inScope := r.req.DepthQueue[succ]; !inScope {
				continue
			}
		}

		v, seen := r.ledger[succ]
		if !seen {
			r.ledger[succ] = &visit{remainingBudget: e.opts.LoopBudget, lastSeenDepth: next}
			queue = append(queue, workItem{nodeID: succ, depth: next})
			continue
		}
		if v.lastSeenDepth == next {
			continue
		}
		if v.remainingBudget == 0 {
			e.logger.Debugf("run %s: loop budget of %s spent, stopping expansion of %s", r.req.RunID, succ, item.nodeID)
			e.opts.Metrics.IncrementLoopExhausted(r.req.FlowID, succ)
			break
		}
		v.remainingBudget--
		v.lastSeenDepth = next
		queue = append(queue, workItem{nodeID: succ, depth: next})
	}
	return queue
}

func (r *run) emit(rec ExecutionResult) {
	meta := map[string]interface{}{
		"status":      string(rec.Status),
		"label":       rec.NodeLabel,
		"depth":       rec.Depth,
		"duration_ms": rec.Duration.Milliseconds(),
	}
	if rec.Data != nil {
		meta["data"] = rec.Data
	}
	if rec.Error != "" {
		meta["error"] = rec.Error
	}
	r.engine.emitter.Emit(emit.Event{
		RunID:     r.req.RunID,
		FlowID:    r.req.FlowID,
		SessionID: r.req.SessionID,
		Step:      len(r.log),
		NodeID:    rec.NodeID,
		Msg:       emit.EventNodeResult,
		Meta:      meta,
	})
}
