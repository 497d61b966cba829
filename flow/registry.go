package flow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Param describes one declared input or output of a node implementation.
type Param struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
}

// Metadata describes a node implementation.
type Metadata struct {
	// Name is the registry key referenced by Node.Name.
	Name string `json:"name"`

	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Type        NodeType `json:"type"`

	// Branching marks if/else style nodes whose output slots gate the
	// edges leaving the matching "-output-<slot>" handles.
	Branching bool `json:"branching,omitempty"`

	Inputs  []Param `json:"inputs,omitempty"`
	Outputs []Param `json:"outputs,omitempty"`
}

// Invocation carries everything a node needs for one call.
type Invocation struct {
	RunID  string
	FlowID string
	Node   Node

	// Inputs are the node's inputs after variable resolution.
	Inputs map[string]any

	// Credential holds decrypted credential fields, nil when the node
	// references no credential.
	Credential map[string]any
}

// NodeDescriptor is a node implementation registered under a name.
//
// Invoke must honor ctx cancellation. A returned error is fatal to the run.
type NodeDescriptor interface {
	Metadata() Metadata
	Invoke(ctx context.Context, in Invocation) ([]ExecutionData, error)
}

// Listener is implemented by trigger nodes that fire on their own
// (schedules, queues). Listen registers the listener and returns; the
// listener stays active until ctx is cancelled and calls fire for each event.
type Listener interface {
	Listen(ctx context.Context, node Node, fire func([]ExecutionData)) error
}

// WebhookSpec describes the inbound route of a webhook node.
type WebhookSpec struct {
	Path   string
	Method string
}

// WebhookNode is implemented by webhook nodes.
type WebhookNode interface {
	Webhook(flowID string, node Node) WebhookSpec
}

// NodePolicy configures per-implementation execution limits.
type NodePolicy struct {
	// Timeout bounds a single Invoke call. Zero falls back to the engine
	// default.
	Timeout time.Duration
}

// PolicyProvider is implemented by descriptors that carry a NodePolicy.
type PolicyProvider interface {
	Policy() NodePolicy
}

// NodeFunc adapts a plain function and its metadata into a NodeDescriptor.
type NodeFunc struct {
	Meta Metadata
	Fn   func(ctx context.Context, in Invocation) ([]ExecutionData, error)
}

// Metadata implements NodeDescriptor.
func (f NodeFunc) Metadata() Metadata { return f.Meta }

// Invoke implements NodeDescriptor.
func (f NodeFunc) Invoke(ctx context.Context, in Invocation) ([]ExecutionData, error) {
	return f.Fn(ctx, in)
}

// Registry maps node names to implementations. It is filled at startup and
// read-only afterwards; lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]NodeDescriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]NodeDescriptor)}
}

// Register adds d under d.Metadata().Name.
func (r *Registry) Register(d NodeDescriptor) error {
	if d == nil {
		return &EngineError{Message: "node descriptor cannot be nil"}
	}
	name := d.Metadata().Name
	if name == "" {
		return &EngineError{Message: "node name cannot be empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[name]; exists {
		return &EngineError{
			Message: "duplicate node name: " + name,
			Code:    "DUPLICATE_NODE",
		}
	}
	r.nodes[name] = d
	return nil
}

// Get returns the implementation registered under name.
func (r *Registry) Get(name string) (NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.nodes[name]
	return d, ok
}

// Names lists registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
