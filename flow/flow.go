// Package flow provides the workflow execution engine for flowrun.
//
// A flow is a directed graph of nodes (triggers, webhooks and actions) joined
// by edges. The engine builds adjacency structures from the flat node/edge
// lists, discovers the nodes a target depends on, and dispatches nodes
// breadth-first through a registry of node implementations.
package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType discriminates how a node participates in execution.
type NodeType string

const (
	// NodeTrigger nodes originate runs (manual, scheduled, event driven).
	NodeTrigger NodeType = "trigger"

	// NodeWebhook nodes originate runs from inbound HTTP requests.
	NodeWebhook NodeType = "webhook"

	// NodeAction nodes do work when reached by the scheduler.
	NodeAction NodeType = "action"
)

// IsOrigin reports whether nodes of this type may start a run even when they
// have predecessors.
func (t NodeType) IsOrigin() bool {
	return t == NodeTrigger || t == NodeWebhook
}

// Node is one vertex of a flow.
//
// Name references an entry in the Registry. Data.ID must equal ID; the two
// are treated as a single identity.
type Node struct {
	ID    string   `json:"id" yaml:"id"`
	Type  NodeType `json:"type" yaml:"type"`
	Name  string   `json:"name" yaml:"name"`
	Label string   `json:"label,omitempty" yaml:"label,omitempty"`
	Data  NodeData `json:"data" yaml:"data"`
}

// NodeData holds a node's declared inputs. Input values may contain
// unresolved {{nodeId.field}} references.
type NodeData struct {
	ID         string         `json:"id" yaml:"id"`
	Inputs     map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Credential string         `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// DisplayName returns the label, falling back to the id.
func (n Node) DisplayName() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// Edge connects Source to Target. SourceHandle disambiguates output ports;
// branching nodes use handles ending in "-output-<slot>".
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// Flow is a complete flow definition.
type Flow struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// ParseFlow decodes a JSON flow definition and validates it.
func ParseFlow(data []byte) (Flow, error) {
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return Flow{}, fmt.Errorf("failed to decode flow: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Flow{}, err
	}
	return f, nil
}

// Validate checks identity invariants and fills Data.ID when it is empty.
func (f *Flow) Validate() error {
	if len(f.Nodes) == 0 {
		return &EngineError{Message: "flow has no nodes", Code: "INVALID_FLOW"}
	}
	seen := make(map[string]struct{}, len(f.Nodes))
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if n.ID == "" {
			return &EngineError{Message: fmt.Sprintf("node at index %d has no id", i), Code: "INVALID_FLOW"}
		}
		if _, dup := seen[n.ID]; dup {
			return &EngineError{Message: "duplicate node ID: " + n.ID, Code: "DUPLICATE_NODE"}
		}
		seen[n.ID] = struct{}{}
		if n.Data.ID == "" {
			n.Data.ID = n.ID
		}
		if n.Data.ID != n.ID {
			return &EngineError{
				Message: fmt.Sprintf("node %s: data.id %q does not match node id", n.ID, n.Data.ID),
				Code:    "INVALID_FLOW",
			}
		}
		if n.Type == "" {
			n.Type = NodeAction
		}
	}
	return nil
}

// Node returns the node with the given id.
func (f Flow) Node(id string) (Node, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Clone returns a deep copy so that concurrent runs never share node data.
func (f Flow) Clone() Flow {
	out := Flow{ID: f.ID, Name: f.Name}
	out.Nodes = make([]Node, len(f.Nodes))
	for i, n := range f.Nodes {
		n.Data.Inputs = cloneMap(n.Data.Inputs)
		out.Nodes[i] = n
	}
	out.Edges = append([]Edge(nil), f.Edges...)
	return out
}

// ExecutionData is one output item produced by a node.
type ExecutionData map[string]any

// Status is the terminal state of a node execution.
type Status string

const (
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
)

// ExecutionResult records one node visit. It is immutable once created.
type ExecutionResult struct {
	NodeID    string          `json:"nodeId"`
	NodeLabel string          `json:"nodeLabel"`
	Data      []ExecutionData `json:"data"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Depth     int             `json:"depth"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
