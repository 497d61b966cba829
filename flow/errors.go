package flow

import "errors"

// ErrInvalidFlow indicates a malformed flow definition.
var ErrInvalidFlow = errors.New("invalid flow")

// ErrNoStartingNodes indicates that no node could start the run.
var ErrNoStartingNodes = errors.New("no starting nodes")

// ErrEndNodeNotFound indicates that a requested ending node is not part of
// the flow.
var ErrEndNodeNotFound = errors.New("ending node not found")

// ErrUnknownNode indicates a node whose Name has no Registry entry.
var ErrUnknownNode = errors.New("unknown node type")

// EngineError represents a configuration error raised before a run starts.
type EngineError struct {
	Message string
	Code    string

	// Err is the sentinel this error classifies as, if any.
	Err error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap exposes the sentinel for errors.Is.
func (e *EngineError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Code == "INVALID_FLOW" || e.Code == "DUPLICATE_NODE" {
		return ErrInvalidFlow
	}
	return nil
}

// NodeError is a failure attributed to one node: an Invoke error, a panic,
// a timeout, an unresolvable credential or a trigger that could not start
// listening. The run records it as the node's ERROR entry.
type NodeError struct {
	Message string

	// Code classifies the failure: INVOKE_FAILED, NODE_TIMEOUT, NODE_PANIC,
	// CREDENTIAL_UNAVAILABLE or TRIGGER_REGISTER_FAILED.
	Code string

	NodeID string
	Cause  error
}

func (e *NodeError) Error() string {
	if e.NodeID == "" {
		return e.Message
	}
	return "node " + e.NodeID + ": " + e.Message
}

// Unwrap exposes Cause, so errors.Is sees through to context errors.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
