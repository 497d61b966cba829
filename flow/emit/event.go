package emit

import "encoding/json"

// Event names emitted by the flow engine.
const (
	// EventNodeResult carries one node execution record.
	EventNodeResult = "nodeResult"

	// EventRunFinished is emitted exactly once when a run ends, whatever its
	// outcome.
	EventRunFinished = "runFinished"
)

// Event is an observability event emitted during a flow run.
//
// Events are addressed to the client session that started the run, so a
// transport layer can route them to the right subscriber.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// FlowID identifies the flow being executed.
	FlowID string

	// SessionID is the caller-supplied client identifier. It may be empty
	// for runs nobody is watching (scheduled triggers).
	SessionID string

	// Step is the 1-indexed visit number within the run. Zero for run-level
	// events.
	Step int

	// NodeID identifies the node for nodeResult events.
	NodeID string

	// Msg is the event name, EventNodeResult or EventRunFinished.
	Msg string

	// Meta contains event specific data. Common keys:
	//   - "status": FINISHED or ERROR
	//   - "label": node display name
	//   - "depth": BFS depth of the visit
	//   - "data": node output items
	//   - "error": error message
	//   - "duration_ms": node execution time
	Meta map[string]interface{}
}

type jsonEvent struct {
	Event     string         `json:"event"`
	FlowID    string         `json:"flowId,omitempty"`
	RunID     string         `json:"runId"`
	SessionID string         `json:"sessionId,omitempty"`
	Step      int            `json:"step,omitempty"`
	NodeID    string         `json:"nodeId,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// MarshalJSON encodes the event with the camelCase keys clients read.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonEvent{
		Event:     e.Msg,
		FlowID:    e.FlowID,
		RunID:     e.RunID,
		SessionID: e.SessionID,
		Step:      e.Step,
		NodeID:    e.NodeID,
		Meta:      e.Meta,
	})
}
