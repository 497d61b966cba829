package flow

import "context"

// AwaitTrigger registers l for node, waits for its first firing and
// deregisters. It returns the fired data, or ctx.Err() when ctx ends first.
//
// Test runs use it to wait for a trigger once before executing the rest of
// the flow from that trigger.
func AwaitTrigger(ctx context.Context, l Listener, node Node) ([]ExecutionData, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fired := make(chan []ExecutionData, 1)
	err := l.Listen(ctx, node, func(data []ExecutionData) {
		select {
		case fired <- data:
		default:
		}
	})
	if err != nil {
		return nil, &NodeError{
			Message: "failed to register trigger: " + err.Error(),
			Code:    "TRIGGER_REGISTER_FAILED",
			NodeID:  node.ID,
			Cause:   err,
		}
	}

	select {
	case data := <-fired:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
