package flow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// nodeTimeout picks the timeout for a node: its own policy first, then the
// engine default. Zero means unlimited.
func nodeTimeout(d NodeDescriptor, defaultTimeout time.Duration) time.Duration {
	if p, ok := d.(PolicyProvider); ok {
		if t := p.Policy().Timeout; t > 0 {
			return t
		}
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// invokeWithTimeout calls d.Invoke under the node's timeout. An invocation
// cut short by the deadline is reported as a NODE_TIMEOUT NodeError whatever
// the node returned.
func invokeWithTimeout(ctx context.Context, d NodeDescriptor, in Invocation, timeout time.Duration) ([]ExecutionData, error) {
	if timeout == 0 {
		return d.Invoke(ctx, in)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.Invoke(timeoutCtx, in)
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &NodeError{
			Message: fmt.Sprintf("exceeded timeout of %v", timeout),
			Code:    "NODE_TIMEOUT",
			NodeID:  in.Node.ID,
			Cause:   context.DeadlineExceeded,
		}
	}
	return out, err
}
