package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/log"
)

// manualTrigger starts a flow on demand and passes its inputs through.
type manualTrigger struct{}

func (manualTrigger) Metadata() flow.Metadata {
	return flow.Metadata{
		Name:        ManualTrigger,
		Label:       "Manual Trigger",
		Description: "Starts the flow when run by hand",
		Category:    "Triggers",
		Type:        flow.NodeTrigger,
	}
}

func (manualTrigger) Invoke(_ context.Context, in flow.Invocation) ([]flow.ExecutionData, error) {
	return []flow.ExecutionData{copyInputs(in.Inputs)}, nil
}

// cronTrigger fires on a cron schedule. The schedule accepts six fields
// with seconds, five standard fields, or descriptors such as "@every 5m".
type cronTrigger struct {
	logger log.Logger
}

func (*cronTrigger) Metadata() flow.Metadata {
	return flow.Metadata{
		Name:        CronTrigger,
		Label:       "Schedule Trigger",
		Description: "Starts the flow on a cron schedule",
		Category:    "Triggers",
		Type:        flow.NodeTrigger,
		Inputs: []flow.Param{
			{Name: "schedule", Type: "string"},
			{Name: "timezone", Type: "string", Optional: true},
		},
		Outputs: []flow.Param{{Name: "timestamp", Type: "string"}},
	}
}

// Invoke produces the output of a firing now; it serves manual test runs.
func (*cronTrigger) Invoke(_ context.Context, in flow.Invocation) ([]flow.ExecutionData, error) {
	return []flow.ExecutionData{firing(stringInput(in.Inputs, "schedule"), time.Now())}, nil
}

// Listen implements flow.Listener.
func (c *cronTrigger) Listen(ctx context.Context, node flow.Node, fire func([]flow.ExecutionData)) error {
	spec := stringInput(node.Data.Inputs, "schedule")
	schedule, err := parseSchedule(spec)
	if err != nil {
		return err
	}

	loc := time.UTC
	if tz := stringInput(node.Data.Inputs, "timezone"); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}

	runner := cron.NewWithLocation(loc)
	runner.Schedule(schedule, cron.FuncJob(func() {
		fire([]flow.ExecutionData{firing(spec, time.Now())})
	}))
	runner.Start()
	c.logger.Debugf("cron trigger %s listening on %q", node.ID, spec)

	go func() {
		<-ctx.Done()
		runner.Stop()
		c.logger.Debugf("cron trigger %s stopped", node.ID)
	}()
	return nil
}

func firing(spec string, at time.Time) flow.ExecutionData {
	return flow.ExecutionData{
		"timestamp": at.UTC().Format(time.RFC3339Nano),
		"schedule":  spec,
	}
}

func parseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("schedule is required")
	}
	if !strings.HasPrefix(spec, "@") && len(strings.Fields(spec)) == 5 {
		return cron.ParseStandard(spec)
	}
	return cron.Parse(spec)
}

// webhook starts a flow from an inbound HTTP request. Its route is
// inputs.path, or "<flowID>/<nodeID>" when unset.
type webhook struct{}

func (webhook) Metadata() flow.Metadata {
	return flow.Metadata{
		Name:        Webhook,
		Label:       "Webhook",
		Description: "Starts the flow when its URL is called",
		Category:    "Triggers",
		Type:        flow.NodeWebhook,
		Inputs: []flow.Param{
			{Name: "path", Type: "string", Optional: true},
			{Name: "method", Type: "string", Optional: true},
		},
		Outputs: []flow.Param{
			{Name: "body", Type: "json"},
			{Name: "headers", Type: "json"},
			{Name: "query", Type: "json"},
			{Name: "method", Type: "string"},
		},
	}
}

// Webhook implements flow.WebhookNode.
func (webhook) Webhook(flowID string, node flow.Node) flow.WebhookSpec {
	path := strings.Trim(stringInput(node.Data.Inputs, "path"), "/")
	if path == "" {
		path = flowID + "/" + node.ID
	}
	return flow.WebhookSpec{Path: path, Method: strings.ToUpper(stringInput(node.Data.Inputs, "method"))}
}

// Invoke returns a sample request built from inputs for manual runs; live
// requests seed the node instead.
func (webhook) Invoke(_ context.Context, in flow.Invocation) ([]flow.ExecutionData, error) {
	method := strings.ToUpper(stringInput(in.Inputs, "method"))
	if method == "" {
		method = "POST"
	}
	return []flow.ExecutionData{{
		"body":    in.Inputs["body"],
		"headers": map[string]any{},
		"query":   map[string]any{},
		"method":  method,
	}}, nil
}
