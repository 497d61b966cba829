package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/model"
	"github.com/dshills/flowrun/log"
)

func newRegistry(t *testing.T, opts ...Option) *flow.Registry {
	t.Helper()
	reg := flow.NewRegistry()
	require.NoError(t, Register(reg, append([]Option{WithLogger(log.Nop())}, opts...)...))
	return reg
}

func descriptor(t *testing.T, reg *flow.Registry, name string) flow.NodeDescriptor {
	t.Helper()
	d, ok := reg.Get(name)
	require.True(t, ok, "node %s not registered", name)
	return d
}

func invoke(t *testing.T, d flow.NodeDescriptor, inputs map[string]any) []flow.ExecutionData {
	t.Helper()
	out, err := d.Invoke(context.Background(), flow.Invocation{Node: flow.Node{ID: "n"}, Inputs: inputs})
	require.NoError(t, err)
	return out
}

func TestRegister(t *testing.T) {
	reg := newRegistry(t)
	assert.Equal(t, []string{ChatModel, CronTrigger, HTTPRequest, IfElse, ManualTrigger, SetData, Webhook}, reg.Names())

	assert.Error(t, Register(reg), "registering twice reports duplicates")

	assert.True(t, descriptor(t, reg, IfElse).Metadata().Branching)
	assert.Equal(t, flow.NodeTrigger, descriptor(t, reg, CronTrigger).Metadata().Type)
	assert.Equal(t, flow.NodeWebhook, descriptor(t, reg, Webhook).Metadata().Type)

	_, isListener := descriptor(t, reg, CronTrigger).(flow.Listener)
	assert.True(t, isListener)
	_, isWebhook := descriptor(t, reg, Webhook).(flow.WebhookNode)
	assert.True(t, isWebhook)
}

func TestManualTrigger(t *testing.T) {
	d := descriptor(t, newRegistry(t), ManualTrigger)
	inputs := map[string]any{"topic": "go"}

	out := invoke(t, d, inputs)
	assert.Equal(t, []flow.ExecutionData{{"topic": "go"}}, out)

	out[0]["topic"] = "changed"
	assert.Equal(t, "go", inputs["topic"], "output must not alias inputs")
}

func TestCronTrigger_Listen(t *testing.T) {
	d := descriptor(t, newRegistry(t), CronTrigger)
	l := d.(flow.Listener)

	var mu sync.Mutex
	var fired []flow.ExecutionData
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := flow.Node{ID: "cron", Data: flow.NodeData{Inputs: map[string]any{"schedule": "@every 1s"}}}
	require.NoError(t, l.Listen(ctx, node, func(out []flow.ExecutionData) {
		mu.Lock()
		fired = append(fired, out...)
		mu.Unlock()
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) > 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	first := fired[0]
	mu.Unlock()
	assert.Equal(t, "@every 1s", first["schedule"])
	_, err := time.Parse(time.RFC3339Nano, first["timestamp"].(string))
	assert.NoError(t, err)
}

func TestCronTrigger_InvalidSchedule(t *testing.T) {
	l := descriptor(t, newRegistry(t), CronTrigger).(flow.Listener)
	fire := func([]flow.ExecutionData) {}

	tests := []map[string]any{
		{},
		{"schedule": "not a schedule"},
		{"schedule": "0 * * * *", "timezone": "Mars/Olympus"},
	}
	for _, inputs := range tests {
		node := flow.Node{ID: "cron", Data: flow.NodeData{Inputs: inputs}}
		assert.Error(t, l.Listen(context.Background(), node, fire), "inputs %v", inputs)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 30 9 * * MON-FRI", "@hourly", "@every 90s"} {
		_, err := parseSchedule(expr)
		assert.NoError(t, err, expr)
	}
}

func TestCronTrigger_Invoke(t *testing.T) {
	out := invoke(t, descriptor(t, newRegistry(t), CronTrigger), map[string]any{"schedule": "@daily"})
	require.Len(t, out, 1)
	assert.Equal(t, "@daily", out[0]["schedule"])
	assert.NotEmpty(t, out[0]["timestamp"])
}

func TestWebhook(t *testing.T) {
	d := descriptor(t, newRegistry(t), Webhook)
	w := d.(flow.WebhookNode)

	hook := w.Webhook("flow-1", flow.Node{ID: "hook", Data: flow.NodeData{Inputs: map[string]any{"path": "/orders/", "method": "post"}}})
	assert.Equal(t, flow.WebhookSpec{Path: "orders", Method: "POST"}, hook)

	hook = w.Webhook("flow-1", flow.Node{ID: "hook"})
	assert.Equal(t, flow.WebhookSpec{Path: "flow-1/hook"}, hook)

	out := invoke(t, d, map[string]any{"body": map[string]any{"id": 7}})
	assert.Equal(t, "POST", out[0]["method"])
	assert.Equal(t, map[string]any{"id": 7}, out[0]["body"])
}

func TestIfElse(t *testing.T) {
	d := descriptor(t, newRegistry(t), IfElse)

	tests := []struct {
		name   string
		v1     any
		op     string
		v2     any
		result bool
	}{
		{"equal strings", "a", OpEqual, "a", true},
		{"equal numbers across types", float64(3), OpEqual, "3", true},
		{"not equal", "a", OpNotEqual, "b", true},
		{"contains substring", "hello world", OpContains, "world", true},
		{"contains array element", []any{"x", "y"}, OpContains, "y", true},
		{"not contains", "hello", OpNotContains, "z", true},
		{"larger", "10", OpLarger, float64(9), true},
		{"smaller false", float64(10), OpSmaller, float64(9), false},
		{"is empty string", "  ", OpIsEmpty, nil, true},
		{"is empty array", []any{}, OpIsEmpty, nil, true},
		{"not empty", map[string]any{"a": 1}, OpNotEmpty, nil, true},
		{"regex", "order-123", OpRegex, `^order-\d+$`, true},
		{"regex miss", "invoice", OpRegex, `^order`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := invoke(t, d, map[string]any{"value1": tt.v1, "operation": tt.op, "value2": tt.v2})
			require.Len(t, out, 2)
			if tt.result {
				assert.Equal(t, true, out[0]["result"])
				assert.Empty(t, out[1])
			} else {
				assert.Empty(t, out[0])
				assert.Equal(t, false, out[1]["result"])
			}
		})
	}
}

func TestIfElse_Errors(t *testing.T) {
	d := descriptor(t, newRegistry(t), IfElse)
	for _, inputs := range []map[string]any{
		{"value1": "a", "operation": "between"},
		{"value1": "abc", "operation": OpLarger, "value2": 1},
		{"value1": "x", "operation": OpRegex, "value2": "("},
	} {
		_, err := d.Invoke(context.Background(), flow.Invocation{Inputs: inputs})
		assert.Error(t, err, "inputs %v", inputs)
	}
}

func TestSetData(t *testing.T) {
	d := descriptor(t, newRegistry(t), SetData)

	out := invoke(t, d, map[string]any{"data": map[string]any{"a": 1}})
	assert.Equal(t, []flow.ExecutionData{{"a": 1}}, out)

	out = invoke(t, d, map[string]any{"data": []any{map[string]any{"a": 1}, "two"}})
	assert.Equal(t, []flow.ExecutionData{{"a": 1}, {"value": "two"}}, out)

	out = invoke(t, d, map[string]any{"name": "x"})
	assert.Equal(t, []flow.ExecutionData{{"name": "x"}}, out)
}

func TestHTTPRequest(t *testing.T) {
	var gotMethod, gotQuery, gotHeader, gotType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.Query().Get("page")
		gotHeader = r.Header.Get("X-Token")
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 42}`))
	}))
	defer srv.Close()

	d := descriptor(t, newRegistry(t, WithHTTPClient(srv.Client())), HTTPRequest)
	out := invoke(t, d, map[string]any{
		"url":     srv.URL + "/items",
		"method":  "post",
		"query":   map[string]any{"page": float64(2)},
		"headers": map[string]any{"X-Token": "secret"},
		"body":    map[string]any{"name": "widget"},
	})

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "2", gotQuery)
	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "widget", gotBody["name"])

	require.Len(t, out, 1)
	assert.Equal(t, http.StatusCreated, out[0]["status_code"])
	assert.Equal(t, `{"id": 42}`, out[0]["body"])
	assert.Equal(t, map[string]any{"id": float64(42)}, out[0]["json"])
	assert.Equal(t, "application/json", out[0]["headers"].(map[string]any)["Content-Type"])
}

func TestHTTPRequest_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()
	d := descriptor(t, newRegistry(t, WithHTTPClient(srv.Client())), HTTPRequest)

	for _, inputs := range []map[string]any{
		{},
		{"url": srv.URL, "method": "TRACE"},
		{"url": srv.URL, "failOnStatus": true},
	} {
		_, err := d.Invoke(context.Background(), flow.Invocation{Inputs: inputs})
		assert.Error(t, err, "inputs %v", inputs)
	}

	out := invoke(t, d, map[string]any{"url": srv.URL})
	assert.Equal(t, http.StatusBadGateway, out[0]["status_code"])
	assert.Equal(t, "upstream down", out[0]["body"])
	_, hasJSON := out[0]["json"]
	assert.False(t, hasJSON)

	assert.Equal(t, httpTimeout, d.(flow.PolicyProvider).Policy().Timeout)
}

func TestChatModel(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "Paris", TokensUsed: 12}}}
	var gotProvider, gotModel, gotKey string
	factory := func(_ context.Context, provider, modelName, apiKey string) (model.ChatModel, error) {
		gotProvider, gotModel, gotKey = provider, modelName, apiKey
		return mock, nil
	}
	d := descriptor(t, newRegistry(t, WithModelFactory(factory)), ChatModel)

	out, err := d.Invoke(context.Background(), flow.Invocation{
		Inputs: map[string]any{
			"provider":      "anthropic",
			"model":         "claude-test",
			"systemMessage": "Be brief.",
			"prompt":        "Capital of France?",
		},
		Credential: map[string]any{"apiKey": "k-123"},
	})
	require.NoError(t, err)

	assert.Equal(t, "anthropic", gotProvider)
	assert.Equal(t, "claude-test", gotModel)
	assert.Equal(t, "k-123", gotKey)
	require.Len(t, mock.Calls, 1)
	assert.Equal(t, []model.Message{
		{Role: model.RoleSystem, Content: "Be brief."},
		{Role: model.RoleUser, Content: "Capital of France?"},
	}, mock.Calls[0])

	require.Len(t, out, 1)
	assert.Equal(t, "Paris", out[0]["text"])
	assert.Equal(t, 12, out[0]["tokens"])
}

func TestChatModel_Errors(t *testing.T) {
	cause := errors.New("401 unauthorized")
	factory := func(context.Context, string, string, string) (model.ChatModel, error) {
		return &model.MockChatModel{Err: cause}, nil
	}
	d := descriptor(t, newRegistry(t, WithModelFactory(factory), WithChatRetries(0, 0)), ChatModel)

	_, err := d.Invoke(context.Background(), flow.Invocation{Inputs: map[string]any{"prompt": "hi"}})
	assert.ErrorContains(t, err, "apiKey")

	_, err = d.Invoke(context.Background(), flow.Invocation{Credential: map[string]any{"apiKey": "k"}})
	assert.ErrorContains(t, err, "prompt")

	_, err = d.Invoke(context.Background(), flow.Invocation{
		Inputs:     map[string]any{"prompt": "hi"},
		Credential: map[string]any{"apiKey": "k"},
	})
	assert.ErrorIs(t, err, cause)
}

func TestDefaultModelFactory(t *testing.T) {
	ctx := context.Background()

	m, err := DefaultModelFactory(ctx, "openai", "", "sk-test")
	require.NoError(t, err)
	assert.NotNil(t, m)

	m, err = DefaultModelFactory(ctx, "anthropic", "", "key")
	require.NoError(t, err)
	assert.NotNil(t, m)

	_, err = DefaultModelFactory(ctx, "openai", "", "")
	assert.ErrorIs(t, err, model.ErrMissingAPIKey)

	_, err = DefaultModelFactory(ctx, "cohere", "", "key")
	assert.Error(t, err)
}

// TestBranchingFlow runs the built-ins end to end through the engine.
func TestBranchingFlow(t *testing.T) {
	e, err := flow.New(newRegistry(t), flow.WithLogger(log.Nop()))
	require.NoError(t, err)

	nd := func(id, name string, inputs map[string]any) flow.Node {
		return flow.Node{ID: id, Name: name, Data: flow.NodeData{ID: id, Inputs: inputs}}
	}
	f := flow.Flow{
		ID: "branching",
		Nodes: []flow.Node{
			nd("start", ManualTrigger, map[string]any{"amount": float64(250)}),
			nd("ifElse_0", IfElse, map[string]any{"value1": "{{start.amount}}", "operation": OpLarger, "value2": float64(100)}),
			nd("big", SetData, map[string]any{"data": map[string]any{"tier": "big", "amount": "{{start.amount}}"}}),
			nd("small", SetData, map[string]any{"data": map[string]any{"tier": "small"}}),
		},
		Edges: []flow.Edge{
			{Source: "start", Target: "ifElse_0"},
			{Source: "ifElse_0", Target: "big", SourceHandle: "ifElse_0-output-0"},
			{Source: "ifElse_0", Target: "small", SourceHandle: "ifElse_0-output-1"},
		},
	}

	res, err := e.Execute(context.Background(), flow.ExecuteRequest{Flow: f})
	require.NoError(t, err)
	require.Equal(t, flow.StatusFinished, res.Status)

	ran := make(map[string]bool)
	for _, rec := range res.Log {
		ran[rec.NodeID] = true
	}
	assert.True(t, ran["big"])
	assert.False(t, ran["small"], "pruned branch ran")
	assert.Equal(t, "big", res.Outputs["big"][0]["tier"])
	assert.Equal(t, float64(250), res.Outputs["big"][0]["amount"])
}
