package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowrun/config"
	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/emit"
	"github.com/dshills/flowrun/flow/store"
	"github.com/dshills/flowrun/log"
)

const greetFlow = `{
	"id": "greet",
	"nodes": [
		{"id": "start", "type": "trigger", "name": "manualTrigger", "data": {"inputs": {"greeting": "hello"}}},
		{"id": "reply", "name": "setData", "data": {"inputs": {"data": {"text": "{{start.greeting}} {{question}}"}}}}
	],
	"edges": [{"source": "start", "target": "reply"}]
}`

const pingFlow = `{
	"id": "ping",
	"nodes": [
		{"id": "hook", "type": "webhook", "name": "webhook", "data": {"inputs": {"path": "hooks/ping"}}},
		{"id": "reply", "name": "setData", "data": {"inputs": {"data": {"got": "{{hook.body.x}}"}}}}
	],
	"edges": [{"source": "hook", "target": "reply"}]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestOpenStore(t *testing.T) {
	s, err := openStore(config.StoreConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &store.MemStore{}, s)
	require.NoError(t, s.Close())

	s, err = openStore(config.StoreConfig{Driver: config.DriverSQLite, DSN: filepath.Join(t.TempDir(), "flows.db")})
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = openStore(config.StoreConfig{Driver: "cassandra"})
	assert.Error(t, err)
}

func TestLoadFlows_MissingDir(t *testing.T) {
	flows, err := loadFlows(filepath.Join(t.TempDir(), "absent"), log.Nop())
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func TestNewApp_RestoresDeployments(t *testing.T) {
	dir := t.TempDir()
	flowsDir := filepath.Join(dir, "flows")
	require.NoError(t, os.Mkdir(flowsDir, 0o755))
	writeFile(t, flowsDir, "greet.json", greetFlow)
	writeFile(t, flowsDir, "ping.json", pingFlow)

	dsn := filepath.Join(dir, "flows.db")
	pre, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err)
	require.NoError(t, pre.SaveDeployment(context.Background(), store.Deployment{
		FlowID: "ping", State: store.StateDeployed, UpdatedAt: time.Now(),
	}))
	require.NoError(t, pre.Close())

	cfg := config.Default()
	cfg.FlowsDir = flowsDir
	cfg.Store = config.StoreConfig{Driver: config.DriverSQLite, DSN: dsn}

	a, err := newApp(context.Background(), cfg, log.Nop(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Len(t, a.flows, 2)
	assert.True(t, a.deployed.IsDeployed("ping"))
	assert.Equal(t, []string{"hooks/ping"}, a.deployed.Router().Paths())

	hs := httptest.NewServer(a.server.Handler())
	defer hs.Close()

	resp, err := http.Post(hs.URL+"/api/v1/webhook/hooks/ping", "application/json", bytes.NewBufferString(`{"x": 7}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		RunID string                `json:"runId"`
		Last  *flow.ExecutionResult `json:"last"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Last)
	assert.EqualValues(t, 7, out.Last.Data[0]["got"])

	exec, err := a.store.LoadExecution(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.TriggerWebhook, exec.Trigger)
}

func TestNewApp_SessionHubReceivesRunEvents(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "greet.json", greetFlow)

	cfg := config.Default()
	cfg.FlowsDir = dir
	a, err := newApp(context.Background(), cfg, log.Nop(), nil)
	require.NoError(t, err)
	defer a.Close()

	events, cancel := a.sessions.Subscribe("s1")
	defer cancel()

	hs := httptest.NewServer(a.server.Handler())
	defer hs.Close()

	resp, err := http.Post(hs.URL+"/api/v1/flows/greet/run", "application/json",
		bytes.NewBufferString(`{"question": "bob", "sessionId": "s1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msgs []string
	for len(msgs) < 3 {
		select {
		case ev := <-events:
			assert.Equal(t, "s1", ev.SessionID)
			msgs = append(msgs, ev.Msg)
		case <-time.After(time.Second):
			t.Fatalf("received %v, want three events", msgs)
		}
	}
	assert.Equal(t, []string{emit.EventNodeResult, emit.EventNodeResult, emit.EventRunFinished}, msgs)
}

func TestNewApp_BadFlow(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.json", `{"id": "x"`)

	cfg := config.Default()
	cfg.FlowsDir = dir
	_, err := newApp(context.Background(), cfg, log.Nop(), nil)
	assert.Error(t, err)
}

func TestRunCmd(t *testing.T) {
	path := writeFile(t, t.TempDir(), "greet.json", greetFlow)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", path, "-q", "world", "-v"})
	require.NoError(t, root.Execute())

	var res runOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "greet", res.FlowID)
	assert.Equal(t, flow.StatusFinished, res.Status)
	assert.Len(t, res.Results, 2)
	require.NotNil(t, res.Last)
	assert.Equal(t, "hello world", res.Last.Data[0]["text"])
}

func TestRunCmd_Errors(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, root.Execute())

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run"})
	assert.Error(t, root.Execute())
}

func TestNodesCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"nodes"})
	require.NoError(t, root.Execute())

	for _, name := range []string{"chatModel", "cronTrigger", "httpRequest", "ifElse", "manualTrigger", "setData", "webhook"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestServeOptionsComplete(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "flowd.yaml", "server:\n  addr: \":7000\"\nlog:\n  level: warn\n")

	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", cfgPath, "--log-level", "debug", "--flows", "/srv/flows"}))

	o := &serveOptions{}
	o.configPath, _ = cmd.Flags().GetString("config")
	o.logLevel, _ = cmd.Flags().GetString("log-level")
	o.flowsDir, _ = cmd.Flags().GetString("flows")

	cfg, err := o.complete(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr, "unset flags keep the file value")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/srv/flows", cfg.FlowsDir)
}
