package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/pool"
	"github.com/dshills/flowrun/flow/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 10 << 20

var (
	errFlowNotFound    = errors.New("flow not found")
	errNodeNotFound    = errors.New("node not found")
	errHistoryDisabled = errors.New("execution history is disabled")
)

type runRequest struct {
	Question       string         `json:"question"`
	OverrideConfig map[string]any `json:"overrideConfig,omitempty"`
	EndNodeIDs     []string       `json:"endNodeIds,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	Vars           map[string]any `json:"vars,omitempty"`
}

type runResponse struct {
	RunID   string                 `json:"runId"`
	FlowID  string                 `json:"flowId"`
	Status  flow.Status            `json:"status"`
	Reused  bool                   `json:"reused,omitempty"`
	Results []flow.ExecutionResult `json:"results"`
	Last    *flow.ExecutionResult  `json:"last,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

type statusResponse struct {
	FlowID    string    `json:"flowId"`
	State     string    `json:"state"`
	Triggers  []string  `json:"triggers,omitempty"`
	Webhooks  []string  `json:"webhooks,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "flows": len(s.FlowIDs())})
}

func (s *Server) handleListFlows(w http.ResponseWriter, _ *http.Request) {
	out := []statusResponse{}
	for _, id := range s.FlowIDs() {
		out = append(out, s.status(id))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, ok := s.Flow(mux.Vars(r)["flowID"])
	if !ok {
		s.writeError(w, errFlowNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handlePutFlow(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowID"]

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := flow.ParseFlow(data)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.ID != "" && f.ID != flowID {
		s.writeStatus(w, http.StatusBadRequest, fmt.Sprintf("flow id %q does not match path id %q", f.ID, flowID))
		return
	}
	f.ID = flowID

	s.setFlow(f)
	s.active.Invalidate(flowID)
	s.logger.Infof("updated flow %s", flowID)

	if s.deployed.IsDeployed(flowID) {
		if err := s.deployed.Deploy(r.Context(), f); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.status(flowID))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowID"]
	f, ok := s.Flow(flowID)
	if !ok {
		s.writeError(w, errFlowNotFound)
		return
	}

	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	vars := make(map[string]any, len(req.Vars)+1)
	for k, v := range req.Vars {
		vars[k] = v
	}
	vars["question"] = req.Question

	exec := flow.ExecuteRequest{
		SessionID:  req.SessionID,
		Flow:       applyOverride(f, req.OverrideConfig),
		EndNodeIDs: req.EndNodeIDs,
		Vars:       vars,
		ReturnLast: true,
	}

	// A warm entry lets the run start at the end nodes with every upstream
	// output taken from the cache.
	reused := false
	if entry, ok := s.active.Reusable(flowID, req.OverrideConfig); ok && len(req.EndNodeIDs) > 0 && sameIDs(entry.EndNodeIDs, req.EndNodeIDs) {
		exec.StartNodeIDs = req.EndNodeIDs
		exec.Resolved = entry.Outputs
		reused = true
	}

	started := time.Now()
	res, err := s.engine.Execute(r.Context(), exec)
	if res == nil {
		s.writeError(w, err)
		return
	}
	s.saveExecution(r.Context(), res, store.TriggerManual, req.SessionID, started)

	if !reused && err == nil && res.Status == flow.StatusFinished && len(req.EndNodeIDs) > 0 {
		starts, _, serr := s.engine.StartingNodes(f, req.EndNodeIDs)
		if serr == nil {
			s.active.Add(flowID, pool.ActiveEntry{
				Flow:            f,
				StartingNodeIDs: starts,
				EndNodeIDs:      append([]string(nil), req.EndNodeIDs...),
				Outputs:         res.Outputs,
				OverrideConfig:  req.OverrideConfig,
			})
		}
	}

	s.writeRun(w, res, err, reused)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowID"]
	f, ok := s.Flow(flowID)
	if !ok {
		s.writeError(w, errFlowNotFound)
		return
	}
	if err := s.deployed.Deploy(r.Context(), f); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status(flowID))
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowID"]
	if err := s.deployed.Halt(r.Context(), flowID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status(flowID))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["flowID"]
	if _, ok := s.Flow(flowID); !ok {
		if _, deployed := s.deployed.Status(flowID); !deployed {
			s.writeError(w, errFlowNotFound)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.status(flowID))
}

func (s *Server) status(flowID string) statusResponse {
	for _, info := range s.deployed.List() {
		if info.FlowID == flowID {
			return statusResponse{
				FlowID:    flowID,
				State:     string(info.State),
				Triggers:  info.Triggers,
				Webhooks:  info.Webhooks,
				UpdatedAt: info.UpdatedAt,
			}
		}
	}
	return statusResponse{FlowID: flowID, State: "undeployed"}
}

// handleTest runs a flow once from one of its origin nodes. Listening
// triggers are awaited first; webhook nodes take the request itself as their
// output; any other node is invoked normally.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	f, ok := s.Flow(vars["flowID"])
	if !ok {
		s.writeError(w, errFlowNotFound)
		return
	}
	node, ok := f.Node(vars["nodeID"])
	if !ok {
		s.writeError(w, errNodeNotFound)
		return
	}
	desc, ok := s.engine.Registry().Get(node.Name)
	if !ok {
		s.writeError(w, &flow.EngineError{
			Message: fmt.Sprintf("node %s: no implementation registered for %q", node.ID, node.Name),
			Code:    "UNKNOWN_NODE",
			Err:     flow.ErrUnknownNode,
		})
		return
	}
	sessionID := r.URL.Query().Get("sessionId")

	var (
		res *flow.RunResult
		err error
	)
	switch d := desc.(type) {
	case flow.Listener:
		ctx, cancel := context.WithTimeout(r.Context(), s.testTimeout)
		data, aerr := flow.AwaitTrigger(ctx, d, node)
		cancel()
		if aerr != nil {
			s.writeError(w, aerr)
			return
		}
		res, err = s.deployed.RunFrom(r.Context(), f, node.ID, data, store.TriggerTest, sessionID)
	case flow.WebhookNode:
		req, rerr := webhookRequest(r)
		if rerr != nil {
			s.writeStatus(w, http.StatusBadRequest, rerr.Error())
			return
		}
		res, err = s.deployed.RunFrom(r.Context(), f, node.ID, []flow.ExecutionData{req.Data()}, store.TriggerTest, sessionID)
	default:
		started := time.Now()
		res, err = s.engine.Execute(r.Context(), flow.ExecuteRequest{
			SessionID:    sessionID,
			Flow:         f,
			StartNodeIDs: []string{node.ID},
			ReturnLast:   true,
		})
		if res != nil {
			s.saveExecution(r.Context(), res, store.TriggerTest, sessionID, started)
		}
	}
	if res == nil {
		s.writeError(w, err)
		return
	}
	s.writeRun(w, res, err, false)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	req, err := webhookRequest(r)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deployed.Router().Dispatch(r.Context(), mux.Vars(r)["path"], req)
	if res == nil {
		s.writeError(w, err)
		return
	}
	s.writeRun(w, res, err, false)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, errHistoryDisabled)
		return
	}
	exec, err := s.store.LoadExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, errHistoryDisabled)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeStatus(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	execs, err := s.store.ListExecutions(r.Context(), mux.Vars(r)["flowID"], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if execs == nil {
		execs = []store.Execution{}
	}
	s.writeJSON(w, http.StatusOK, execs)
}

func (s *Server) saveExecution(ctx context.Context, res *flow.RunResult, trigger store.Trigger, sessionID string, started time.Time) {
	if s.store == nil {
		return
	}
	exec := store.NewExecution(res, trigger, sessionID, started)
	if err := s.store.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		s.logger.Warnf("failed to persist run %s: %v", res.RunID, err)
	}
}

// webhookRequest converts r. A JSON body is decoded; any other body is kept
// as text. Repeated headers and query parameters keep their first value.
func webhookRequest(r *http.Request) (pool.WebhookRequest, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return pool.WebhookRequest{}, fmt.Errorf("failed to read body: %w", err)
	}

	var body any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			body = string(data)
		}
	}

	req := pool.WebhookRequest{
		Method:  r.Method,
		Body:    body,
		Headers: make(map[string]string, len(r.Header)),
		Query:   make(map[string]string),
	}
	for k, v := range r.Header {
		if len(v) > 0 {
			req.Headers[k] = v[0]
		}
	}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			req.Query[k] = v[0]
		}
	}
	return req, nil
}

// applyOverride returns a copy of f with override applied to node inputs. A
// key naming a node id whose value is an object sets those inputs on that
// node; any other key replaces the input of that name wherever it exists.
func applyOverride(f flow.Flow, override map[string]any) flow.Flow {
	if len(override) == 0 {
		return f
	}
	f = f.Clone()
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if n.Data.Inputs == nil {
			n.Data.Inputs = make(map[string]any)
		}
		for k, v := range override {
			if _, ok := n.Data.Inputs[k]; ok {
				n.Data.Inputs[k] = v
			}
		}
		if perNode, ok := override[n.ID].(map[string]any); ok {
			for k, v := range perNode {
				n.Data.Inputs[k] = v
			}
		}
	}
	return f
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) writeRun(w http.ResponseWriter, res *flow.RunResult, err error, reused bool) {
	resp := runResponse{
		RunID:   res.RunID,
		FlowID:  res.FlowID,
		Status:  res.Status,
		Reused:  reused,
		Results: res.Log,
		Last:    res.Last,
	}
	if resp.Results == nil {
		resp.Results = []flow.ExecutionResult{}
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnf("failed to write response: %v", err)
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var ee *flow.EngineError
	var ne *flow.NodeError
	switch {
	case errors.As(err, &ne):
		resp.Code = ne.Code
	case errors.As(err, &ee):
		resp.Code = ee.Code
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("request failed: %v", err)
	}
	s.writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errFlowNotFound), errors.Is(err, errNodeNotFound),
		errors.Is(err, errHistoryDisabled), errors.Is(err, store.ErrNotFound),
		errors.Is(err, pool.ErrRouteNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, pool.ErrNotDeployed), errors.Is(err, pool.ErrRouteExists):
		return http.StatusConflict
	case errors.Is(err, pool.ErrClosed), errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	var ne *flow.NodeError
	if errors.As(err, &ne) {
		return http.StatusUnprocessableEntity
	}
	var ee *flow.EngineError
	if errors.As(err, &ee) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
