// Package server exposes flows over HTTP: prediction runs, deployment
// control, trigger tests, webhook dispatch and execution history.
package server

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/pool"
	"github.com/dshills/flowrun/flow/store"
	"github.com/dshills/flowrun/log"
)

// DefaultTestTimeout bounds how long a trigger test waits for its trigger.
const DefaultTestTimeout = time.Minute

// Server routes HTTP requests to the engine and the pools.
type Server struct {
	engine   *flow.Engine
	deployed *pool.DeployedPool
	active   *pool.ActivePool
	store    store.Store
	logger   log.Logger
	metrics  http.Handler
	router   *mux.Router

	testTimeout time.Duration

	mu    sync.RWMutex
	flows map[string]flow.Flow
}

// Option configures a Server.
type Option func(*Server)

// WithFlows sets the initial flow definitions keyed by id.
func WithFlows(flows map[string]flow.Flow) Option {
	return func(s *Server) {
		for id, f := range flows {
			s.flows[id] = f
		}
	}
}

// WithStore persists runs started through the API and serves execution
// history. Without it the history endpoints return 404.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithActivePool shares the active pool.
func WithActivePool(p *pool.ActivePool) Option {
	return func(s *Server) { s.active = p }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithTestTimeout bounds trigger tests.
func WithTestTimeout(d time.Duration) Option {
	return func(s *Server) { s.testTimeout = d }
}

// New creates a server running flows on engine. Deploy, halt and webhook
// requests go to deployed.
func New(engine *flow.Engine, deployed *pool.DeployedPool, opts ...Option) *Server {
	s := &Server{
		engine:      engine,
		deployed:    deployed,
		logger:      log.Default,
		router:      mux.NewRouter(),
		testTimeout: DefaultTestTimeout,
		flows:       make(map[string]flow.Flow),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.active == nil {
		s.active = pool.NewActivePool()
	}
	s.registerRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/flows", s.handleListFlows).Methods(http.MethodGet)
	api.HandleFunc("/flows/{flowID}", s.handleGetFlow).Methods(http.MethodGet)
	api.HandleFunc("/flows/{flowID}", s.handlePutFlow).Methods(http.MethodPut)
	api.HandleFunc("/flows/{flowID}/run", s.handleRun).Methods(http.MethodPost)
	api.HandleFunc("/flows/{flowID}/deploy", s.handleDeploy).Methods(http.MethodPost)
	api.HandleFunc("/flows/{flowID}/halt", s.handleHalt).Methods(http.MethodPost)
	api.HandleFunc("/flows/{flowID}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/flows/{flowID}/test/{nodeID}", s.handleTest).Methods(http.MethodPost)
	api.HandleFunc("/flows/{flowID}/executions", s.handleListExecutions).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/webhook/{path:.+}", s.handleWebhook)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

// Flow returns the definition of id.
func (s *Server) Flow(id string) (flow.Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	return f, ok
}

// FlowIDs returns the ids of every known flow in sorted order.
func (s *Server) FlowIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.flows))
	for id := range s.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) setFlow(f flow.Flow) {
	s.mu.Lock()
	s.flows[f.ID] = f
	s.mu.Unlock()
}
