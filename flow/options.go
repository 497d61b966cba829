package flow

import (
	"time"

	"github.com/dshills/flowrun/flow/emit"
	"github.com/dshills/flowrun/log"
)

// DefaultLoopBudget is how many times a node may be re-entered at a new
// depth before its successors stop being expanded.
const DefaultLoopBudget = 3

// Options configures Engine execution behavior. Zero values select defaults.
type Options struct {
	// LoopBudget bounds re-entry of a node at a new depth. Zero selects
	// DefaultLoopBudget.
	LoopBudget int

	// DefaultNodeTimeout bounds a single node invocation when the node has
	// no NodePolicy.Timeout. Zero means no limit.
	DefaultNodeTimeout time.Duration

	// Metrics is optional Prometheus instrumentation.
	Metrics *PrometheusMetrics
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := flow.New(registry,
//	    flow.WithLoopBudget(5),
//	    flow.WithDefaultNodeTimeout(30*time.Second),
//	    flow.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts        Options
	emitter     emit.Emitter
	credentials CredentialResolver
	logger      log.Logger
}

// WithOptions applies a whole Options struct. Later options override its
// fields.
func WithOptions(o Options) Option {
	return func(cfg *engineConfig) error {
		cfg.opts = o
		return nil
	}
}

// WithLoopBudget sets how many times a node may be re-entered at a new depth.
//
// Default: 3. The budget exists to stop runaway cycles; a node whose budget is
// spent no longer feeds its successors.
func WithLoopBudget(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "loop budget cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.LoopBudget = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the maximum execution time for nodes without
// their own NodePolicy.Timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "node timeout cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithEmitter sets the observer that receives nodeResult and runFinished
// events. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
//	registry := prometheus.NewRegistry()
//	engine, _ := flow.New(nodes, flow.WithMetrics(flow.NewPrometheusMetrics(registry)))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = m
		return nil
	}
}

// WithCredentials sets the resolver used for nodes that reference a
// credential. Without one, such nodes fail with a NodeError.
func WithCredentials(r CredentialResolver) Option {
	return func(cfg *engineConfig) error {
		cfg.credentials = r
		return nil
	}
}

// WithLogger sets the engine's logger. Default: log.Default.
func WithLogger(l log.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.logger = l
		return nil
	}
}
