package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/flowrun/config"
	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/emit"
	"github.com/dshills/flowrun/flow/pool"
	"github.com/dshills/flowrun/flow/store"
	"github.com/dshills/flowrun/log"
	"github.com/dshills/flowrun/nodes"
	"github.com/dshills/flowrun/server"
)

// app is the wired daemon.
type app struct {
	cfg      config.Config
	logger   log.Logger
	store    store.Store
	engine   *flow.Engine
	deployed *pool.DeployedPool
	server   *server.Server
	flows    map[string]flow.Flow
	metrics  *prometheus.Registry
	sessions *emit.SessionHub
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return store.NewMemStore(), nil
	case config.DriverSQLite:
		s, err := store.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMySQL:
		s, err := store.NewMySQLStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// newEngine builds an engine with every built-in node registered.
func newEngine(cfg config.Config, logger log.Logger, metrics *flow.PrometheusMetrics, emitter emit.Emitter) (*flow.Engine, error) {
	reg := flow.NewRegistry()
	if err := nodes.Register(reg, nodes.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("failed to register nodes: %w", err)
	}

	opts := []flow.Option{
		flow.WithLoopBudget(cfg.Engine.LoopBudget),
		flow.WithDefaultNodeTimeout(cfg.Engine.NodeTimeout),
		flow.WithCredentials(flow.NewStaticCredentials(cfg.Credentials)),
		flow.WithLogger(logger),
	}
	if metrics != nil {
		opts = append(opts, flow.WithMetrics(metrics))
	}
	if emitter != nil {
		opts = append(opts, flow.WithEmitter(emitter))
	}
	return flow.New(reg, opts...)
}

// loadFlows reads the flows directory. A missing directory yields no flows.
func loadFlows(dir string, logger log.Logger) (map[string]flow.Flow, error) {
	if dir == "" {
		return map[string]flow.Flow{}, nil
	}
	flows, err := config.LoadFlows(dir)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("flows directory %s does not exist, starting without flows", dir)
		return map[string]flow.Flow{}, nil
	}
	return flows, err
}

func newApp(ctx context.Context, cfg config.Config, logger log.Logger, emitter emit.Emitter) (*app, error) {
	flows, err := loadFlows(cfg.FlowsDir, logger)
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sessions := emit.NewSessionHub(0)
	var engineEmitter emit.Emitter = sessions
	if emitter != nil {
		engineEmitter = emit.Multi{emitter, sessions}
	}

	engine, err := newEngine(cfg, logger, flow.NewPrometheusMetrics(metrics), engineEmitter)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	deployed, err := pool.NewDeployedPool(engine,
		pool.WithStore(st),
		pool.WithWorkers(cfg.Engine.Workers),
		pool.WithPoolLogger(logger),
		pool.WithResultHook(func(exec store.Execution) {
			logger.Infof("flow %s run %s finished: %s", exec.FlowID, exec.ID, exec.Status)
		}),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		engine:   engine,
		deployed: deployed,
		flows:    flows,
		metrics:  metrics,
		sessions: sessions,
	}
	a.server = server.New(engine, deployed,
		server.WithFlows(flows),
		server.WithStore(st),
		server.WithLogger(logger),
		server.WithMetricsHandler(promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})),
	)

	if err := deployed.Restore(ctx, flows); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Infof("loaded %d flows, %d deployed", len(flows), len(deployed.List()))
	return a, nil
}

// serve runs the HTTP server until ctx is done, then shuts it down.
func (a *app) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Infof("listening on %s", a.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// Close halts listeners, waits for triggered runs and closes the store.
func (a *app) Close() error {
	if n := a.sessions.Dropped(); n > 0 {
		a.logger.Warnf("dropped %d session events for slow subscribers", n)
	}
	return errors.Join(a.deployed.Close(), a.store.Close())
}
