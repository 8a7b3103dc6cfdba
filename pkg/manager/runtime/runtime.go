// Package runtime composes configuration, storage, and the HTTP server into
// a controllable lifecycle suitable for the CLI or embedding. It exposes
// helpers to start, wait, and shut down the manager.
package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/mautrix/manager/internal/openapi"
	"github.com/mautrix/manager/internal/platform/health"
	pkglog "github.com/mautrix/manager/pkg/log"
	"github.com/mautrix/manager/pkg/manager/auth"
	"github.com/mautrix/manager/pkg/manager/bridge"
	"github.com/mautrix/manager/pkg/manager/config"
	"github.com/mautrix/manager/pkg/manager/metrics"
	"github.com/mautrix/manager/pkg/manager/openid"
	"github.com/mautrix/manager/pkg/manager/proxy"
	"github.com/mautrix/manager/pkg/manager/server"
	"github.com/mautrix/manager/pkg/manager/token"
	"github.com/mautrix/manager/pkg/manager/tracking"
)

var (
	// ErrAlreadyRunning indicates the runtime is already serving requests.
	ErrAlreadyRunning = errors.New("runtime already running")
	// ErrNotRunning indicates the runtime has not been started yet.
	ErrNotRunning = errors.New("runtime not running")
)

// Runtime orchestrates the manager lifecycle based on configuration.
type Runtime struct {
	mu sync.Mutex

	cfg      config.Config
	server   *server.Server
	store    *token.Store
	checker  *health.Checker
	registry *metrics.Registry
	logger   pkglog.Logger

	cancel context.CancelFunc
	errCh  chan error
}

// Option customises runtime behaviour.
type Option func(*Runtime)

// WithLogger overrides the logger used by the runtime and underlying server.
func WithLogger(logger pkglog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a runtime from the provided configuration, opening the
// token database and building every component the server routes to.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		cfg:    cfg,
		logger: pkglog.Shared(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}

	store, err := token.NewStore(cfg.Server.Database)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	rt.store = store

	verifier, err := openid.NewVerifier(cfg.Homeserver.FederationURL, nil)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry, err := bridge.NewRegistry(cfg.Bridges)
	if err != nil {
		store.Close()
		return nil, err
	}

	var metricsRegistry *metrics.Registry
	var proxyMetrics *metrics.ProxyMetrics
	if cfg.Metrics.Enabled {
		metricsRegistry = metrics.NewRegistry()
		proxyMetrics = metrics.NewProxyMetrics(metricsRegistry)
	}
	rt.registry = metricsRegistry

	gateway := auth.NewGateway(store, verifier, cfg.Permissions, rt.logger)
	engine := proxy.NewEngine(rt.logger, proxyMetrics)

	mixpanel := tracking.NewClient(cfg.Mixpanel.Token, rt.logger)
	trackingHandler := tracking.NewHandler(mixpanel, gateway)

	probeTimeout := cfg.Server.ProbeTimeout.AsDuration()
	rt.checker = health.NewChecker(
		&http.Client{Timeout: probeTimeout + time.Second},
		health.FromRoutes(registry.Routes()),
		probeTimeout,
	)

	srv, err := server.New(cfg, server.Dependencies{
		Gateway:  gateway,
		Bridges:  registry,
		Engine:   engine,
		Tracking: trackingHandler,
		Checker:  rt.checker,
		Metrics:  metricsRegistry,
		OpenAPI:  openapi.NewService(),
	}, server.WithLogger(rt.logger))
	if err != nil {
		store.Close()
		return nil, err
	}
	rt.server = srv

	return rt, nil
}

// Start begins serving in the background until the supplied context is
// cancelled or Shutdown is called.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errCh != nil {
		return ErrAlreadyRunning
	}

	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.errCh = make(chan error, 1)

	go func() {
		err := r.server.Start(runCtx)
		r.errCh <- err
		close(r.errCh)
	}()

	return nil
}

// Wait blocks until the runtime stops and returns the terminal error,
// normalising context cancellation to nil.
func (r *Runtime) Wait() error {
	r.mu.Lock()
	errCh := r.errCh
	r.mu.Unlock()

	if errCh == nil {
		return ErrNotRunning
	}

	err := <-errCh
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	r.mu.Lock()
	r.errCh = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	return err
}

// Run starts the runtime and waits for completion.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	return r.Wait()
}

// Shutdown gracefully stops the runtime if it is running.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server == nil || r.errCh == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if r.cancel != nil {
		r.cancel()
	}

	return r.server.Shutdown(ctx)
}

// Close releases resources held by the runtime. It does not stop a running
// server; call Shutdown first.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	return err
}

// Config returns the runtime's configuration.
func (r *Runtime) Config() config.Config {
	return r.cfg
}
