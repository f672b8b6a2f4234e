// Package app wires an evstored process from its configuration: the
// backend, the store with its version cache and metrics, the HTTP API and
// the metrics endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/evstore/adapters/httpapi"
	prom "github.com/codewandler/evstore/adapters/prometheus"
	"github.com/codewandler/evstore/core/cache"
	"github.com/codewandler/evstore/core/es"
	"github.com/codewandler/evstore/internal/config"
)

type App struct {
	cfg      config.Config
	log      *slog.Logger
	store    *es.Store
	registry *prometheus.Registry

	mu       sync.Mutex
	ready    chan struct{}
	httpAddr net.Addr
}

// New opens the configured backend and builds the store on top of it.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("backend", cfg.Backend.Type))

	backend, err := OpenBackend(ctx, cfg.Backend, log)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend.Type, err)
	}
	return newApp(cfg, log, backend), nil
}

func newApp(cfg config.Config, log *slog.Logger, backend es.Backend) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	versions := cache.VersionCache[es.Version](cache.NewNop[es.Version]())
	if cfg.Cache.Size > 0 {
		versions = cache.NewLRU[es.Version](cache.LRUOpts{Size: cfg.Cache.Size, Shards: cfg.Cache.Shards})
	}

	store := es.NewStore(
		backend,
		es.WithLog(log),
		es.WithMetrics(prom.NewESMetrics(registry, cfg.Backend.Type)),
		es.WithVersionCache(versions),
	)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: registry,
		ready:    make(chan struct{}),
	}
}

func (a *App) Store() *es.Store { return a.store }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return httpapi.NewHandler(a.store, httpapi.Config{
		Log:            a.log,
		RequestTimeout: a.cfg.RequestTimeout,
	})
}

// MetricsHandler serves the Prometheus metrics of the process.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

// Ready is closed once the servers listen.
func (a *App) Ready() <-chan struct{} { return a.ready }

// HTTPAddr is the address the API listens on; nil before Ready.
func (a *App) HTTPAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// Run serves the API, and the metrics endpoint when enabled, until ctx is
// done. It then shuts the servers down gracefully and closes the store.
func (a *App) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", cerr))
		}
	}()

	servers := []*http.Server{{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}}
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.MetricsHandler())
		servers = append(servers, &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux})
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}

	a.mu.Lock()
	a.httpAddr = listeners[0].Addr()
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			a.log.Info("listening", slog.String("addr", ln.Addr().String()))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")

		shutdownCtx := context.WithoutCancel(ctx)
		if a.cfg.HTTP.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(shutdownCtx, a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
		}

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	close(a.ready)

	return g.Wait()
}
