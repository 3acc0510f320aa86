// Package app wires the docsync server runtime: config, logging, the TCP listener,
// HTTP routes, and the WebSocket gateway around one shared document registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"docsync/cmd/internal/document"
	"docsync/cmd/internal/metrics"
	"docsync/cmd/internal/realtime"

	"golang.org/x/sync/errgroup"
)

// App is the docsync server runtime. It owns the registry and every transport bound to it.
type App struct {
	cfg Config
	log Logger

	registry *document.Registry
	metrics  *metrics.Prometheus // nil when metrics are disabled

	tcp *realtime.TCPServer
	ws  *realtime.WSGateway

	ready atomic.Bool
}

// New constructs a fully wired App from config and logger.
func New(cfg Config, log Logger) *App {
	if log == nil {
		log = NewLogger(cfg.Log.Level, cfg.Log.Format)
	}

	var (
		prom      *metrics.Prometheus
		collector metrics.Collector
	)
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus(nil)
		collector = prom
	}

	registry := document.NewRegistry(log, collector)

	session := realtime.SessionConfig{
		SendQueueSize: cfg.Session.SendQueue,
		WriteTimeout:  cfg.TCP.WriteTimeout,
		RateEvents:    cfg.Session.RateEvents,
		RateWindow:    cfg.Session.RateWindow,
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  prom,
		tcp: realtime.NewTCPServer(log, registry, collector, realtime.TCPConfig{
			Addr:          cfg.TCP.Addr,
			MaxFrameBytes: cfg.TCP.MaxFrameBytes,
			WriteTimeout:  cfg.TCP.WriteTimeout,
			Session:       session,
		}),
	}

	if cfg.WS.Enabled {
		a.ws = realtime.NewWSGateway(log, registry, collector, realtime.WSConfig{
			AllowedOrigins:     cfg.WS.AllowedOrigins,
			OriginRequired:     cfg.WS.OriginRequired,
			InsecureSkipVerify: cfg.WS.DevInsecure,
			MaxFrameBytes:      cfg.TCP.MaxFrameBytes,
			Session:            session,
		})
	}
	return a
}

// Registry returns the document registry shared by all transports.
func (a *App) Registry() *document.Registry { return a.registry }

// Run binds the configured TCP and HTTP addresses and serves until ctx is cancelled.
// Failing to bind either listener is returned immediately.
func (a *App) Run(ctx context.Context) error {
	tcpLn, err := net.Listen("tcp", a.cfg.TCP.Addr)
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", a.cfg.TCP.Addr, err)
	}
	httpLn, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		_ = tcpLn.Close()
		return fmt.Errorf("http listen %s: %w", a.cfg.HTTP.Addr, err)
	}
	return a.Serve(ctx, tcpLn, httpLn)
}

// Serve runs the TCP server and the HTTP server on the given listeners until ctx
// is cancelled or one of them fails. It returns nil on a clean shutdown.
func (a *App) Serve(ctx context.Context, tcpLn, httpLn net.Listener) error {
	var metricsHandler http.Handler
	if a.metrics != nil {
		metricsHandler = a.metrics.Handler()
	}
	router := newRouter(a.log, a.registry, a.ws, metricsHandler, a.ready.Load)

	// Upgraded WebSocket connections are hijacked and outlive Shutdown;
	// their sessions end when this base context is cancelled.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	srv := &http.Server{
		Handler:           WithRequestLogging(router, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, defaultReadHeaderTimeout),
		IdleTimeout:       a.cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:    a.cfg.HTTP.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.tcp.Serve(gctx, tcpLn)
	})

	g.Go(func() error {
		a.log.Info("http.listen", "addr", httpLn.Addr().String(), "ws_enabled", a.ws != nil, "metrics_enabled", a.metrics != nil)
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.ready.Store(false)
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		cancelConns()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, defaultShutdownTimeout))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	a.ready.Store(true)
	a.log.Info("server.start", "tcp_addr", tcpLn.Addr().String(), "http_addr", httpLn.Addr().String())

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped", "documents", a.registry.Len())
	return nil
}
