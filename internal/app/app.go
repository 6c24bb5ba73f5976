// Package app wires all soundio subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New enumerates devices, builds the
// graph, network streams and routes, Run executes the refresh loop and the
// HTTP server, and Shutdown tears everything down in order.
//
// For testing, pass the mock backend and inject metrics and the log level
// through functional options. The HTTP surface is available through
// [App.Handler] without starting a listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/soundio/internal/config"
	"github.com/MrWong99/soundio/internal/netstream"
	"github.com/MrWong99/soundio/internal/observe"
	"github.com/MrWong99/soundio/internal/resilience"
	"github.com/MrWong99/soundio/pkg/device"
	"github.com/MrWong99/soundio/pkg/graph"
	"github.com/MrWong99/soundio/pkg/registry"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	backend device.Backend
	metrics *observe.Metrics
	level   *slog.LevelVar

	graph    *graph.Graph
	registry *registry.Registry
	wake     *resilience.WakeGuard
	hub      *netstream.Hub
	routes   *RouteManager
	handler  http.Handler

	// interval carries refresh interval changes to the watch loop.
	interval     chan time.Duration
	refreshEvery atomic.Int64

	refreshMu   sync.Mutex
	lastRefresh time.Time
	refreshErr  error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App over backend. It performs the first device refresh,
// creates the configured network streams and starts every route; routes
// whose devices are missing stay pending until a later refresh finds them.
//
// The App owns backend from here on: it is closed by [App.Shutdown], or
// before New returns an error.
func New(ctx context.Context, cfg *config.Config, backend device.Backend, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		backend:  backend,
		graph:    graph.New(),
		interval: make(chan time.Duration, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}
	a.refreshEvery.Store(int64(cfg.Audio.RefreshInterval))
	a.wake = resilience.NewWakeGuard(resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Audio.WakeBreaker.MaxFailures,
		ResetTimeout: cfg.Audio.WakeBreaker.ResetTimeout,
	})

	// ── 1. Device registry ───────────────────────────────────────────────
	if err := a.initRegistry(ctx); err != nil {
		a.backend.Close()
		return nil, fmt.Errorf("app: init registry: %w", err)
	}

	// ── 2. Network streams ───────────────────────────────────────────────
	streams, err := a.initStreams()
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init streams: %w", err)
	}

	// ── 3. Routes ────────────────────────────────────────────────────────
	a.routes = NewRouteManager(RouteManagerConfig{
		Graph:        a.graph,
		Registry:     a.registry,
		Wake:         a.wake,
		Metrics:      a.metrics,
		Streams:      streams,
		RingDuration: cfg.Audio.RingDuration,
	})
	a.closers = append([]func() error{a.routes.Close}, a.closers...)
	if err := a.routes.Apply(ctx, cfg.Routes); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: start routes: %w", err)
	}

	// ── 4. Device metrics ────────────────────────────────────────────────
	reg, err := a.metrics.ObserveDevices(a.deviceStats)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: observe devices: %w", err)
	}
	a.closers = append([]func() error{reg.Unregister}, a.closers...)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.newHandler()

	return a, nil
}

func (a *App) initRegistry(ctx context.Context) error {
	var devOpts []device.Option
	if d := a.cfg.Audio.RingDuration; d > 0 {
		devOpts = append(devOpts, device.WithRingDuration(d))
	}
	if pf := a.cfg.Audio.PreferredFormat; pf != nil {
		f, err := pf.Format()
		if err != nil {
			return fmt.Errorf("preferred format: %w", err)
		}
		devOpts = append(devOpts, device.WithPreferredFormat(f))
	}

	a.registry = registry.New(a.backend,
		registry.WithGraph(a.graph),
		registry.WithEvictionThreshold(a.cfg.Audio.EvictionThreshold),
		registry.WithDeviceOptions(devOpts...),
		registry.WithRefreshHook(a.onRefresh),
	)
	a.closers = append(a.closers, a.registry.Shutdown, a.backend.Close)

	ctx, span := observe.StartSpan(ctx, "registry.refresh")
	res, err := a.registry.Refresh(ctx)
	observe.EndSpan(span, err)
	if err != nil {
		// One failing direction is not fatal; the watch loop retries.
		slog.Warn("initial device refresh incomplete", "err", err)
	}
	slog.Info("devices enumerated",
		"backend", a.backend.Name(),
		"added", len(res.Added),
		"default_capture", res.DefaultCapture,
		"default_playback", res.DefaultPlayback,
	)
	return nil
}

func (a *App) initStreams() (map[string]graph.Handle, error) {
	streams := make(map[string]graph.Handle)
	sc := a.cfg.Stream
	if !sc.Enabled {
		return streams, nil
	}
	a.hub = netstream.New(sc.Codec, netstream.WithMetrics(a.metrics))
	for _, ec := range sc.Endpoints {
		f, err := ec.Format.Format()
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", ec.Name, err)
		}
		var node graph.Node
		if ec.Kind == config.StreamSource {
			node, err = a.hub.AddSource(ec.Name, f)
		} else {
			node, err = a.hub.AddSink(ec.Name, f)
		}
		if err != nil {
			return nil, err
		}
		streams[ec.Name] = a.graph.Add(node)
		slog.Info("network stream ready", "name", ec.Name, "kind", ec.Kind, "format", f.String(), "codec", sc.Codec)
	}
	return streams, nil
}

// ─── Refresh ─────────────────────────────────────────────────────────────────

// onRefresh runs after every registry refresh pass.
func (a *App) onRefresh(res registry.RefreshResult, err error) {
	ctx := context.Background()
	a.metrics.RecordRefresh(ctx, res.Duration.Seconds(), len(res.Evicted), err)
	for _, dir := range device.Directions {
		suffix := "_" + dir.String()
		var delta int64
		for _, id := range res.Added {
			if strings.HasSuffix(id, suffix) {
				delta++
			}
		}
		for _, id := range res.Evicted {
			if strings.HasSuffix(id, suffix) {
				delta--
			}
		}
		a.metrics.RecordDevices(ctx, dir.String(), delta)
	}
	for _, id := range res.Evicted {
		a.wake.Forget(id)
		slog.Info("device evicted", "device", id)
	}
	for _, id := range res.Added {
		slog.Debug("device added", "device", id)
	}

	a.refreshMu.Lock()
	a.refreshErr = err
	if err == nil {
		a.lastRefresh = time.Now()
	}
	a.refreshMu.Unlock()

	// The first refresh runs before routes exist.
	if a.routes != nil {
		a.routes.Sync(ctx)
	}
}

func (a *App) lastRefreshResult() (time.Time, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()
	return a.lastRefresh, a.refreshErr
}

// watchDevices runs the registry watch loop and restarts it whenever the
// refresh interval changes.
func (a *App) watchDevices(ctx context.Context) error {
	interval := time.Duration(a.refreshEvery.Load())
	for {
		wctx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- a.registry.Watch(wctx, interval) }()

		select {
		case <-ctx.Done():
			cancel()
			<-errc
			return nil
		case next := <-a.interval:
			cancel()
			<-errc
			slog.Info("refresh interval changed", "from", interval, "to", next)
			interval = next
		case err := <-errc:
			cancel()
			if ctx.Err() != nil || errors.Is(err, registry.ErrShutdown) {
				return nil
			}
			return fmt.Errorf("app: device watch: %w", err)
		}
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, keeps the device registry fresh, pumps network streams
// and advertises them until ctx is cancelled. It returns the first fatal
// error of any of those loops.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("http server listening", "addr", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return a.watchDevices(ctx) })

	if a.hub != nil {
		g.Go(func() error { return a.hub.Run(ctx) })
		if a.cfg.Stream.Advertise {
			port := ln.Addr().(*net.TCPAddr).Port
			g.Go(func() error {
				// Advertising is best effort; the streams stay reachable by address.
				if err := a.hub.Advertise(ctx, a.cfg.Stream.ServiceName, port); err != nil {
					slog.Warn("mdns advertising failed", "err", err)
				}
				return nil
			})
		}
	}

	return g.Wait()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable parts of a changed configuration:
// log level, refresh interval and routes. Its signature matches the
// [config.Watcher] change callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RefreshIntervalChanged {
		a.refreshEvery.Store(int64(d.NewRefreshInterval))
		select {
		case <-a.interval:
		default:
		}
		a.interval <- d.NewRefreshInterval
	}
	if d.RoutesChanged {
		for _, rc := range d.RouteChanges {
			slog.Info("route changed", "route", rc.Name, "added", rc.Added, "removed", rc.Removed, "modified", rc.Modified)
		}
		if err := a.routes.Apply(context.Background(), new.Routes); err != nil {
			slog.Warn("applying route changes", "err", err)
		}
	}
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!slices.Equal(old.Audio.Backends, new.Audio.Backends) ||
		old.Stream.Enabled != new.Stream.Enabled ||
		len(old.Stream.Endpoints) != len(new.Stream.Endpoints) {
		slog.Warn("server, backend or stream changes take effect after a restart")
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Registry returns the device registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Routes returns the route manager.
func (a *App) Routes() *RouteManager { return a.routes }

// Hub returns the network stream hub, or nil when streaming is disabled.
func (a *App) Hub() *netstream.Hub { return a.hub }

// Handler returns the HTTP handler Run serves.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) deviceStats() []observe.DeviceStat {
	devs := a.registry.All()
	out := make([]observe.DeviceStat, 0, len(devs))
	for _, d := range devs {
		out = append(out, observe.DeviceStat{
			Identity:  d.Identity(),
			Direction: d.Direction().String(),
			Underruns: d.Underruns(),
			Overruns:  d.Overruns(),
			Dropped:   d.Dropped(),
		})
	}
	return out
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: device metrics first, then routes,
// the registry and finally the backend. It respects the context deadline:
// if ctx expires before all closers finish, remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("cleanup after failed init", "err", err)
		}
	}
}
