package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/soundio/internal/config"
	"github.com/MrWong99/soundio/internal/observe"
	"github.com/MrWong99/soundio/internal/resilience"
	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/device"
	"github.com/MrWong99/soundio/pkg/file"
	"github.com/MrWong99/soundio/pkg/graph"
	"github.com/MrWong99/soundio/pkg/registry"
)

// pumpInterval is the poll period of file pumps.
const pumpInterval = 20 * time.Millisecond

// RouteStatus describes one configured route.
type RouteStatus struct {
	Name       string `json:"name"`
	From       string `json:"from"`
	To         string `json:"to"`
	Linked     bool   `json:"linked"`
	Upstream   string `json:"upstream,omitempty"`
	Downstream string `json:"downstream,omitempty"`
	Error      string `json:"error,omitempty"`
}

// route is one producer-to-consumer link. Device ends are re-resolved on
// every sync; file ends are opened once and live as long as the route.
type route struct {
	cfg      config.RouteConfig
	from, to config.EndpointRef

	input  *file.Input
	output *file.Output
	owned  []graph.Handle

	up, down         graph.Handle
	upName, downName string
	devices          []string
	linked           bool
	err              error

	cancel context.CancelFunc
	pumps  sync.WaitGroup
}

// end is a resolved route endpoint.
type end struct {
	handle graph.Handle
	name   string
	dev    *device.Device
}

// RouteManagerConfig holds the dependencies of a [RouteManager].
type RouteManagerConfig struct {
	Graph    *graph.Graph
	Registry *registry.Registry
	Wake     *resilience.WakeGuard
	Metrics  *observe.Metrics

	// Streams maps network stream names to their graph nodes.
	Streams map[string]graph.Handle

	// RingDuration sizes the rings of file nodes the manager creates.
	RingDuration time.Duration
}

// RouteManager owns the configured routes and keeps them linked while
// devices come and go. All exported methods are safe for concurrent use.
type RouteManager struct {
	graph    *graph.Graph
	reg      *registry.Registry
	wake     *resilience.WakeGuard
	metrics  *observe.Metrics
	streams  map[string]graph.Handle
	ringDur  time.Duration
	pumpCtx  context.Context
	stopAll  context.CancelFunc
	closeMux sync.Once

	mu     sync.Mutex
	routes map[string]*route
	order  []string
}

// NewRouteManager returns a manager with no routes.
func NewRouteManager(cfg RouteManagerConfig) *RouteManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &RouteManager{
		graph:   cfg.Graph,
		reg:     cfg.Registry,
		wake:    cfg.Wake,
		metrics: cfg.Metrics,
		streams: cfg.Streams,
		ringDur: cfg.RingDuration,
		pumpCtx: ctx,
		stopAll: cancel,
		routes:  make(map[string]*route),
	}
	if m.wake == nil {
		m.wake = resilience.NewWakeGuard(resilience.CircuitBreakerConfig{})
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Start adds a route and links it. Errors in the route's fixed ends (an
// unreadable file, an unknown stream) are returned; a device end that is not
// present yet leaves the route pending until a later [RouteManager.Sync].
func (m *RouteManager) Start(ctx context.Context, rc config.RouteConfig) error {
	from, err := config.ParseEndpoint(rc.From)
	if err != nil {
		return fmt.Errorf("route %s: %w", rc.Name, err)
	}
	to, err := config.ParseEndpoint(rc.To)
	if err != nil {
		return fmt.Errorf("route %s: %w", rc.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[rc.Name]; ok {
		return fmt.Errorf("route %s: already running: %w", rc.Name, audio.ErrInvalidOperation)
	}

	r := &route{cfg: rc, from: from, to: to}
	rctx, cancel := context.WithCancel(m.pumpCtx)
	r.cancel = cancel
	if err := m.openFixed(rctx, r); err != nil {
		m.release(r)
		return fmt.Errorf("route %s: %w", rc.Name, err)
	}

	m.routes[rc.Name] = r
	m.order = append(m.order, rc.Name)
	r.err = m.connect(ctx, r)
	if r.err != nil {
		slog.Warn("route pending", "route", rc.String(), "err", r.err)
	} else {
		slog.Info("route started", "route", rc.String(), "upstream", r.upName, "downstream", r.downName)
	}
	return nil
}

// openFixed checks stream references and opens a file producer. A file
// consumer is created on first connect because its format follows the
// upstream.
func (m *RouteManager) openFixed(ctx context.Context, r *route) error {
	for _, ref := range []config.EndpointRef{r.from, r.to} {
		if ref.Kind == config.RefStream {
			if _, ok := m.streams[ref.Value]; !ok {
				return fmt.Errorf("stream %q is not served: %w", ref.Value, audio.ErrInvalidArgument)
			}
		}
	}
	if r.from.Kind != config.RefFile {
		return nil
	}
	opts := []file.Option{file.WithRingDuration(m.ringDur)}
	if r.cfg.Loop {
		opts = append(opts, file.WithLoop())
	}
	in, err := file.OpenInput(r.from.Value, opts...)
	if err != nil {
		return err
	}
	r.input = in
	r.owned = append(r.owned, m.graph.Add(in))
	r.pumps.Add(1)
	go func() {
		defer r.pumps.Done()
		err := in.Pump(ctx, pumpInterval)
		switch {
		case err == nil:
			slog.Info("file input finished", "route", r.cfg.Name, "path", in.Path(), "frames", in.Decoded())
		case !errors.Is(err, context.Canceled):
			slog.Warn("file input failed", "route", r.cfg.Name, "path", in.Path(), "err", err)
		}
	}()
	return nil
}

func (m *RouteManager) openOutput(r *route, upstream audio.Format) error {
	out, err := file.CreateOutput(r.to.Value, wavFormat(upstream), file.WithRingDuration(m.ringDur))
	if err != nil {
		return err
	}
	r.output = out
	r.owned = append(r.owned, m.graph.Add(out))
	ctx, cancel := context.WithCancel(m.pumpCtx)
	prev := r.cancel
	r.cancel = func() { cancel(); prev() }
	r.pumps.Add(1)
	go func() {
		defer r.pumps.Done()
		if err := out.Pump(ctx, pumpInterval); err != nil {
			slog.Warn("file output failed", "route", r.cfg.Name, "path", out.Path(), "err", err)
		}
	}()
	return nil
}

// wavFormat keeps the upstream layout and picks an encoding WAV can hold.
func wavFormat(f audio.Format) audio.Format {
	switch f.Encoding {
	case audio.EncodingS16, audio.EncodingS24, audio.EncodingS32:
	default:
		f.Encoding = audio.EncodingS16
	}
	return f
}

// connect resolves both ends, relinks when they changed and wakes device
// ends. Callers hold m.mu.
func (m *RouteManager) connect(ctx context.Context, r *route) error {
	up, err := m.resolve(ctx, r, r.from, device.Capture)
	if err != nil {
		m.unlink(ctx, r)
		return err
	}
	down, err := m.resolve(ctx, r, r.to, device.Playback)
	if err != nil {
		m.unlink(ctx, r)
		return err
	}
	if r.output == nil && r.to.Kind == config.RefFile {
		n, _ := m.graph.Node(up.handle)
		if err := m.openOutput(r, nodeFormat(n)); err != nil {
			return err
		}
		down = end{handle: r.owned[len(r.owned)-1], name: r.output.Name()}
	}

	if !r.linked || r.up != up.handle || r.down != down.handle || !m.isLinked(up.handle, down.handle) {
		m.unlink(ctx, r)
		if err := m.link(ctx, up.handle, down.handle); err != nil {
			return err
		}
		r.up, r.down = up.handle, down.handle
		r.upName, r.downName = up.name, down.name
		r.linked = true
	}

	prev := r.devices
	r.devices = nil
	var errs []error
	for _, d := range []*device.Device{up.dev, down.dev} {
		if d == nil {
			continue
		}
		r.devices = append(r.devices, d.Identity())
		if err := m.wakeDevice(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	m.sleepUnused(prev)
	return errors.Join(errs...)
}

func (m *RouteManager) resolve(ctx context.Context, r *route, ref config.EndpointRef, dir device.Direction) (end, error) {
	switch ref.Kind {
	case config.RefFile:
		if dir == device.Capture {
			return end{handle: r.owned[0], name: r.input.Name()}, nil
		}
		if r.output != nil {
			return end{handle: r.owned[len(r.owned)-1], name: r.output.Name()}, nil
		}
		// Created by connect once the upstream is known.
		return end{}, nil
	case config.RefStream:
		return end{handle: m.streams[ref.Value], name: "stream:" + ref.Value}, nil
	}

	var (
		d  *device.Device
		ok bool
	)
	switch ref.Kind {
	case config.RefDefault:
		if ref.Value == "capture" {
			d, _ = m.reg.DefaultCapture(ctx, false)
		} else {
			d, _ = m.reg.DefaultPlayback(ctx, false)
		}
		ok = d != nil
	case config.RefName:
		d, ok = m.reg.FindByName(ref.Value, dir)
	default:
		d, ok = m.reg.Lookup(ref.Value)
		if ok && d.Direction() != dir {
			return end{}, fmt.Errorf("%s is a %s device: %w", ref, d.Direction(), audio.ErrInvalidArgument)
		}
	}
	if !ok {
		return end{}, fmt.Errorf("%s: %w", ref, audio.ErrDeviceUnavailable)
	}
	h, ok := m.reg.Handle(d.Identity())
	if !ok {
		return end{}, fmt.Errorf("%s: %w", ref, audio.ErrDeviceUnavailable)
	}
	return end{handle: h, name: d.Identity(), dev: d}, nil
}

func (m *RouteManager) isLinked(up, down graph.Handle) bool {
	n, ok := m.graph.Neighbor(up, graph.Downstream)
	return ok && n == down
}

func (m *RouteManager) link(ctx context.Context, up, down graph.Handle) error {
	ctx, span := observe.StartSpan(ctx, "route.link")
	err := m.graph.Link(up, down)
	observe.EndSpan(span, err)
	m.metrics.RecordLink(ctx, "link", err)
	return err
}

// unlink breaks the route's link if it still exists. An evicted device has
// already been unlinked by the graph.
func (m *RouteManager) unlink(ctx context.Context, r *route) {
	if !r.linked {
		return
	}
	r.linked = false
	if !m.isLinked(r.up, r.down) {
		return
	}
	err := m.graph.Unsubscribe(r.up, graph.Downstream)
	m.metrics.RecordLink(ctx, "unlink", err)
	if err != nil {
		slog.Warn("route unlink failed", "route", r.cfg.Name, "err", err)
	}
}

func (m *RouteManager) wakeDevice(ctx context.Context, d *device.Device) error {
	if d.Awake() {
		return nil
	}
	ctx, span := observe.StartSpan(ctx, "device.wake")
	start := time.Now()
	err := m.wake.Wake(ctx, d)
	observe.EndSpan(span, err)
	m.metrics.RecordWake(ctx, d.Direction().String(), time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("wake %s: %w", d.Identity(), err)
	}
	return nil
}

// Sync re-resolves every route. It runs after each registry refresh so a
// route follows default changes and relinks a device that reappeared.
func (m *RouteManager) Sync(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order {
		r := m.routes[name]
		wasLinked, prev := r.linked, r.err
		r.err = m.connect(ctx, r)
		switch {
		case r.err != nil && (prev == nil || prev.Error() != r.err.Error()):
			slog.Warn("route pending", "route", r.cfg.String(), "err", r.err)
		case r.err == nil && (prev != nil || !wasLinked):
			slog.Info("route linked", "route", r.cfg.String(), "upstream", r.upName, "downstream", r.downName)
		}
	}
}

// Stop unlinks and removes the route named name. Devices no other route
// uses are put to sleep.
func (m *RouteManager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(name)
}

func (m *RouteManager) stopLocked(name string) error {
	r, ok := m.routes[name]
	if !ok {
		return fmt.Errorf("route %s: %w", name, audio.ErrInvalidArgument)
	}
	delete(m.routes, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	err := m.release(r)
	m.sleepUnused(r.devices)
	slog.Info("route stopped", "route", r.cfg.String())
	return err
}

// release stops the route's pumps, unlinks it and closes its file nodes.
// The pumps stop first so a file output's final flush still sees upstream.
func (m *RouteManager) release(r *route) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.pumps.Wait()
	m.unlink(context.Background(), r)
	var errs []error
	for _, h := range r.owned {
		if err := m.graph.Remove(h); err != nil {
			errs = append(errs, err)
		}
	}
	if r.input != nil {
		errs = append(errs, r.input.Close())
	}
	if r.output != nil {
		errs = append(errs, r.output.Close())
	}
	return errors.Join(errs...)
}

func (m *RouteManager) sleepUnused(ids []string) {
	for _, id := range ids {
		if m.inUse(id) {
			continue
		}
		if d, ok := m.reg.Lookup(id); ok && d.Awake() {
			if err := d.Sleep(); err != nil {
				slog.Warn("device sleep failed", "device", id, "err", err)
			}
		}
	}
}

func (m *RouteManager) inUse(id string) bool {
	for _, r := range m.routes {
		for _, d := range r.devices {
			if d == id {
				return true
			}
		}
	}
	return false
}

// Apply reconciles the running routes with cfgs: removed and modified
// routes are stopped, then added and modified routes are started in cfgs
// order.
func (m *RouteManager) Apply(ctx context.Context, cfgs []config.RouteConfig) error {
	want := make(map[string]config.RouteConfig, len(cfgs))
	for _, rc := range cfgs {
		want[rc.Name] = rc
	}

	var errs []error
	m.mu.Lock()
	for _, name := range append([]string(nil), m.order...) {
		if rc, ok := want[name]; !ok || rc != m.routes[name].cfg {
			errs = append(errs, m.stopLocked(name))
		}
	}
	var start []config.RouteConfig
	for _, rc := range cfgs {
		if _, ok := m.routes[rc.Name]; !ok {
			start = append(start, rc)
		}
	}
	m.mu.Unlock()

	for _, rc := range start {
		errs = append(errs, m.Start(ctx, rc))
	}
	return errors.Join(errs...)
}

// Status reports every route in start order.
func (m *RouteManager) Status() []RouteStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RouteStatus, 0, len(m.order))
	for _, name := range m.order {
		r := m.routes[name]
		st := RouteStatus{Name: name, From: r.cfg.From, To: r.cfg.To, Linked: r.linked}
		if r.linked {
			st.Upstream, st.Downstream = r.upName, r.downName
		}
		if r.err != nil {
			st.Error = r.err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Pending returns the names of routes that are not linked or whose devices
// failed to wake.
func (m *RouteManager) Pending() []string {
	var out []string
	for _, st := range m.Status() {
		if !st.Linked || st.Error != "" {
			out = append(out, st.Name)
		}
	}
	return out
}

// Close stops every route.
func (m *RouteManager) Close() error {
	var err error
	m.closeMux.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		var errs []error
		for _, name := range append([]string(nil), m.order...) {
			errs = append(errs, m.stopLocked(name))
		}
		m.stopAll()
		err = errors.Join(errs...)
	})
	return err
}

// nodeFormat returns the native format of a graph node.
func nodeFormat(n graph.Node) audio.Format {
	if f, ok := n.(interface{ Format() audio.Format }); ok {
		return f.Format()
	}
	return audio.Format{}
}
