// Package registry keeps the directory of hardware devices discovered
// through a [device.Backend].
//
// A [Registry] is an owned value; there is no process-wide instance. It maps
// normalised identities to [device.Device] values, adds each device to its
// [graph.Graph], debounces hot-plug removals with per-device miss counters
// and tracks the default device of each direction.
//
// Devices returned by lookups are valid until the eviction pass of a later
// [Registry.Refresh] removes them. Callers that hold on to a device across
// refreshes should re-resolve it by identity.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/device"
	"github.com/MrWong99/soundio/pkg/graph"
)

// DefaultEvictionThreshold is the number of consecutive refreshes a device
// may be missing before it is evicted.
const DefaultEvictionThreshold = 2

// ErrShutdown is returned by operations on a registry after [Registry.Shutdown].
var ErrShutdown = errors.New("registry: shut down")

// RefreshResult summarises one [Registry.Refresh] pass. The slices hold
// identities.
type RefreshResult struct {
	Added    []string
	Updated  []string
	Missing  []string
	Evicted  []string
	Duration time.Duration

	// DefaultCapture and DefaultPlayback are the defaults after the pass; an
	// empty string means no default.
	DefaultCapture  string
	DefaultPlayback string
}

// Changed reports whether the pass added or evicted any device.
func (r RefreshResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Evicted) > 0
}

// Option configures a [Registry].
type Option func(*Registry)

// WithEvictionThreshold sets the number of consecutive misses that evict a
// device. Values below 1 are ignored.
func WithEvictionThreshold(n int) Option {
	return func(r *Registry) {
		if n >= 1 {
			r.threshold = n
		}
	}
}

// WithGraph places devices in g instead of a fresh graph.
func WithGraph(g *graph.Graph) Option {
	return func(r *Registry) {
		if g != nil {
			r.graph = g
		}
	}
}

// WithDeviceOptions passes opts to every device the registry creates.
func WithDeviceOptions(opts ...device.Option) Option {
	return func(r *Registry) { r.devOpts = append(r.devOpts, opts...) }
}

// WithRefreshHook registers fn to run after every refresh pass, outside the
// registry lock.
func WithRefreshHook(fn func(RefreshResult, error)) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, fn) }
}

type entry struct {
	dev    *device.Device
	handle graph.Handle
	misses int
}

// Registry is the device directory. All methods are safe for concurrent use.
type Registry struct {
	backend   device.Backend
	graph     *graph.Graph
	threshold int
	devOpts   []device.Option
	hooks     []func(RefreshResult, error)
	matcher   *Matcher

	// refreshMu serialises refresh passes; mu guards the maps.
	refreshMu sync.Mutex
	mu        sync.RWMutex
	entries   map[string]*entry
	defaults  [2]string
	closed    bool
}

// New returns an empty registry over backend. Call [Registry.Refresh] to
// populate it.
func New(backend device.Backend, opts ...Option) *Registry {
	r := &Registry{
		backend:   backend,
		threshold: DefaultEvictionThreshold,
		entries:   make(map[string]*entry),
		matcher:   NewMatcher(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.graph == nil {
		r.graph = graph.New()
	}
	return r
}

// Backend returns the backend the registry enumerates.
func (r *Registry) Backend() device.Backend { return r.backend }

// Graph returns the graph devices are placed in.
func (r *Registry) Graph() *graph.Graph { return r.graph }

// Threshold returns the eviction threshold.
func (r *Registry) Threshold() int { return r.threshold }

// Refresh enumerates both directions, registers new devices, updates known
// ones and runs the eviction pass. Enumeration errors are joined into the
// returned error; the pass still completes so that a failing direction
// counts as a miss rather than aborting.
func (r *Registry) Refresh(ctx context.Context) (RefreshResult, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	res, err := r.refresh(ctx)
	for _, fn := range r.hooks {
		fn(res, err)
	}
	return res, err
}

func (r *Registry) refresh(ctx context.Context) (RefreshResult, error) {
	start := time.Now()
	var res RefreshResult

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return res, ErrShutdown
	}

	var errs []error
	seen := make(map[string]device.Info)
	var order []string
	for _, dir := range device.Directions {
		infos, err := r.backend.Devices(ctx, dir)
		if err != nil {
			slog.Warn("registry: enumeration failed", "backend", r.backend.Name(), "direction", dir, "err", err)
			errs = append(errs, fmt.Errorf("registry: enumerate %s: %w", dir, err))
			continue
		}
		for _, info := range infos {
			info.Direction = dir
			id, err := device.Identity(r.backend.Name(), info.ID, dir)
			if err != nil {
				slog.Debug("registry: skipping device", "name", info.Name, "err", err)
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = info
			order = append(order, id)
		}
	}

	for _, id := range order {
		info := seen[id]
		r.mu.RLock()
		e, ok := r.entries[id]
		r.mu.RUnlock()
		if ok {
			if err := e.dev.Update(ctx, info); err != nil {
				slog.Warn("registry: device update failed", "device", id, "err", err)
				errs = append(errs, err)
			}
			res.Updated = append(res.Updated, id)
			continue
		}
		dev, err := device.New(r.backend, info, r.devOpts...)
		if err != nil {
			slog.Debug("registry: skipping device", "device", id, "err", err)
			delete(seen, id)
			continue
		}
		h := r.graph.Add(dev)
		r.mu.Lock()
		r.entries[id] = &entry{dev: dev, handle: h}
		r.mu.Unlock()
		res.Added = append(res.Added, id)
		slog.Info("registry: device added",
			"device", id,
			"name", info.Name,
			"default", info.IsDefault,
			"format", dev.Format().String(),
		)
	}

	res.Missing, res.Evicted = r.evict(seen)
	r.updateDefaults(seen)

	r.mu.RLock()
	res.DefaultCapture = r.defaults[device.Capture]
	res.DefaultPlayback = r.defaults[device.Playback]
	r.mu.RUnlock()
	res.Duration = time.Since(start)

	slog.Debug("registry: refreshed",
		"devices", len(seen),
		"added", len(res.Added),
		"evicted", len(res.Evicted),
		"elapsed", res.Duration,
	)
	return res, errors.Join(errs...)
}

// evict advances miss counters and removes devices that reached the
// threshold. Seen devices have their counter reset.
func (r *Registry) evict(seen map[string]device.Info) (missing, evicted []string) {
	var victims []*entry
	r.mu.Lock()
	for id, e := range r.entries {
		if _, ok := seen[id]; ok {
			e.misses = 0
			continue
		}
		e.misses++
		if e.misses < r.threshold {
			missing = append(missing, id)
			continue
		}
		victims = append(victims, e)
		evicted = append(evicted, id)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, e := range victims {
		r.destroy(e)
		slog.Info("registry: device evicted", "device", e.dev.Identity(), "misses", e.misses)
	}
	slices.Sort(missing)
	slices.Sort(evicted)
	return missing, evicted
}

func (r *Registry) destroy(e *entry) {
	if err := e.dev.Sleep(); err != nil {
		slog.Warn("registry: sleep on removal failed", "device", e.dev.Identity(), "err", err)
	}
	if err := r.graph.Remove(e.handle); err != nil {
		slog.Debug("registry: graph remove", "device", e.dev.Identity(), "err", err)
	}
}

// updateDefaults records the device reporting itself default in this pass.
// Without one, the previous default is kept while it is still registered and
// cleared otherwise.
func (r *Registry) updateDefaults(seen map[string]device.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dir := range device.Directions {
		next := ""
		for id, info := range seen {
			if info.Direction != dir || !info.IsDefault {
				continue
			}
			if _, ok := r.entries[id]; ok && (next == "" || id < next) {
				next = id
			}
		}
		if next == "" {
			if _, ok := r.entries[r.defaults[dir]]; ok {
				next = r.defaults[dir]
			}
		}
		if next != r.defaults[dir] {
			slog.Info("registry: default changed", "direction", dir, "from", r.defaults[dir], "to", next)
		}
		r.defaults[dir] = next
	}
}

// Lookup returns the device registered under identity.
func (r *Registry) Lookup(identity string) (*device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	return e.dev, true
}

// Handle returns the graph handle of the device registered under identity.
func (r *Registry) Handle(identity string) (graph.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	if !ok {
		return graph.Handle{}, false
	}
	return e.handle, true
}

// Misses returns the current miss counter of a registered device.
func (r *Registry) Misses(identity string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	if !ok {
		return 0, false
	}
	return e.misses, true
}

// All returns every registered device sorted by identity.
func (r *Registry) All() []*device.Device {
	return r.filter(func(*device.Device) bool { return true })
}

// Capture returns the registered capture devices sorted by identity.
func (r *Registry) Capture() []*device.Device {
	return r.filter(func(d *device.Device) bool { return d.Direction() == device.Capture })
}

// Playback returns the registered playback devices sorted by identity.
func (r *Registry) Playback() []*device.Device {
	return r.filter(func(d *device.Device) bool { return d.Direction() == device.Playback })
}

func (r *Registry) filter(keep func(*device.Device) bool) []*device.Device {
	r.mu.RLock()
	out := make([]*device.Device, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.dev) {
			out = append(out, e.dev)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *device.Device) int {
		return strings.Compare(a.Identity(), b.Identity())
	})
	return out
}

// DefaultCapture returns the default capture device, or nil when none is
// known. With wake set the device is woken first; a wake failure is returned
// alongside the device.
func (r *Registry) DefaultCapture(ctx context.Context, wake bool) (*device.Device, error) {
	return r.defaultFor(ctx, device.Capture, wake)
}

// DefaultPlayback is the playback counterpart of [Registry.DefaultCapture].
func (r *Registry) DefaultPlayback(ctx context.Context, wake bool) (*device.Device, error) {
	return r.defaultFor(ctx, device.Playback, wake)
}

func (r *Registry) defaultFor(ctx context.Context, dir device.Direction, wake bool) (*device.Device, error) {
	r.mu.RLock()
	e, ok := r.entries[r.defaults[dir]]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if wake {
		if err := e.dev.EnsureAwake(ctx); err != nil {
			return e.dev, err
		}
	}
	return e.dev, nil
}

// FindByName resolves a human-typed device name. An exact case-insensitive
// match on the display name or identity wins; otherwise the closest fuzzy
// match above the matcher thresholds is returned.
func (r *Registry) FindByName(name string, dir device.Direction) (*device.Device, bool) {
	var names []string
	byName := make(map[string]*device.Device)
	for _, d := range r.filter(func(d *device.Device) bool { return d.Direction() == dir }) {
		if strings.EqualFold(d.DisplayName(), name) || strings.EqualFold(d.Identity(), name) {
			return d, true
		}
		if _, dup := byName[d.DisplayName()]; !dup {
			byName[d.DisplayName()] = d
			names = append(names, d.DisplayName())
		}
	}
	best, _, ok := r.matcher.Match(name, names)
	if !ok {
		return nil, false
	}
	return byName[best], true
}

// Watch refreshes on every tick of interval and whenever the backend reports
// a hot-plug event, until ctx is done. Refresh errors are logged; Watch only
// returns ctx.Err() or [ErrShutdown].
func (r *Registry) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("registry: watch interval %s: %w", interval, audio.ErrInvalidArgument)
	}
	kick := make(chan struct{}, 1)
	if n, ok := r.backend.(device.Notifier); ok {
		n.SetChangeHandler(func() {
			select {
			case kick <- struct{}{}:
			default:
			}
		})
		defer n.SetChangeHandler(nil)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-kick:
			slog.Debug("registry: hot-plug notification")
		}
		if _, err := r.Refresh(ctx); err != nil {
			if errors.Is(err, ErrShutdown) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("registry: refresh failed", "err", err)
		}
	}
}

// Shutdown sleeps and removes every device. Later refreshes fail with
// [ErrShutdown]. It is safe to call more than once.
func (r *Registry) Shutdown() error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	victims := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		victims = append(victims, e)
	}
	clear(r.entries)
	r.defaults = [2]string{}
	r.mu.Unlock()

	var errs []error
	for _, e := range victims {
		if err := e.dev.Sleep(); err != nil {
			errs = append(errs, err)
		}
		if err := r.graph.Remove(e.handle); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("registry: shut down", "devices", len(victims))
	return errors.Join(errs...)
}
