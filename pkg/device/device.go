// Package device binds hardware audio devices to the endpoint pipeline.
//
// A [Device] is an [endpoint.Endpoint] plus a direction role and the
// lifecycle of one backend stream. The role is a strategy chosen at
// construction: capture devices push hardware frames into their input ring
// and mix them straight to the output ring; playback devices pull from their
// upstream neighbour and fill the hardware buffer, zero-filling any
// shortfall.
//
// Lifecycle methods ([Device.WakeUp], [Device.Sleep], [Device.EnsureAwake],
// [Device.Update]) belong to the control path. The backend callback is the
// only code that touches the rings at audio rate.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/endpoint"
)

// State is the lifecycle state of a [Device].
type State int32

const (
	// StateAsleep means no hardware stream is open.
	StateAsleep State = iota

	// StateOpening is the transient state while WakeUp runs.
	StateOpening

	// StateAwake means the stream is open and started.
	StateAwake
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateAsleep:
		return "asleep"
	case StateOpening:
		return "opening"
	case StateAwake:
		return "awake"
	default:
		return "unknown"
	}
}

// role is the direction strategy of a device.
type role interface {
	direction() Direction
	options() []endpoint.Option
	process(d *Device, out, in []byte, frames int)
}

type captureRole struct{}

func (captureRole) direction() Direction { return Capture }

// The input ring of a capture device is fed by the hardware callback, so it
// never accepts an upstream link.
func (captureRole) options() []endpoint.Option {
	return []endpoint.Option{
		endpoint.WithInput(),
		endpoint.WithOutput(),
		endpoint.WithCaps(endpoint.CapProduces | endpoint.CapConvertsOutput),
	}
}

func (captureRole) process(d *Device, _, in []byte, frames int) {
	fs := d.Format().FrameSize()
	if fs == 0 {
		return
	}
	frames = min(frames, len(in)/fs)
	if n := d.ReceivePCM(in[:frames*fs]); n < frames {
		d.overruns.Add(uint64(frames - n))
	}
	_ = d.MixPCM()
}

type playbackRole struct{}

func (playbackRole) direction() Direction { return Playback }

func (playbackRole) options() []endpoint.Option {
	return []endpoint.Option{endpoint.WithInput()}
}

func (playbackRole) process(d *Device, out, _ []byte, frames int) {
	f := d.Format()
	fs := f.FrameSize()
	if fs == 0 {
		audio.Silence(out, f.Encoding)
		return
	}
	frames = min(frames, len(out)/fs)
	if short := frames - d.InputAvailable(); short > 0 {
		_, _ = d.Pull(short)
	}
	n := d.ReadInput(out[:frames*fs])
	if n < frames {
		audio.Silence(out[n*fs:frames*fs], f.Encoding)
		d.underruns.Add(uint64(frames - n))
	}
}

// Option configures a [Device].
type Option func(*options)

type options struct {
	preferred    *audio.Format
	ringDuration time.Duration
}

// WithPreferredFormat overrides the picked native format when opening the
// stream.
func WithPreferredFormat(f audio.Format) Option {
	return func(o *options) { o.preferred = &f }
}

// WithRingDuration sets the endpoint ring length.
func WithRingDuration(d time.Duration) Option {
	return func(o *options) { o.ringDuration = d }
}

// Device is a hardware device exposed as a graph node.
type Device struct {
	*endpoint.Endpoint

	backend  Backend
	identity string
	role     role
	opts     options

	// ctl serialises lifecycle transitions.
	ctl    sync.Mutex
	stream Stream

	infoMu sync.RWMutex
	info   Info

	state     atomic.Int32
	underruns atomic.Uint64
	overruns  atomic.Uint64
}

// New creates an asleep device. The native format is picked from
// info.Formats unless a preferred format is configured; it is an error if
// neither yields a usable format.
func New(backend Backend, info Info, opts ...Option) (*Device, error) {
	identity, err := Identity(backend.Name(), info.ID, info.Direction)
	if err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var r role = captureRole{}
	if info.Direction == Playback {
		r = playbackRole{}
	}

	d := &Device{
		backend:  backend,
		identity: identity,
		role:     r,
		opts:     o,
		info:     info,
	}
	native, ok := d.targetFormat(info)
	if !ok {
		return nil, fmt.Errorf("device %s: no usable native format: %w", identity, audio.ErrInvalidArgument)
	}

	epOpts := r.options()
	if o.ringDuration > 0 {
		epOpts = append(epOpts, endpoint.WithRingDuration(o.ringDuration))
	}
	d.Endpoint = endpoint.New(identity, native, epOpts...)
	if err := d.Renegotiate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) targetFormat(info Info) (audio.Format, bool) {
	if d.opts.preferred != nil {
		return *d.opts.preferred, true
	}
	return PickFormat(info.Formats)
}

// Identity returns the normalised registry key.
func (d *Device) Identity() string { return d.identity }

// Direction returns the device direction.
func (d *Device) Direction() Direction { return d.role.direction() }

// Info returns a copy of the last enumerated description.
func (d *Device) Info() Info {
	d.infoMu.RLock()
	defer d.infoMu.RUnlock()
	return d.info
}

// DisplayName returns the human-readable device name.
func (d *Device) DisplayName() string { return d.Info().Name }

// IsDefault reports whether the backend last reported this device as the
// default of its direction.
func (d *Device) IsDefault() bool { return d.Info().IsDefault }

// State returns the lifecycle state.
func (d *Device) State() State { return State(d.state.Load()) }

// Awake reports whether the device is awake.
func (d *Device) Awake() bool { return d.State() == StateAwake }

// Underruns returns the number of playback frames zero-filled because no
// data was available.
func (d *Device) Underruns() uint64 { return d.underruns.Load() }

// Overruns returns the number of capture frames dropped because the input
// ring was full.
func (d *Device) Overruns() uint64 { return d.overruns.Load() }

// WakeUp opens and starts the hardware stream. Any failure closes what was
// opened and leaves the device asleep; open and start failures wrap
// [audio.ErrDeviceUnavailable]. Waking an awake device returns
// [audio.ErrInvalidOperation].
func (d *Device) WakeUp(ctx context.Context) error {
	d.ctl.Lock()
	defer d.ctl.Unlock()
	if d.State() == StateAwake {
		return fmt.Errorf("device %s: already awake: %w", d.identity, audio.ErrInvalidOperation)
	}
	return d.wakeLocked(ctx)
}

func (d *Device) wakeLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.state.Store(int32(StateOpening))
	start := time.Now()

	info := d.Info()
	requested, ok := d.targetFormat(info)
	if !ok {
		d.state.Store(int32(StateAsleep))
		return fmt.Errorf("device %s: no usable native format: %w", d.identity, audio.ErrDeviceUnavailable)
	}

	stream, err := d.backend.Open(d.Direction(), info.ID, requested, d.callback)
	if err != nil {
		d.state.Store(int32(StateAsleep))
		return fmt.Errorf("device %s: open: %w: %w", d.identity, audio.ErrDeviceUnavailable, err)
	}

	actual := stream.Format()
	if actual.Validate() != nil {
		actual = requested
	}
	if err := d.SetFormat(actual); err != nil {
		d.closeStream(stream)
		d.state.Store(int32(StateAsleep))
		return fmt.Errorf("device %s: %w", d.identity, err)
	}

	if err := stream.Start(); err != nil {
		d.closeStream(stream)
		d.state.Store(int32(StateAsleep))
		return fmt.Errorf("device %s: start: %w: %w", d.identity, audio.ErrDeviceUnavailable, err)
	}

	d.stream = stream
	d.state.Store(int32(StateAwake))
	slog.Info("device awake",
		"device", d.identity,
		"name", info.Name,
		"format", actual.String(),
		"elapsed", time.Since(start),
	)
	return nil
}

func (d *Device) closeStream(s Stream) {
	if err := s.Close(); err != nil {
		slog.Warn("device: close stream after failed wake", "device", d.identity, "err", err)
	}
}

// Sleep stops and closes the hardware stream. When it returns the callback
// is no longer running. Sleeping an asleep device is a no-op.
func (d *Device) Sleep() error {
	d.ctl.Lock()
	defer d.ctl.Unlock()
	return d.sleepLocked()
}

func (d *Device) sleepLocked() error {
	if d.State() != StateAwake {
		return nil
	}
	s := d.stream
	d.stream = nil
	stopErr := s.Stop()
	closeErr := s.Close()
	d.state.Store(int32(StateAsleep))
	slog.Info("device asleep", "device", d.identity)
	if err := errors.Join(stopErr, closeErr); err != nil {
		return fmt.Errorf("device %s: sleep: %w", d.identity, err)
	}
	return nil
}

// EnsureAwake wakes the device unless it is already awake.
func (d *Device) EnsureAwake(ctx context.Context) error {
	if d.Awake() {
		return nil
	}
	d.ctl.Lock()
	defer d.ctl.Unlock()
	if d.State() == StateAwake {
		return nil
	}
	return d.wakeLocked(ctx)
}

// Update replaces the enumerated description. When the preferred native
// format changes, an asleep device renegotiates with the new format and an
// awake device is restarted so the stream runs in it.
func (d *Device) Update(ctx context.Context, info Info) error {
	d.ctl.Lock()
	defer d.ctl.Unlock()

	info.Direction = d.Direction()
	d.infoMu.Lock()
	old := d.info
	d.info = info
	d.infoMu.Unlock()

	oldFmt, _ := d.targetFormat(old)
	newFmt, ok := d.targetFormat(info)
	if !ok || oldFmt.Equal(newFmt) {
		return nil
	}

	slog.Info("device format changed",
		"device", d.identity,
		"from", oldFmt.String(),
		"to", newFmt.String(),
	)
	if d.State() != StateAwake {
		return d.SetFormat(newFmt)
	}
	if err := d.sleepLocked(); err != nil {
		slog.Warn("device: sleep before restart failed", "device", d.identity, "err", err)
	}
	return d.wakeLocked(ctx)
}

// callback is handed to the backend and runs on its real-time thread.
func (d *Device) callback(out, in []byte, frames int) {
	d.role.process(d, out, in, frames)
}
