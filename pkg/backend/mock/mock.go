// Package mock provides an in-memory [device.Backend] for unit tests.
//
// The backend is safe for concurrent use. Tests script the enumerated devices
// through [Backend.SetDevices], inject failures through the exported error
// fields and drive open streams by calling [Stream.Fire] in place of a
// hardware thread. Every method records call counts so that tests can assert
// on them.
//
// Typical usage:
//
//	b := mock.New("mock")
//	b.SetDevices(device.Capture, []device.Info{{ID: "mic", Name: "Mic", Formats: fmts}})
//	reg := registry.New(b)
//	_ = reg.Refresh(ctx)
//	...
//	b.Stream(device.Capture, "mic").Fire(nil, pcm, frames)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/device"
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [device.Backend] and
// [device.Notifier].
type Backend struct {
	mu sync.Mutex

	name    string
	devices map[device.Direction][]device.Info
	streams map[string]*Stream
	notify  func()

	// DevicesErr is returned by [Backend.Devices] when non-nil.
	DevicesErr error

	// OpenErr is returned by [Backend.Open] when non-nil. It is consumed by
	// the first failing call so that a retry succeeds; set OpenErrSticky to
	// keep failing.
	OpenErr       error
	OpenErrSticky bool

	// StartErr is returned by the next [Stream.Start] when non-nil.
	StartErr error

	// OpenFormat, when non-zero, replaces the requested format on opened
	// streams to simulate a backend that negotiates something else.
	OpenFormat audio.Format

	// CallCountDevices records how many times Devices was called.
	CallCountDevices int

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// New returns an empty backend whose identities use the given name.
func New(name string) *Backend {
	return &Backend{
		name:    name,
		devices: make(map[device.Direction][]device.Info),
		streams: make(map[string]*Stream),
	}
}

// SetDevices replaces the devices enumerated for dir.
func (b *Backend) SetDevices(dir device.Direction, infos []device.Info) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]device.Info, len(infos))
	for i, info := range infos {
		info.Direction = dir
		cp[i] = info
	}
	b.devices[dir] = cp
}

// Notify invokes the registered change handler, simulating a hot-plug event.
func (b *Backend) Notify() {
	b.mu.Lock()
	fn := b.notify
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Stream returns the most recently opened stream for a device, or nil.
func (b *Backend) Stream(dir device.Direction, id string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[streamKey(dir, id)]
}

// Name implements [device.Backend].
func (b *Backend) Name() string { return b.name }

// Devices implements [device.Backend].
func (b *Backend) Devices(ctx context.Context, dir device.Direction) ([]device.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountDevices++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.DevicesErr != nil {
		return nil, b.DevicesErr
	}
	out := make([]device.Info, len(b.devices[dir]))
	copy(out, b.devices[dir])
	return out, nil
}

// Open implements [device.Backend].
func (b *Backend) Open(dir device.Direction, id string, f audio.Format, cb device.Callback) (device.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountOpen++
	if err := b.OpenErr; err != nil {
		if !b.OpenErrSticky {
			b.OpenErr = nil
		}
		return nil, err
	}
	if !b.OpenFormat.IsZero() {
		f = b.OpenFormat
	}
	s := &Stream{format: f, cb: cb, startErr: b.StartErr}
	b.StartErr = nil
	b.streams[streamKey(dir, id)] = s
	return s, nil
}

// Close implements [device.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return nil
}

// SetChangeHandler implements [device.Notifier].
func (b *Backend) SetChangeHandler(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = fn
}

func streamKey(dir device.Direction, id string) string {
	return dir.String() + "/" + id
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [device.Stream].
type Stream struct {
	mu sync.Mutex

	format   audio.Format
	cb       device.Callback
	startErr error
	running  bool
	closed   bool

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Format implements [device.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Start implements [device.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

// Stop implements [device.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	return nil
}

// Close implements [device.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.closed = true
	return nil
}

// Running reports whether the stream is started.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Closed reports whether the stream was closed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Fire invokes the callback once as the hardware thread would. It returns
// false without calling back when the stream is not running.
func (s *Stream) Fire(out, in []byte, frames int) bool {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return false
	}
	s.cb(out, in, frames)
	return true
}

var (
	_ device.Backend  = (*Backend)(nil)
	_ device.Notifier = (*Backend)(nil)
	_ device.Stream   = (*Stream)(nil)
)
