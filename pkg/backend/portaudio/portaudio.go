//go:build portaudio

// Package portaudio implements [device.Backend] with PortAudio through
// github.com/gordonklaus/portaudio. It needs the PortAudio C library and is
// only built with the "portaudio" build tag.
package portaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/device"
)

// Name is the backend tag used in device identities.
const Name = "portaudio"

// Backend is an initialised PortAudio library.
type Backend struct {
	mu     sync.Mutex
	closed bool
}

// New initialises PortAudio. Every successful New must be paired with Close.
func New() (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Backend{}, nil
}

// Name implements [device.Backend].
func (b *Backend) Name() string { return Name }

// deviceID is stable across enumerations, unlike the PortAudio index.
func deviceID(d *portaudio.DeviceInfo) string {
	if d.HostApi != nil {
		return d.HostApi.Name + "/" + d.Name
	}
	return d.Name
}

func channels(d *portaudio.DeviceInfo, dir device.Direction) int {
	if dir == device.Playback {
		return d.MaxOutputChannels
	}
	return d.MaxInputChannels
}

// Devices implements [device.Backend]. PortAudio converts internally, so
// every device is reported in float32 at its default rate.
func (b *Backend) Devices(ctx context.Context, dir device.Direction) ([]device.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: enumerate: %w", err)
	}
	var def *portaudio.DeviceInfo
	if dir == device.Playback {
		def, _ = portaudio.DefaultOutputDevice()
	} else {
		def, _ = portaudio.DefaultInputDevice()
	}

	var out []device.Info
	for _, d := range devs {
		ch := channels(d, dir)
		if ch == 0 {
			continue
		}
		out = append(out, device.Info{
			ID:        deviceID(d),
			Name:      d.Name,
			Direction: dir,
			IsDefault: def != nil && def.Index == d.Index,
			Formats: []device.NativeFormat{{Format: audio.Format{
				Encoding:   audio.EncodingF32,
				Channels:   min(ch, 2),
				SampleRate: int(d.DefaultSampleRate),
			}}},
		})
	}
	return out, nil
}

func (b *Backend) lookup(id string, dir device.Direction) (*portaudio.DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: enumerate: %w", err)
	}
	for _, d := range devs {
		if deviceID(d) == id && channels(d, dir) > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: unknown %s device %q: %w", dir, id, audio.ErrInvalidArgument)
}

// Open implements [device.Backend]. Streams always run in float32; other
// requested encodings are replaced and the device renegotiates.
func (b *Backend) Open(dir device.Direction, id string, f audio.Format, cb device.Callback) (device.Stream, error) {
	d, err := b.lookup(id, dir)
	if err != nil {
		return nil, err
	}
	f.Encoding = audio.EncodingF32
	f.Channels = min(f.Channels, channels(d, dir))

	var params portaudio.StreamParameters
	if dir == device.Playback {
		params = portaudio.HighLatencyParameters(nil, d)
		params.Output.Channels = f.Channels
	} else {
		params = portaudio.HighLatencyParameters(d, nil)
		params.Input.Channels = f.Channels
	}
	params.SampleRate = float64(f.SampleRate)

	s := &stream{format: f}
	var st *portaudio.Stream
	if dir == device.Playback {
		st, err = portaudio.OpenStream(params, func(out []float32) {
			s.grow(len(out) * 4)
			cb(s.buf[:len(out)*4], nil, len(out)/f.Channels)
			audio.DecodeSamples(out, s.buf, audio.EncodingF32)
		})
	} else {
		st, err = portaudio.OpenStream(params, func(in []float32) {
			s.grow(len(in) * 4)
			audio.EncodeSamples(s.buf, in, audio.EncodingF32)
			cb(nil, s.buf[:len(in)*4], len(in)/f.Channels)
		})
	}
	if err != nil {
		return nil, fmt.Errorf("portaudio: open %s %s: %w", dir, id, err)
	}
	s.st = st
	return s, nil
}

// Close implements [device.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return portaudio.Terminate()
}

type stream struct {
	st     *portaudio.Stream
	format audio.Format
	// buf is only touched from the PortAudio callback thread.
	buf []byte
}

// grow sizes the byte view of the callback buffer. PortAudio keeps the
// buffer size fixed per stream, so this allocates on the first call only.
func (s *stream) grow(n int) {
	if len(s.buf) < n {
		s.buf = make([]byte, n)
	}
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Start() error { return s.st.Start() }

func (s *stream) Stop() error { return s.st.Stop() }

func (s *stream) Close() error { return s.st.Close() }

var _ device.Backend = (*Backend)(nil)
