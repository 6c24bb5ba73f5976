// Package malgo implements [device.Backend] on top of miniaudio through
// github.com/gen2brain/malgo. It covers WASAPI, Core Audio, ALSA,
// PulseAudio, JACK and the other miniaudio backends from a single cgo
// dependency with no system libraries to install.
package malgo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/device"
)

// Name is the backend tag used in device identities.
const Name = "malgo"

// dataFormatFlagExclusive mirrors MA_DATA_FORMAT_FLAG_EXCLUSIVE_MODE.
const dataFormatFlagExclusive = 1 << 1

// fallbackFormat is reported for devices that do not enumerate any format.
var fallbackFormat = audio.Format{Encoding: audio.EncodingF32, Channels: 2, SampleRate: 48000}

// Backend is a miniaudio context.
type Backend struct {
	ctx *ma.AllocatedContext

	mu     sync.Mutex
	ids    map[string]ma.DeviceID
	notify func()
}

// New initialises a miniaudio context using its default backend order.
func New() (*Backend, error) {
	ctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		slog.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Backend{ctx: ctx, ids: make(map[string]ma.DeviceID)}, nil
}

// Name implements [device.Backend].
func (b *Backend) Name() string { return Name }

// SetChangeHandler implements [device.Notifier]. miniaudio exposes no
// portable hot-plug event, so fn runs when an open device stops without
// being asked to, which is how an unplug surfaces.
func (b *Backend) SetChangeHandler(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = fn
}

func (b *Backend) changed() {
	b.mu.Lock()
	fn := b.notify
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Devices implements [device.Backend].
func (b *Backend) Devices(ctx context.Context, dir device.Direction) ([]device.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind := deviceType(dir)
	infos, err := b.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("malgo: enumerate %s: %w", dir, err)
	}

	out := make([]device.Info, 0, len(infos))
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, info := range infos {
		id := info.ID.String()
		b.ids[id] = info.ID

		formats := b.formats(kind, info)
		if len(formats) == 0 {
			formats = []device.NativeFormat{{Format: fallbackFormat}}
		}
		out = append(out, device.Info{
			ID:        id,
			Name:      info.Name(),
			Direction: dir,
			IsDefault: info.IsDefault != 0,
			Formats:   formats,
		})
	}
	return out, nil
}

// formats queries the detailed device info, which carries the native
// formats. Some backends fail this call for busy devices; the enumeration
// entry is used then.
func (b *Backend) formats(kind ma.DeviceType, info ma.DeviceInfo) []device.NativeFormat {
	full, err := b.ctx.DeviceInfo(kind, info.ID, ma.Shared)
	if err != nil {
		slog.Debug("malgo: device info", "name", info.Name(), "err", err)
		full = info
	}
	count := min(int(full.FormatCount), len(full.Formats))
	out := make([]device.NativeFormat, 0, count)
	for _, df := range full.Formats[:count] {
		if nf, ok := nativeFormat(df); ok {
			out = append(out, nf)
		}
	}
	return out
}

// nativeFormat converts a miniaudio data format. Zero channels or rate mean
// "any" to miniaudio and are filled from the fallback.
func nativeFormat(df ma.DataFormat) (device.NativeFormat, bool) {
	enc, ok := encoding(df.Format)
	if !ok {
		return device.NativeFormat{}, false
	}
	f := audio.Format{Encoding: enc, Channels: int(df.Channels), SampleRate: int(df.SampleRate)}
	if f.Channels == 0 {
		f.Channels = fallbackFormat.Channels
	}
	if f.SampleRate == 0 {
		f.SampleRate = fallbackFormat.SampleRate
	}
	return device.NativeFormat{Format: f, Exclusive: df.Flags&dataFormatFlagExclusive != 0}, true
}

func encoding(f ma.FormatType) (audio.Encoding, bool) {
	switch f {
	case ma.FormatU8:
		return audio.EncodingU8, true
	case ma.FormatS16:
		return audio.EncodingS16, true
	case ma.FormatS24:
		return audio.EncodingS24, true
	case ma.FormatS32:
		return audio.EncodingS32, true
	case ma.FormatF32:
		return audio.EncodingF32, true
	default:
		return 0, false
	}
}

func formatType(e audio.Encoding) ma.FormatType {
	switch e {
	case audio.EncodingU8:
		return ma.FormatU8
	case audio.EncodingS16:
		return ma.FormatS16
	case audio.EncodingS24:
		return ma.FormatS24
	case audio.EncodingS32:
		return ma.FormatS32
	case audio.EncodingF32:
		return ma.FormatF32
	default:
		return ma.FormatUnknown
	}
}

func deviceType(dir device.Direction) ma.DeviceType {
	if dir == device.Playback {
		return ma.Playback
	}
	return ma.Capture
}

// Open implements [device.Backend].
func (b *Backend) Open(dir device.Direction, id string, f audio.Format, cb device.Callback) (device.Stream, error) {
	b.mu.Lock()
	devID, ok := b.ids[id]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("malgo: unknown device %q: %w", id, audio.ErrInvalidArgument)
	}

	kind := deviceType(dir)
	cfg := ma.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Alsa.NoMMap = 1
	sub := ma.SubConfig{
		DeviceID: devID.Pointer(),
		Format:   formatType(f.Encoding),
		Channels: uint32(f.Channels),
	}
	if dir == device.Playback {
		cfg.Playback = sub
	} else {
		cfg.Capture = sub
	}

	s := &stream{backend: b, id: id}
	dev, err := ma.InitDevice(b.ctx.Context, cfg, ma.DeviceCallbacks{
		Data: func(out, in []byte, frames uint32) {
			cb(out, in, int(frames))
		},
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: open %s %s: %w", dir, id, err)
	}
	s.dev = dev

	actual := f
	actual.SampleRate = int(dev.SampleRate())
	var ft ma.FormatType
	var ch uint32
	if dir == device.Playback {
		ft, ch = dev.PlaybackFormat(), dev.PlaybackChannels()
	} else {
		ft, ch = dev.CaptureFormat(), dev.CaptureChannels()
	}
	if enc, ok := encoding(ft); ok {
		actual.Encoding = enc
	}
	if ch > 0 {
		actual.Channels = int(ch)
	}
	s.format = actual
	return s, nil
}

// Close implements [device.Backend].
func (b *Backend) Close() error {
	err := b.ctx.Uninit()
	b.ctx.Free()
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

type stream struct {
	backend *Backend
	id      string
	dev     *ma.Device
	format  audio.Format
	closed  bool

	// stopping marks a stop requested through Stop or Close. Its
	// notification is not mistaken for a lost device.
	stopping atomic.Bool
}

func (s *stream) Format() audio.Format { return s.format }

// onStop runs on a miniaudio thread whenever the device stops.
func (s *stream) onStop() {
	if s.stopping.Load() {
		return
	}
	slog.Debug("malgo: device stopped unexpectedly", "device", s.id)
	s.backend.changed()
}

func (s *stream) Start() error {
	s.stopping.Store(false)
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start: %w", err)
	}
	return nil
}

// Stop blocks until miniaudio's audio thread has left the data callback.
func (s *stream) Stop() error {
	s.stopping.Store(true)
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopping.Store(true)
	s.dev.Uninit()
	return nil
}

var (
	_ device.Backend  = (*Backend)(nil)
	_ device.Notifier = (*Backend)(nil)
)
