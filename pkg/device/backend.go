package device

import (
	"context"
	"fmt"

	"github.com/MrWong99/soundio/pkg/audio"
)

// Direction is the data direction of a hardware device.
type Direction int

const (
	// Capture devices deliver PCM from the hardware (microphones, line in).
	Capture Direction = iota

	// Playback devices consume PCM (speakers, headphones).
	Playback
)

// String returns "capture" or "playback".
func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Directions lists every direction in enumeration order.
var Directions = []Direction{Capture, Playback}

// NativeFormat is one format a device can run in without conversion.
type NativeFormat struct {
	audio.Format

	// Exclusive is set when the format is available in exclusive mode.
	Exclusive bool
}

// Info describes a device as enumerated by a [Backend].
type Info struct {
	// ID is the backend's raw identifier. It is opaque and is normalised into
	// an identity with [Identity].
	ID string

	// Name is the human-readable device name.
	Name string

	Direction Direction

	// IsDefault is set for the system default device of its direction.
	IsDefault bool

	// Formats lists the native formats the device supports.
	Formats []NativeFormat
}

// Callback is invoked by a backend on its real-time thread. For capture
// streams in holds frames*FrameSize bytes of recorded PCM; for playback
// streams out must be filled with frames*FrameSize bytes. Implementations
// must not block, allocate or lock.
type Callback func(out, in []byte, frames int)

// Stream is an open hardware stream.
type Stream interface {
	// Format returns the format the backend actually negotiated, which may
	// differ from the one requested.
	Format() audio.Format

	// Start begins invoking the callback.
	Start() error

	// Stop halts the stream. When it returns the callback is no longer
	// running and will not be invoked again.
	Stop() error

	// Close releases the stream. A stopped or never-started stream may be
	// closed.
	Close() error
}

// Backend is the platform audio HAL: device enumeration and stream
// management.
type Backend interface {
	// Name is a short tag such as "malgo" or "portaudio", used as the prefix
	// of device identities.
	Name() string

	// Devices enumerates the devices of one direction.
	Devices(ctx context.Context, dir Direction) ([]Info, error)

	// Open opens a stream on the device with raw id, requesting format f.
	// cb is invoked from the backend's real-time thread once started.
	Open(dir Direction, id string, f audio.Format, cb Callback) (Stream, error)

	// Close releases backend resources. Open streams must be closed first.
	Close() error
}

// Notifier is implemented by backends that can report hot-plug events. The
// handler is invoked on a backend goroutine and should only schedule a
// refresh.
type Notifier interface {
	SetChangeHandler(fn func())
}
