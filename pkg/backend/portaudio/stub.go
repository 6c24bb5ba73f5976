//go:build !portaudio

// Package portaudio implements a PortAudio backend. This build was made
// without the "portaudio" tag, so New always fails.
package portaudio

import (
	"errors"

	"github.com/MrWong99/soundio/pkg/device"
)

// Name is the backend tag used in device identities.
const Name = "portaudio"

// ErrNotBuilt is returned by New when PortAudio support is compiled out.
var ErrNotBuilt = errors.New("portaudio: support not enabled (build with -tags portaudio)")

// New returns [ErrNotBuilt].
func New() (device.Backend, error) {
	return nil, ErrNotBuilt
}
