// Package audio defines the value types and real-time primitives shared by
// every node in a soundio graph.
//
// The three building blocks are:
//
//   - [Format] — sample encoding, channel count and sample rate of a PCM stream.
//   - [Converter] — a streaming format converter that never allocates after
//     construction.
//   - [Ring] — a lock-free single-producer/single-consumer frame queue.
//
// The package also owns the sentinel error kinds returned across the module so
// callers can test for them with [errors.Is] regardless of which package
// produced the error.
package audio

import (
	"fmt"
	"strings"
)

// Encoding identifies how a single PCM sample is stored. All multi-byte
// encodings are little-endian.
type Encoding int

const (
	// EncodingUnknown is the zero value and never valid in a [Format].
	EncodingUnknown Encoding = iota

	// EncodingU8 is unsigned 8-bit PCM centred on 128.
	EncodingU8

	// EncodingS16 is signed 16-bit PCM.
	EncodingS16

	// EncodingS24 is signed 24-bit PCM packed into 3 bytes.
	EncodingS24

	// EncodingS32 is signed 32-bit PCM.
	EncodingS32

	// EncodingF32 is IEEE-754 32-bit float in the range [-1, 1].
	EncodingF32
)

// BytesPerSample returns the storage size of one sample, or 0 for an unknown
// encoding.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingU8:
		return 1
	case EncodingS16:
		return 2
	case EncodingS24:
		return 3
	case EncodingS32, EncodingF32:
		return 4
	default:
		return 0
	}
}

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e.BytesPerSample() > 0
}

// String returns the short lower-case name used in config files and logs.
func (e Encoding) String() string {
	switch e {
	case EncodingU8:
		return "u8"
	case EncodingS16:
		return "s16"
	case EncodingS24:
		return "s24"
	case EncodingS32:
		return "s32"
	case EncodingF32:
		return "f32"
	default:
		return "unknown"
	}
}

// ParseEncoding maps a name as produced by [Encoding.String] back to an
// [Encoding]. Matching is case-insensitive.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "u8":
		return EncodingU8, nil
	case "s16":
		return EncodingS16, nil
	case "s24":
		return EncodingS24, nil
	case "s32":
		return EncodingS32, nil
	case "f32":
		return EncodingF32, nil
	}
	return EncodingUnknown, fmt.Errorf("%w: unknown encoding %q", ErrInvalidArgument, s)
}

// Format describes a PCM stream. It is a comparable value type; two formats
// are equal iff encoding, channel count and sample rate all match.
type Format struct {
	Encoding   Encoding
	Channels   int
	SampleRate int
}

// FrameSize returns the number of bytes occupied by one frame, i.e. one
// sample for every channel.
func (f Format) FrameSize() int {
	return f.Channels * f.Encoding.BytesPerSample()
}

// Equal reports whether f and o describe the same stream layout.
func (f Format) Equal(o Format) bool {
	return f == o
}

// IsZero reports whether f is the zero Format.
func (f Format) IsZero() bool {
	return f == Format{}
}

// Validate returns an error wrapping [ErrInvalidArgument] if any field is
// out of range.
func (f Format) Validate() error {
	if !f.Encoding.IsValid() {
		return fmt.Errorf("%w: format %s has unknown encoding", ErrInvalidArgument, f)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: format %s has no channels", ErrInvalidArgument, f)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: format %s has no sample rate", ErrInvalidArgument, f)
	}
	return nil
}

// Frames converts a byte count into whole frames of f. Trailing partial
// frames are ignored.
func (f Format) Frames(n int) int {
	fs := f.FrameSize()
	if fs == 0 {
		return 0
	}
	return n / fs
}

// String renders f as e.g. "f32/2ch/48000Hz".
func (f Format) String() string {
	return fmt.Sprintf("%s/%dch/%dHz", f.Encoding, f.Channels, f.SampleRate)
}
