// Package file provides leaf nodes backed by audio files.
//
// An [Input] decodes a WAV, AIFF, MP3, OGG Vorbis or FLAC file and acts as a
// producer whose native format is the file's own. An [Output] is a consumer
// that encodes everything it pulls from upstream into a WAV file.
//
// Decoding and encoding never run on a hardware callback thread. Each file
// node is driven by its own pump goroutine ([Input.Pump], [Output.Pump]),
// and the rings absorb the timing difference.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/soundio/pkg/endpoint"
)

// ChunkFrames is the number of frames decoded per step.
const ChunkFrames = 512

// Option configures an [Input] or [Output].
type Option func(*options)

type options struct {
	loop         bool
	ringDuration time.Duration
}

// WithLoop restarts an [Input] from the beginning when it reaches the end.
func WithLoop() Option {
	return func(o *options) { o.loop = true }
}

// WithRingDuration sets the endpoint ring length.
func WithRingDuration(d time.Duration) Option {
	return func(o *options) { o.ringDuration = d }
}

func endpointOpts(o options, base ...endpoint.Option) []endpoint.Option {
	if o.ringDuration > 0 {
		base = append(base, endpoint.WithRingDuration(o.ringDuration))
	}
	return base
}

// Input is a file-backed producer node.
type Input struct {
	*endpoint.Endpoint

	path string
	kind Kind
	loop bool

	// mu guards the decoder state across Fill calls.
	mu      sync.Mutex
	file    *os.File
	dec     decoder
	scratch []byte
	eof     bool
	decoded uint64

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// OpenInput opens and sniffs path and returns a negotiated input whose
// native format is the file's.
func OpenInput(path string, opts ...Option) (*Input, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", path, err)
	}
	header := make([]byte, 12)
	n, _ := io.ReadFull(f, header)
	kind := Sniff(header[:n], path)
	if kind == KindUnknown {
		f.Close()
		return nil, fmt.Errorf("file: %s: %w", path, ErrUnsupportedFormat)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("file: seek %s: %w", path, err)
	}
	dec, err := newDecoder(kind, f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("file: %s: %w", path, err)
	}

	in := &Input{
		path: path,
		kind: kind,
		loop: o.loop,
		file: f,
		dec:  dec,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	native := dec.format()
	in.scratch = make([]byte, ChunkFrames*native.FrameSize())
	in.Endpoint = endpoint.New("file:"+path, native, endpointOpts(o,
		endpoint.WithInput(),
		endpoint.WithOutput(),
		endpoint.WithCaps(endpoint.CapProduces | endpoint.CapConvertsOutput),
		endpoint.WithOutputSubmitted(in.signal),
	)...)
	if err := in.Renegotiate(); err != nil {
		f.Close()
		return nil, err
	}
	slog.Debug("file: input opened", "path", path, "kind", kind, "format", native.String())
	return in, nil
}

// signal wakes the pump after a consumer drained frames.
func (in *Input) signal(frames int) {
	if frames <= 0 {
		return
	}
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Path returns the file path.
func (in *Input) Path() string { return in.path }

// Kind returns the sniffed container format.
func (in *Input) Kind() Kind { return in.kind }

// Done is closed once a non-looping input has queued its last frame.
func (in *Input) Done() <-chan struct{} { return in.done }

// Decoded returns the total number of frames decoded so far.
func (in *Input) Decoded() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.decoded
}

// Fill decodes and queues chunks while the rings have room. It returns the
// number of frames queued, and io.EOF once a non-looping input is exhausted.
func (in *Input) Fill() (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.eof {
		return 0, io.EOF
	}

	fs := in.Format().FrameSize()
	total := 0
	rewound := false
	for {
		// Keep a little headroom for resampler rounding.
		room := in.AvailableWrite() - 2
		if room <= 0 {
			return total, nil
		}
		n, err := in.dec.read(in.scratch[:min(room, ChunkFrames)*fs])
		if n > 0 {
			rewound = false
			in.decoded += uint64(n)
			total += in.Write(in.scratch[:n*fs])
		}
		if errors.Is(err, io.EOF) {
			if !in.loop || rewound {
				in.eof = true
				in.doneOnce.Do(func() { close(in.done) })
				return total, io.EOF
			}
			if err := in.rewind(); err != nil {
				return total, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return total, fmt.Errorf("file: decode %s: %w", in.path, err)
		}
	}
}

// Write queues native frames and mixes them to the output ring.
func (in *Input) Write(pcm []byte) int {
	n := in.ReceivePCM(pcm)
	if n > 0 {
		_ = in.MixPCM()
	}
	return n
}

func (in *Input) rewind() error {
	if _, err := in.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("file: rewind %s: %w", in.path, err)
	}
	dec, err := newDecoder(in.kind, in.file)
	if err != nil {
		return fmt.Errorf("file: rewind %s: %w", in.path, err)
	}
	in.dec = dec
	return nil
}

// Pump keeps the rings topped up until ctx is done or the input is
// exhausted. It refills whenever a consumer drains frames and at least every
// poll interval.
func (in *Input) Pump(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if _, err := in.Fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.wake:
		case <-ticker.C:
		}
	}
}

// Close releases the file.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.file == nil {
		return nil
	}
	err := in.file.Close()
	in.file = nil
	in.eof = true
	in.doneOnce.Do(func() { close(in.done) })
	return err
}

var _ endpoint.Producer = (*Input)(nil)
