package file

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/endpoint"
)

// Output is a consumer node that encodes what it pulls into a WAV file.
type Output struct {
	*endpoint.Endpoint

	path string

	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	buf     *goaudio.IntBuffer
	scratch []byte
	written uint64
	closed  bool
}

// CreateOutput creates or truncates path and returns a negotiated output
// with native format f. Only signed integer encodings can be written.
func CreateOutput(path string, f audio.Format, opts ...Option) (*Output, error) {
	bits, err := wavBitDepth(f)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("file: output %s: %w", path, err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	fh, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("file: create %s: %w", path, err)
	}
	out := &Output{
		path:    path,
		file:    fh,
		enc:     wav.NewEncoder(fh, f.SampleRate, bits, f.Channels, 1),
		scratch: make([]byte, ChunkFrames*f.FrameSize()),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
			Data:           make([]int, ChunkFrames*f.Channels),
			SourceBitDepth: bits,
		},
	}
	out.Endpoint = endpoint.New("file:"+path, f, endpointOpts(o, endpoint.WithInput())...)
	if err := out.Renegotiate(); err != nil {
		fh.Close()
		return nil, err
	}
	slog.Debug("file: output created", "path", path, "format", f.String())
	return out, nil
}

func wavBitDepth(f audio.Format) (int, error) {
	switch f.Encoding {
	case audio.EncodingS16:
		return 16, nil
	case audio.EncodingS24:
		return 24, nil
	case audio.EncodingS32:
		return 32, nil
	default:
		return 0, fmt.Errorf("file: wav output cannot encode %s: %w", f.Encoding, audio.ErrInvalidArgument)
	}
}

// Path returns the file path.
func (o *Output) Path() string { return o.path }

// Written returns the number of frames encoded so far.
func (o *Output) Written() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written
}

// Flush pulls everything upstream has ready, plus anything already queued,
// and encodes it. It returns the number of frames written.
func (o *Output) Flush() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, fmt.Errorf("file: flush %s: %w", o.path, os.ErrClosed)
	}
	return o.flushLocked()
}

func (o *Output) flushLocked() (int, error) {
	f := o.Format()
	bps := f.Encoding.BytesPerSample()
	total := 0
	for {
		if _, err := o.Pull(ChunkFrames); err != nil && !errors.Is(err, audio.ErrNotConnected) {
			return total, err
		}
		n := o.ReadInput(o.scratch)
		if n == 0 {
			return total, nil
		}
		o.buf.Data = o.buf.Data[:n*f.Channels]
		for i := range o.buf.Data {
			o.buf.Data[i] = readInt(o.scratch[i*bps:], f.Encoding)
		}
		if err := o.enc.Write(o.buf); err != nil {
			return total, fmt.Errorf("file: encode %s: %w", o.path, err)
		}
		o.written += uint64(n)
		total += n
	}
}

func readInt(b []byte, enc audio.Encoding) int {
	switch enc {
	case audio.EncodingS16:
		return int(int16(binary.LittleEndian.Uint16(b)))
	case audio.EncodingS24:
		return int(int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8)
	case audio.EncodingS32:
		return int(int32(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

// Pump flushes every interval until ctx is done, then flushes once more.
func (o *Output) Pump(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_, err := o.Flush()
			if errors.Is(err, os.ErrClosed) {
				err = nil
			}
			return err
		case <-ticker.C:
			if _, err := o.Flush(); err != nil {
				return err
			}
		}
	}
}

// Close flushes pending frames, finalises the WAV header and closes the
// file. It is safe to call more than once.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	_, flushErr := o.flushLocked()
	encErr := o.enc.Close()
	fileErr := o.file.Close()
	slog.Debug("file: output closed", "path", o.path, "frames", o.written)
	if err := errors.Join(flushErr, encErr, fileErr); err != nil {
		return fmt.Errorf("file: close %s: %w", o.path, err)
	}
	return nil
}
