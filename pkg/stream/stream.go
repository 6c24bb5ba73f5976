// Package stream provides leaf nodes that let application code push PCM into
// a graph or pull PCM out of it.
//
// A [Source] is a self-fed producer: the application writes frames in the
// source's native format and a downstream neighbour pulls them, converted to
// its own format. A [Sink] is a consumer: it pulls from its upstream
// neighbour on demand and hands frames to the application in its native
// format. Both are non-blocking; a full source drops and an empty sink
// returns zero frames.
package stream

import (
	"fmt"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/endpoint"
)

// Source is a push-fed producer node.
type Source struct {
	*endpoint.Endpoint
}

// NewSource returns a negotiated source with native format f.
func NewSource(name string, f audio.Format, opts ...endpoint.Option) (*Source, error) {
	base := []endpoint.Option{
		endpoint.WithInput(),
		endpoint.WithOutput(),
		endpoint.WithCaps(endpoint.CapProduces | endpoint.CapConvertsOutput),
	}
	ep := endpoint.New(name, f, append(base, opts...)...)
	if err := ep.Renegotiate(); err != nil {
		return nil, fmt.Errorf("stream: source %s: %w", name, err)
	}
	return &Source{Endpoint: ep}, nil
}

// Write queues whole frames of pcm and mixes them to the output ring. It
// returns the number of frames accepted; the rest were dropped. Query
// [endpoint.Endpoint.AvailableWrite] first to avoid drops.
func (s *Source) Write(pcm []byte) int {
	n := s.ReceivePCM(pcm)
	if n > 0 {
		_ = s.MixPCM()
	}
	return n
}

// Sink is a pull-driven consumer node.
type Sink struct {
	*endpoint.Endpoint
}

// NewSink returns a negotiated sink with native format f.
func NewSink(name string, f audio.Format, opts ...endpoint.Option) (*Sink, error) {
	ep := endpoint.New(name, f, append([]endpoint.Option{endpoint.WithInput()}, opts...)...)
	if err := ep.Renegotiate(); err != nil {
		return nil, fmt.Errorf("stream: sink %s: %w", name, err)
	}
	return &Sink{Endpoint: ep}, nil
}

// Read fills dst with up to len(dst)/FrameSize frames in the sink's native
// format, pulling from upstream as needed. It returns the number of frames
// written and [audio.ErrNotConnected] when nothing is linked upstream and
// nothing is buffered.
func (s *Sink) Read(dst []byte) (int, error) {
	fs := s.Format().FrameSize()
	if fs == 0 {
		return 0, nil
	}
	want := len(dst) / fs
	var pullErr error
	if short := want - s.InputAvailable(); short > 0 {
		_, pullErr = s.Pull(short)
	}
	n := s.ReadInput(dst[:want*fs])
	if n == 0 && pullErr != nil {
		return 0, pullErr
	}
	return n, nil
}
