package stream_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/endpoint"
	"github.com/MrWong99/soundio/pkg/graph"
	"github.com/MrWong99/soundio/pkg/stream"
)

var (
	monoS16   = audio.Format{Encoding: audio.EncodingS16, Channels: 1, SampleRate: 16000}
	stereoS16 = audio.Format{Encoding: audio.EncodingS16, Channels: 2, SampleRate: 16000}
)

func pcm16(vals ...int16) []byte {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

func TestSourceToSink(t *testing.T) {
	t.Parallel()

	src, err := stream.NewSource("src", monoS16)
	if err != nil {
		t.Fatal(err)
	}
	sink, err := stream.NewSink("sink", stereoS16)
	if err != nil {
		t.Fatal(err)
	}
	g := graph.New()
	if err := g.Link(g.Add(src), g.Add(sink)); err != nil {
		t.Fatalf("Link: %v", err)
	}

	if n := src.Write(pcm16(100, -200, 300)); n != 3 {
		t.Fatalf("Write = %d, want 3", n)
	}
	out := make([]byte, 8*stereoS16.FrameSize())
	n, err := sink.Read(out)
	if err != nil || n != 3 {
		t.Fatalf("Read = %d, %v; want 3, nil", n, err)
	}
	want := []int16{100, 100, -200, -200, 300, 300}
	for i, w := range want {
		got := int16(binary.LittleEndian.Uint16(out[2*i:]))
		if d := int(got) - int(w); d < -1 || d > 1 {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}

	if n, err := sink.Read(out); n != 0 || err != nil {
		t.Errorf("drained Read = %d, %v; want 0, nil", n, err)
	}
}

func TestSource_RefusesUpstream(t *testing.T) {
	t.Parallel()

	a, err := stream.NewSource("a", monoS16)
	if err != nil {
		t.Fatal(err)
	}
	b, err := stream.NewSource("b", monoS16)
	if err != nil {
		t.Fatal(err)
	}
	g := graph.New()
	ha, hb := g.Add(a), g.Add(b)
	if err := g.Link(ha, hb); !errors.Is(err, audio.ErrInvalidArgument) {
		t.Fatalf("Link(source, source) = %v, want ErrInvalidArgument", err)
	}
	if _, ok := g.Neighbor(ha, graph.Downstream); ok {
		t.Error("refused link was committed")
	}
	if b.Caps().Has(endpoint.CapConsumes) {
		t.Error("source advertises CapConsumes")
	}
}

func TestSink_NotConnected(t *testing.T) {
	t.Parallel()

	sink, err := stream.NewSink("sink", monoS16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Read(make([]byte, 16)); !errors.Is(err, audio.ErrNotConnected) {
		t.Errorf("Read = %v, want ErrNotConnected", err)
	}
}

func TestSource_AvailableWriteAndDrop(t *testing.T) {
	t.Parallel()

	// 10 ms at 16 kHz holds 160 frames.
	src, err := stream.NewSource("src", monoS16, endpoint.WithRingDuration(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if got := src.AvailableWrite(); got != 160 {
		t.Fatalf("AvailableWrite = %d, want 160", got)
	}
	if n := src.Write(make([]byte, 100*2)); n != 100 {
		t.Fatalf("Write = %d, want 100", n)
	}
	if got := src.AvailableWrite(); got != 60 {
		t.Errorf("AvailableWrite after write = %d, want 60", got)
	}
	src.Write(make([]byte, 100*2))
	if src.Dropped() == 0 {
		t.Error("overflow did not drop")
	}
}

func TestNew_InvalidFormat(t *testing.T) {
	t.Parallel()

	if _, err := stream.NewSource("bad", audio.Format{}); !errors.Is(err, audio.ErrNegotiationFailed) {
		t.Errorf("NewSource = %v, want ErrNegotiationFailed", err)
	}
	if _, err := stream.NewSink("bad", audio.Format{}); !errors.Is(err, audio.ErrNegotiationFailed) {
		t.Errorf("NewSink = %v, want ErrNegotiationFailed", err)
	}
}
