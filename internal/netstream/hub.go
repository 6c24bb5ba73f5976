// Package netstream exposes [stream.Source] and [stream.Sink] nodes over
// WebSocket so remote clients can feed audio into the graph or listen to it.
//
// Every connection starts with a JSON hello describing the stream's native
// format and codec. After that, source connections send binary messages that
// are decoded and written into the source; sink connections receive one
// binary message per frame period. With the PCM codec a message is raw
// little-endian PCM in the stream's native format. With the Opus codec it is
// one Opus packet.
package netstream

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/soundio/internal/config"
	"github.com/MrWong99/soundio/internal/observe"
	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/stream"
)

// DefaultFrameDuration is the period of one network message. 20 ms is a
// valid Opus frame size at every supported rate.
const DefaultFrameDuration = 20 * time.Millisecond

// sessionQueue is how many messages a slow listener may fall behind before
// frames are dropped for it.
const sessionQueue = 16

// ErrUnknownStream is returned for a stream name the hub does not serve.
var ErrUnknownStream = errors.New("netstream: unknown stream")

// Hello is the first message on every connection.
type Hello struct {
	Session    string `json:"session"`
	Stream     string `json:"stream"`
	Kind       string `json:"kind"`
	Codec      string `json:"codec"`
	Encoding   string `json:"encoding"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	Frames     int    `json:"frames"`
}

// Info describes one served stream.
type Info struct {
	Name   string       `json:"name"`
	Kind   string       `json:"kind"`
	Format audio.Format `json:"-"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithMetrics records session counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithFrameDuration sets the message period. Opus accepts 10, 20, 40 and 60 ms.
func WithFrameDuration(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.frameDur = d
		}
	}
}

// Hub serves named network streams.
type Hub struct {
	codec    config.Codec
	frameDur time.Duration
	metrics  *observe.Metrics
	active   atomic.Int64

	mu      sync.Mutex
	sources map[string]*sourceStream
	sinks   map[string]*sinkStream
}

type sourceStream struct {
	src    *stream.Source
	frames int

	// writers share one SPSC input ring.
	mu sync.Mutex
}

type sinkStream struct {
	sink   *stream.Sink
	frames int
	enc    encoder
	buf    []byte
	fill   int

	mu       sync.Mutex
	sessions map[string]chan []byte
}

// New returns a hub that encodes every stream with codec.
func New(codec config.Codec, opts ...Option) *Hub {
	h := &Hub{
		codec:    codec,
		frameDur: DefaultFrameDuration,
		sources:  make(map[string]*sourceStream),
		sinks:    make(map[string]*sinkStream),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) framesFor(f audio.Format) int {
	return int(int64(f.SampleRate) * int64(h.frameDur) / int64(time.Second))
}

func (h *Hub) taken(name string) bool {
	_, a := h.sources[name]
	_, b := h.sinks[name]
	return a || b
}

// AddSource creates a source node fed by remote clients.
func (h *Hub) AddSource(name string, f audio.Format) (*stream.Source, error) {
	src, err := stream.NewSource(name, f)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.taken(name) {
		return nil, fmt.Errorf("netstream: stream %q already exists: %w", name, audio.ErrInvalidOperation)
	}
	h.sources[name] = &sourceStream{src: src, frames: h.framesFor(f)}
	return src, nil
}

// AddSink creates a sink node whose audio is broadcast to remote clients.
// Nothing reaches clients until something is linked upstream and [Hub.Run]
// is running.
func (h *Hub) AddSink(name string, f audio.Format) (*stream.Sink, error) {
	sink, err := stream.NewSink(name, f)
	if err != nil {
		return nil, err
	}
	frames := h.framesFor(f)
	enc, err := newEncoder(h.codec, f, frames)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.taken(name) {
		return nil, fmt.Errorf("netstream: stream %q already exists: %w", name, audio.ErrInvalidOperation)
	}
	h.sinks[name] = &sinkStream{
		sink:     sink,
		frames:   frames,
		enc:      enc,
		buf:      make([]byte, frames*f.FrameSize()),
		sessions: make(map[string]chan []byte),
	}
	return sink, nil
}

// Streams lists the served streams sorted by name.
func (h *Hub) Streams() []Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Info, 0, len(h.sources)+len(h.sinks))
	for name, s := range h.sources {
		out = append(out, Info{Name: name, Kind: string(config.StreamSource), Format: s.src.Format()})
	}
	for name, s := range h.sinks {
		out = append(out, Info{Name: name, Kind: string(config.StreamSink), Format: s.sink.Format()})
	}
	slices.SortFunc(out, func(a, b Info) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Sessions returns the number of connected clients across all streams.
func (h *Hub) Sessions() int {
	return int(h.active.Load())
}

// Register mounts the stream handler on mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/{name}", h.ServeStream)
}

// Run pulls every sink once per frame period and broadcasts complete frames
// until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.frameDur)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			h.pump()
		}
	}
}

func (h *Hub) pump() {
	h.mu.Lock()
	sinks := make([]*sinkStream, 0, len(h.sinks))
	for _, s := range h.sinks {
		sinks = append(sinks, s)
	}
	h.mu.Unlock()
	for _, s := range sinks {
		s.pump()
	}
}

// pump drains whatever the sink can supply and broadcasts each full frame.
// Only the hub's Run goroutine calls it.
func (s *sinkStream) pump() {
	fs := s.sink.Format().FrameSize()
	for {
		n, err := s.sink.Read(s.buf[s.fill:])
		if err != nil || n == 0 {
			return
		}
		s.fill += n * fs
		if s.fill < len(s.buf) {
			continue
		}
		s.fill = 0
		msg, err := s.enc.encode(s.buf)
		if err != nil {
			slog.Warn("netstream: encode frame", "stream", s.sink.Name(), "err", err)
			continue
		}
		s.broadcast(msg)
	}
}

func (s *sinkStream) broadcast(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.sessions {
		select {
		case ch <- msg:
		default:
			slog.Debug("netstream: listener behind, frame dropped", "stream", s.sink.Name(), "session", id)
		}
	}
}

// ServeStream upgrades the request and serves the stream named by the
// {name} path value.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h.mu.Lock()
	src, isSource := h.sources[name]
	sink, isSink := h.sinks[name]
	h.mu.Unlock()
	if !isSource && !isSink {
		http.Error(w, ErrUnknownStream.Error(), http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("netstream: websocket accept", "stream", name, "err", err)
		return
	}
	defer conn.CloseNow()

	id := uuid.NewString()
	log := observe.Logger(r.Context()).With("stream", name, "session", id)
	kind := config.StreamSource
	if isSink {
		kind = config.StreamSink
	}
	h.trackSession(r.Context(), name, kind, 1)
	defer h.trackSession(context.WithoutCancel(r.Context()), name, kind, -1)
	log.Info("stream client connected", "kind", kind, "remote", r.RemoteAddr)

	if isSource {
		err = h.serveSource(r.Context(), conn, id, name, src)
	} else {
		err = h.serveSink(r.Context(), conn, id, name, sink)
	}
	switch status := websocket.CloseStatus(err); {
	case err == nil, status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway, errors.Is(err, context.Canceled):
		log.Info("stream client disconnected")
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		log.Warn("stream client failed", "err", err)
		conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func (h *Hub) trackSession(ctx context.Context, name string, kind config.StreamKind, delta int64) {
	h.active.Add(delta)
	if h.metrics == nil {
		return
	}
	h.metrics.StreamSessions.Add(ctx, delta, metric.WithAttributes(
		observe.Attr("stream", name),
		observe.Attr("kind", string(kind)),
	))
}

func (h *Hub) hello(id, name string, kind config.StreamKind, f audio.Format, frames int) Hello {
	return Hello{
		Session:    id,
		Stream:     name,
		Kind:       string(kind),
		Codec:      string(h.codec),
		Encoding:   f.Encoding.String(),
		Channels:   f.Channels,
		SampleRate: f.SampleRate,
		Frames:     frames,
	}
}

func (h *Hub) serveSource(ctx context.Context, conn *websocket.Conn, id, name string, s *sourceStream) error {
	f := s.src.Format()
	dec, err := newDecoder(h.codec, f, s.frames)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, h.hello(id, name, config.StreamSource, f, s.frames)); err != nil {
		return fmt.Errorf("netstream: send hello: %w", err)
	}
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		pcm, err := dec.decode(msg)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.src.Write(pcm)
		s.mu.Unlock()
	}
}

func (h *Hub) serveSink(ctx context.Context, conn *websocket.Conn, id, name string, s *sinkStream) error {
	ch := make(chan []byte, sessionQueue)
	s.mu.Lock()
	s.sessions[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, h.hello(id, name, config.StreamSink, s.sink.Format(), s.frames)); err != nil {
		return fmt.Errorf("netstream: send hello: %w", err)
	}
	ctx = conn.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if err := conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
				return err
			}
		}
	}
}
