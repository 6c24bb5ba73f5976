// Package endpoint provides the buffering and conversion core shared by every
// leaf node type (devices, files, streams, network sessions).
//
// An [Endpoint] decouples two independently formatted and independently
// timed neighbours. It owns an input ring holding frames in its native
// format and an output ring holding frames in the format its downstream
// neighbour consumes. Converters between those formats are built during
// [Endpoint.Renegotiate], which runs on the control path whenever a link
// changes or a neighbour's format changes.
//
// Renegotiation publishes an immutable pipeline snapshot through an atomic
// pointer. The real-time methods ([Endpoint.ReceivePCM],
// [Endpoint.SubmitPCM], [Endpoint.MixPCM], [Endpoint.Pull],
// [Endpoint.ReadInput]) load that pointer once per call and never allocate,
// lock or block. An endpoint without a published pipeline is unnegotiated;
// the real-time methods then move zero frames.
//
// Data flows by pull: a consumer calls [Endpoint.Pull], which asks the
// upstream neighbour's [Producer.SubmitPCM] for frames and feeds them through
// its own ReceivePCM. Each ring has exactly one producer goroutine and one
// consumer goroutine.
package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/graph"
)

// DefaultRingDuration sizes each ring to sampleRate/8 frames.
const DefaultRingDuration = 125 * time.Millisecond

// Caps is a set of capability tags a neighbour advertises. They are read once
// per negotiation instead of inspecting the neighbour's concrete type.
type Caps uint8

const (
	// CapConsumes marks nodes that accept PCM through ReceivePCM.
	CapConsumes Caps = 1 << iota

	// CapProduces marks nodes that hand PCM downstream through SubmitPCM.
	CapProduces

	// CapConvertsOutput marks producers whose output ring already holds the
	// downstream's native format.
	CapConvertsOutput
)

// Has reports whether every tag in o is set in c.
func (c Caps) Has(o Caps) bool { return c&o == o }

// Peer is the view an endpoint has of a neighbour during negotiation.
type Peer interface {
	graph.Node
	Format() audio.Format
	Caps() Caps
}

// Producer is a [Peer] that can be pulled from.
type Producer interface {
	Peer
	// SubmitPCM drains up to len(dst)/FrameSize frames of the producer's
	// output into dst and returns the number of frames written.
	SubmitPCM(dst []byte) int
}

// Renegotiator is implemented by neighbours that rebuild their pipeline when
// this endpoint's format changes.
type Renegotiator interface {
	Renegotiate() error
}

// pipeline is one immutable negotiation result. Scratch buffers are owned by
// the goroutine that drives the corresponding method: inScratch by the input
// producer, mixScratch/outScratch by the mixer, pullScratch by the consumer.
type pipeline struct {
	native    audio.Format
	wire      audio.Format
	outFormat audio.Format

	in      *audio.Ring
	out     *audio.Ring
	inConv  *audio.Converter
	outConv *audio.Converter
	source  Producer

	chunk       int
	inScratch   []byte
	mixScratch  []byte
	outScratch  []byte
	pullScratch []byte
}

// Option configures an [Endpoint].
type Option func(*Endpoint)

// WithInput enables the input ring.
func WithInput() Option {
	return func(e *Endpoint) { e.hasInput = true }
}

// WithOutput enables the output ring.
func WithOutput() Option {
	return func(e *Endpoint) { e.hasOutput = true }
}

// WithRingDuration sets the ring length in time. The default is
// [DefaultRingDuration].
func WithRingDuration(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.ringDuration = d
		}
	}
}

// WithCaps replaces the tags derived from the ring layout. Leaf types whose
// input ring is fed by their owner rather than by a neighbour use it to
// drop [CapConsumes].
func WithCaps(c Caps) Option {
	return func(e *Endpoint) {
		e.caps = c
		e.capsSet = true
	}
}

// WithInputSubmitted registers fn to run after every ReceivePCM, on the
// caller's goroutine, with the number of frames accepted.
func WithInputSubmitted(fn func(frames int)) Option {
	return func(e *Endpoint) { e.onInput = fn }
}

// WithOutputSubmitted registers fn to run after every SubmitPCM, on the
// consumer's goroutine, with the number of frames handed out.
func WithOutputSubmitted(fn func(frames int)) Option {
	return func(e *Endpoint) { e.onOutput = fn }
}

// WithMixHandler registers fn to observe each native-format block during
// MixPCM before it is converted for the output ring. fn must not modify or
// retain pcm.
func WithMixHandler(fn func(pcm []byte, f audio.Format)) Option {
	return func(e *Endpoint) { e.onMix = fn }
}

// Endpoint is the buffering core. It implements [graph.Node], [Peer] and
// [Producer]; leaf types embed it.
type Endpoint struct {
	name         string
	hasInput     bool
	hasOutput    bool
	caps         Caps
	capsSet      bool
	ringDuration time.Duration

	onInput  func(int)
	onOutput func(int)
	onMix    func([]byte, audio.Format)

	native atomic.Pointer[audio.Format]
	pipe   atomic.Pointer[pipeline]

	// mu guards the neighbour references and serialises renegotiation.
	mu       sync.Mutex
	upstream Peer
	down     Peer
}

// New returns an unnegotiated endpoint with the given native format.
func New(name string, native audio.Format, opts ...Option) *Endpoint {
	e := &Endpoint{
		name:         name,
		ringDuration: DefaultRingDuration,
	}
	for _, o := range opts {
		o(e)
	}
	e.native.Store(&native)
	return e
}

// Name returns the label given to [New].
func (e *Endpoint) Name() string { return e.name }

// String implements fmt.Stringer.
func (e *Endpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.name, e.Format())
}

// Format returns the native format. It is safe to call from any goroutine.
func (e *Endpoint) Format() audio.Format {
	return *e.native.Load()
}

// OutputFormat returns the format SubmitPCM produces, which is the
// downstream's format once negotiated.
func (e *Endpoint) OutputFormat() audio.Format {
	if p := e.pipe.Load(); p != nil && p.out != nil {
		return p.outFormat
	}
	return e.Format()
}

// Caps returns the tags set with [WithCaps], or derives them from the ring
// layout.
func (e *Endpoint) Caps() Caps {
	if e.capsSet {
		return e.caps
	}
	var c Caps
	if e.hasInput {
		c |= CapConsumes
	}
	if e.hasOutput {
		c |= CapProduces | CapConvertsOutput
	}
	return c
}

// Negotiated reports whether a pipeline is published.
func (e *Endpoint) Negotiated() bool {
	return e.pipe.Load() != nil
}

// Linked implements [graph.Node]. It records peer and renegotiates; a failed
// negotiation vetoes the link and restores the previous pipeline. A link on
// a side this endpoint has no capability for is refused with
// [audio.ErrInvalidArgument].
func (e *Endpoint) Linked(side graph.Side, peer graph.Node) error {
	need := CapProduces
	if side == graph.Upstream {
		need = CapConsumes
	}
	if !e.Caps().Has(need) {
		return fmt.Errorf("endpoint %s: takes no %s link: %w", e.name, side, audio.ErrInvalidArgument)
	}
	p, ok := peer.(Peer)
	if !ok {
		return fmt.Errorf("endpoint %s: %T is not an audio peer: %w", e.name, peer, audio.ErrNegotiationFailed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.setNeighbor(side, p)
	if err := e.renegotiateLocked(); err != nil {
		e.setNeighbor(side, nil)
		if rerr := e.renegotiateLocked(); rerr != nil {
			slog.Debug("endpoint: restore after failed link", "endpoint", e.name, "err", rerr)
		}
		return err
	}
	return nil
}

// Unlinked implements [graph.Node]. It forgets the neighbour and
// renegotiates.
func (e *Endpoint) Unlinked(side graph.Side, _ graph.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.setNeighbor(side, nil)
	if err := e.renegotiateLocked(); err != nil {
		slog.Warn("endpoint: renegotiate after unlink failed", "endpoint", e.name, "err", err)
	}
}

func (e *Endpoint) setNeighbor(side graph.Side, p Peer) {
	if side == graph.Upstream {
		e.upstream = p
	} else {
		e.down = p
	}
}

// SetFormat changes the native format, renegotiates, and asks both
// neighbours to renegotiate against the new format.
func (e *Endpoint) SetFormat(f audio.Format) error {
	e.mu.Lock()
	e.native.Store(&f)
	err := e.renegotiateLocked()
	up, down := e.upstream, e.down
	e.mu.Unlock()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, n := range []Peer{up, down} {
		if r, ok := n.(Renegotiator); ok {
			if rerr := r.Renegotiate(); rerr != nil {
				errs = append(errs, rerr)
			}
		}
	}
	return errors.Join(errs...)
}

// Renegotiate rebuilds rings and converters for the current topology and
// publishes the result. On failure the endpoint becomes unnegotiated.
func (e *Endpoint) Renegotiate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.renegotiateLocked()
}

func (e *Endpoint) renegotiateLocked() error {
	p, err := e.build()
	if err != nil {
		e.pipe.Store(nil)
		return fmt.Errorf("endpoint %s: %w", e.name, err)
	}
	e.pipe.Store(p)
	return nil
}

// build allocates a pipeline. All memory the real-time path uses comes from
// here.
func (e *Endpoint) build() (*pipeline, error) {
	native := e.Format()
	if err := native.Validate(); err != nil {
		return nil, fmt.Errorf("%w: native: %w", audio.ErrNegotiationFailed, err)
	}
	frames := e.ringFrames(native.SampleRate)
	p := &pipeline{native: native, wire: native, outFormat: native, chunk: frames}

	var err error
	if e.hasInput {
		if p.in, err = audio.NewRing(frames, native.FrameSize()); err != nil {
			return nil, fmt.Errorf("%w: input ring: %w", audio.ErrNegotiationFailed, err)
		}
		if up := e.upstream; up != nil {
			if !up.Caps().Has(CapConvertsOutput) {
				p.wire = up.Format()
			}
			if src, ok := up.(Producer); ok && up.Caps().Has(CapProduces) {
				p.source = src
			}
		}
		if !p.wire.Equal(native) {
			if p.inConv, err = audio.NewConverter(p.wire, native, frames); err != nil {
				return nil, err
			}
			p.inScratch = make([]byte, p.inConv.MaxOutputFrames(frames)*native.FrameSize())
		}
		if p.source != nil {
			if err := p.wire.Validate(); err != nil {
				return nil, fmt.Errorf("%w: upstream: %w", audio.ErrNegotiationFailed, err)
			}
			p.pullScratch = make([]byte, frames*p.wire.FrameSize())
		}
	}

	if e.hasOutput {
		if d := e.down; d != nil && d.Caps().Has(CapConsumes) {
			p.outFormat = d.Format()
			if err := p.outFormat.Validate(); err != nil {
				return nil, fmt.Errorf("%w: downstream: %w", audio.ErrNegotiationFailed, err)
			}
		}
		if p.out, err = audio.NewRing(e.ringFrames(p.outFormat.SampleRate), p.outFormat.FrameSize()); err != nil {
			return nil, fmt.Errorf("%w: output ring: %w", audio.ErrNegotiationFailed, err)
		}
		p.mixScratch = make([]byte, frames*native.FrameSize())
		if !p.outFormat.Equal(native) {
			if p.outConv, err = audio.NewConverter(native, p.outFormat, frames); err != nil {
				return nil, err
			}
			p.outScratch = make([]byte, p.outConv.MaxOutputFrames(frames)*p.outFormat.FrameSize())
		}
	}
	return p, nil
}

func (e *Endpoint) ringFrames(rate int) int {
	return max(int(int64(rate)*int64(e.ringDuration)/int64(time.Second)), 1)
}

// ReceivePCM accepts frames from the upstream side (or from the owner for
// self-fed producers) in the wire format, converts them to the native
// format and queues them on the input ring. Frames that do not fit are
// dropped. It returns the number of input frames accepted and then runs the
// input-submitted hook.
func (e *Endpoint) ReceivePCM(pcm []byte) int {
	p := e.pipe.Load()
	if p == nil || p.in == nil {
		return 0
	}
	n := p.receive(pcm)
	if e.onInput != nil {
		e.onInput(n)
	}
	return n
}

func (p *pipeline) receive(pcm []byte) int {
	wfs := p.wire.FrameSize()
	frames := len(pcm) / wfs
	if p.inConv == nil {
		return p.in.Write(pcm[:frames*wfs])
	}

	accepted := 0
	for off := 0; off < frames; off += p.chunk {
		n := min(p.chunk, frames-off)
		m := p.inConv.Convert(p.inScratch, pcm[off*wfs:(off+n)*wfs])
		produced := m / p.native.FrameSize()
		written := p.in.Write(p.inScratch[:m])
		if written < produced {
			if produced > 0 {
				accepted += n * written / produced
			}
			break
		}
		accepted += n
	}
	return accepted
}

// SubmitPCM drains up to len(dst)/FrameSize frames of the output ring into
// dst, where FrameSize is that of [Endpoint.OutputFormat]. It returns the
// number of frames written; the caller pads any shortfall with silence.
func (e *Endpoint) SubmitPCM(dst []byte) int {
	p := e.pipe.Load()
	if p == nil || p.out == nil {
		return 0
	}
	n := p.out.Read(dst)
	if e.onOutput != nil {
		e.onOutput(n)
	}
	return n
}

// MixPCM drains every frame currently queued on the input ring, runs the mix
// handler, converts to the output format and queues the result on the
// output ring. It returns [audio.ErrInvalidOperation] when the endpoint lacks
// either ring and [audio.ErrNoDataAvailable] when there is nothing to mix.
func (e *Endpoint) MixPCM() error {
	if !e.hasInput || !e.hasOutput {
		return audio.ErrInvalidOperation
	}
	p := e.pipe.Load()
	if p == nil {
		return audio.ErrNoDataAvailable
	}
	remaining := p.in.AvailableRead()
	if remaining == 0 {
		return audio.ErrNoDataAvailable
	}

	nfs := p.native.FrameSize()
	for remaining > 0 {
		n := p.in.Read(p.mixScratch[:min(remaining, p.chunk)*nfs])
		if n == 0 {
			break
		}
		remaining -= n
		block := p.mixScratch[:n*nfs]
		if e.onMix != nil {
			e.onMix(block, p.native)
		}
		if p.outConv == nil {
			p.out.Write(block)
			continue
		}
		m := p.outConv.Convert(p.outScratch, block)
		p.out.Write(p.outScratch[:m])
	}
	return nil
}

// Pull asks the upstream producer for up to frames frames and feeds them
// through ReceivePCM. It returns the number of frames obtained, or
// [audio.ErrNotConnected] when no producer is linked upstream.
func (e *Endpoint) Pull(frames int) (int, error) {
	p := e.pipe.Load()
	if p == nil || p.in == nil {
		return 0, nil
	}
	if p.source == nil {
		return 0, audio.ErrNotConnected
	}
	wfs := p.wire.FrameSize()
	frames = min(frames, len(p.pullScratch)/wfs, p.in.AvailableWrite())
	if frames <= 0 {
		return 0, nil
	}
	n := p.source.SubmitPCM(p.pullScratch[:frames*wfs])
	if n == 0 {
		return 0, nil
	}
	got := p.receive(p.pullScratch[:n*wfs])
	if e.onInput != nil {
		e.onInput(got)
	}
	return n, nil
}

// ReadInput drains up to len(dst)/FrameSize native frames from the input
// ring and returns the number of frames read.
func (e *Endpoint) ReadInput(dst []byte) int {
	p := e.pipe.Load()
	if p == nil || p.in == nil {
		return 0
	}
	return p.in.Read(dst)
}

// InputAvailable returns the number of frames queued on the input ring.
func (e *Endpoint) InputAvailable() int {
	if p := e.pipe.Load(); p != nil && p.in != nil {
		return p.in.AvailableRead()
	}
	return 0
}

// OutputAvailable returns the number of frames queued on the output ring.
func (e *Endpoint) OutputAvailable() int {
	if p := e.pipe.Load(); p != nil && p.out != nil {
		return p.out.AvailableRead()
	}
	return 0
}

// AvailableWrite estimates how many native frames can be received and mixed
// without dropping, taking the rate of the output ring into account.
func (e *Endpoint) AvailableWrite() int {
	p := e.pipe.Load()
	if p == nil || p.in == nil {
		return 0
	}
	free := p.in.AvailableWrite()
	if p.out != nil {
		outFree := p.out.AvailableWrite()
		if p.outFormat.SampleRate != p.native.SampleRate {
			outFree = int(int64(outFree) * int64(p.native.SampleRate) / int64(p.outFormat.SampleRate))
		}
		free = min(free, outFree)
	}
	return free
}

// Dropped returns the number of frames discarded because a ring was full.
func (e *Endpoint) Dropped() uint64 {
	p := e.pipe.Load()
	if p == nil {
		return 0
	}
	var n uint64
	if p.in != nil {
		n += p.in.Dropped()
	}
	if p.out != nil {
		n += p.out.Dropped()
	}
	return n
}

var (
	_ graph.Node = (*Endpoint)(nil)
	_ Producer   = (*Endpoint)(nil)
)
