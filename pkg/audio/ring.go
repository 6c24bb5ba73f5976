package audio

import (
	"fmt"
	"sync/atomic"
)

// Ring is a fixed-capacity lock-free frame queue for exactly one producer
// goroutine and one consumer goroutine. Both sides work either through the
// acquire/commit pairs, which hand out the contiguous regions of the backing
// slice, or through the [Ring.Write] and [Ring.Read] copying helpers.
//
// When a write does not fit, the excess frames of that write are dropped;
// frames already queued are never overwritten.
type Ring struct {
	buf       []byte
	frameSize int
	capacity  uint64

	// Monotonic frame counters. Only the producer stores w and only the
	// consumer stores r.
	w atomic.Uint64
	r atomic.Uint64

	dropped atomic.Uint64
}

// NewRing allocates a ring holding frames frames of frameSize bytes each.
func NewRing(frames, frameSize int) (*Ring, error) {
	if frames <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("%w: ring of %d frames x %d bytes", ErrInvalidArgument, frames, frameSize)
	}
	return &Ring{
		buf:       make([]byte, frames*frameSize),
		frameSize: frameSize,
		capacity:  uint64(frames),
	}, nil
}

// Capacity returns the ring size in frames.
func (r *Ring) Capacity() int { return int(r.capacity) }

// FrameSize returns the size of one frame in bytes.
func (r *Ring) FrameSize() int { return r.frameSize }

// AvailableRead returns the number of queued frames.
func (r *Ring) AvailableRead() int {
	return int(r.w.Load() - r.r.Load())
}

// AvailableWrite returns the number of free frames.
func (r *Ring) AvailableWrite() int {
	return int(r.capacity - (r.w.Load() - r.r.Load()))
}

// Dropped returns the total number of frames discarded by [Ring.Write]
// because the ring was full.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// AcquireWrite returns up to frames free frames as at most two byte regions.
// The second region is non-empty only when the free space wraps around. The
// caller fills the regions and then calls [Ring.CommitWrite].
func (r *Ring) AcquireWrite(frames int) (first, second []byte) {
	w := r.w.Load()
	free := r.capacity - (w - r.r.Load())
	return r.regions(w, min(uint64(max(frames, 0)), free))
}

// CommitWrite publishes frames frames previously obtained from
// [Ring.AcquireWrite].
func (r *Ring) CommitWrite(frames int) {
	r.w.Add(uint64(frames))
}

// AcquireRead returns up to frames queued frames as at most two byte regions.
// The caller consumes them and then calls [Ring.CommitRead].
func (r *Ring) AcquireRead(frames int) (first, second []byte) {
	rd := r.r.Load()
	avail := r.w.Load() - rd
	return r.regions(rd, min(uint64(max(frames, 0)), avail))
}

// CommitRead releases frames frames previously obtained from
// [Ring.AcquireRead].
func (r *Ring) CommitRead(frames int) {
	r.r.Add(uint64(frames))
}

func (r *Ring) regions(at, n uint64) (first, second []byte) {
	if n == 0 {
		return nil, nil
	}
	start := at % r.capacity
	head := min(n, r.capacity-start)
	fs := uint64(r.frameSize)
	first = r.buf[start*fs : (start+head)*fs]
	if head < n {
		second = r.buf[:(n-head)*fs]
	}
	return first, second
}

// Write copies the whole frames in p into the ring and returns the number of
// frames queued. Frames that do not fit are counted in [Ring.Dropped].
func (r *Ring) Write(p []byte) int {
	frames := len(p) / r.frameSize
	a, b := r.AcquireWrite(frames)
	n := copy(a, p)
	n += copy(b, p[n:])
	got := n / r.frameSize
	r.CommitWrite(got)
	if got < frames {
		r.dropped.Add(uint64(frames - got))
	}
	return got
}

// Read copies up to len(p)/FrameSize frames out of the ring and returns the
// number of frames read.
func (r *Ring) Read(p []byte) int {
	a, b := r.AcquireRead(len(p) / r.frameSize)
	n := copy(p, a)
	n += copy(p[n:], b)
	got := n / r.frameSize
	r.CommitRead(got)
	return got
}

// Discard drops up to frames queued frames without copying them.
func (r *Ring) Discard(frames int) int {
	n := min(frames, r.AvailableRead())
	r.CommitRead(n)
	return n
}
