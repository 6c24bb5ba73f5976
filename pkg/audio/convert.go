package audio

import (
	"fmt"
	"log/slog"
	"math"
)

// Converter translates PCM between two formats. Conversion order is decode to
// float, channel remap, resample, encode. The resampler is a streaming linear
// interpolator that carries its phase and the last input frame across calls,
// so consecutive chunks join without clicks.
//
// All scratch memory is allocated by [NewConverter]; [Converter.Convert] does
// not allocate and is safe to call from a real-time callback. A Converter is
// not safe for concurrent use.
type Converter struct {
	src, dst  Format
	maxFrames int
	identity  bool

	decoded   []float32
	remapped  []float32
	resampled []float32
	rs        *resampler
}

// NewConverter returns a converter from src to dst that processes input in
// chunks of at most maxFrames frames. Larger inputs are split internally.
func NewConverter(src, dst Format, maxFrames int) (*Converter, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("%w: source: %w", ErrNegotiationFailed, err)
	}
	if err := dst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: destination: %w", ErrNegotiationFailed, err)
	}
	if maxFrames <= 0 {
		return nil, fmt.Errorf("%w: max frames %d", ErrInvalidArgument, maxFrames)
	}

	c := &Converter{src: src, dst: dst, maxFrames: maxFrames}
	if src.Equal(dst) {
		c.identity = true
		return c, nil
	}

	slog.Debug("audio converter created", "from", src.String(), "to", dst.String())

	c.decoded = make([]float32, maxFrames*src.Channels)
	c.remapped = make([]float32, maxFrames*dst.Channels)
	if src.SampleRate != dst.SampleRate {
		c.rs = newResampler(dst.Channels, src.SampleRate, dst.SampleRate)
		c.resampled = make([]float32, c.MaxOutputFrames(maxFrames)*dst.Channels)
	}
	return c, nil
}

// Src returns the input format.
func (c *Converter) Src() Format { return c.src }

// Dst returns the output format.
func (c *Converter) Dst() Format { return c.dst }

// MaxOutputFrames returns an upper bound on the frames produced by converting
// in input frames, including the frame carried over from a previous call.
func (c *Converter) MaxOutputFrames(in int) int {
	if c.src.SampleRate == c.dst.SampleRate {
		return in
	}
	return int(math.Ceil(float64(in+1)*float64(c.dst.SampleRate)/float64(c.src.SampleRate))) + 1
}

// Convert converts every whole frame in src and writes the result to dst,
// returning the number of bytes written. Output that does not fit into dst is
// dropped; size dst with [Converter.MaxOutputFrames] to avoid that.
func (c *Converter) Convert(dst, src []byte) int {
	sfs, dfs := c.src.FrameSize(), c.dst.FrameSize()
	inFrames := len(src) / sfs

	if c.identity {
		frames := min(inFrames, len(dst)/dfs)
		return copy(dst, src[:frames*sfs])
	}

	sc, dc := c.src.Channels, c.dst.Channels
	written := 0
	for off := 0; off < inFrames; off += c.maxFrames {
		n := min(c.maxFrames, inFrames-off)
		DecodeSamples(c.decoded[:n*sc], src[off*sfs:(off+n)*sfs], c.src.Encoding)
		remapChannels(c.remapped[:n*dc], c.decoded[:n*sc], n, sc, dc)

		out, frames := c.remapped[:n*dc], n
		if c.rs != nil {
			frames = c.rs.process(c.resampled, out, n)
			out = c.resampled[:frames*dc]
		}

		space := (len(dst) - written) / dfs
		if frames > space {
			frames = space
		}
		if frames == 0 {
			continue
		}
		EncodeSamples(dst[written:], out[:frames*dc], c.dst.Encoding)
		written += frames * dfs
	}
	return written
}

// Reset discards the resampler history so the next Convert starts a fresh
// stream.
func (c *Converter) Reset() {
	if c.rs != nil {
		c.rs.reset()
	}
}

// remapChannels maps interleaved frames from sc to dc channels. Down-mixing
// to mono averages all channels; any other mapping takes source channel
// i mod sc for destination channel i.
func remapChannels(dst, src []float32, frames, sc, dc int) {
	switch {
	case sc == dc:
		copy(dst, src[:frames*sc])
	case dc == 1:
		inv := 1 / float32(sc)
		for f := range frames {
			var sum float32
			for _, s := range src[f*sc : (f+1)*sc] {
				sum += s
			}
			dst[f] = sum * inv
		}
	default:
		for f := range frames {
			for ch := range dc {
				dst[f*dc+ch] = src[f*sc+ch%sc]
			}
		}
	}
}

// resampler is a streaming linear-interpolation sample-rate converter.
// pos is the position of the next output frame measured in input frames,
// where index 0 is the carried prev frame once one exists.
type resampler struct {
	ch       int
	ratio    float64
	pos      float64
	prev     []float32
	havePrev bool
}

func newResampler(channels, srcRate, dstRate int) *resampler {
	return &resampler{
		ch:    channels,
		ratio: float64(srcRate) / float64(dstRate),
		prev:  make([]float32, channels),
	}
}

func (r *resampler) reset() {
	r.pos = 0
	r.havePrev = false
	clear(r.prev)
}

// process resamples n interleaved frames from src into dst and returns the
// number of output frames. An output frame is only produced once both of its
// interpolation neighbours are known.
func (r *resampler) process(dst, src []float32, n int) int {
	if n == 0 {
		return 0
	}
	ch := r.ch
	off := 0
	if r.havePrev {
		off = 1
	}
	total := n + off
	maxOut := len(dst) / ch

	out := 0
	for out < maxOut {
		i := int(r.pos)
		if i+1 >= total {
			break
		}
		frac := float32(r.pos - float64(i))

		var a, b []float32
		if i < off {
			a = r.prev
		} else {
			a = src[(i-off)*ch : (i-off+1)*ch]
		}
		j := i + 1 - off
		b = src[j*ch : (j+1)*ch]

		o := dst[out*ch : (out+1)*ch]
		for c := range ch {
			o[c] = a[c] + (b[c]-a[c])*frac
		}
		out++
		r.pos += r.ratio
	}

	copy(r.prev, src[(n-1)*ch:n*ch])
	r.havePrev = true
	r.pos -= float64(total - 1)
	if r.pos < 0 {
		r.pos = 0
	}
	return out
}
