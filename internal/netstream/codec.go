package netstream

import (
	"fmt"
	"math"

	"layeh.com/gopus"

	"github.com/MrWong99/soundio/internal/config"
	"github.com/MrWong99/soundio/pkg/audio"
)

// maxOpusPacket bounds an encoded Opus packet; 20 ms at the highest
// bitrate is far below this.
const maxOpusPacket = 4000

// encoder turns one frame period of native PCM into a message.
type encoder interface {
	encode(pcm []byte) ([]byte, error)
}

// decoder turns a client message into native PCM.
type decoder interface {
	decode(msg []byte) ([]byte, error)
}

func newEncoder(c config.Codec, f audio.Format, frames int) (encoder, error) {
	if c == config.CodecOpus {
		return newOpusEncoder(f, frames)
	}
	return pcmCodec{f: f}, nil
}

func newDecoder(c config.Codec, f audio.Format, frames int) (decoder, error) {
	if c == config.CodecOpus {
		return newOpusDecoder(f, frames)
	}
	return pcmCodec{f: f}, nil
}

// pcmCodec passes native PCM through, cutting partial frames.
type pcmCodec struct{ f audio.Format }

func (c pcmCodec) encode(pcm []byte) ([]byte, error) {
	return append([]byte(nil), pcm...), nil
}

func (c pcmCodec) decode(msg []byte) ([]byte, error) {
	fs := c.f.FrameSize()
	return msg[:len(msg)/fs*fs], nil
}

// opusEncoder encodes fixed-size frames. Opus works on int16, so native
// samples go through float32 first.
type opusEncoder struct {
	enc    *gopus.Encoder
	f      audio.Format
	frames int
	floats []float32
	pcm    []int16
}

func newOpusEncoder(f audio.Format, frames int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("netstream: create opus encoder: %w", err)
	}
	n := frames * f.Channels
	return &opusEncoder{enc: enc, f: f, frames: frames, floats: make([]float32, n), pcm: make([]int16, n)}, nil
}

func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	n := audio.DecodeSamples(e.floats, pcm, e.f.Encoding)
	for i := range n {
		e.pcm[i] = floatToInt16(e.floats[i])
	}
	clear(e.pcm[n:])
	pkt, err := e.enc.Encode(e.pcm, e.frames, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("netstream: opus encode: %w", err)
	}
	return pkt, nil
}

// opusDecoder decodes one client's packets. Each client needs its own
// decoder because Opus is stateful across packets.
type opusDecoder struct {
	dec    *gopus.Decoder
	f      audio.Format
	frames int
	floats []float32
	out    []byte
}

func newOpusDecoder(f audio.Format, frames int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("netstream: create opus decoder: %w", err)
	}
	n := frames * f.Channels
	return &opusDecoder{dec: dec, f: f, frames: frames, floats: make([]float32, n), out: make([]byte, frames*f.FrameSize())}, nil
}

func (d *opusDecoder) decode(msg []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(msg, d.frames, false)
	if err != nil {
		return nil, fmt.Errorf("netstream: opus decode: %w", err)
	}
	n := min(len(pcm), len(d.floats))
	for i := range n {
		d.floats[i] = float32(pcm[i]) / 32768
	}
	m := audio.EncodeSamples(d.out, d.floats[:n], d.f.Encoding)
	return d.out[:m*d.f.Encoding.BytesPerSample()], nil
}

func floatToInt16(v float32) int16 {
	return int16(math.Max(-32768, math.Min(32767, float64(v)*32768)))
}
