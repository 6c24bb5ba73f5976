package file

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-audio/aiff"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"

	"github.com/MrWong99/soundio/pkg/audio"
)

// ErrUnsupportedFormat is returned for files no decoder recognises.
var ErrUnsupportedFormat = errors.New("file: unsupported format")

// Kind identifies a container format.
type Kind int

const (
	KindUnknown Kind = iota
	KindWAV
	KindAIFF
	KindMP3
	KindOGG
	KindFLAC
)

// String returns the lower-case format name.
func (k Kind) String() string {
	switch k {
	case KindWAV:
		return "wav"
	case KindAIFF:
		return "aiff"
	case KindMP3:
		return "mp3"
	case KindOGG:
		return "ogg"
	case KindFLAC:
		return "flac"
	default:
		return "unknown"
	}
}

// Sniff identifies a container from its first bytes, falling back to the
// file extension of name.
func Sniff(header []byte, name string) Kind {
	switch {
	case len(header) >= 12 && bytes.Equal(header[:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE")):
		return KindWAV
	case len(header) >= 12 && bytes.Equal(header[:4], []byte("FORM")) &&
		(bytes.Equal(header[8:12], []byte("AIFF")) || bytes.Equal(header[8:12], []byte("AIFC"))):
		return KindAIFF
	case bytes.HasPrefix(header, []byte("fLaC")):
		return KindFLAC
	case bytes.HasPrefix(header, []byte("OggS")):
		return KindOGG
	case bytes.HasPrefix(header, []byte("ID3")),
		len(header) >= 2 && header[0] == 0xff && header[1]&0xe0 == 0xe0:
		return KindMP3
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".wave":
		return KindWAV
	case ".aif", ".aiff", ".aifc":
		return KindAIFF
	case ".mp3":
		return KindMP3
	case ".ogg", ".oga":
		return KindOGG
	case ".flac":
		return KindFLAC
	}
	return KindUnknown
}

// decoder produces PCM in its native format.
type decoder interface {
	format() audio.Format

	// read decodes up to len(dst)/FrameSize whole frames into dst and returns
	// the number of frames. It returns io.EOF once the stream is exhausted.
	read(dst []byte) (int, error)
}

func newDecoder(kind Kind, rs io.ReadSeeker) (decoder, error) {
	switch kind {
	case KindWAV:
		return newWAVDecoder(rs)
	case KindAIFF:
		return newAIFFDecoder(rs)
	case KindMP3:
		return newMP3Decoder(rs)
	case KindOGG:
		return newOGGDecoder(rs)
	case KindFLAC:
		return newFLACDecoder(rs)
	default:
		return nil, ErrUnsupportedFormat
	}
}

// intEncoding maps a PCM bit depth to the smallest encoding holding it.
func intEncoding(bits int) (audio.Encoding, error) {
	switch {
	case bits > 0 && bits <= 16:
		return audio.EncodingS16, nil
	case bits > 16 && bits <= 24:
		return audio.EncodingS24, nil
	case bits > 24 && bits <= 32:
		return audio.EncodingS32, nil
	default:
		return 0, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, bits)
	}
}

// putInt stores one sample v, left-justified from bits to the width of enc.
func putInt(dst []byte, v, bits int, enc audio.Encoding) {
	width := enc.BytesPerSample() * 8
	if bits < width {
		v <<= width - bits
	}
	switch enc {
	case audio.EncodingS16:
		binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
	case audio.EncodingS24:
		dst[0], dst[1], dst[2] = byte(v), byte(v>>8), byte(v>>16)
	case audio.EncodingS32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	}
}

// ─── WAV / AIFF ───────────────────────────────────────────────────────────────

type pcmBufferer interface {
	PCMBuffer(buf *goaudio.IntBuffer) (int, error)
}

// intDecoder adapts the go-audio decoders, which share the IntBuffer API.
type intDecoder struct {
	dec       pcmBufferer
	f         audio.Format
	bits      int
	unsigned8 bool
	buf       *goaudio.IntBuffer
}

func (d *intDecoder) format() audio.Format { return d.f }

func (d *intDecoder) read(dst []byte) (int, error) {
	fs := d.f.FrameSize()
	want := len(dst) / fs * d.f.Channels
	if want == 0 {
		return 0, nil
	}
	if cap(d.buf.Data) < want {
		d.buf.Data = make([]int, want)
	}
	d.buf.Data = d.buf.Data[:want]

	n, err := d.dec.PCMBuffer(d.buf)
	frames := n / d.f.Channels
	bps := d.f.Encoding.BytesPerSample()
	for i, v := range d.buf.Data[:frames*d.f.Channels] {
		if d.unsigned8 {
			v -= 128
		}
		putInt(dst[i*bps:], v, d.bits, d.f.Encoding)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return frames, err
	}
	if frames == 0 {
		return 0, io.EOF
	}
	return frames, nil
}

func newWAVDecoder(rs io.ReadSeeker) (decoder, error) {
	dec := wav.NewDecoder(rs)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a wav file", ErrUnsupportedFormat)
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("file: wav header: %w", err)
	}
	// 1 is integer PCM, 0xFFFE is WAVE_FORMAT_EXTENSIBLE.
	if dec.WavAudioFormat != 1 && dec.WavAudioFormat != 0xfffe {
		return nil, fmt.Errorf("%w: wav audio format %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	return newIntDecoder(dec, dec.Format(), int(dec.BitDepth), dec.BitDepth == 8)
}

func newAIFFDecoder(rs io.ReadSeeker) (decoder, error) {
	dec := aiff.NewDecoder(rs)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not an aiff file", ErrUnsupportedFormat)
	}
	dec.ReadInfo()
	return newIntDecoder(dec, dec.Format(), int(dec.BitDepth), false)
}

func newIntDecoder(dec pcmBufferer, gf *goaudio.Format, bits int, unsigned8 bool) (decoder, error) {
	if gf == nil {
		return nil, fmt.Errorf("%w: missing format chunk", ErrUnsupportedFormat)
	}
	enc, err := intEncoding(bits)
	if err != nil {
		return nil, err
	}
	f := audio.Format{Encoding: enc, Channels: gf.NumChannels, SampleRate: gf.SampleRate}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	return &intDecoder{
		dec:       dec,
		f:         f,
		bits:      bits,
		unsigned8: unsigned8,
		buf:       &goaudio.IntBuffer{Format: gf, SourceBitDepth: bits},
	}, nil
}

// ─── MP3 ──────────────────────────────────────────────────────────────────────

// mp3Decoder yields signed 16-bit stereo, the only layout go-mp3 produces.
type mp3Decoder struct {
	dec *mp3.Decoder
	f   audio.Format
}

func newMP3Decoder(r io.Reader) (decoder, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("file: mp3: %w", err)
	}
	return &mp3Decoder{
		dec: dec,
		f:   audio.Format{Encoding: audio.EncodingS16, Channels: 2, SampleRate: dec.SampleRate()},
	}, nil
}

func (d *mp3Decoder) format() audio.Format { return d.f }

func (d *mp3Decoder) read(dst []byte) (int, error) {
	fs := d.f.FrameSize()
	n, err := io.ReadFull(d.dec, dst[:len(dst)/fs*fs])
	frames := n / fs
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		if frames == 0 {
			return 0, io.EOF
		}
		return frames, nil
	case err != nil:
		return frames, fmt.Errorf("file: mp3: %w", err)
	}
	return frames, nil
}

// ─── OGG Vorbis ───────────────────────────────────────────────────────────────

type oggDecoder struct {
	dec     *oggvorbis.Reader
	f       audio.Format
	scratch []float32
}

func newOGGDecoder(r io.Reader) (decoder, error) {
	dec, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("file: ogg: %w", err)
	}
	f := audio.Format{Encoding: audio.EncodingF32, Channels: dec.Channels(), SampleRate: dec.SampleRate()}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	return &oggDecoder{dec: dec, f: f}, nil
}

func (d *oggDecoder) format() audio.Format { return d.f }

func (d *oggDecoder) read(dst []byte) (int, error) {
	want := len(dst) / d.f.FrameSize() * d.f.Channels
	if cap(d.scratch) < want {
		d.scratch = make([]float32, want)
	}
	// Read returns interleaved values, not frames.
	got := 0
	var err error
	for got < want && err == nil {
		var n int
		n, err = d.dec.Read(d.scratch[got:want])
		got += n
	}
	got -= got % d.f.Channels
	audio.EncodeSamples(dst, d.scratch[:got], audio.EncodingF32)
	frames := got / d.f.Channels
	if err != nil && !errors.Is(err, io.EOF) {
		return frames, fmt.Errorf("file: ogg: %w", err)
	}
	if frames == 0 && err != nil {
		return 0, io.EOF
	}
	return frames, nil
}

// ─── FLAC ─────────────────────────────────────────────────────────────────────

// flacDecoder interleaves the per-channel subframes of one FLAC frame at a
// time, carrying the unread tail across calls.
type flacDecoder struct {
	stream  *flac.Stream
	f       audio.Format
	bits    int
	samples [][]int32
	pos     int
	size    int
}

func newFLACDecoder(r io.Reader) (decoder, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, fmt.Errorf("file: flac: %w", err)
	}
	bits := int(stream.Info.BitsPerSample)
	enc, err := intEncoding(bits)
	if err != nil {
		return nil, err
	}
	f := audio.Format{Encoding: enc, Channels: int(stream.Info.NChannels), SampleRate: int(stream.Info.SampleRate)}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	return &flacDecoder{stream: stream, f: f, bits: bits}, nil
}

func (d *flacDecoder) format() audio.Format { return d.f }

func (d *flacDecoder) read(dst []byte) (int, error) {
	fs := d.f.FrameSize()
	bps := d.f.Encoding.BytesPerSample()
	want := len(dst) / fs
	frames := 0
	for frames < want {
		if d.pos >= d.size {
			fr, err := d.stream.ParseNext()
			if errors.Is(err, io.EOF) {
				if frames == 0 {
					return 0, io.EOF
				}
				return frames, nil
			}
			if err != nil {
				return frames, fmt.Errorf("file: flac: %w", err)
			}
			d.samples = d.samples[:0]
			for _, sub := range fr.Subframes {
				d.samples = append(d.samples, sub.Samples)
			}
			d.pos, d.size = 0, int(fr.BlockSize)
			if len(d.samples) != d.f.Channels {
				return frames, fmt.Errorf("%w: flac frame has %d channels", ErrUnsupportedFormat, len(d.samples))
			}
			continue
		}
		n := min(want-frames, d.size-d.pos)
		for i := range n {
			off := (frames + i) * fs
			for ch, s := range d.samples {
				putInt(dst[off+ch*bps:], int(s[d.pos+i]), d.bits, d.f.Encoding)
			}
		}
		d.pos += n
		frames += n
	}
	return frames, nil
}
