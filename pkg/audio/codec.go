package audio

import (
	"encoding/binary"
	"math"
)

// DecodeSamples converts little-endian PCM in src to float32 samples in the
// range [-1, 1]. It writes min(len(dst), len(src)/BytesPerSample) samples and
// returns that count.
func DecodeSamples(dst []float32, src []byte, enc Encoding) int {
	bps := enc.BytesPerSample()
	if bps == 0 {
		return 0
	}
	n := min(len(dst), len(src)/bps)
	switch enc {
	case EncodingU8:
		for i := range n {
			dst[i] = (float32(src[i]) - 128) / 128
		}
	case EncodingS16:
		for i := range n {
			dst[i] = float32(int16(binary.LittleEndian.Uint16(src[i*2:]))) / 32768
		}
	case EncodingS24:
		for i := range n {
			b := src[i*3:]
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			dst[i] = float32(v) / 8388608
		}
	case EncodingS32:
		for i := range n {
			dst[i] = float32(float64(int32(binary.LittleEndian.Uint32(src[i*4:]))) / 2147483648)
		}
	case EncodingF32:
		for i := range n {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	}
	return n
}

// EncodeSamples converts float32 samples to little-endian PCM in dst,
// clamping to [-1, 1] for integer encodings. It writes
// min(len(src), len(dst)/BytesPerSample) samples and returns that count.
func EncodeSamples(dst []byte, src []float32, enc Encoding) int {
	bps := enc.BytesPerSample()
	if bps == 0 {
		return 0
	}
	n := min(len(src), len(dst)/bps)
	switch enc {
	case EncodingU8:
		for i := range n {
			dst[i] = uint8(clamp(src[i])*127 + 128)
		}
	case EncodingS16:
		for i := range n {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(clamp(src[i])*32767)))
		}
	case EncodingS24:
		for i := range n {
			v := int32(clamp(src[i]) * 8388607)
			b := dst[i*3:]
			b[0] = byte(v)
			b[1] = byte(v >> 8)
			b[2] = byte(v >> 16)
		}
	case EncodingS32:
		for i := range n {
			v := int32(float64(clamp(src[i])) * 2147483647)
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(v))
		}
	case EncodingF32:
		for i := range n {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(src[i]))
		}
	}
	return n
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// Silence fills p with the silent value of enc. For U8 that is 128, for every
// other encoding it is zero.
func Silence(p []byte, enc Encoding) {
	if enc == EncodingU8 {
		for i := range p {
			p[i] = 128
		}
		return
	}
	clear(p)
}
