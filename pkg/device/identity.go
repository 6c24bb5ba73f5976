package device

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/MrWong99/soundio/pkg/audio"
)

// Identity builds the stable registry key for a device:
// "<backend>:<id>_<direction>". The raw id is stripped of non-printable
// characters, trimmed, has whitespace runs collapsed to a single space and
// is lower-cased. Two enumerations of the same device always yield the same
// identity.
func Identity(backend, rawID string, dir Direction) (string, error) {
	id := strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, rawID)
	id = strings.ToLower(strings.Join(strings.Fields(id), " "))
	if id == "" {
		return "", fmt.Errorf("device: empty id for %s %s device: %w", backend, dir, audio.ErrInvalidArgument)
	}
	return backend + ":" + id + "_" + dir.String(), nil
}

// PickFormat chooses the preferred native format. The first usable format
// is the starting point; F32 beats any other encoding, then a higher sample
// rate wins, then more channels, then exclusive mode. It returns false when
// no format is usable.
func PickFormat(formats []NativeFormat) (audio.Format, bool) {
	var best NativeFormat
	found := false
	for _, f := range formats {
		if f.Validate() != nil {
			continue
		}
		if !found || better(f, best) {
			best = f
			found = true
		}
	}
	return best.Format, found
}

func better(f, best NativeFormat) bool {
	if f.Encoding == audio.EncodingF32 && best.Encoding != audio.EncodingF32 {
		return true
	}
	if f.Encoding != best.Encoding {
		return false
	}
	if f.SampleRate != best.SampleRate {
		return f.SampleRate > best.SampleRate
	}
	if f.Channels != best.Channels {
		return f.Channels > best.Channels
	}
	return f.Exclusive && !best.Exclusive
}
