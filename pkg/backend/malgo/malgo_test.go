package malgo

import (
	"testing"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/device"
)

func TestNativeFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   ma.DataFormat
		want device.NativeFormat
		ok   bool
	}{
		{
			name: "s16 stereo",
			in:   ma.DataFormat{Format: ma.FormatS16, Channels: 2, SampleRate: 44100},
			want: device.NativeFormat{Format: audio.Format{Encoding: audio.EncodingS16, Channels: 2, SampleRate: 44100}},
			ok:   true,
		},
		{
			name: "exclusive f32",
			in:   ma.DataFormat{Format: ma.FormatF32, Channels: 1, SampleRate: 96000, Flags: dataFormatFlagExclusive},
			want: device.NativeFormat{Format: audio.Format{Encoding: audio.EncodingF32, Channels: 1, SampleRate: 96000}, Exclusive: true},
			ok:   true,
		},
		{
			name: "any rate and channels",
			in:   ma.DataFormat{Format: ma.FormatS24},
			want: device.NativeFormat{Format: audio.Format{Encoding: audio.EncodingS24, Channels: 2, SampleRate: 48000}},
			ok:   true,
		},
		{
			name: "unknown",
			in:   ma.DataFormat{Format: ma.FormatUnknown, Channels: 2, SampleRate: 48000},
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := nativeFormat(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (got.Exclusive != tt.want.Exclusive || !got.Equal(tt.want.Format)) {
				t.Errorf("nativeFormat = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFormatTypeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, enc := range []audio.Encoding{audio.EncodingU8, audio.EncodingS16, audio.EncodingS24, audio.EncodingS32, audio.EncodingF32} {
		got, ok := encoding(formatType(enc))
		if !ok || got != enc {
			t.Errorf("%s round trip = %s, %v", enc, got, ok)
		}
	}
	if deviceType(device.Playback) != ma.Playback || deviceType(device.Capture) != ma.Capture {
		t.Error("direction mapping broken")
	}
}

func TestStreamStop_NotifiesOnlyWhenUnrequested(t *testing.T) {
	t.Parallel()

	b := &Backend{}
	s := &stream{backend: b, id: "hw:0"}

	// No handler installed yet.
	s.onStop()

	var fired int
	b.SetChangeHandler(func() { fired++ })

	s.onStop()
	if fired != 1 {
		t.Fatalf("unrequested stop fired %d times, want 1", fired)
	}

	s.stopping.Store(true)
	s.onStop()
	if fired != 1 {
		t.Errorf("requested stop fired handler, count = %d", fired)
	}

	b.SetChangeHandler(nil)
	s.stopping.Store(false)
	s.onStop()
	if fired != 1 {
		t.Errorf("cleared handler still fired, count = %d", fired)
	}
}
