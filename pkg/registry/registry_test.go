package registry_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/backend/mock"
	"github.com/MrWong99/soundio/pkg/device"
	"github.com/MrWong99/soundio/pkg/registry"
)

var stereoF32 = device.NativeFormat{Format: audio.Format{Encoding: audio.EncodingF32, Channels: 2, SampleRate: 48000}}

func dev(id, name string, def bool) device.Info {
	return device.Info{ID: id, Name: name, IsDefault: def, Formats: []device.NativeFormat{stereoF32}}
}

func refresh(t *testing.T, r *registry.Registry) registry.RefreshResult {
	t.Helper()
	res, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return res
}

func identities(devs []*device.Device) []string {
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.Identity()
	}
	return out
}

func TestRefresh_RegistersDevices(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	b.SetDevices(device.Capture, []device.Info{dev("Mic-1", "Built-in Microphone", true)})
	b.SetDevices(device.Playback, []device.Info{
		dev("spk", "Speakers", true),
		dev("hdmi", "HDMI Output", false),
		{ID: "broken", Name: "No Formats"},
	})
	r := registry.New(b)

	res := refresh(t, r)
	if len(res.Added) != 3 {
		t.Fatalf("Added = %v, want 3 devices", res.Added)
	}
	if got, want := identities(r.All()), []string{"mock:hdmi_playback", "mock:mic-1_capture", "mock:spk_playback"}; !slices.Equal(got, want) {
		t.Errorf("All = %v, want %v", got, want)
	}
	if got := identities(r.Capture()); !slices.Equal(got, []string{"mock:mic-1_capture"}) {
		t.Errorf("Capture = %v", got)
	}
	if got := len(r.Playback()); got != 2 {
		t.Errorf("Playback has %d devices, want 2", got)
	}
	if r.Graph().Len() != 3 {
		t.Errorf("graph holds %d nodes, want 3", r.Graph().Len())
	}
	if res.DefaultCapture != "mock:mic-1_capture" || res.DefaultPlayback != "mock:spk_playback" {
		t.Errorf("defaults = %q/%q", res.DefaultCapture, res.DefaultPlayback)
	}

	// A second pass only updates.
	res = refresh(t, r)
	if len(res.Added) != 0 || len(res.Updated) != 3 {
		t.Errorf("second pass added=%v updated=%v", res.Added, res.Updated)
	}
}

func TestRefresh_EvictionThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		threshold int
	}{
		{name: "default", threshold: 0},
		{name: "one", threshold: 1},
		{name: "three", threshold: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := mock.New("mock")
			b.SetDevices(device.Playback, []device.Info{dev("spk", "Speakers", false)})
			r := registry.New(b, registry.WithEvictionThreshold(tt.threshold))
			want := tt.threshold
			if want == 0 {
				want = registry.DefaultEvictionThreshold
			}
			if r.Threshold() != want {
				t.Fatalf("Threshold = %d, want %d", r.Threshold(), want)
			}
			refresh(t, r)

			b.SetDevices(device.Playback, nil)
			for i := 1; i < want; i++ {
				res := refresh(t, r)
				if len(res.Evicted) != 0 {
					t.Fatalf("evicted after %d misses", i)
				}
				if m, _ := r.Misses("mock:spk_playback"); m != i {
					t.Fatalf("Misses = %d, want %d", m, i)
				}
			}
			res := refresh(t, r)
			if !slices.Equal(res.Evicted, []string{"mock:spk_playback"}) {
				t.Fatalf("Evicted = %v after %d misses", res.Evicted, want)
			}
			if _, ok := r.Lookup("mock:spk_playback"); ok {
				t.Error("evicted device still registered")
			}
			if r.Graph().Len() != 0 {
				t.Error("evicted device still in graph")
			}
		})
	}
}

func TestRefresh_ReappearanceResetsMisses(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	spk := []device.Info{dev("spk", "Speakers", false)}
	b.SetDevices(device.Playback, spk)
	r := registry.New(b)
	refresh(t, r)

	for range 5 {
		b.SetDevices(device.Playback, nil)
		if res := refresh(t, r); len(res.Evicted) != 0 {
			t.Fatal("device evicted after a single miss")
		}
		b.SetDevices(device.Playback, spk)
		refresh(t, r)
		if m, ok := r.Misses("mock:spk_playback"); !ok || m != 0 {
			t.Fatalf("Misses = %d, %v; want 0, true", m, ok)
		}
	}
}

func TestRefresh_EvictionSleepsAwakeDevice(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	b.SetDevices(device.Capture, []device.Info{dev("mic", "Mic", true)})
	r := registry.New(b, registry.WithEvictionThreshold(1))
	refresh(t, r)

	d, err := r.DefaultCapture(context.Background(), true)
	if err != nil || d == nil {
		t.Fatalf("DefaultCapture = %v, %v", d, err)
	}
	stream := b.Stream(device.Capture, "mic")

	b.SetDevices(device.Capture, nil)
	refresh(t, r)
	if d.Awake() || !stream.Closed() {
		t.Error("evicted device left awake")
	}
}

func TestRefresh_DefaultReassignment(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	b.SetDevices(device.Playback, []device.Info{dev("a", "A", true), dev("b", "B", false)})
	r := registry.New(b)
	refresh(t, r)
	ctx := context.Background()

	if d, _ := r.DefaultPlayback(ctx, false); d == nil || d.Identity() != "mock:a_playback" {
		t.Fatalf("DefaultPlayback = %v, want a", d)
	}

	// The default vanishes: it stays default while debounced.
	b.SetDevices(device.Playback, []device.Info{dev("b", "B", false)})
	refresh(t, r)
	if d, _ := r.DefaultPlayback(ctx, false); d == nil || d.Identity() != "mock:a_playback" {
		t.Errorf("DefaultPlayback during debounce = %v, want a", d)
	}

	// Evicted: no default until one is reported.
	refresh(t, r)
	if d, _ := r.DefaultPlayback(ctx, false); d != nil {
		t.Errorf("DefaultPlayback after eviction = %s, want nil", d.Identity())
	}
	refresh(t, r)
	if d, _ := r.DefaultPlayback(ctx, false); d != nil {
		t.Errorf("DefaultPlayback without report = %s, want nil", d.Identity())
	}

	b.SetDevices(device.Playback, []device.Info{dev("b", "B", true)})
	refresh(t, r)
	if d, _ := r.DefaultPlayback(ctx, false); d == nil || d.Identity() != "mock:b_playback" {
		t.Errorf("DefaultPlayback = %v, want b", d)
	}
}

func TestDefault_WakeFailure(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	b.SetDevices(device.Playback, []device.Info{dev("spk", "Speakers", true)})
	b.OpenErr = errors.New("busy")
	r := registry.New(b)
	refresh(t, r)

	d, err := r.DefaultPlayback(context.Background(), true)
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if d == nil || d.Awake() {
		t.Fatal("want the asleep default device alongside the error")
	}
	if d, err = r.DefaultPlayback(context.Background(), true); err != nil || !d.Awake() {
		t.Errorf("retry = %v, awake=%v", err, d.Awake())
	}
}

func TestDefault_NoneKnown(t *testing.T) {
	t.Parallel()

	r := registry.New(mock.New("mock"))
	d, err := r.DefaultCapture(context.Background(), true)
	if d != nil || err != nil {
		t.Errorf("DefaultCapture = %v, %v; want nil, nil", d, err)
	}
}

func TestRefresh_EnumerationErrorCountsAsMiss(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	b.SetDevices(device.Capture, []device.Info{dev("mic", "Mic", false)})
	r := registry.New(b)
	refresh(t, r)

	b.DevicesErr = errors.New("backend glitch")
	res, err := r.Refresh(context.Background())
	if err == nil {
		t.Fatal("Refresh error swallowed")
	}
	if !slices.Equal(res.Missing, []string{"mock:mic_capture"}) {
		t.Errorf("Missing = %v", res.Missing)
	}

	b.DevicesErr = nil
	refresh(t, r)
	if m, ok := r.Misses("mock:mic_capture"); !ok || m != 0 {
		t.Errorf("Misses = %d, %v after recovery", m, ok)
	}
}

func TestRefresh_UpdatesDescription(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	b.SetDevices(device.Capture, []device.Info{dev("mic", "Mic", false)})
	r := registry.New(b)
	refresh(t, r)

	b.SetDevices(device.Capture, []device.Info{dev("mic", "Headset Mic", true)})
	refresh(t, r)
	d, ok := r.Lookup("mock:mic_capture")
	if !ok || d.DisplayName() != "Headset Mic" || !d.IsDefault() {
		t.Errorf("device not updated: %+v", d.Info())
	}
}

func TestRefresh_Hook(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	b.SetDevices(device.Capture, []device.Info{dev("mic", "Mic", false)})
	var got []registry.RefreshResult
	r := registry.New(b, registry.WithRefreshHook(func(res registry.RefreshResult, err error) {
		if err != nil {
			t.Errorf("hook err: %v", err)
		}
		got = append(got, res)
	}))
	refresh(t, r)
	refresh(t, r)
	if len(got) != 2 || !got[0].Changed() || got[1].Changed() {
		t.Errorf("hook results = %+v", got)
	}
}

func TestFindByName(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	b.SetDevices(device.Capture, []device.Info{
		dev("mic", "Built-in Microphone", true),
		dev("usb", "USB Audio CODEC", false),
	})
	b.SetDevices(device.Playback, []device.Info{dev("hdmi", "HDMI Output", true)})
	r := registry.New(b)
	refresh(t, r)

	tests := []struct {
		query string
		dir   device.Direction
		want  string
	}{
		{query: "usb audio codec", dir: device.Capture, want: "mock:usb_capture"},
		{query: "mock:mic_capture", dir: device.Capture, want: "mock:mic_capture"},
		{query: "usb", dir: device.Capture, want: "mock:usb_capture"},
		{query: "microfone", dir: device.Capture, want: "mock:mic_capture"},
		{query: "hdmi", dir: device.Playback, want: "mock:hdmi_playback"},
		{query: "hdmi", dir: device.Capture, want: ""},
		{query: "zzzz", dir: device.Capture, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()
			d, ok := r.FindByName(tt.query, tt.dir)
			got := ""
			if ok {
				got = d.Identity()
			}
			if got != tt.want {
				t.Errorf("FindByName(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

func TestWatch_RefreshesOnNotify(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	refreshed := make(chan registry.RefreshResult, 16)
	r := registry.New(b, registry.WithRefreshHook(func(res registry.RefreshResult, _ error) {
		select {
		case refreshed <- res:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, time.Hour) }()

	b.SetDevices(device.Capture, []device.Info{dev("mic", "Mic", false)})
	deadline := time.After(5 * time.Second)
	for found := false; !found; {
		b.Notify()
		select {
		case res := <-refreshed:
			found = slices.Contains(res.Added, "mock:mic_capture")
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("no refresh after hot-plug notification")
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Watch = %v, want context.Canceled", err)
	}
}

func TestWatch_Ticker(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	ticks := make(chan struct{}, 16)
	r := registry.New(b, registry.WithRefreshHook(func(registry.RefreshResult, error) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Watch(ctx, 5*time.Millisecond) }()

	for range 2 {
		select {
		case <-ticks:
		case <-time.After(5 * time.Second):
			t.Fatal("ticker did not refresh")
		}
	}
}

func TestWatch_InvalidInterval(t *testing.T) {
	t.Parallel()

	r := registry.New(mock.New("mock"))
	if err := r.Watch(context.Background(), 0); !errors.Is(err, audio.ErrInvalidArgument) {
		t.Errorf("Watch = %v, want ErrInvalidArgument", err)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	b := mock.New("mock")
	b.SetDevices(device.Capture, []device.Info{dev("mic", "Mic", true)})
	r := registry.New(b)
	refresh(t, r)
	d, err := r.DefaultCapture(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if d.Awake() {
		t.Error("device awake after Shutdown")
	}
	if len(r.All()) != 0 || r.Graph().Len() != 0 {
		t.Error("devices remain after Shutdown")
	}
	if _, err := r.Refresh(context.Background()); !errors.Is(err, registry.ErrShutdown) {
		t.Errorf("Refresh after Shutdown = %v, want ErrShutdown", err)
	}
	if err := r.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
