package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup(names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup[string](CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	for _, n := range names {
		fg.Add(n, n+"-value")
	}
	return fg
}

func TestFallbackGroup_FirstSucceeds(t *testing.T) {
	t.Parallel()
	fg := newGroup("malgo", "portaudio")

	res, name, err := Execute(fg, func(_ string, v string) (string, error) { return v, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "malgo" || res != "malgo-value" {
		t.Errorf("got (%q, %q), want (malgo-value, malgo)", res, name)
	}
}

func TestFallbackGroup_FailsOver(t *testing.T) {
	t.Parallel()
	fg := newGroup("malgo", "portaudio")

	var tried []string
	res, name, err := Execute(fg, func(n string, v string) (string, error) {
		tried = append(tried, n)
		if n == "malgo" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "portaudio" || res != "portaudio-value" {
		t.Errorf("got (%q, %q)", res, name)
	}
	if len(tried) != 2 {
		t.Errorf("tried = %v, want both", tried)
	}

	// malgo's breaker is now open, so the next call skips it.
	tried = nil
	_, name, _ = Execute(fg, func(n string, v string) (string, error) {
		tried = append(tried, n)
		return v, nil
	})
	if name != "portaudio" || len(tried) != 1 {
		t.Errorf("second call used %q after trying %v", name, tried)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := newGroup("malgo", "portaudio")

	_, _, err := Execute(fg, func(string, string) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, should wrap the individual failures", err)
	}
}

func TestFallbackGroup_Empty(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup[string](CircuitBreakerConfig{})
	if fg.Len() != 0 {
		t.Fatalf("Len = %d", fg.Len())
	}
	_, _, err := Execute(fg, func(string, string) (int, error) { return 1, nil })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

type fakeWaker struct {
	id    string
	err   error
	calls int
}

func (f *fakeWaker) Identity() string { return f.id }

func (f *fakeWaker) EnsureAwake(context.Context) error {
	f.calls++
	return f.err
}

func TestWakeGuard(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	g := NewWakeGuard(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, Now: clk.Now})
	ctx := context.Background()

	bad := &fakeWaker{id: "mock:mic_capture", err: errTest}
	good := &fakeWaker{id: "mock:spk_playback"}

	_ = g.Wake(ctx, bad)
	_ = g.Wake(ctx, bad)
	if err := g.Wake(ctx, bad); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("third wake err = %v, want ErrCircuitOpen", err)
	}
	if bad.calls != 2 {
		t.Errorf("hardware touched %d times, want 2", bad.calls)
	}
	if g.State(bad.id) != StateOpen {
		t.Errorf("state = %v, want open", g.State(bad.id))
	}

	// Breakers are per device.
	if err := g.Wake(ctx, good); err != nil {
		t.Fatalf("healthy device: %v", err)
	}

	// The device recovers once the timeout passes.
	bad.err = nil
	clk.Advance(time.Minute)
	if err := g.Wake(ctx, bad); err != nil {
		t.Fatalf("probe wake: %v", err)
	}
	if g.State(bad.id) != StateClosed {
		t.Errorf("state = %v, want closed", g.State(bad.id))
	}

	g.Forget(bad.id)
	if g.State("never-seen") != StateClosed {
		t.Error("unknown identity should report closed")
	}
}
