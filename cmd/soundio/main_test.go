package main

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/soundio/internal/config"
	"github.com/MrWong99/soundio/internal/resilience"
	"github.com/MrWong99/soundio/pkg/backend/mock"
	"github.com/MrWong99/soundio/pkg/device"
)

func TestOpenBackend_FailsOver(t *testing.T) {
	broken := mock.New("broken")
	broken.DevicesErr = errors.New("no sound server")

	reg := config.NewRegistry()
	reg.Register("broken", func() (device.Backend, error) { return broken, nil })
	reg.Register("missing-lib", func() (device.Backend, error) { return nil, errors.New("dlopen failed") })
	registerBuiltinBackends(reg)

	cfg := &config.Config{Audio: config.AudioConfig{Backends: []string{"missing-lib", "broken", "mock"}}}
	b, err := openBackend(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer b.Close()
	if b.Name() != "mock" {
		t.Errorf("backend = %q, want mock", b.Name())
	}
	if broken.CallCountClose != 1 {
		t.Errorf("broken backend closed %d times, want 1", broken.CallCountClose)
	}

	devs, err := b.Devices(context.Background(), device.Capture)
	if err != nil || len(devs) != 1 || !devs[0].IsDefault {
		t.Errorf("mock capture devices = %+v, %v", devs, err)
	}
}

func TestOpenBackend_NoneUsable(t *testing.T) {
	reg := config.NewRegistry()
	cfg := &config.Config{Audio: config.AudioConfig{Backends: []string{"nope"}}}
	_, err := openBackend(context.Background(), cfg, reg)
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("err = %v, want ErrBackendNotRegistered in chain", err)
	}
}
