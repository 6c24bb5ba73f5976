package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/soundio/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Routes: []config.RouteConfig{{Name: "a", From: "default:capture", To: "default:playback"}},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.RefreshIntervalChanged || d.RoutesChanged {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_RefreshIntervalChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Audio: config.AudioConfig{RefreshInterval: time.Second}}
	new := &config.Config{Audio: config.AudioConfig{RefreshInterval: 5 * time.Second}}

	d := config.Diff(old, new)
	if !d.RefreshIntervalChanged || d.NewRefreshInterval != 5*time.Second {
		t.Errorf("got %+v", d)
	}
}

func TestDiff_Routes(t *testing.T) {
	t.Parallel()
	old := &config.Config{Routes: []config.RouteConfig{
		{Name: "keep", From: "default:capture", To: "default:playback"},
		{Name: "edit", From: "default:capture", To: "file:/tmp/a.wav"},
		{Name: "drop", From: "file:/tmp/in.wav", To: "default:playback"},
	}}
	new := &config.Config{Routes: []config.RouteConfig{
		{Name: "keep", From: "default:capture", To: "default:playback"},
		{Name: "edit", From: "default:capture", To: "file:/tmp/b.wav"},
		{Name: "fresh", From: "file:/tmp/in.wav", To: "default:playback", Loop: true},
	}}

	d := config.Diff(old, new)
	if !d.RoutesChanged {
		t.Fatal("expected RoutesChanged=true")
	}
	want := []config.RouteDiff{
		{Name: "edit", Modified: true},
		{Name: "fresh", Added: true},
		{Name: "drop", Removed: true},
	}
	if len(d.RouteChanges) != len(want) {
		t.Fatalf("expected %d route changes, got %+v", len(want), d.RouteChanges)
	}
	for i := range want {
		if d.RouteChanges[i] != want[i] {
			t.Errorf("change %d: got %+v, want %+v", i, d.RouteChanges[i], want[i])
		}
	}
}
