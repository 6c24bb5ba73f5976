package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/soundio/internal/config"
	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/backend/mock"
	"github.com/MrWong99/soundio/pkg/device"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

audio:
  backends: [malgo, portaudio]
  refresh_interval: 500ms
  eviction_threshold: 3
  ring_duration: 50ms
  wake_breaker:
    max_failures: 5
    reset_timeout: 1m
  preferred_format:
    encoding: s16
    channels: 2
    sample_rate: 44100

routes:
  - name: mic-to-file
    from: "default:capture"
    to: "file:/tmp/out.wav"
  - name: radio
    from: "stream:radio-in"
    to: "name:Headphones"

stream:
  enabled: true
  codec: opus
  advertise: true
  service_name: studio
  endpoints:
    - name: radio-in
      kind: source
      format: {encoding: s16, channels: 2, sample_rate: 48000}

telemetry:
  service_name: soundio-test
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if got := cfg.Audio.Backends; len(got) != 2 || got[0] != "malgo" || got[1] != "portaudio" {
		t.Errorf("audio.backends: got %v", got)
	}
	if cfg.Audio.RefreshInterval != 500*time.Millisecond {
		t.Errorf("audio.refresh_interval: got %s", cfg.Audio.RefreshInterval)
	}
	if cfg.Audio.EvictionThreshold != 3 {
		t.Errorf("audio.eviction_threshold: got %d", cfg.Audio.EvictionThreshold)
	}
	if cfg.Audio.WakeBreaker.ResetTimeout != time.Minute {
		t.Errorf("audio.wake_breaker.reset_timeout: got %s", cfg.Audio.WakeBreaker.ResetTimeout)
	}
	pf, err := cfg.Audio.PreferredFormat.Format()
	if err != nil {
		t.Fatalf("preferred_format: %v", err)
	}
	if want := (audio.Format{Encoding: audio.EncodingS16, Channels: 2, SampleRate: 44100}); pf != want {
		t.Errorf("preferred_format: got %s, want %s", pf, want)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("routes: got %d, want 2", len(cfg.Routes))
	}
	if cfg.Stream.Codec != config.CodecOpus {
		t.Errorf("stream.codec: got %q", cfg.Stream.Codec)
	}
	se, ok := cfg.Stream.Endpoint("radio-in")
	if !ok || se.Kind != config.StreamSource {
		t.Errorf("stream endpoint radio-in: got %+v, %v", se, ok)
	}
	if cfg.Telemetry.ServiceName != "soundio-test" {
		t.Errorf("telemetry.service_name: got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Audio.RefreshInterval != config.DefaultRefreshInterval {
			t.Errorf("refresh_interval: got %s, want %s", cfg.Audio.RefreshInterval, config.DefaultRefreshInterval)
		}
		if cfg.Audio.EvictionThreshold != 2 {
			t.Errorf("eviction_threshold: got %d, want 2", cfg.Audio.EvictionThreshold)
		}
		if cfg.Audio.RingDuration != config.DefaultRingDuration {
			t.Errorf("ring_duration: got %s", cfg.Audio.RingDuration)
		}
		if len(cfg.Audio.Backends) != 1 || cfg.Audio.Backends[0] != "malgo" {
			t.Errorf("backends: got %v", cfg.Audio.Backends)
		}
		if cfg.Stream.Codec != config.CodecPCM {
			t.Errorf("stream.codec: got %q", cfg.Stream.Codec)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("audio:\n  refresh: 1s\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "refresh") {
		t.Errorf("error should mention the field, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvListenAddr: "127.0.0.1:7000",
		config.EnvLogLevel:   "warn",
	}
	cfg := &config.Config{Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo}}
	config.ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.Server.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Create(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.Register("mock", func() (device.Backend, error) { return mock.New("mock"), nil })

	b, err := reg.Create("mock")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Name() != "mock" {
		t.Errorf("Name: got %q", b.Name())
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("Names: got %v", names)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	_, err := config.NewRegistry().Create("alsa")
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("expected ErrBackendNotRegistered, got %v", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no sound server")
	reg := config.NewRegistry()
	reg.Register("broken", func() (device.Backend, error) { return nil, boom })

	_, err := reg.Create("broken")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped factory error, got %v", err)
	}
}
