package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the YAML file.
const (
	EnvListenAddr = "SOUNDIO_LISTEN_ADDR"
	EnvLogLevel   = "SOUNDIO_LOG_LEVEL"
)

// Defaults applied by [LoadFromReader] to fields left empty.
const (
	DefaultListenAddr      = ":8080"
	DefaultRefreshInterval = 2 * time.Second
	DefaultRingDuration    = 125 * time.Millisecond
	DefaultServiceName     = "soundio"
)

// ValidBackendNames lists the backends this build knows about.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = []string{"malgo", "portaudio", "mock"}

// opusRates are the sample rates the Opus codec accepts.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with values found through lookup, which is
// usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		cfg.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Audio.Backends) == 0 {
		cfg.Audio.Backends = []string{"malgo"}
	}
	if cfg.Audio.RefreshInterval == 0 {
		cfg.Audio.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Audio.EvictionThreshold == 0 {
		cfg.Audio.EvictionThreshold = 2
	}
	if cfg.Audio.RingDuration == 0 {
		cfg.Audio.RingDuration = DefaultRingDuration
	}
	if cfg.Audio.WakeBreaker.MaxFailures == 0 {
		cfg.Audio.WakeBreaker.MaxFailures = 3
	}
	if cfg.Audio.WakeBreaker.ResetTimeout == 0 {
		cfg.Audio.WakeBreaker.ResetTimeout = 30 * time.Second
	}
	if cfg.Stream.Codec == "" {
		cfg.Stream.Codec = CodecPCM
	}
	if cfg.Stream.ServiceName == "" {
		cfg.Stream.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	for _, name := range cfg.Audio.Backends {
		validateBackendName(name)
	}
	if cfg.Audio.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("audio.refresh_interval %s must not be negative", cfg.Audio.RefreshInterval))
	}
	if cfg.Audio.EvictionThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.eviction_threshold %d must not be negative", cfg.Audio.EvictionThreshold))
	}
	if cfg.Audio.EvictionThreshold == 1 {
		slog.Warn("audio.eviction_threshold is 1; a single missed enumeration will evict a device")
	}
	if cfg.Audio.RingDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.ring_duration %s must not be negative", cfg.Audio.RingDuration))
	}
	if cfg.Audio.WakeBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("audio.wake_breaker.max_failures %d must not be negative", cfg.Audio.WakeBreaker.MaxFailures))
	}
	if pf := cfg.Audio.PreferredFormat; pf != nil {
		if _, err := pf.Format(); err != nil {
			errs = append(errs, fmt.Errorf("audio.preferred_format: %w", err))
		}
	}

	// Stream
	if cfg.Stream.Codec != "" && !cfg.Stream.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("stream.codec %q is invalid; valid values: pcm, opus", cfg.Stream.Codec))
	}
	streamsSeen := make(map[string]int, len(cfg.Stream.Endpoints))
	for i, se := range cfg.Stream.Endpoints {
		prefix := fmt.Sprintf("stream.endpoints[%d]", i)
		if se.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := streamsSeen[se.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of stream.endpoints[%d]", prefix, se.Name, prev))
			}
			streamsSeen[se.Name] = i
		}
		if !se.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: source, sink", prefix, se.Kind))
		}
		f, err := se.Format.Format()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.format: %w", prefix, err))
			continue
		}
		if cfg.Stream.Codec == CodecOpus {
			if !slices.Contains(opusRates, f.SampleRate) || f.Channels > 2 {
				errs = append(errs, fmt.Errorf("%s.format %s is not supported by opus (rates %v, at most 2 channels)", prefix, f, opusRates))
			}
		}
	}

	// Routes
	routesSeen := make(map[string]int, len(cfg.Routes))
	for i, rt := range cfg.Routes {
		prefix := fmt.Sprintf("routes[%d]", i)
		if rt.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := routesSeen[rt.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of routes[%d]", prefix, rt.Name, prev))
			}
			routesSeen[rt.Name] = i
		}
		if err := validateRouteEnd(cfg, rt.From, true); err != nil {
			errs = append(errs, fmt.Errorf("%s.from: %w", prefix, err))
		}
		if err := validateRouteEnd(cfg, rt.To, false); err != nil {
			errs = append(errs, fmt.Errorf("%s.to: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}

// validateRouteEnd checks that end can act as a producer (from) or a
// consumer (to).
func validateRouteEnd(cfg *Config, end string, from bool) error {
	ref, err := ParseEndpoint(end)
	if err != nil {
		return err
	}
	switch ref.Kind {
	case RefDefault:
		if from && ref.Value != "capture" {
			return fmt.Errorf("%q cannot produce audio", end)
		}
		if !from && ref.Value != "playback" {
			return fmt.Errorf("%q cannot consume audio", end)
		}
	case RefStream:
		se, ok := cfg.Stream.Endpoint(ref.Value)
		if !ok {
			return fmt.Errorf("stream %q is not declared under stream.endpoints", ref.Value)
		}
		if !cfg.Stream.Enabled {
			return fmt.Errorf("stream %q is referenced but stream.enabled is false", ref.Value)
		}
		if from && se.Kind != StreamSource {
			return fmt.Errorf("stream %q is a %s and cannot produce audio", ref.Value, se.Kind)
		}
		if !from && se.Kind != StreamSink {
			return fmt.Errorf("stream %q is a %s and cannot consume audio", ref.Value, se.Kind)
		}
	}
	return nil
}

// validateBackendName logs a warning if name is not in [ValidBackendNames].
func validateBackendName(name string) {
	if slices.Contains(ValidBackendNames, name) {
		return
	}
	slog.Warn("unknown audio backend name; it must be registered by the caller",
		"name", name,
		"known", ValidBackendNames,
	)
}
