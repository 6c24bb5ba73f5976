// Package config provides the configuration schema, loader, and backend
// registry for the soundio daemon.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/soundio/pkg/audio"
)

// LogLevel controls log verbosity for the soundio daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog level. Unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Codec selects the wire encoding used by network streams.
type Codec string

const (
	// CodecPCM sends raw interleaved little-endian samples.
	CodecPCM Codec = "pcm"

	// CodecOpus sends one Opus packet per message.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a recognised codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM || c == CodecOpus
}

// StreamKind says which way audio flows through a network stream.
type StreamKind string

const (
	// StreamSource receives audio from network clients and feeds the graph.
	StreamSource StreamKind = "source"

	// StreamSink sends graph audio to network clients.
	StreamSink StreamKind = "sink"
)

// IsValid reports whether k is a recognised stream kind.
func (k StreamKind) IsValid() bool {
	return k == StreamSource || k == StreamSink
}

// Config is the root configuration structure for soundio.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Routes    []RouteConfig   `yaml:"routes"`
	Stream    StreamConfig    `yaml:"stream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig controls device discovery and the device runtime.
type AudioConfig struct {
	// Backends lists backend names in failover order. The first one that
	// initialises and enumerates successfully is used.
	Backends []string `yaml:"backends"`

	// RefreshInterval is the polling period of the device registry.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// EvictionThreshold is the number of consecutive refreshes a device may
	// be missing before it is evicted.
	EvictionThreshold int `yaml:"eviction_threshold"`

	// RingDuration sizes every endpoint ring buffer.
	RingDuration time.Duration `yaml:"ring_duration"`

	// WakeBreaker guards device wake-ups against hardware that keeps failing.
	WakeBreaker BreakerConfig `yaml:"wake_breaker"`

	// PreferredFormat, when set, is used for devices that support it
	// instead of their best native format.
	PreferredFormat *FormatConfig `yaml:"preferred_format"`
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// FormatConfig is the YAML form of [audio.Format].
type FormatConfig struct {
	Encoding   string `yaml:"encoding"`
	Channels   int    `yaml:"channels"`
	SampleRate int    `yaml:"sample_rate"`
}

// Format parses and validates fc.
func (fc FormatConfig) Format() (audio.Format, error) {
	enc, err := audio.ParseEncoding(fc.Encoding)
	if err != nil {
		return audio.Format{}, err
	}
	f := audio.Format{Encoding: enc, Channels: fc.Channels, SampleRate: fc.SampleRate}
	if err := f.Validate(); err != nil {
		return audio.Format{}, err
	}
	return f, nil
}

// RouteConfig links a producer to a consumer. From and To are endpoint
// references; see [ParseEndpoint] for the accepted forms.
type RouteConfig struct {
	Name string `yaml:"name"`
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// Loop restarts a file producer at end of file.
	Loop bool `yaml:"loop"`
}

// StreamConfig controls network streaming.
type StreamConfig struct {
	Enabled bool  `yaml:"enabled"`
	Codec   Codec `yaml:"codec"`

	// Advertise announces the HTTP server over mDNS.
	Advertise   bool   `yaml:"advertise"`
	ServiceName string `yaml:"service_name"`

	// Endpoints declares the named streams routes may refer to.
	Endpoints []StreamEndpointConfig `yaml:"endpoints"`
}

// StreamEndpointConfig declares one named network stream.
type StreamEndpointConfig struct {
	Name   string       `yaml:"name"`
	Kind   StreamKind   `yaml:"kind"`
	Format FormatConfig `yaml:"format"`
}

// Endpoint returns the stream declaration named name.
func (s StreamConfig) Endpoint(name string) (StreamEndpointConfig, bool) {
	for _, e := range s.Endpoints {
		if e.Name == name {
			return e, true
		}
	}
	return StreamEndpointConfig{}, false
}

// TelemetryConfig configures OpenTelemetry resources.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// String implements fmt.Stringer for log output.
func (r RouteConfig) String() string {
	return fmt.Sprintf("%s (%s -> %s)", r.Name, r.From, r.To)
}
