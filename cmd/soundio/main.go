// Command soundio runs the audio routing daemon: it discovers devices, links
// the configured routes and serves health, metrics and network streams.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/soundio/internal/app"
	"github.com/MrWong99/soundio/internal/config"
	"github.com/MrWong99/soundio/internal/observe"
	"github.com/MrWong99/soundio/internal/resilience"
	"github.com/MrWong99/soundio/pkg/audio"
	"github.com/MrWong99/soundio/pkg/backend/malgo"
	"github.com/MrWong99/soundio/pkg/backend/mock"
	"github.com/MrWong99/soundio/pkg/backend/portaudio"
	"github.com/MrWong99/soundio/pkg/device"
	"github.com/MrWong99/soundio/pkg/registry"
)

// version is overridden at link time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the configuration")
	list := flag.Bool("list", false, "print the discovered devices and exit")
	flag.Parse()

	// Environment overrides in the config file read the process environment,
	// so the dotenv file has to be loaded first. Existing variables win.
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "soundio: load %s: %v\n", *envPath, err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "soundio: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "soundio: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	backend, err := openBackend(ctx, cfg, reg)
	if err != nil {
		slog.Error("no usable audio backend", "err", err)
		return 1
	}

	if *list {
		defer backend.Close()
		if err := listDevices(ctx, backend); err != nil {
			slog.Error("list devices", "err", err)
			return 1
		}
		return 0
	}

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		backend.Close()
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	slog.Info("soundio starting",
		"config", *configPath,
		"backend", backend.Name(),
		"listen_addr", cfg.Server.ListenAddr,
		"routes", len(cfg.Routes),
		"streams", len(cfg.Stream.Endpoints),
	)

	application, err := app.New(ctx, cfg, backend, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("config watcher error", "err", err)
			}
		}()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if code == 0 {
		slog.Info("goodbye")
	}
	return code
}

// registerBuiltinBackends wires the backends that ship with soundio into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.Register(malgo.Name, func() (device.Backend, error) {
		b, err := malgo.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	reg.Register(portaudio.Name, func() (device.Backend, error) {
		b, err := portaudio.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	// The mock backend exposes one silent device per direction. It lets the
	// daemon run on machines without audio hardware.
	reg.Register("mock", func() (device.Backend, error) {
		b := mock.New("mock")
		f := device.NativeFormat{Format: audio.Format{Encoding: audio.EncodingF32, Channels: 2, SampleRate: 48000}}
		b.SetDevices(device.Capture, []device.Info{{ID: "null", Name: "Null Input", Direction: device.Capture, IsDefault: true, Formats: []device.NativeFormat{f}}})
		b.SetDevices(device.Playback, []device.Info{{ID: "null", Name: "Null Output", Direction: device.Playback, IsDefault: true, Formats: []device.NativeFormat{f}}})
		return b, nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered backend", "name", name)
	}
}

// openBackend returns the first backend in cfg.Audio.Backends that both
// initialises and enumerates its devices.
func openBackend(ctx context.Context, cfg *config.Config, reg *config.Registry) (device.Backend, error) {
	group := resilience.NewFallbackGroup[string](resilience.CircuitBreakerConfig{MaxFailures: 1})
	for _, name := range cfg.Audio.Backends {
		group.Add(name, name)
	}
	b, name, err := resilience.Execute(group, func(name, _ string) (device.Backend, error) {
		b, err := reg.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := b.Devices(ctx, device.Playback); err != nil {
			b.Close()
			return nil, fmt.Errorf("enumerate %s: %w", name, err)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("audio backend selected", "name", name)
	return b, nil
}

func listDevices(ctx context.Context, backend device.Backend) error {
	reg := registry.New(backend)
	defer reg.Shutdown()
	if _, err := reg.Refresh(ctx); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tDIRECTION\tDEFAULT\tFORMAT\tNAME")
	for _, d := range reg.All() {
		def := ""
		if d.IsDefault() {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Identity(), d.Direction(), def, d.Format(), d.DisplayName())
	}
	return w.Flush()
}
