package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/soundio/internal/health"
	"github.com/MrWong99/soundio/internal/observe"
)

// DeviceStatus is the JSON view of one registered device.
type DeviceStatus struct {
	Identity  string `json:"identity"`
	Name      string `json:"name"`
	Direction string `json:"direction"`
	Default   bool   `json:"default"`
	State     string `json:"state"`
	Format    string `json:"format"`
	Misses    int    `json:"misses"`
	Underruns uint64 `json:"underruns"`
	Overruns  uint64 `json:"overruns"`
	Dropped   uint64 `json:"dropped_frames"`
}

// Devices reports every registered device sorted by identity.
func (a *App) Devices() []DeviceStatus {
	devs := a.registry.All()
	out := make([]DeviceStatus, 0, len(devs))
	for _, d := range devs {
		misses, _ := a.registry.Misses(d.Identity())
		out = append(out, DeviceStatus{
			Identity:  d.Identity(),
			Name:      d.DisplayName(),
			Direction: d.Direction().String(),
			Default:   d.IsDefault(),
			State:     d.State().String(),
			Format:    d.Format().String(),
			Misses:    misses,
			Underruns: d.Underruns(),
			Overruns:  d.Overruns(),
			Dropped:   d.Dropped(),
		})
	}
	return out
}

func (a *App) newHandler() http.Handler {
	mux := http.NewServeMux()

	// A registry that has not refreshed for three intervals is stuck. The
	// interval can change at runtime, so the age check lives here.
	maxAge := func() time.Duration { return 3 * time.Duration(a.refreshEvery.Load()) }
	health.New(
		health.Freshness("registry", 0, func() (time.Time, error) {
			at, err := a.lastRefreshResult()
			if err == nil && !at.IsZero() && maxAge() > 0 && time.Since(at) > maxAge() {
				return at, fmt.Errorf("last success %s ago", time.Since(at).Round(time.Millisecond))
			}
			return at, err
		}),
		health.Pending("routes", a.routes.Pending),
	).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /devices", func(w http.ResponseWriter, _ *http.Request) {
		health.WriteJSON(w, http.StatusOK, a.Devices())
	})
	mux.HandleFunc("GET /routes", func(w http.ResponseWriter, _ *http.Request) {
		health.WriteJSON(w, http.StatusOK, a.routes.Status())
	})
	if a.hub != nil {
		a.hub.Register(mux)
		mux.HandleFunc("GET /streams", func(w http.ResponseWriter, _ *http.Request) {
			health.WriteJSON(w, http.StatusOK, a.hub.Streams())
		})
	}

	return observe.Middleware(a.metrics)(mux)
}
