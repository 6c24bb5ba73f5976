package config

import "time"

// ConfigDiff describes what changed between two configs.
// Only fields that the daemon applies without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RefreshIntervalChanged bool
	NewRefreshInterval     time.Duration

	RoutesChanged bool
	RouteChanges  []RouteDiff
}

// RouteDiff describes what changed for a single route.
type RouteDiff struct {
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed. Route
// changes are reported in the order the routes appear in new, followed by
// removals in the order they appeared in old.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Audio.RefreshInterval != new.Audio.RefreshInterval {
		d.RefreshIntervalChanged = true
		d.NewRefreshInterval = new.Audio.RefreshInterval
	}

	oldRoutes := make(map[string]RouteConfig, len(old.Routes))
	for _, r := range old.Routes {
		oldRoutes[r.Name] = r
	}
	newNames := make(map[string]bool, len(new.Routes))
	for _, r := range new.Routes {
		newNames[r.Name] = true
		prev, ok := oldRoutes[r.Name]
		switch {
		case !ok:
			d.RouteChanges = append(d.RouteChanges, RouteDiff{Name: r.Name, Added: true})
		case prev != r:
			d.RouteChanges = append(d.RouteChanges, RouteDiff{Name: r.Name, Modified: true})
		}
	}
	for _, r := range old.Routes {
		if !newNames[r.Name] {
			d.RouteChanges = append(d.RouteChanges, RouteDiff{Name: r.Name, Removed: true})
		}
	}
	d.RoutesChanged = len(d.RouteChanges) > 0
	return d
}
