// Package config loads mo-local's settings from .mo-local/config.yaml,
// the same direct-YAML-read approach (bypassing any singleton) the
// teacher's LoadLocalConfig uses for reading settings before a daemon or
// command has finished initializing.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DirName is the per-repository settings and state directory.
	DirName = ".mo-local"
	// FileName is the settings file within DirName.
	FileName = "config.yaml"

	// DefaultProjectionTailWindow is the projection-tail-window value used
	// when config.yaml sets none. No projection or pruning step in this
	// module reads it.
	DefaultProjectionTailWindow = 10
	// DefaultRemoteSyncInterval is the fallback poll interval of the
	// project runtime and the tick interval of publish.
	DefaultRemoteSyncInterval = 30 * time.Second
)

// Settings is the subset of config.yaml mo-local reads at startup.
// Fields follow the teacher's YamlOnlyKeys convention: read once, before
// the event store opens, never re-read mid-process.
type Settings struct {
	DBPath               string   `yaml:"db-path"`
	MasterKeyPath        string   `yaml:"master-key-path"`
	ProjectionTailWindow int      `yaml:"projection-tail-window"`
	RemoteSyncInterval   string   `yaml:"remote-sync-interval"`
	SearchIndexIDs       []string `yaml:"search-index-ids"`
}

// Load reads and parses config.yaml from dir (the .mo-local directory),
// returning zero-valued Settings (not nil, not an error) if the file
// doesn't exist — the same "absent config is valid config" convention
// the teacher's LoadLocalConfig follows.
func Load(dir string) (*Settings, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName)) // #nosec G304 - controlled path from discovered config dir
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil
		}
		return nil, err
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ProjectionTailWindowOrDefault returns the configured tail window, or
// DefaultProjectionTailWindow if unset.
func (s *Settings) ProjectionTailWindowOrDefault() int {
	if s.ProjectionTailWindow <= 0 {
		return DefaultProjectionTailWindow
	}
	return s.ProjectionTailWindow
}

// RemoteSyncIntervalOrDefault parses RemoteSyncInterval, falling back to
// DefaultRemoteSyncInterval if unset or unparseable.
func (s *Settings) RemoteSyncIntervalOrDefault() time.Duration {
	if s.RemoteSyncInterval == "" {
		return DefaultRemoteSyncInterval
	}
	d, err := time.ParseDuration(s.RemoteSyncInterval)
	if err != nil {
		return DefaultRemoteSyncInterval
	}
	return d
}

// ResolvedDBPath returns the database path relative to dir (the
// .mo-local directory) if DBPath is relative, or as-is if absolute.
func (s *Settings) ResolvedDBPath(dir string) string {
	if s.DBPath == "" {
		return filepath.Join(dir, "events.db")
	}
	if filepath.IsAbs(s.DBPath) {
		return s.DBPath
	}
	return filepath.Join(dir, s.DBPath)
}

// FindDir walks up from the current working directory looking for a
// .mo-local directory, the same ancestor-search FindBeadsDir performs.
// Returns "" if none is found.
func FindDir() string {
	if envDir := os.Getenv("MO_LOCAL_DIR"); envDir != "" {
		if info, err := os.Stat(envDir); err == nil && info.IsDir() {
			return envDir
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for dir := cwd; dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
	}
	return ""
}
