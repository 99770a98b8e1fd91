// Package config loads the optional per-deck daemon settings from
// .sdfs.yaml at the deck root. A missing file yields defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the deck settings file, ignored by the name grammar.
const FileName = ".sdfs.yaml"

// Config is the daemon configuration of one deck.
type Config struct {
	LogLevel   string `yaml:"log_level"`   // debug, info, warn, error
	Brightness int    `yaml:"brightness"`  // applied at startup
	CoalesceMS int    `yaml:"coalesce_ms"` // watcher burst window
	FontDir    string `yaml:"font_dir"`    // resolved against the root
}

// Default is the configuration of a deck without a settings file.
var Default = Config{
	LogLevel:   "info",
	Brightness: 80,
	CoalesceMS: 50,
}

// Load reads root/.sdfs.yaml, applying defaults for absent keys.
func Load(root string) (Config, error) {
	cfg := Default
	raw, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading %s: %w", FileName, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Default, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if cfg.Brightness < 0 || cfg.Brightness > 100 {
		return Default, fmt.Errorf("%s: brightness %d outside 0..100", FileName, cfg.Brightness)
	}
	if cfg.CoalesceMS <= 0 {
		cfg.CoalesceMS = Default.CoalesceMS
	}
	return cfg, nil
}

// Coalesce returns the watcher window.
func (c Config) Coalesce() time.Duration {
	return time.Duration(c.CoalesceMS) * time.Millisecond
}

// Level maps the configured log level to slog.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
