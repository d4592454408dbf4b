// Package config loads the relay's YAML configuration. Flags override the
// file; the file overrides defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the relay's websocket port when nothing else is
// configured. Overridable with LANTERN_RELAY_PORT.
const DefaultPort = 43190

// Duration parses YAML values like "90s" or "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// Config holds the relay's settings.
type Config struct {
	ListenAddr       string   `yaml:"listen_addr"`
	ServerName       string   `yaml:"server_name"`
	MDNSEnabled      bool     `yaml:"mdns_enabled"`
	AnnouncementTTL  Duration `yaml:"announcement_ttl"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	IdleReapInterval Duration `yaml:"idle_reap_interval"`
	Debug            bool     `yaml:"debug"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		ListenAddr:       fmt.Sprintf(":%d", Port()),
		ServerName:       "lantern relay",
		MDNSEnabled:      true,
		AnnouncementTTL:  Duration{24 * time.Hour},
		SweepInterval:    Duration{60 * time.Second},
		IdleReapInterval: Duration{15 * time.Second},
	}
}

// Port returns the websocket port honoring LANTERN_RELAY_PORT.
func Port() int {
	if v := os.Getenv("LANTERN_RELAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 65536 {
			return n
		}
	}
	return DefaultPort
}

// Load reads path on top of the defaults. A missing path returns the
// defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.AnnouncementTTL.Duration <= 0 {
		cfg.AnnouncementTTL = Duration{24 * time.Hour}
	}
	if cfg.SweepInterval.Duration <= 0 || cfg.SweepInterval.Duration > 60*time.Second {
		cfg.SweepInterval = Duration{60 * time.Second}
	}
	if cfg.IdleReapInterval.Duration <= 0 {
		cfg.IdleReapInterval = Duration{15 * time.Second}
	}
	return cfg, nil
}
