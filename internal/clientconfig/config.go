// Package clientconfig manages the client's persistent preferences.
// Settings are stored as JSON at os.UserConfigDir()/lantern/<instance>/
// config.json; LANTERN_INSTANCE selects the instance directory so
// several clients can run side by side during development.
package clientconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds the client's persistent preferences.
type Config struct {
	DisplayName    string `json:"display_name"`
	AvatarEmoji    string `json:"avatar_emoji"`
	AvatarBg       string `json:"avatar_bg"`
	StatusMessage  string `json:"status_message"`
	RelayAddr      string `json:"relay_addr"`      // manual host:port, "" = discover
	AttachmentsDir string `json:"attachments_dir"` // "" = default
	Debug          bool   `json:"debug"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		DisplayName: "Lantern user",
		AvatarEmoji: "🏮",
	}
}

// Instance returns the instance tag from LANTERN_INSTANCE, or "default".
func Instance() string {
	if v := os.Getenv("LANTERN_INSTANCE"); v != "" {
		return v
	}
	return "default"
}

// Dir returns the per-instance state directory.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "lantern", Instance()), nil
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DatabasePath returns the per-instance sqlite path.
func DatabasePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lantern.db"), nil
}

// AttachmentsRoot resolves the managed attachments directory for cfg.
func AttachmentsRoot(cfg Config) (string, error) {
	if cfg.AttachmentsDir != "" {
		return cfg.AttachmentsDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Documents", "Lantern Attachments"), nil
}

// Load reads the config file. If the file is missing or unreadable, the
// default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
