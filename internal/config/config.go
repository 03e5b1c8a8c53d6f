// Package config is the client configuration: YAML on disk, created with
// defaults on first run and saved atomically with 0600 permissions.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/and161185/dayplan/internal/feed"
	"github.com/and161185/dayplan/internal/templates"
)

// Sync modes.
const (
	SyncOff  = "off"
	SyncGRPC = "grpc"
	SyncFile = "file"
)

// SyncConfig selects the remote blob store and its timing.
type SyncConfig struct {
	// Mode is one of "off", "grpc" or "file".
	Mode string `yaml:"mode" json:"mode"`

	// Addr, CACert and Insecure configure the gRPC blob store.
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	CACert   string `yaml:"cacert,omitempty" json:"cacert,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty" json:"insecure,omitempty"`

	// Folder holds dayplan-sync.json when Mode is "file".
	Folder string `yaml:"folder,omitempty" json:"folder,omitempty"`

	// Debounce is the push coalescing window.
	Debounce time.Duration `yaml:"debounce" json:"debounce"`

	// Schedule is the cron expression for periodic reconcile in `dayplan run`.
	Schedule string `yaml:"schedule" json:"schedule"`
}

// Config is the top-level client configuration.
type Config struct {
	// Timezone is the IANA zone days and feed events are resolved in.
	// Empty means the system local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	DBPath          string        `yaml:"db_path" json:"db_path"`
	StoreTimeout    time.Duration `yaml:"store_timeout" json:"store_timeout"`
	DefaultDuration time.Duration `yaml:"default_duration" json:"default_duration"`

	Templates   []templates.Template `yaml:"templates" json:"templates"`
	ICS         []feed.Source        `yaml:"ics" json:"ics"`
	ICSCacheDir string               `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	Sync SyncConfig `yaml:"sync" json:"sync"`
}

const (
	defaultStoreTimeout    = 3 * time.Second
	defaultDuration        = time.Hour
	defaultDebounce        = 2 * time.Second
	defaultSchedule        = "*/5 * * * *"
	defaultDBName          = "dayplan.db"
	defaultICSCacheDirName = "ics-cache"
)

// Dir is $XDG_CONFIG_HOME/dayplan, or ~/.config/dayplan.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "dayplan")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "dayplan")
}

// DefaultPath is the config file used when -config is not given.
func DefaultPath() string { return filepath.Join(Dir(), "config.yaml") }

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Templates: []templates.Template{
			{ID: "routine_lunch", Title: "Lunch", Category: "routine", Start: "12:00", End: "12:45"},
		},
		Sync: SyncConfig{Mode: SyncOff},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing or zero values so partially-filled configs
// still behave.
func (c *Config) Normalize() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(Dir(), defaultDBName)
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = defaultDuration
	}
	if c.Templates == nil {
		c.Templates = []templates.Template{}
	}
	if c.ICS == nil {
		c.ICS = []feed.Source{}
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = filepath.Join(Dir(), defaultICSCacheDirName)
	}
	switch c.Sync.Mode {
	case SyncOff, SyncGRPC, SyncFile:
	default:
		c.Sync.Mode = SyncOff
	}
	if c.Sync.Debounce <= 0 {
		c.Sync.Debounce = defaultDebounce
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = defaultSchedule
	}
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate reports settings that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := templates.NewSet(c.Templates, time.UTC); err != nil {
		return err
	}
	switch c.Sync.Mode {
	case SyncGRPC:
		if c.Sync.Addr == "" {
			return errors.New("sync.addr is required for grpc mode")
		}
	case SyncFile:
		if c.Sync.Folder == "" {
			return errors.New("sync.folder is required for file mode")
		}
	}
	for i, s := range c.ICS {
		if s.ID == "" || s.URL == "" {
			return fmt.Errorf("ics[%d]: id and url are required", i)
		}
	}
	return nil
}

// Load reads the YAML config at path. A missing file is created with
// defaults and those defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path via a temp file and rename; the result is 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".dayplan-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
