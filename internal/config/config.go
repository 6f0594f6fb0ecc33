// Package config describes one mounted volume's settings: the backing
// image path, its sector count, an optional cache-size override for
// tests, and the format-on-missing policy.
//
// A JSON-tagged struct, a Default() constructor, and an explicit
// post-load Validate() step are loaded through a github.com/spf13/viper
// loader that layers a config file under environment variable overrides,
// so that, e.g., WICOSFS_DEVICE_PATH can override wicosfs.json's
// device_path without a second code path.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/wicos64/wicosfs/internal/bcache"
	"github.com/wicos64/wicosfs/internal/freemap"
)

// FormatPolicy controls what Mount-time helpers do when the backing image
// does not yet exist.
type FormatPolicy string

const (
	// FormatNever fails if the image is missing.
	FormatNever FormatPolicy = "never"
	// FormatIfMissing creates and formats a fresh image of SectorCount
	// sectors if none exists yet.
	FormatIfMissing FormatPolicy = "if_missing"
)

// Config is one volume's settings.
type Config struct {
	// DevicePath is the backing host file for the block device.
	DevicePath string `mapstructure:"device_path"`
	// SectorCount is the volume's total sector count, used both at format
	// time and to validate an existing image's size.
	SectorCount uint32 `mapstructure:"sector_count"`
	// CacheSizeOverride is a test-only hook: if nonzero, it is asserted to
	// equal bcache.NumEntries at Validate time, since the buffer cache's
	// capacity is a compile-time constant and cannot actually be resized
	// at runtime. Its only purpose is letting a test config explicitly
	// document "this test assumes the real 64-entry cache" rather than
	// silently depending on an unstated constant.
	CacheSizeOverride int `mapstructure:"cache_size_override"`
	// FormatOnMissing controls what happens when DevicePath does not exist
	// yet.
	FormatOnMissing FormatPolicy `mapstructure:"format_on_missing"`
	// LogLevel is one of "debug", "info", "warn", "error" (internal/volumelog).
	LogLevel string `mapstructure:"log_level"`
}

// Default returns the zero-configuration default: no device path set (the
// caller must supply one), a minimal 4096-sector (2MiB) volume, and
// format-if-missing, giving every field a safe starting value before a
// config file is layered on.
func Default() Config {
	return Config{
		DevicePath:      "",
		SectorCount:     4096,
		FormatOnMissing: FormatIfMissing,
		LogLevel:        "info",
	}
}

// Load reads path (if non-empty) as a JSON config file via viper, overlays
// any WICOSFS_-prefixed environment variables (e.g. WICOSFS_DEVICE_PATH,
// WICOSFS_SECTOR_COUNT), and returns the validated result.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("wicosfs")
	v.AutomaticEnv()
	v.SetDefault("device_path", cfg.DevicePath)
	v.SetDefault("sector_count", cfg.SectorCount)
	v.SetDefault("cache_size_override", cfg.CacheSizeOverride)
	v.SetDefault("format_on_missing", string(cfg.FormatOnMissing))
	v.SetDefault("log_level", cfg.LogLevel)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the config for internal consistency, filling in safe
// defaults for anything left zero-valued and then rejecting what's still
// broken.
func (c *Config) Validate() error {
	if c.DevicePath == "" {
		return fmt.Errorf("config: device_path must be set")
	}
	if c.SectorCount == 0 {
		c.SectorCount = 4096
	}
	if c.SectorCount <= freemap.FirstDataSector {
		return fmt.Errorf("config: sector_count %d too small (need > %d)", c.SectorCount, freemap.FirstDataSector)
	}
	if c.CacheSizeOverride != 0 && c.CacheSizeOverride != bcache.NumEntries {
		return fmt.Errorf("config: cache_size_override %d does not match the fixed cache capacity %d", c.CacheSizeOverride, bcache.NumEntries)
	}
	switch c.FormatOnMissing {
	case "":
		c.FormatOnMissing = FormatIfMissing
	case FormatNever, FormatIfMissing:
	default:
		return fmt.Errorf("config: format_on_missing must be %q or %q, got %q", FormatNever, FormatIfMissing, c.FormatOnMissing)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
		if c.LogLevel == "" {
			c.LogLevel = "info"
		}
	default:
		return fmt.Errorf("config: log_level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	return nil
}
