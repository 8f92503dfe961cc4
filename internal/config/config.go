package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	ListenAddress string `json:"listen_address"`

	SnapshotPath   string `json:"snapshot_path"`
	ArchivePath    string `json:"archive_path"`
	MaxStorageDays int    `json:"max_storage_days"`

	SearchQueries         []string `json:"search_queries"`
	IntervalMinutes       int      `json:"interval_minutes"`
	PerQueryDelaySeconds  int      `json:"per_query_delay_seconds"`
	PerQueryJitterSeconds int      `json:"per_query_jitter_seconds"`

	Adapter            string `json:"adapter"`
	MarketplaceBaseURL string `json:"marketplace_base_url"`

	BackgroundFilterEnabled  bool    `json:"background_filter_enabled"`
	MinDimension             int     `json:"min_dimension"`
	SharpnessThreshold       float64 `json:"sharpness_threshold"`
	BackgroundColorThreshold float64 `json:"background_color_threshold"`
	ColorDiffTolerance       float64 `json:"color_diff_tolerance"`
	MaxSolidColorRatio       float64 `json:"max_solid_color_ratio"`
	ImageFetchTimeoutSec     int     `json:"image_fetch_timeout_sec"`

	NotificationsEnabled     bool    `json:"notifications_enabled"`
	NotificationDelaySeconds int     `json:"notification_delay_seconds"`
	JPYToEURRate             float64 `json:"jpy_to_eur_rate"`

	HTTPReadTimeoutSec  int `json:"http_read_timeout_sec"`
	HTTPWriteTimeoutSec int `json:"http_write_timeout_sec"`
	HTTPIdleTimeoutSec  int `json:"http_idle_timeout_sec"`
}

func defaultConfig() Config {
	return Config{
		ListenAddress:            ":8090",
		SnapshotPath:             "known_products.json",
		ArchivePath:              "marketwatch.db",
		MaxStorageDays:           7,
		SearchQueries:            []string{},
		IntervalMinutes:          15,
		PerQueryDelaySeconds:     5,
		PerQueryJitterSeconds:    5,
		Adapter:                  "mock",
		MarketplaceBaseURL:       "",
		BackgroundFilterEnabled:  true,
		MinDimension:             100,
		SharpnessThreshold:       1000,
		BackgroundColorThreshold: 20,
		ColorDiffTolerance:       30,
		MaxSolidColorRatio:       0.4,
		ImageFetchTimeoutSec:     30,
		NotificationsEnabled:     false,
		NotificationDelaySeconds: 1,
		JPYToEURRate:             0.0064,
		HTTPReadTimeoutSec:       10,
		HTTPWriteTimeoutSec:      20,
		HTTPIdleTimeoutSec:       60,
	}
}

// LoadOrInit reads the config at path, creating it with defaults first if
// it does not exist. The second return value reports whether a fresh file
// was written (in which case the caller should ask the user to edit it).
func LoadOrInit(path string) (Config, bool, error) {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := defaultConfig()
		if err := writeConfig(path, cfg); err != nil {
			return Config{}, false, err
		}
		return cfg, true, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}
	cfg := defaultConfig()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, false, nil
}

func writeConfig(path string, cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o600)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.SnapshotPath) == "" {
		return errors.New("snapshot_path is required")
	}
	if strings.TrimSpace(c.ArchivePath) == "" {
		return errors.New("archive_path is required")
	}
	if c.MaxStorageDays < 1 || c.MaxStorageDays > 365 {
		return errors.New("max_storage_days must be 1..365")
	}
	if c.IntervalMinutes < 1 || c.IntervalMinutes > 24*60 {
		return errors.New("interval_minutes out of range")
	}
	if c.PerQueryDelaySeconds < 0 || c.PerQueryDelaySeconds > 3600 {
		return errors.New("per_query_delay_seconds out of range")
	}
	if c.PerQueryJitterSeconds < 0 || c.PerQueryJitterSeconds > 600 {
		return errors.New("per_query_jitter_seconds out of range")
	}
	switch c.Adapter {
	case "mock":
	case "http-json":
		if strings.TrimSpace(c.MarketplaceBaseURL) == "" {
			return errors.New("marketplace_base_url is required for the http-json adapter")
		}
	default:
		return fmt.Errorf("adapter must be mock or http-json, got %q", c.Adapter)
	}
	if c.MinDimension < 1 || c.MinDimension > 10000 {
		return errors.New("min_dimension out of range")
	}
	if c.SharpnessThreshold < 0 {
		return errors.New("sharpness_threshold must be non-negative")
	}
	if c.BackgroundColorThreshold <= 0 || c.BackgroundColorThreshold > 255 {
		return errors.New("background_color_threshold must be in (0,255]")
	}
	if c.ColorDiffTolerance <= 0 || c.ColorDiffTolerance > 442 {
		return errors.New("color_diff_tolerance must be in (0,442]")
	}
	if c.MaxSolidColorRatio <= 0 || c.MaxSolidColorRatio > 1 {
		return errors.New("max_solid_color_ratio must be in (0,1]")
	}
	if c.ImageFetchTimeoutSec < 1 || c.ImageFetchTimeoutSec > 300 {
		return errors.New("image_fetch_timeout_sec out of range")
	}
	if c.NotificationDelaySeconds < 0 || c.NotificationDelaySeconds > 60 {
		return errors.New("notification_delay_seconds out of range")
	}
	if c.JPYToEURRate <= 0 || c.JPYToEURRate > 1 {
		return errors.New("jpy_to_eur_rate must be in (0,1]")
	}
	return nil
}
