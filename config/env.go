package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the daemon reads from the environment.
type Config struct {
	Endpoint string `env:"CLOUDFETCH_ENDPOINT" envDefault:"https://offcloud.com"`
	APIKey   string `env:"CLOUDFETCH_API_KEY"`

	WatchDir         string `env:"CLOUDFETCH_WATCH_DIR"`
	DownloadLocation string `env:"CLOUDFETCH_DOWNLOADS"`

	MaxConcurrentDownloads int           `env:"CLOUDFETCH_MAX_CONCURRENT" envDefault:"3"`
	PollInterval           time.Duration `env:"CLOUDFETCH_POLL_INTERVAL" envDefault:"10s"`
	ScanInterval           time.Duration `env:"CLOUDFETCH_SCAN_INTERVAL" envDefault:"15s"`
	MaintenanceInterval    time.Duration `env:"CLOUDFETCH_MAINTENANCE_INTERVAL" envDefault:"1h"`

	// The remote exposes no quota API, so total capacity is an assumption.
	AssumedTotalBytes int64 `env:"CLOUDFETCH_ASSUMED_TOTAL_BYTES" envDefault:"536870912000"` // 500 GiB
	MinReservedBytes  int64 `env:"CLOUDFETCH_MIN_RESERVED_BYTES" envDefault:"5368709120"`    // 5 GiB

	HTTPTimeout time.Duration `env:"CLOUDFETCH_HTTP_TIMEOUT" envDefault:"30s"`
	CORSOrigins string        `env:"CORS_ORIGINS"`
}

// Load parses the environment and fills in derived defaults.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if c.DownloadLocation == "" {
		c.DownloadLocation = defaultDownloadLocation()
	}
	if c.WatchDir == "" {
		c.WatchDir = filepath.Join(c.DownloadLocation, "watch")
	}
	return c, nil
}

// defaultDownloadLocation returns an OS-appropriate downloads folder.
func defaultDownloadLocation() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if can't get home dir
		return filepath.Join(".", "downloads")
	}
	return filepath.Join(homeDir, "Downloads", "cloudfetch")
}
