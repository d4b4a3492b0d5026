package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	DefaultHTTPPort      = 8080
	DefaultDiscoveryPort = 8766
	DefaultChunkSize     = 64 << 10
	DefaultMaxUpload     = 4 << 30
	DefaultBroadcastInt  = 3 * time.Second
)

type Config struct {
	DeviceID      string
	DeviceName    string
	HTTPPort      int
	DiscoveryPort int
	ChunkSize     int64
	DownloadDir   string
	BroadcastInt  time.Duration
	MaxUploadSize int64
	MDNS          bool

	// Client side bounds for a send: dial, per-write stall and wait for the
	// peer's response headers.
	DialTimeout     time.Duration
	IdleTimeout     time.Duration
	ResponseTimeout time.Duration
}

// Default returns a config with a fresh device id, the host name as device
// name and ~/Downloads/landrop as the store.
func Default() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "landrop"
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return Config{
		DeviceID:        uuid.NewString(),
		DeviceName:      hostname,
		HTTPPort:        DefaultHTTPPort,
		DiscoveryPort:   DefaultDiscoveryPort,
		ChunkSize:       DefaultChunkSize,
		DownloadDir:     filepath.Join(homeDir, "Downloads", "landrop"),
		BroadcastInt:    DefaultBroadcastInt,
		MaxUploadSize:   DefaultMaxUpload,
		DialTimeout:     10 * time.Second,
		IdleTimeout:     30 * time.Second,
		ResponseTimeout: 60 * time.Second,
	}
}

// Load reads envFile (".env" when empty; a missing file is fine) and applies
// LANDROP_* environment variables over Default().
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	cfg.DeviceID = getEnv("LANDROP_DEVICE_ID", cfg.DeviceID)
	cfg.DeviceName = getEnv("LANDROP_NAME", cfg.DeviceName)
	cfg.DownloadDir = getEnv("LANDROP_DIR", cfg.DownloadDir)

	var err error
	if cfg.HTTPPort, err = envInt("LANDROP_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.DiscoveryPort, err = envInt("LANDROP_DISCOVERY_PORT", cfg.DiscoveryPort); err != nil {
		return Config{}, err
	}
	if cfg.MaxUploadSize, err = envInt64("LANDROP_MAX_UPLOAD", cfg.MaxUploadSize); err != nil {
		return Config{}, err
	}
	if cfg.BroadcastInt, err = envDuration("LANDROP_BROADCAST_INTERVAL", cfg.BroadcastInt); err != nil {
		return Config{}, err
	}
	if cfg.IdleTimeout, err = envDuration("LANDROP_IDLE_TIMEOUT", cfg.IdleTimeout); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("LANDROP_MDNS"); v != "" {
		if cfg.MDNS, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("LANDROP_MDNS: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device id is empty")
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTPPort)
	}
	if c.DiscoveryPort < 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery port %d out of range", c.DiscoveryPort)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadSize)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
