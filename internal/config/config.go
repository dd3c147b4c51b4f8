package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the fieldmark service configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Cache       CacheConfig       `yaml:"cache"`
	Remote      RemoteConfig      `yaml:"remote"`
	Sync        SyncConfig        `yaml:"sync"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Geolocation GeolocationConfig `yaml:"geolocation"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// CacheConfig holds local cache backend settings.
type CacheConfig struct {
	Driver string `yaml:"driver"` // sqlite, redis, memory (default: sqlite)
	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`
	// Addrs, Password, KeyPrefix apply to the redis driver.
	Addrs     []string `yaml:"addrs"`
	Password  string   `yaml:"password"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// RemoteConfig holds remote catalog API settings.
type RemoteConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// SyncConfig holds sync scheduling and push retry settings.
type SyncConfig struct {
	IntervalSec  int `yaml:"interval_sec"`
	PushAttempts int `yaml:"push_attempts"`
	RetryBaseMs  int `yaml:"retry_base_ms"`
	RetryMaxMs   int `yaml:"retry_max_ms"`
}

// ClusterConfig holds grid clustering settings.
type ClusterConfig struct {
	// BaseCellDeg is the grid cell size in degrees at zoom 0; each zoom
	// level halves it.
	BaseCellDeg float64 `yaml:"base_cell_deg"`
}

// GeolocationConfig holds the device position provider settings.
type GeolocationConfig struct {
	// Static pins the position to fixed coordinates; when absent the
	// provider reports unavailable and proximity degrades gracefully.
	Static     *StaticPosition `yaml:"static"`
	TimeoutSec int             `yaml:"timeout_sec"`
}

// StaticPosition is a fixed device coordinate.
type StaticPosition struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "sqlite"
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "fieldmark.db"
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "fieldmark:"
	}
	if c.Remote.TimeoutSec <= 0 {
		c.Remote.TimeoutSec = 15
	}
	if c.Sync.IntervalSec <= 0 {
		c.Sync.IntervalSec = 300
	}
	if c.Sync.PushAttempts <= 0 {
		c.Sync.PushAttempts = 3
	}
	if c.Sync.RetryBaseMs <= 0 {
		c.Sync.RetryBaseMs = 500
	}
	if c.Sync.RetryMaxMs <= 0 {
		c.Sync.RetryMaxMs = 30000
	}
	if c.Cluster.BaseCellDeg <= 0 {
		c.Cluster.BaseCellDeg = 45
	}
	if c.Geolocation.TimeoutSec <= 0 {
		c.Geolocation.TimeoutSec = 5
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Cache.Driver {
	case "sqlite", "memory":
	case "redis":
		if len(c.Cache.Addrs) == 0 {
			return fmt.Errorf("cache.addrs is required for the redis driver")
		}
	default:
		return fmt.Errorf("cache.driver must be sqlite, redis or memory, got %q", c.Cache.Driver)
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Sync.RetryBaseMs > c.Sync.RetryMaxMs {
		return fmt.Errorf("sync.retry_base_ms (%d) exceeds sync.retry_max_ms (%d)",
			c.Sync.RetryBaseMs, c.Sync.RetryMaxMs)
	}
	if s := c.Geolocation.Static; s != nil {
		if s.Lat < -90 || s.Lat > 90 || s.Lon < -180 || s.Lon > 180 {
			return fmt.Errorf("geolocation.static out of range: (%v, %v)", s.Lat, s.Lon)
		}
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
