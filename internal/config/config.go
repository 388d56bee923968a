// Package config resolves runtime settings. Values start from defaults, are
// overlaid by an optional YAML file and then by DISCUSSYNC_* environment
// variables. Command-line flags are applied last by the binaries.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "DISCUSSYNC_"

type Config struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	ChannelURL string `yaml:"channel_url"`

	MemberID int64  `yaml:"member_id"`
	Username string `yaml:"username"`

	StateDir    string `yaml:"state_dir"`
	StoreDSN    string `yaml:"store_dsn"`
	ProjectFile string `yaml:"project_file"`

	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ResolveRetry   time.Duration `yaml:"resolve_retry"`
	BufferSize     int           `yaml:"buffer_size"`
	LogCapacity    int           `yaml:"log_capacity"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	MaxRetries     int           `yaml:"max_retries"`

	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	MetricsAddr   string        `yaml:"metrics_addr"`

	RelayAddr   string `yaml:"relay_addr"`
	RedisURL    string `yaml:"redis_url"`
	RelaySecret string `yaml:"relay_secret"`
}

func Defaults() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:8000/v1",
		ChannelURL:     "ws://127.0.0.1:8000",
		StateDir:       ".discussync",
		ReconnectDelay: 5 * time.Second,
		ResolveRetry:   time.Second,
		BufferSize:     256,
		LogCapacity:    1024,
		HTTPTimeout:    15 * time.Second,
		MaxRetries:     2,
		ProbeInterval:  10 * time.Second,
		RelayAddr:      ":8000",
	}
}

// Load resolves the configuration from path (skipped when empty or missing)
// and the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if err := cfg.LoadFile(path); err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv()
	cfg.FillDerived()
	return cfg, nil
}

func (c *Config) LoadFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) ApplyEnv() {
	c.BaseURL = envOrDefault(envPrefix+"BASE_URL", c.BaseURL)
	c.Token = envOrDefault(envPrefix+"TOKEN", c.Token)
	c.ChannelURL = envOrDefault(envPrefix+"CHANNEL_URL", c.ChannelURL)
	c.MemberID = int64Env(envPrefix+"MEMBER_ID", c.MemberID)
	c.Username = envOrDefault(envPrefix+"USERNAME", c.Username)
	c.StateDir = envOrDefault(envPrefix+"STATE_DIR", c.StateDir)
	c.StoreDSN = envOrDefault(envPrefix+"STORE_DSN", c.StoreDSN)
	c.ProjectFile = envOrDefault(envPrefix+"PROJECT_FILE", c.ProjectFile)
	c.ReconnectDelay = durationEnv(envPrefix+"RECONNECT_DELAY", c.ReconnectDelay)
	c.ResolveRetry = durationEnv(envPrefix+"RESOLVE_RETRY", c.ResolveRetry)
	c.BufferSize = intEnv(envPrefix+"BUFFER_SIZE", c.BufferSize)
	c.LogCapacity = intEnv(envPrefix+"LOG_CAPACITY", c.LogCapacity)
	c.HTTPTimeout = durationEnv(envPrefix+"HTTP_TIMEOUT", c.HTTPTimeout)
	c.MaxRetries = intEnv(envPrefix+"MAX_RETRIES", c.MaxRetries)
	c.ProbeURL = envOrDefault(envPrefix+"PROBE_URL", c.ProbeURL)
	c.ProbeInterval = durationEnv(envPrefix+"PROBE_INTERVAL", c.ProbeInterval)
	c.MetricsAddr = envOrDefault(envPrefix+"METRICS_ADDR", c.MetricsAddr)
	c.RelayAddr = envOrDefault(envPrefix+"RELAY_ADDR", c.RelayAddr)
	c.RedisURL = envOrDefault(envPrefix+"REDIS_URL", c.RedisURL)
	c.RelaySecret = envOrDefault(envPrefix+"RELAY_SECRET", c.RelaySecret)
}

// FillDerived points the store and project file into StateDir unless they were
// set explicitly.
func (c *Config) FillDerived() {
	if strings.TrimSpace(c.StoreDSN) == "" {
		c.StoreDSN = "file://" + filepath.Join(c.StateDir, "oplog.json")
	}
	if strings.TrimSpace(c.ProjectFile) == "" {
		c.ProjectFile = filepath.Join(c.StateDir, "project.json")
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
