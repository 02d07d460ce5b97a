// Package config loads the YAML configuration shared by the shipper daemon
// and its companion tools.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where packaged installs drop the shipper config.
const DefaultPath = "/etc/lustre-hsm-action-stream/hsm_action_shipper.yaml"

const defaultTrimChunkSize = 1000

// Config mirrors the recognized YAML keys.
type Config struct {
	MDTWatchGlob           string `yaml:"mdt_watch_glob"`
	CachePath              string `yaml:"cache_path"`
	PollInterval           int    `yaml:"poll_interval"`
	ReconcileInterval      int    `yaml:"reconcile_interval"`
	TrimChunkSize          int64  `yaml:"trim_chunk_size"`
	UseApproximateTrimming bool   `yaml:"use_approximate_trimming"`
	RedisHost              string `yaml:"redis_host"`
	RedisPort              int    `yaml:"redis_port"`
	RedisDB                int    `yaml:"redis_db"`
	RedisStreamPrefix      string `yaml:"redis_stream_prefix"`
	LogLevel               string `yaml:"log_level"`
	LogFile                string `yaml:"log_file"`

	// Deprecated alias of trim_chunk_size, rewritten by Load with a warning.
	AggressiveTrimThreshold int64 `yaml:"aggressive_trim_threshold"`
}

func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func (c *Config) ReconcileDuration() time.Duration {
	return time.Duration(c.ReconcileInterval) * time.Second
}

// Load reads, defaults and validates the config at path. Any error here is
// fatal at startup: the daemon refuses to run on a partial config.
func Load(path string, log logrus.FieldLogger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Key presence matters for validation and defaulting, so decode twice:
	// once generically, once into the struct.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	has := func(key string) bool {
		_, ok := raw[key]
		return ok
	}

	if has("aggressive_trim_threshold") && !has("trim_chunk_size") {
		log.Warn("config: key 'aggressive_trim_threshold' is deprecated, use 'trim_chunk_size'")
		cfg.TrimChunkSize = cfg.AggressiveTrimThreshold
	}
	if cfg.TrimChunkSize <= 0 {
		cfg.TrimChunkSize = defaultTrimChunkSize
		log.Infof("config: 'trim_chunk_size' not set, defaulting to %d", defaultTrimChunkSize)
	}
	if !has("use_approximate_trimming") {
		cfg.UseApproximateTrimming = true
		log.Info("config: 'use_approximate_trimming' not set, defaulting to true")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	required := []string{
		"mdt_watch_glob", "cache_path", "poll_interval", "reconcile_interval",
		"redis_host", "redis_port", "redis_db", "redis_stream_prefix",
	}
	for _, key := range required {
		if !has(key) {
			return nil, fmt.Errorf("config %s: missing required key %q", path, key)
		}
	}
	return &cfg, nil
}
