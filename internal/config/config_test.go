package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shipper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimal = `
mdt_watch_glob: /mnt/lustre/*/hsm/actions
cache_path: /var/lib/shipper/cache.json
poll_interval: 15
reconcile_interval: 300
redis_host: localhost
redis_port: 6379
redis_db: 1
redis_stream_prefix: "hsm:actions"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal), logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "/mnt/lustre/*/hsm/actions", cfg.MDTWatchGlob)
	assert.Equal(t, int64(1000), cfg.TrimChunkSize)
	assert.True(t, cfg.UseApproximateTrimming)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 15, cfg.PollInterval)
}

func TestLoadExplicitTrimSettings(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal+`
trim_chunk_size: 250
use_approximate_trimming: false
log_level: debug
`), logrus.New())
	require.NoError(t, err)

	assert.Equal(t, int64(250), cfg.TrimChunkSize)
	assert.False(t, cfg.UseApproximateTrimming)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadDeprecatedAlias(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal+`
aggressive_trim_threshold: 500
`), logrus.New())
	require.NoError(t, err)
	assert.Equal(t, int64(500), cfg.TrimChunkSize)
}

func TestLoadAliasDoesNotOverrideExplicitKey(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal+`
aggressive_trim_threshold: 500
trim_chunk_size: 250
`), logrus.New())
	require.NoError(t, err)
	assert.Equal(t, int64(250), cfg.TrimChunkSize)
}

func TestLoadMissingRequiredKey(t *testing.T) {
	_, err := Load(writeConfig(t, `
mdt_watch_glob: /mnt/lustre/*/hsm/actions
poll_interval: 15
`), logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache_path")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), logrus.New())
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "{nope: [unclosed"), logrus.New())
	assert.Error(t, err)
}
