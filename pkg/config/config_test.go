package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10*time.Second, cfg.Fetch.InitTimeout)
	assert.Equal(t, 15*time.Second, cfg.Fetch.SegmentTimeout)
	assert.Equal(t, 5*time.Second, cfg.Fetch.RefreshTimeout)
	assert.Equal(t, 20, cfg.Cache.MaxCachedSegments)
	assert.EqualValues(t, 72, cfg.Cache.BufferBehindSegments)
}

func TestLoad_OverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "fetch:\n  segment_timeout: 20s\ncache:\n  max_cached_segments: 40\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.Fetch.SegmentTimeout)
	assert.Equal(t, 40, cfg.Cache.MaxCachedSegments)
	// Untouched fields keep their documented default.
	assert.Equal(t, 10*time.Second, cfg.Fetch.InitTimeout)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSegmentConfig_MirrorsFetchAndCacheSections(t *testing.T) {
	cfg := DefaultConfig()
	sc := cfg.SegmentConfig()

	assert.Equal(t, cfg.Fetch.InitTimeout, sc.InitFetchTimeout)
	assert.Equal(t, cfg.Fetch.SegmentTimeout, sc.SegmentFetchTimeout)
	assert.Equal(t, cfg.Cache.BufferBehindSegments, sc.BufferBehindSegments)
	assert.Equal(t, cfg.Cache.MaxParallelPrefetch, sc.MaxParallelPrefetch)
}

func TestLoadFromEnv_OverridesRedisAndLogging(t *testing.T) {
	t.Setenv("HLSINGEST_REDIS_ADDRESS", "redis.internal:6380")
	t.Setenv("HLSINGEST_LOG_LEVEL", "debug")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
