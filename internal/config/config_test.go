package config

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	testConfigPath := path.Join(tmpDir, "test_config.yaml")

	testConfig := `
dir: /var/lib/vecagent
log:
  level: debug
index:
  dimension: 784
  distance_type: cos
  auto_index_check_duration: 10s
  auto_index_length: 50
  id_cache_size: -1
persistence:
  enable_copy_on_write: true
  broken_index_history_limit: 5
kvs:
  scan_on_startup: true
stream:
  concurrency: 4
server:
  host: 127.0.0.1
  port: 9000
health:
  liveness:
    port: 3000
  readiness:
    port: 3001
`
	err := os.WriteFile(testConfigPath, []byte(testConfig), 0644)
	assert.NoError(t, err)

	cfg, err := FromFile(testConfigPath)
	assert.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "/var/lib/vecagent", cfg.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 784, cfg.Index.Dimension)
	assert.Equal(t, "cos", cfg.Index.DistanceType)
	assert.Equal(t, 10*time.Second, cfg.AutoIndexCheckDuration())
	assert.Equal(t, 35*time.Minute, cfg.AutoSaveIndexDuration())
	assert.Equal(t, 50, cfg.Index.AutoIndexLength)
	assert.Equal(t, -1, cfg.Index.IDCacheSize)
	assert.True(t, cfg.Persistence.EnableCopyOnWrite)
	assert.Equal(t, 5, cfg.Persistence.BrokenIndexHistoryLimit)
	assert.Equal(t, "/var/lib/vecagent/kvs", cfg.KVS.Path)
	assert.True(t, cfg.KVS.ScanOnStartup)
	assert.Equal(t, 4, cfg.Stream.Concurrency)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.String())
	assert.Equal(t, cfg.Health.Liveness, cfg.Health.Startup)
	assert.Equal(t, "/var/lib/vecagent/index", cfg.IndexPath())

	cfg, err = FromFile("non_existent_file.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestFromFileInvalid(t *testing.T) {
	tmpDir := t.TempDir()

	badYAML := path.Join(tmpDir, "bad.yaml")
	assert.NoError(t, os.WriteFile(badYAML, []byte("index: [unclosed"), 0644))
	_, err := FromFile(badYAML)
	assert.Error(t, err)

	badDuration := path.Join(tmpDir, "duration.yaml")
	assert.NoError(t, os.WriteFile(badDuration, []byte("index:\n  auto_index_check_duration: soon\n"), 0644))
	_, err = FromFile(badDuration)
	assert.Error(t, err)
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig("/data")
	assert.NoError(t, err)

	assert.Equal(t, DefaultDimension, cfg.Index.Dimension)
	assert.Equal(t, DefaultDistanceType, cfg.Index.DistanceType)
	assert.Equal(t, DefaultBrokenIndexHistoryLimit, cfg.Persistence.BrokenIndexHistoryLimit)
	assert.False(t, cfg.Persistence.EnableCopyOnWrite)
	assert.Equal(t, DefaultStreamConcurrency, cfg.Stream.Concurrency)
	assert.Equal(t, DefaultIDCacheSize, cfg.Index.IDCacheSize)
	assert.Equal(t, 30*time.Minute, cfg.AutoIndexCheckDuration())
	assert.Equal(t, ":8081", cfg.Server.String())
}
