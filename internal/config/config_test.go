package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaults 无配置文件时使用内置默认值
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Monitor.BatchSize)
	assert.Equal(t, 4, cfg.Monitor.Workers)
	assert.Equal(t, 20, cfg.Monitor.Concurrent)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Interval)
	assert.Equal(t, "full_check", cfg.Monitor.CheckType)
	assert.Equal(t, "strict", cfg.Monitor.StatusPolicy)
	assert.Equal(t, "Asia/Kolkata", cfg.Monitor.Timezone)

	assert.Equal(t, 5*time.Second, cfg.Probe.Timeout)
	assert.True(t, cfg.Probe.PingEnable)
	assert.Equal(t, 5, cfg.Camera.MaxChannelsDefault)
	assert.Equal(t, 1000, cfg.Camera.MinImageBytes)

	assert.False(t, cfg.Archive.Enabled)
	assert.Equal(t, "local", cfg.Archive.StorageBackend)
}

// TestLoadFromFile 配置文件覆盖默认值
func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
monitor:
  batch_size: 100
  workers: 8
  status_policy: lenient
  timezone: UTC
probe:
  ping_enable: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Monitor.BatchSize)
	assert.Equal(t, 8, cfg.Monitor.Workers)
	assert.Equal(t, "lenient", cfg.Monitor.StatusPolicy)
	assert.False(t, cfg.Probe.PingEnable)
	// 未覆盖的项保持默认
	assert.Equal(t, 20, cfg.Monitor.Concurrent)
}

// TestLocationFallback 非法时区回退UTC
func TestLocationFallback(t *testing.T) {
	cfg := &Config{Monitor: MonitorConfig{Timezone: "Not/AZone"}}
	assert.Equal(t, time.UTC, cfg.Location())

	cfg.Monitor.Timezone = "Asia/Kolkata"
	assert.Equal(t, "Asia/Kolkata", cfg.Location().String())
}

// TestReplaceEnvVars 环境变量占位符替换
func TestReplaceEnvVars(t *testing.T) {
	t.Setenv("TEST_MONITOR_ID", "engine-7")

	cfg := Config{Monitor: MonitorConfig{ID: "${TEST_MONITOR_ID}"}}
	cfg = replaceEnvVars(cfg)
	assert.Equal(t, "engine-7", cfg.Monitor.ID)

	// 未设置的变量保留原样
	cfg = Config{Monitor: MonitorConfig{ID: "${TEST_MONITOR_UNSET}"}}
	cfg = replaceEnvVars(cfg)
	assert.Equal(t, "${TEST_MONITOR_UNSET}", cfg.Monitor.ID)
}

// TestGetServerAddr 测试监听地址拼接
func TestGetServerAddr(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "0.0.0.0", Port: 8086}}
	assert.Equal(t, "0.0.0.0:8086", cfg.GetServerAddr())
}
