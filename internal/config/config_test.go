package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
escrow:
  owner: "0x00000000000000000000000000000000000000aa"
  min_funding_window: 2h
  min_ordering_window: 3h
store:
  driver: memory
lock:
  driver: redis
  redis:
    addr: redis:6379
task:
  interval: 15
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0xaa"), cfg.Escrow.OwnerAddress())
	assert.Equal(t, 2*time.Hour, cfg.Escrow.MinFundingWindow)
	assert.Equal(t, 3*time.Hour, cfg.Escrow.MinOrderingWindow)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "redis:6379", cfg.Lock.Redis.Addr)
	assert.Equal(t, 15, cfg.Task.Interval)

	// 默认值
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, int64(12), cfg.Chain.Confirmations)
	assert.Equal(t, 30*time.Second, cfg.Chain.PollInterval)
	assert.Equal(t, "info", cfg.Log.GetLevel())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GROUPBUY_SERVER_PORT", "9999")
	t.Setenv("GROUPBUY_TASK_WORKERS", "3")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Task.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, sampleConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"malformed owner", func(c *Config) { c.Escrow.Owner = "0x1234" }},
		{"zero owner", func(c *Config) { c.Escrow.Owner = "0x0000000000000000000000000000000000000000" }},
		{"zero funding window", func(c *Config) { c.Escrow.MinFundingWindow = 0 }},
		{"negative ordering window", func(c *Config) { c.Escrow.MinOrderingWindow = -time.Second }},
		{"unknown store", func(c *Config) { c.Store.Driver = "etcd" }},
		{"unknown lock", func(c *Config) { c.Lock.Driver = "zookeeper" }},
		{"chain without rpc", func(c *Config) { c.Chain.Enabled = true; c.Chain.PrivateKey = "ab" }},
		{"chain without key", func(c *Config) { c.Chain.Enabled = true; c.Chain.RpcUrl = "http://node" }},
		{"zero interval", func(c *Config) { c.Task.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, valid().Validate())
}
