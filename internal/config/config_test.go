package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/credit-pool/internal/model"
	"github.com/atmx/credit-pool/internal/riskconfig"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNew_Defaults(t *testing.T) {
	cfg, err := New("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, 10*time.Second, cfg.Finalizer.Interval)
	assert.Equal(t, "creditpool.events", cfg.NATS.Subject)
	assert.Empty(t, cfg.Database.URL)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	params, err := cfg.Pool.PoolParams()
	require.NoError(t, err)
	defaults := riskconfig.DefaultParams()
	assert.True(t, params.ProtocolFeeRate.Eq(defaults.ProtocolFeeRate))
	assert.Equal(t, defaults.FinalizationBatchLimit, params.FinalizationBatchLimit)
	assert.Equal(t, riskconfig.DefaultRisk(), cfg.Pool.ModelRisk())
}

func TestNew_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
log:
  level: debug
pool:
  seed_amount: "5000"
  admins:
    - "0x00000000000000000000000000000000000000AA"
  params:
    min_delay_ticks: 12
  risk:
    liquidation_threshold_pct: 80
finalizer:
  interval: 3s
`)
	t.Setenv("CREDITPOOL_SERVER_PORT", "7070")
	t.Setenv("CREDITPOOL_POOL_PARAMS_MIN_DELEGATE", "10")

	cfg, err := New(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port, "env overrides file")
	assert.Equal(t, 3*time.Second, cfg.Finalizer.Interval)
	assert.Equal(t, "5000", cfg.Pool.SeedAmount)
	assert.Equal(t, uint64(80), cfg.Pool.Risk.LiquidationThresholdPct)
	assert.Equal(t, uint64(5), cfg.Pool.Risk.LiquidationBonusPct, "unset keys keep defaults")

	params, err := cfg.Pool.PoolParams()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), params.MinDelayTicks)
	assert.Equal(t, uint64(10), params.MinDelegate.Uint64())

	roles, err := cfg.Pool.Roles()
	require.NoError(t, err)
	assert.Equal(t, []model.Address{"0x00000000000000000000000000000000000000aa"}, roles.Admins)
}

func TestPoolParams_DecimalRates(t *testing.T) {
	path := writeConfig(t, `
pool:
  params:
    protocol_fee_rate: "0.25"
    utilization_rate_per_tick: "1585489599"
`)
	cfg, err := New(path)
	require.NoError(t, err)

	params, err := cfg.Pool.PoolParams()
	require.NoError(t, err)
	assert.Equal(t, "250000000000000000", params.ProtocolFeeRate.Dec())
	assert.Equal(t, "1585489599", params.UtilizationRatePerTick.Dec())

	cfg.Pool.Params.ProtocolFeeRate = "0.1x"
	_, err = cfg.Pool.PoolParams()
	assert.Error(t, err)
}

func TestNew_MissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := New("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"redis without database", func(c *Config) { c.Redis.URL = "redis://localhost:6379" }},
		{"database without retries", func(c *Config) {
			c.Database.URL = "postgres://localhost/pool"
			c.Database.MaxRetryTimes = 0
		}},
		{"wildcard nats subject", func(c *Config) {
			c.NATS.URL = "nats://localhost:4222"
			c.NATS.Subject = "creditpool.>"
		}},
		{"negative finalizer interval", func(c *Config) { c.Finalizer.Interval = -time.Second }},
		{"zero pool address", func(c *Config) { c.Pool.Address = string(model.ZeroAddress) }},
		{"bad admin", func(c *Config) { c.Pool.Admins = []string{"alice"} }},
		{"zero seed", func(c *Config) { c.Pool.SeedAmount = "0" }},
		{"non-numeric seed", func(c *Config) { c.Pool.SeedAmount = "1e6" }},
		{"seed below min delegate", func(c *Config) {
			c.Pool.SeedAmount = "5"
			c.Pool.Params.MinDelegate = "6"
		}},
		{"fee rate above one", func(c *Config) { c.Pool.Params.ProtocolFeeRate = "1000000000000000001" }},
		{"zero batch limit", func(c *Config) { c.Pool.Params.FinalizationBatchLimit = 0 }},
		{"threshold above 100", func(c *Config) { c.Pool.Risk.LiquidationThresholdPct = 101 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
