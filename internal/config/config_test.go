package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ACCOUNTING_BACKEND", "")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/ledger")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, ":9090", cfg.MetricsAddress())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ShutdownPeriod)
	assert.Zero(t, cfg.WithdrawalThrottleDelay)
}

func TestLoadPostgresRequiresDatabaseURL(t *testing.T) {
	t.Setenv("ACCOUNTING_BACKEND", "psql")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadTigerBeetle(t *testing.T) {
	t.Setenv("ACCOUNTING_BACKEND", "tigerbeetle")
	t.Setenv("TIGERBEETLE_CLUSTER_ID", "7")
	t.Setenv("TIGERBEETLE_ADDRESSES", "3000, 127.0.0.1:3001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendTigerBeetle, cfg.Backend)
	assert.Equal(t, uint64(7), cfg.TigerBeetleClusterID)
	assert.Equal(t, []string{"3000", "127.0.0.1:3001"}, cfg.TigerBeetleAddresses)
}

func TestLoadTigerBeetleRequiresAddresses(t *testing.T) {
	t.Setenv("ACCOUNTING_BACKEND", "tigerbeetle")
	t.Setenv("TIGERBEETLE_ADDRESSES", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TIGERBEETLE_ADDRESSES")
}

func TestLoadMemoryBackend(t *testing.T) {
	t.Setenv("ACCOUNTING_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend)
}

func TestLoadUnknownBackend(t *testing.T) {
	t.Setenv("ACCOUNTING_BACKEND", "oracle")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadThrottleDelay(t *testing.T) {
	t.Setenv("ACCOUNTING_BACKEND", "memory")
	t.Setenv("WITHDRAWAL_THROTTLE_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.WithdrawalThrottleDelay)

	t.Setenv("WITHDRAWAL_THROTTLE_DELAY", "-1s")
	_, err = Load()
	require.Error(t, err)
}

func TestLoadShutdownOverrides(t *testing.T) {
	t.Setenv("ACCOUNTING_BACKEND", "memory")
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.ShutdownPeriod)
}
