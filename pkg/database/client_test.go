package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/pkg/config"
)

func testDatabaseConfig() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Host:            "db.internal",
		Port:            5433,
		User:            "mnemos",
		Password:        "secret",
		Database:        "mnemos",
		SSLMode:         "require",
		MaxConns:        10,
		MinConns:        2,
		ConnMaxLifetime: config.Duration(time.Hour),
		ConnMaxIdleTime: config.Duration(10 * time.Minute),
		QueryTimeout:    config.Duration(5 * time.Second),
	}
}

func TestPoolConfig(t *testing.T) {
	poolCfg, err := poolConfig(testDatabaseConfig())
	require.NoError(t, err)

	assert.Equal(t, int32(10), poolCfg.MaxConns)
	assert.Equal(t, int32(2), poolCfg.MinConns)
	assert.Equal(t, time.Hour, poolCfg.MaxConnLifetime)
	assert.Equal(t, 10*time.Minute, poolCfg.MaxConnIdleTime)
	assert.Equal(t, "db.internal", poolCfg.ConnConfig.Host)
	assert.Equal(t, uint16(5433), poolCfg.ConnConfig.Port)

	// query_timeout becomes a per-statement bound enforced by the server.
	assert.Equal(t, "5000", poolCfg.ConnConfig.RuntimeParams["statement_timeout"])
}

func TestPoolConfigZeroQueryTimeoutUnbounded(t *testing.T) {
	cfg := testDatabaseConfig()
	cfg.QueryTimeout = 0

	poolCfg, err := poolConfig(cfg)
	require.NoError(t, err)

	_, ok := poolCfg.ConnConfig.RuntimeParams["statement_timeout"]
	assert.False(t, ok)
}
