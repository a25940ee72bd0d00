package app

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://u:p@db:5432/stock")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "SAR", cfg.Currency)
	require.Equal(t, 2*time.Minute, cfg.CloseLockTTL)
	require.Equal(t, 3, cfg.TxRetries)
	require.Equal(t, "0 3 * * *", cfg.IntegrityCron)
	tol, err := cfg.Tolerance()
	require.NoError(t, err)
	require.Equal(t, "0.01", tol.String())
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("VARIANCE_TOLERANCE", "-1")
	_, err := LoadConfig()
	require.ErrorContains(t, err, "VARIANCE_TOLERANCE")

	t.Setenv("VARIANCE_TOLERANCE", "0.05")
	t.Setenv("CURRENCY", "XYZ1")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "CURRENCY")
}

func TestLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "period_id", 4)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"period_id":4`)
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}
