package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	unsetEnv(t, "APP_ENV", "LEDGER_QUEUE", "LEDGER_MAX_RETRY", "LEDGER_CONFIG_CACHE_TTL", "MAKER_CHECKER_ENFORCED")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "ledger", cfg.LedgerQueue)
	require.Equal(t, 10, cfg.LedgerMaxRetry)
	require.Equal(t, 5*time.Minute, cfg.LedgerConfigCacheTTL)
	require.True(t, cfg.MakerCheckerEnforced)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LEDGER_QUEUE", "gl")
	t.Setenv("LEDGER_MAX_RETRY", "3")
	t.Setenv("WORKER_CONCURRENCY", "0")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "gl", cfg.LedgerQueue)
	require.Equal(t, 3, cfg.LedgerMaxRetry)
	require.Equal(t, 1, cfg.WorkerConcurrency)
	require.True(t, cfg.IsProduction())
}

func TestLoadConfigRejectsNegativeRetry(t *testing.T) {
	t.Setenv("LEDGER_MAX_RETRY", "-1")
	_, err := LoadConfig()
	require.Error(t, err)
}

func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfigLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, cfg.LogLevel)
}

func TestLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{AppEnv: "staging", LogFormat: "json", LogLevel: slog.LevelWarn})
	logger.Info("dropped")
	logger.Warn("kept", slog.Int64("log_id", 9))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	require.Equal(t, "kept", record["msg"])
	require.Equal(t, "staging", record["env"])
	require.EqualValues(t, 9, record["log_id"])
}
