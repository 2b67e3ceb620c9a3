package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Settlement.MaxAttempts)
	assert.Equal(t, "trades.executed", cfg.NATS.Subject)

	bal, err := cfg.StartingBalance()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100000).Equal(bal))

	inst, sector, err := cfg.RiskLimits()
	require.NoError(t, err)
	assert.True(t, inst.IsZero())
	assert.True(t, sector.IsZero())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  request_timeout: 15s
storage:
  driver: sqlite
  sqlite_path: /tmp/ledger.db
settlement:
  max_attempts: 5
  base_backoff: 10ms
  starting_balance: "250000.50"
risk:
  max_per_instrument: "20000"
logging:
  level: debug
`)
	t.Setenv("PORT", "9100")
	t.Setenv("RISK_MAX_PER_SECTOR", "50000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env wins over file")
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout, "unset keys keep defaults")
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/ledger.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 5, cfg.Settlement.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Settlement.BaseBackoff)
	assert.Equal(t, "debug", cfg.Logging.Level)

	bal, err := cfg.StartingBalance()
	require.NoError(t, err)
	assert.Equal(t, "250000.5", bal.String())

	inst, sector, err := cfg.RiskLimits()
	require.NoError(t, err)
	assert.Equal(t, "20000", inst.String())
	assert.Equal(t, "50000", sector.String())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown driver", "storage:\n  driver: mongo\n"},
		{"postgres without url", "storage:\n  driver: postgres\n"},
		{"zero attempts", "settlement:\n  max_attempts: 0\n"},
		{"bad balance", "settlement:\n  starting_balance: lots\n"},
		{"negative balance", "settlement:\n  starting_balance: \"-1\"\n"},
		{"bad risk cap", "risk:\n  max_per_sector: abc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
