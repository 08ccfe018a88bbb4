package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobshop/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 250*time.Millisecond, cfg.Workers.Poll)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 300*time.Second, cfg.Solver.Params().TimeLimit)
	assert.Equal(t, 168*time.Hour, cfg.Solver.Horizon())
	assert.Equal(t, 24, cfg.Disruption.ScopeHours)
	assert.Equal(t, 30, cfg.API.OptimizeRatePerMinute)

	cal, err := cfg.Calendar.Build()
	require.NoError(t, err)
	monday := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsWorkingTime(monday))
	assert.False(t, cal.IsWorkingTime(monday.Add(5*24*time.Hour)))
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobshop.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9090"

[solver]
time_limit_seconds = 60
gap_tolerance = 0.05

[calendar]
timezone = "Europe/Berlin"
holidays = ["2026-04-03"]

[calendar.working_hours]
saturday = "06:00-12:00"
`), 0o644))
	t.Setenv("JOBSHOP_WORKERS_COUNT", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 9, cfg.Workers.Count)
	assert.Equal(t, time.Minute, cfg.Solver.Params().TimeLimit)
	assert.InDelta(t, 0.05, cfg.Solver.GapTolerance, 1e-9)
	assert.Equal(t, "06:00-12:00", cfg.Calendar.WorkingHours["saturday"])
	assert.Equal(t, "08:00-17:00", cfg.Calendar.WorkingHours["monday"])

	cal, err := cfg.Calendar.Build()
	require.NoError(t, err)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	assert.True(t, cal.IsHoliday(time.Date(2026, 4, 3, 10, 0, 0, 0, berlin)))
	assert.True(t, cal.IsWorkingTime(time.Date(2026, 3, 7, 7, 0, 0, 0, berlin)))
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	tests := map[string]string{
		"time limit": "[solver]\ntime_limit_seconds = 5\n",
		"gap":        "[solver]\ngap_tolerance = 0.5\n",
		"workers":    "[workers]\ncount = 0\n",
		"weekday":    "[calendar.working_hours]\nfunday = \"08:00-12:00\"\n",
		"timezone":   "[calendar]\ntimezone = \"Mars/Olympus\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "jobshop.toml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation), "%v", err)
		})
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "jobshop.toml")
	require.NoError(t, WriteDefault(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	def, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, def, cfg)

	assert.Error(t, WriteDefault(path, false))
	assert.NoError(t, WriteDefault(path, true))
}
