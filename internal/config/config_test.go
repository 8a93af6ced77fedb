package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("ADMIN_API_TOKEN", "admin")
	t.Setenv("QUOTA_TIMEZONE", "America/New_York")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "America/New_York", cfg.Quota.Location.String())
	assert.Equal(t, 5, cfg.Quota.RetryMaxAttempts)
	assert.Equal(t, "@every 1m", cfg.Quota.ReconcileSchedule)

	limits, ok := cfg.Plans.Lookup("free", "ai-request")
	require.True(t, ok)
	assert.Equal(t, int64(50), limits.DailyLimit)
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	t.Setenv("DB_PASSWORD", "")
	t.Setenv("ADMIN_API_TOKEN", "admin")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRejectsUnknownTimezone(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("ADMIN_API_TOKEN", "admin")
	t.Setenv("QUOTA_TIMEZONE", "Mars/Olympus_Mons")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "QUOTA_TIMEZONE")
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DB_PASSWORD=fromfile\nADMIN_API_TOKEN=fromfile\nSERVER_PORT=9191\n"), 0o600))

	t.Setenv("ENV_FILE", path)
	// godotenv does not override variables that are already set, so make
	// sure these start out empty for the duration of the test.
	t.Setenv("DB_PASSWORD", "")
	t.Setenv("ADMIN_API_TOKEN", "")
	t.Setenv("SERVER_PORT", "")
	os.Unsetenv("DB_PASSWORD")
	os.Unsetenv("ADMIN_API_TOKEN")
	os.Unsetenv("SERVER_PORT")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "fromfile", cfg.Database.Password)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoadPlansFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	contents := `
plans:
  free:
    ai-request: {window_limit: 3, window: 30s, daily_limit: 10}
    "*": {window_limit: 10, window: 1m, daily_limit: 100}
  banned:
    "*": {window_limit: 1, window: 1h, daily_limit: 0}
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	plans, err := LoadPlans(path)
	require.NoError(t, err)
	require.NoError(t, plans.Validate())

	limits, ok := plans.Lookup("free", "ai-request")
	require.True(t, ok)
	assert.Equal(t, PlanLimits{WindowLimit: 3, Window: 30 * time.Second, DailyLimit: 10}, limits)

	limits, ok = plans.Lookup("free", "login-attempt")
	require.True(t, ok)
	assert.Equal(t, int64(100), limits.DailyLimit)

	limits, ok = plans.Lookup("banned", "ai-request")
	require.True(t, ok)
	assert.Equal(t, int64(0), limits.DailyLimit)

	_, ok = plans.Lookup("platinum", "ai-request")
	assert.False(t, ok)
}

func TestPlansValidate(t *testing.T) {
	plans := DefaultPlans()
	require.NoError(t, plans.Validate())

	plans["pro"]["ai-request"] = PlanLimits{WindowLimit: 0, Window: time.Minute, DailyLimit: 10}
	assert.Error(t, plans.Validate())

	delete(plans, "free")
	assert.ErrorContains(t, plans.Validate(), "free tier")
}
