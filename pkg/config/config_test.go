package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL", "PROFILES_DIR", "WORKFLOW_PROFILE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite://signet.db", cfg.DatabaseURL)
	assert.Equal(t, "default", cfg.Profile)
	assert.Equal(t, "profiles", cfg.ProfilesDir)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://signet@localhost/signet")
	t.Setenv("WORKFLOW_PROFILE", "strict")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://signet@localhost/signet", cfg.DatabaseURL)
	assert.Equal(t, "strict", cfg.Profile)
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`
name: strict
otp:
  ttl_seconds: 300
  max_tries: 2
signing:
  require_consent: true
  require_otp: true
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_strict.yaml"), data, 0o644))

	p, err := LoadProfile(dir, "STRICT")
	require.NoError(t, err)
	assert.Equal(t, "strict", p.Name)
	assert.Equal(t, 5*time.Minute, p.OTPTTL())
	assert.Equal(t, 2, p.OTP.MaxTries)
	assert.True(t, p.Signing.RequireConsent)

	// Unset fields fall back to the defaults.
	assert.Equal(t, 5, p.OTP.RequestsPerMinute)
	assert.Equal(t, 24*time.Hour, p.IdempotencyTTL())
	assert.Equal(t, 5*time.Second, p.DispatchInterval())
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "ghost")
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_default.yaml"), []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_strict.yaml"), []byte("otp:\n  max_tries: 1\n"), 0o644))

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, 3, profiles["default"].OTP.MaxTries)
	assert.Equal(t, 1, profiles["strict"].OTP.MaxTries)
}
