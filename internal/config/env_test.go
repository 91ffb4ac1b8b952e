package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyEnv(t *testing.T) {
	t.Setenv("DOCSTORE_REGISTRY_IDLE_CHECK_INTERVAL", "PT2M")
	t.Setenv("DOCSTORE_REGISTRY_CORS_ENABLED", "true")
	t.Setenv("DOCSTORE_REGISTRY_CORS_ORIGINS", "https://example.com")
	t.Setenv("DOCSTORE_REGISTRY_MAX_BODY_SIZE", "512K")
	t.Setenv("DOCSTORE_REGISTRY_API_KEYS_REPORTING", "key-1, key-2")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	require.Equal(t, 2*time.Minute, cfg.IdleCheckInterval)
	require.True(t, cfg.CORSEnabled)
	require.Equal(t, "https://example.com", cfg.CORSOrigins)
	require.Equal(t, int64(512*1024), cfg.MaxBodySize)
	require.Equal(t, "reporting", cfg.APIKeys["key-1"])
	require.Equal(t, "reporting", cfg.APIKeys["key-2"])
}

func TestApplyEnv_RejectsInvalidValues(t *testing.T) {
	t.Setenv("DOCSTORE_REGISTRY_CORS_ENABLED", "maybe")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DOCSTORE_REGISTRY_CORS_ENABLED")
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"pt45s", 45 * time.Second},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "P1D", "PT", "PTxH", "PT0S", "0s", "-5m", "-1ns"} {
		_, err := ParseDuration(bad)
		require.Error(t, err, bad)
	}
}

func TestParseDurationOrZero(t *testing.T) {
	for _, zero := range []string{"0", "0s", "PT0S"} {
		d, err := ParseDurationOrZero(zero)
		require.NoError(t, err, zero)
		require.Zero(t, d, zero)
	}

	d, err := ParseDurationOrZero("PT30M")
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, d)

	_, err = ParseDurationOrZero("-5m")
	require.Error(t, err)
}
