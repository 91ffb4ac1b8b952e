package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "mongo", cfg.DriverKind)
	require.Equal(t, "mongodb", cfg.ServiceGroup)
	require.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	require.True(t, cfg.PingOnConnect)
	require.False(t, cfg.IdleReaperEnabled())
}

func TestIdleReaperEnabled(t *testing.T) {
	var nilCfg *Config
	require.False(t, nilCfg.IdleReaperEnabled())

	cfg := Config{IdleTimeout: 5 * time.Minute}
	require.True(t, cfg.IdleReaperEnabled())
}

func TestContextRoundTrip(t *testing.T) {
	require.Nil(t, FromContext(context.Background()))

	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
}
