package main

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/lfrezen/insurance/internal/config"
)

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("database.driver", "postgres")
	v.Set("database.dsn", "postgres://db/insurance")
	v.Set("http.addr", "0.0.0.0:8081")
	v.Set("auth.jwt_secret", "s3cret")

	cfg := config.Default()
	require.NoError(t, applyOverrides(cfg, v))
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "postgres://db/insurance", cfg.Database.DSN)
	require.Equal(t, "0.0.0.0:8081", cfg.HTTP.Addr)
	require.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	// Untouched sections keep their defaults.
	require.Equal(t, "insurance-events", cfg.Broker.Exchange)
	require.Equal(t, 2*time.Second, cfg.ProposalClient.BaseDelay)
	require.NoError(t, cfg.Validate())
}

func TestApplyOverridesFromEnv(t *testing.T) {
	t.Setenv("INS_LOG_FORMAT", "json")
	v := viper.New()
	v.SetEnvPrefix("INS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cfg := config.Default()
	require.NoError(t, applyOverrides(cfg, v))
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "info", cfg.Log.Level)
}
