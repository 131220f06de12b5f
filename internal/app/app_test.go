package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-pipeline/internal/config"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
)

func TestOpenRedis(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, openRedis(ctx, ""))

	mr := miniredis.RunT(t)
	client := openRedis(ctx, "redis://"+mr.Addr())
	require.NotNil(t, client)
	defer client.Close()
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())

	// bare host:port is accepted too
	bare := openRedis(ctx, mr.Addr())
	require.NotNil(t, bare)
	bare.Close()

	mr.Close()
	assert.Nil(t, openRedis(ctx, "redis://"+mr.Addr()), "unreachable redis falls back to advisory locks")
}

func TestConfigureLogging(t *testing.T) {
	t.Cleanup(func() {
		logger.SetLevel(logger.INFO)
		logger.SetRedactPII(true)
	})

	require.NoError(t, ConfigureLogging(config.LogConfig{Level: "debug"}))
	assert.Error(t, ConfigureLogging(config.LogConfig{Level: "verbose"}))
}

func TestNew_RequiresDatabaseURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	_, err = New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sender:\n  transport: carrier-pigeon\n"), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	_, err = New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
