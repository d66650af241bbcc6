package app

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbac-cache/internal/common/logging"
	"rbac-cache/internal/config"
)

func TestApp_LocalOnly(t *testing.T) {
	cfg := config.Load()
	cfg.L2Enabled = false
	ctx := context.Background()

	app, err := New(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Nil(t, app.Remote)
	require.NoError(t, app.Start(ctx))

	require.NoError(t, app.Cache.Set(ctx, "rbac:user:1", "admin"))
	v, ok, err := app.Cache.Get(ctx, "rbac:user:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "admin", v)

	require.NoError(t, app.Shutdown(ctx))
	assert.False(t, app.Cache.IsReady())
}

func TestApp_WithRemote(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	cfg := config.Load()
	cfg.L2Enabled = true
	cfg.Redis.Host = host
	cfg.Redis.Port = p
	require.NoError(t, cfg.Validate())
	ctx := context.Background()

	app, err := New(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	require.NotNil(t, app.Remote)
	require.NoError(t, app.Start(ctx))
	defer app.Shutdown(ctx)

	require.NoError(t, app.Cache.Set(ctx, "rbac:role:1", "editor"))
	assert.True(t, mr.Exists("rbac:rbac:role:1"))
	assert.True(t, app.Cache.HealthCheck(ctx))
}

func TestApp_StartFailsWithoutRemote(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, _ := net.SplitHostPort(mr.Addr())
	p, _ := strconv.Atoi(port)
	mr.Close()

	cfg := config.Load()
	cfg.L2Enabled = true
	cfg.Redis.Host = host
	cfg.Redis.Port = p
	cfg.Redis.MaxRetries = 0
	cfg.Redis.ConnectTimeout = 200 * time.Millisecond

	app, err := New(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Error(t, app.Start(context.Background()))
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	cfg := config.Load()
	cfg.MetricsAddr = "127.0.0.1:0"

	app, err := New(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.False(t, app.Cache.IsReady())
}
