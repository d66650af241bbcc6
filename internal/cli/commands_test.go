package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CACHE_L2_ENABLED", "true")
	t.Setenv("CACHE_REDIS_HOST", host)
	t.Setenv("CACHE_REDIS_PORT", port)
	t.Setenv("CACHE_REDIS_MAX_RETRIES", "0")
	return mr
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands_SetGetDelete(t *testing.T) {
	mr := setupEnv(t)

	out, err := run(t, "set", "rbac:user:1", `{"role":"admin","level":3}`, "--ttl", "1m", "--tag", "users")
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out)
	assert.True(t, mr.Exists("rbac:rbac:user:1"))

	out, err = run(t, "get", "rbac:user:1")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, map[string]any{"role": "admin", "level": float64(3)}, got)

	out, err = run(t, "ttl", "rbac:user:1")
	require.NoError(t, err)
	assert.Equal(t, "60\n", out)

	out, err = run(t, "del", "rbac:user:1", "rbac:user:2")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, err = run(t, "get", "rbac:user:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	out, err = run(t, "ttl", "rbac:user:1")
	require.NoError(t, err)
	assert.Equal(t, "-2\n", out)
}

func TestCommands_BulkInvalidation(t *testing.T) {
	setupEnv(t)

	for _, args := range [][]string{
		{"set", "rbac:user:1", "a", "--tag", "users"},
		{"set", "rbac:user:2", "b", "--tag", "users"},
		{"set", "rbac:role:1", "c", "--persist"},
		{"set", "rbac:role:2", "d"},
	} {
		_, err := run(t, args...)
		require.NoError(t, err)
	}

	out, err := run(t, "keys", "rbac:*:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"rbac:role:1", "rbac:role:2", "rbac:user:1", "rbac:user:2"}, strings.Fields(out))

	out, err = run(t, "ttl", "rbac:role:1")
	require.NoError(t, err)
	assert.Equal(t, "-1\n", out)

	out, err = run(t, "del-tag", "users")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = run(t, "del-pattern", "rbac:role:*")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = run(t, "keys")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}

func TestCommands_TTLUpdate(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "set", "k", "v", "--ttl", "10s")
	require.NoError(t, err)

	out, err := run(t, "ttl", "k", "--set", "2m")
	require.NoError(t, err)
	assert.Equal(t, "120\n", out)

	_, err = run(t, "ttl", "missing", "--set", "2m")
	assert.Error(t, err)
}

func TestCommands_StatsAndHealth(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "stats")
	require.NoError(t, err)
	var stats map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Contains(t, stats, "cache")
	assert.Contains(t, stats, "levels")
	assert.Contains(t, stats, "l2")
	assert.Contains(t, stats, "breaker")

	out, err = run(t, "health")
	require.NoError(t, err)
	var health map[string]struct {
		Healthy bool `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &health))
	assert.True(t, health["cache"].Healthy)
	assert.True(t, health["l1"].Healthy)
	assert.True(t, health["l2"].Healthy)
}

func TestCommands_LocalOnly(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CACHE_L2_ENABLED", "false")

	out, err := run(t, "stats")
	require.NoError(t, err)
	assert.NotContains(t, out, `"l2"`)
}

func TestCommands_InvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CACHE_MEMORY_MAX_SIZE", "0")

	_, err := run(t, "keys")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_size")
}

func TestCommands_UnreachableStore(t *testing.T) {
	mr := setupEnv(t)
	mr.Close()
	t.Setenv("CACHE_REDIS_CONNECT_TIMEOUT", "200ms")

	_, err := run(t, "--timeout", "1s", "keys")
	assert.Error(t, err)
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, "plain", parseValue("plain"))
	assert.Equal(t, float64(42), parseValue("42"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, []any{"a"}, parseValue(`["a"]`))
}

func TestTTLSeconds(t *testing.T) {
	assert.Equal(t, int64(-2), ttlSeconds(-2))
	assert.Equal(t, int64(-1), ttlSeconds(-1))
	assert.Equal(t, int64(2), ttlSeconds(1500*time.Millisecond))
	assert.Equal(t, int64(60), ttlSeconds(time.Minute))
}
