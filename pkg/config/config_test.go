package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp moves into an empty directory so no stray .env file is picked up.
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, StoreDriverPostgres, cfg.Chat.StoreDriver)
	assert.Equal(t, 4000, cfg.Chat.MaxMessageLength)
	assert.False(t, cfg.Chat.VicePresidentRequiresApproval)
	assert.Equal(t, 7*24*time.Hour, cfg.JWT.Expiration)
	assert.Equal(t, int64(64*1024), cfg.Realtime.MaxMessageSize)
}

func TestLoadFromEnvironment(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CHAT_STORE_DRIVER", "MEMORY")
	t.Setenv("CHAT_VICE_PRESIDENT_REQUIRES_APPROVAL", "true")
	t.Setenv("CHAT_LIST_CACHE_TTL", "45s")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreDriverMemory, cfg.Chat.StoreDriver)
	assert.True(t, cfg.Chat.VicePresidentRequiresApproval)
	assert.Equal(t, 45*time.Second, cfg.Chat.ListCacheTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Realtime.AllowedOrigins)
}

func TestParseDurationFallback(t *testing.T) {
	assert.Equal(t, time.Minute, parseDuration("", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("bogus", time.Minute))
	assert.Equal(t, 3*time.Second, parseDuration("3s", time.Minute))
}
