package cache

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-chat/pkg/config"
)

func TestNewRedisDisabled(t *testing.T) {
	client, err := NewRedis(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestNewRedisConnects(t *testing.T) {
	srv := miniredis.RunT(t)
	host, port, _ := strings.Cut(srv.Addr(), ":")
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	client, err := NewRedis(context.Background(), config.RedisConfig{Enabled: true, Host: host, Port: portNum})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	srv.CheckGet(t, "k", "v")
}

func TestNewRedisUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	host, port, _ := strings.Cut(srv.Addr(), ":")
	portNum, _ := strconv.Atoi(port)
	srv.Close()

	_, err := NewRedis(context.Background(), config.RedisConfig{Enabled: true, Host: host, Port: portNum})
	assert.Error(t, err)
}
