package redis

import (
	"context"
	"testing"

	"orbit-sitecov/common/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()

	client, err := Connect(context.Background(), &config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	assert.NoError(t, Close(client))

	mr.Close()
	_, err = Connect(context.Background(), &config.RedisConfig{Addr: addr})
	assert.Error(t, err)
	assert.NoError(t, Close(nil))
}
