package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreams_GroupLifecycle(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	require.NoError(t, EnsureGroup(ctx, client, "s", "g"))
	require.NoError(t, EnsureGroup(ctx, client, "s", "g"))

	_, err := AppendJSON(ctx, client, "s", 100, map[string]any{"table": "site_personnel"})
	require.NoError(t, err)

	msgs, err := ReadGroup(ctx, client, GroupRead{Stream: "s", Group: "g", Consumer: "c", Count: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"table":"site_personnel"}`, msgs[0].Fields["data"])
	assert.NotEmpty(t, msgs[0].Fields["ts"])

	// 未确认的消息留在本消费者积压里
	backlog, err := ReadGroup(ctx, client, GroupRead{Stream: "s", Group: "g", Consumer: "c", Start: "0", Count: 10})
	require.NoError(t, err)
	require.Len(t, backlog, 1)

	require.NoError(t, Ack(ctx, client, "s", "g", msgs[0].ID))
	backlog, err = ReadGroup(ctx, client, GroupRead{Stream: "s", Group: "g", Consumer: "c", Start: "0", Count: 10})
	require.NoError(t, err)
	assert.Empty(t, backlog)
}
