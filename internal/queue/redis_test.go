package queue

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisFromClient(client)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisPushPopAck(t *testing.T) {
	q := newTestRedis(t)
	ctx := context.Background()

	env := testEnvelope("default", "process")
	require.NoError(t, q.Push(ctx, "default", env))

	got, err := q.PopBlocking(ctx, "default", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.TaskID, got.TaskID)
	assert.JSONEq(t, string(env.Args), string(got.Args))

	require.NoError(t, q.Ack(ctx, env.ID))
	assert.Error(t, q.Ack(ctx, env.ID))
}

func TestRedisPopTimesOut(t *testing.T) {
	q := newTestRedis(t)

	got, err := q.PopBlocking(context.Background(), "empty", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisRequeuePlacement(t *testing.T) {
	q := newTestRedis(t)
	ctx := context.Background()

	a := testEnvelope("default", "process")
	b := testEnvelope("default", "process")
	require.NoError(t, q.Push(ctx, "default", a))
	require.NoError(t, q.Push(ctx, "default", b))

	popped, err := q.PopBlocking(ctx, "default", time.Second)
	require.NoError(t, err)
	require.Equal(t, a.ID, popped.ID)

	require.NoError(t, q.Requeue(ctx, a.ID, ReasonDispatchFailed))
	popped, err = q.PopBlocking(ctx, "default", time.Second)
	require.NoError(t, err)
	assert.Equal(t, a.ID, popped.ID, "dispatch_failed requeues to the head")

	require.NoError(t, q.Requeue(ctx, a.ID, ReasonWorkerEvicted))
	popped, err = q.PopBlocking(ctx, "default", time.Second)
	require.NoError(t, err)
	assert.Equal(t, b.ID, popped.ID, "worker_evicted requeues to the tail")
}

func TestRedisDepth(t *testing.T) {
	q := newTestRedis(t)
	ctx := context.Background()

	depth, err := q.Depth(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, depth)

	require.NoError(t, q.Push(ctx, "default", testEnvelope("default", "process")))
	require.NoError(t, q.Push(ctx, "default", testEnvelope("default", "process")))

	depth, err = q.Depth(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestRedisCompressesLargeEnvelopes(t *testing.T) {
	q := newTestRedis(t)
	ctx := context.Background()

	env := testEnvelope("default", "process")
	big := map[string]string{"blob": strings.Repeat("abcdefgh", 4096)}
	raw, err := json.Marshal(big)
	require.NoError(t, err)
	env.Args = raw

	encoded, err := q.encode(env)
	require.NoError(t, err)
	assert.Equal(t, byte(zstdMarker), encoded[0])
	assert.Less(t, len(encoded), len(raw), "repetitive payload should shrink")

	require.NoError(t, q.Push(ctx, "default", env))
	got, err := q.PopBlocking(ctx, "default", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, string(env.Args), string(got.Args))
}

func TestRedisPubSub(t *testing.T) {
	q := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := q.Subscribe(ctx, TaskUpdateChannel)
	require.NoError(t, err)

	require.NoError(t, q.Publish(ctx, TaskUpdateChannel, []byte(`{"rev_hash":"h1"}`)))

	select {
	case msg := <-sub:
		assert.Equal(t, `{"rev_hash":"h1"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received from subscription")
	}
}
