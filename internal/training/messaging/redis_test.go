package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBroker(t *testing.T) (*RedisBroker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client), client
}

func TestRedisBroker_ResubscribeResumesFromLastAck(t *testing.T) {
	b, client := newRedisBroker(t)
	ctx := context.Background()

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, "q", []byte(m)))
	}

	sub, err := b.Subscribe(ctx, "q", "c")
	require.NoError(t, err)
	d := receive(t, sub)
	assert.Equal(t, "1", string(d.Body))
	require.NoError(t, d.Ack(ctx))
	assert.Equal(t, "2", string(receive(t, sub).Body)) // delivered, never acked
	require.NoError(t, sub.Close())

	n, err := client.XLen(ctx, streamKey("q")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	sub, err = b.Subscribe(ctx, "q", "c")
	require.NoError(t, err)
	defer sub.Close()
	d = receive(t, sub)
	assert.Equal(t, "2", string(d.Body))
	require.NoError(t, d.Ack(ctx))
	d = receive(t, sub)
	assert.Equal(t, "3", string(d.Body))
	require.NoError(t, d.Ack(ctx))

	n, err = client.XLen(ctx, streamKey("q")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisBroker_UnackedMessageIsRedelivered(t *testing.T) {
	b, _ := newRedisBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "q", "c")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "q", []byte("once")))
	first := receive(t, sub)
	require.NoError(t, sub.Close())

	sub, err = b.Subscribe(ctx, "q", "c")
	require.NoError(t, err)
	defer sub.Close()
	again := receive(t, sub)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "once", string(again.Body))
}

func TestRedisBroker_DeleteEndsSubscription(t *testing.T) {
	b, client := newRedisBroker(t)
	ctx := context.Background()
	channel := EventChannel("s1")

	require.NoError(t, b.Declare(ctx, channel))
	sub, err := b.Subscribe(ctx, channel, "coordinator-s1")
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, channel))

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not closed after delete")
	}
	assert.Error(t, sub.Err())

	// 迟到的事件不会重新创建流
	require.NoError(t, b.Publish(ctx, channel, []byte(`{"peer_uid":"a","type":"DONE"}`)))
	exists, err := client.Exists(ctx, streamKey(channel)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	// 命令通道在 peer 订阅之前就可以接收消息
	require.NoError(t, b.Publish(ctx, CommandChannel("a"), []byte("x")))
	exists, err = client.Exists(ctx, streamKey(CommandChannel("a"))).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestRedisBroker_ConsumersAreIndependent(t *testing.T) {
	b, _ := newRedisBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", []byte("x")))
	a, err := b.Subscribe(ctx, "q", "a")
	require.NoError(t, err)
	defer a.Close()
	c, err := b.Subscribe(ctx, "q", "c")
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "x", string(receive(t, a).Body))
	assert.Equal(t, "x", string(receive(t, c).Body))
}

func TestRedisBroker_CodecThroughStream(t *testing.T) {
	b, _ := newRedisBroker(t)
	ctx := context.Background()
	channel := EventChannel("s1")

	require.NoError(t, b.Declare(ctx, channel))
	sub, err := b.Subscribe(ctx, channel, "coordinator-s1")
	require.NoError(t, err)
	defer sub.Close()

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, PublishEvent(ctx, b, channel, &Event{PeerUID: "a", SessionID: "s1", Type: EventHeartbeat, Epoch: 2, Loss: 0.5, Accuracy: 0.7, Timestamp: ts}))
	require.NoError(t, b.Publish(ctx, channel, []byte("{")))

	ev, err := DecodeEvent(receive(t, sub).Body)
	require.NoError(t, err)
	assert.Equal(t, "a", ev.PeerUID)
	assert.Equal(t, 2, ev.Epoch)
	assert.True(t, ts.Equal(ev.Timestamp))

	_, err = DecodeEvent(receive(t, sub).Body)
	assert.ErrorIs(t, err, ErrMalformed)
}
