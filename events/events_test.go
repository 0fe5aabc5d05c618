package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("swap.new", 1)
	defer cancel()
	other, cancelOther := bus.Subscribe("swap.approval.new", 1)
	defer cancelOther()

	require.NoError(t, bus.Publish(context.Background(), "swap.new", []byte(`{"id":"1"}`)))

	select {
	case msg := <-ch:
		assert.Equal(t, "swap.new", msg.Topic)
		assert.JSONEq(t, `{"id":"1"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	assert.Len(t, other, 0)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe("swap.new", 0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = bus.Publish(context.Background(), "swap.new", []byte("x"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("swap.new", 1)
	cancel()
	cancel()

	require.NoError(t, bus.Publish(context.Background(), "swap.new", []byte("x")))
	_, open := <-ch
	assert.False(t, open)
}

func TestBus_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewBus().Publish(ctx, "swap.new", nil), context.Canceled)
}

func TestRedisStreamPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisStreamPublisher(client, "txfinalizer:", 0)
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, "swap.new", []byte(`{"id":"a"}`)))
	require.NoError(t, pub.Publish(ctx, "swap.new", []byte(`{"id":"b"}`)))

	msgs, err := client.XRange(ctx, "txfinalizer:swap.new", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "swap.new", msgs[0].Values["topic"])
	assert.Equal(t, `{"id":"a"}`, msgs[0].Values["payload"])
	assert.Equal(t, `{"id":"b"}`, msgs[1].Values["payload"])
}

func TestKafkaPublisher_Message(t *testing.T) {
	pub := NewKafkaPublisher([]string{"localhost:9092"}, "txfinalizer.")
	defer pub.Close()

	msg := pub.message("swap.new", []byte("x"))
	assert.Equal(t, "txfinalizer.swap.new", msg.Topic)
	assert.Equal(t, []byte("swap.new"), msg.Key)
	assert.Equal(t, []byte("x"), msg.Value)
}
