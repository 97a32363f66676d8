package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name string `json:"name"`
}

func TestLocalBusDeliversToTopicSubscribers(t *testing.T) {
	b := NewLocalBus(4)
	defer b.Close()

	global, err := b.Subscribe(TopicLogs)
	require.NoError(t, err)
	scoped, err := b.Subscribe(LogsFor("svc-1"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, TopicLogs, payload{Name: "global"}))
	require.NoError(t, b.Publish(ctx, LogsFor("svc-1"), payload{Name: "scoped"}))

	select {
	case env := <-global.C():
		got, err := Decode[payload](env)
		require.NoError(t, err)
		assert.Equal(t, "global", got.Name)
	case <-time.After(time.Second):
		t.Fatal("no delivery on global topic")
	}

	select {
	case env := <-scoped.C():
		got, err := Decode[payload](env)
		require.NoError(t, err)
		assert.Equal(t, "scoped", got.Name)
		assert.Equal(t, "logs:svc-1", env.Topic)
	case <-time.After(time.Second):
		t.Fatal("no delivery on scoped topic")
	}

	assert.Empty(t, global.C(), "global subscriber must not see scoped messages")
}

func TestLocalBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewLocalBus(1)
	defer b.Close()

	sub, err := b.Subscribe(TopicIncidentsNew)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), TopicIncidentsNew, payload{Name: "x"}))
	}
	assert.Len(t, sub.C(), 1)
	assert.Equal(t, int64(2), sub.Dropped())
}

func TestLocalBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewLocalBus(1)
	sub, err := b.Subscribe(TopicRemediationActions)
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()

	_, open := <-sub.C()
	assert.False(t, open)
	require.NoError(t, b.Publish(context.Background(), TopicRemediationActions, payload{}))

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), TopicLogs, payload{}), ErrClosed)
	_, err = b.Subscribe(TopicLogs)
	assert.ErrorIs(t, err, ErrClosed)
}
