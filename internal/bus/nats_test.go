package bus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/utils"
)

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server did not start")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestNATSBusRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded nats test in short mode")
	}
	srv := runNATSServer(t)

	b, err := ConnectNATS(srv.ClientURL(), "remediator", 8, utils.Discard())
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "remediator.logs.svc-1", b.Subject(LogsFor("svc-1")))
	assert.Equal(t, "remediator.incidents.new", b.Subject(TopicIncidentsNew))

	sub, err := b.Subscribe(TopicIncidentsNew)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), TopicIncidentsNew, payload{Name: "inc-1"}))

	select {
	case env := <-sub.C():
		got, err := Decode[payload](env)
		require.NoError(t, err)
		assert.Equal(t, "inc-1", got.Name)
		assert.Equal(t, TopicIncidentsNew, env.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery over nats")
	}
}

func TestNATSBusSharedConnectionIsNotClosed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded nats test in short mode")
	}
	srv := runNATSServer(t)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	b := NewNATSBus(nc, "", 1, nil)
	require.NoError(t, b.Close())
	assert.True(t, nc.IsConnected())
	assert.Equal(t, "logs", b.Subject(TopicLogs))
}
