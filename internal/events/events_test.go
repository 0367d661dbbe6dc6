package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	e := NewEvent("conv-1", TypeToolExecuted, map[string]any{"tool": "SearchFlights"}, at)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, time.UTC, e.At.Location())
	assert.Equal(t, "agent.conversations.conv-1.tool.executed", e.Subject())

	other := NewEvent("conv-1", TypeToolExecuted, nil, at)
	assert.NotEqual(t, e.ID, other.ID)
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs, err := sub.SubscribeSync(SubjectPrefix + ".>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(server.ClientURL(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer pub.Close()

	e := NewEvent("conv-7", TypeInputDropped, map[string]any{"input_id": "in-2"}, time.Now())
	require.NoError(t, pub.Publish(context.Background(), e))

	msg, err := msgs.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "agent.conversations.conv-7.input.dropped", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, TypeInputDropped, got.Type)
	assert.Equal(t, "in-2", got.Data["input_id"])
}

func TestNATSPublisher_Errors(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	pub := NewNATSPublisher(nc, nil)

	err = pub.Publish(context.Background(), Event{Type: TypeConversationEnded})
	assert.ErrorContains(t, err, "conversation id")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pub.Publish(ctx, NewEvent("conv-1", TypeConversationEnded, nil, time.Now()))
	assert.ErrorIs(t, err, context.Canceled)

	// Borrowed connections are left open.
	require.NoError(t, pub.Close())
	assert.False(t, nc.IsClosed())
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
}
