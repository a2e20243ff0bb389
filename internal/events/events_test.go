package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_BuildsEnvelope(t *testing.T) {
	t.Parallel()

	event, err := New(TypeNodeComposed, " node-1 ", map[string]string{"index": "7"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(event.ID, "evt-"))
	assert.Len(t, event.ID, len("evt-")+32)
	assert.Equal(t, Source, event.Source)
	assert.Equal(t, "node-1", event.Subject)
	assert.Equal(t, JSONDataContentType, event.DataContentType)
	assert.JSONEq(t, `{"index":"7"}`, string(event.Data))
	assert.False(t, event.Time.IsZero())

	_, err = New(" ", "x", nil)
	require.Error(t, err)
}

type failingPublisher struct{ NopPublisher }

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("bus down") }

func TestEmit_NeverFails(t *testing.T) {
	t.Parallel()

	recorder := &Recorder{}
	Emit(context.Background(), recorder, zerolog.Nop(), TypeDeviceAttached, "dev-1", map[string]string{"node_id": "eesv-1"})
	assert.Equal(t, []string{TypeDeviceAttached}, recorder.Types())

	Emit(context.Background(), failingPublisher{}, zerolog.Nop(), TypeDeviceAttached, "dev-1", nil)
	Emit(context.Background(), nil, zerolog.Nop(), TypeDeviceAttached, "dev-1", nil)
	Emit(context.Background(), recorder, zerolog.Nop(), TypeDeviceDetached, "dev-1", func() {})
	assert.Len(t, recorder.Events(), 1)
}

func TestNATSPublisher_PublishesToStream(t *testing.T) {
	natsURL := startEmbeddedNATS(t)

	publisher, err := NewNATSPublisher(NATSConfig{URL: natsURL, Name: "valence-events-test", SubjectPrefix: "test.valence"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, publisher.Close()) })

	// A second publisher reuses the existing stream.
	again, err := NewNATSPublisher(NATSConfig{URL: natsURL, SubjectPrefix: "test.valence"})
	require.NoError(t, err)
	require.NoError(t, again.Close())

	event, err := New(TypeNodeComposed, "node-1", map[string]string{"name": "n1"})
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(context.Background(), event))
	assert.Equal(t, "test.valence.nodes.composed", publisher.Subject(TypeNodeComposed))

	conn, err := natsgo.Connect(natsURL)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	js, err := conn.JetStream()
	require.NoError(t, err)

	msg, err := js.GetMsg(defaultStreamName, 1)
	require.NoError(t, err)
	assert.Equal(t, "test.valence.nodes.composed", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "node-1", got.Subject)
}

func TestNewNATSPublisher_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewNATSPublisher(NATSConfig{})
	require.Error(t, err)
}

func startEmbeddedNATS(t *testing.T) string {
	t.Helper()

	srv, err := natssrv.NewServer(&natssrv.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go srv.Start()
	require.True(t, srv.ReadyForConnections(10*time.Second), "nats server did not become ready")

	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	return fmt.Sprintf("nats://%s", srv.Addr().String())
}
