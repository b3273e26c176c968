package switchboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kradalby/switchboard/gateway"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/tstime"
)

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ bool, _ byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: payload})
	return nil
}

type fakeHandler struct {
	admitErr   error
	opened     []gateway.Conn
	dispatched map[string][][]byte
	closed     []string
}

func (f *fakeHandler) Admit(context.Context, string) error { return f.admitErr }
func (f *fakeHandler) Open(conn gateway.Conn)              { f.opened = append(f.opened, conn) }
func (f *fakeHandler) Close(_ context.Context, id string)  { f.closed = append(f.closed, id) }

func (f *fakeHandler) Dispatch(_ context.Context, id string, payload []byte) error {
	if f.dispatched == nil {
		f.dispatched = make(map[string][][]byte)
	}
	f.dispatched[id] = append(f.dispatched[id], payload)
	return nil
}

func newTestHook(h connHandler, pub publisher) *DeviceHook {
	return NewDeviceHook(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), h, pub)
}

func deviceClient(id string) *mqtt.Client {
	return &mqtt.Client{ID: id, Net: mqtt.ClientConnection{Remote: "10.0.0.5:41000"}}
}

func TestDeviceHookAdmission(t *testing.T) {
	h := &fakeHandler{admitErr: gateway.ErrAdmissionDenied}
	hook := newTestHook(h, &fakePublisher{})

	err := hook.OnConnect(deviceClient("dev-1"), packets.Packet{})
	require.ErrorIs(t, err, gateway.ErrAdmissionDenied)
	assert.Empty(t, h.opened)
	assert.Zero(t, hook.Connections())
}

func TestDeviceHookRoutesFrames(t *testing.T) {
	h := &fakeHandler{}
	pub := &fakePublisher{}
	hook := newTestHook(h, pub)
	cl := deviceClient("dev-1")

	require.NoError(t, hook.OnConnect(cl, packets.Packet{}))
	require.Len(t, h.opened, 1)
	conn := h.opened[0]
	assert.Equal(t, "10.0.0.5:41000", conn.RemoteAddr())

	_, err := hook.OnPublish(cl, packets.Packet{TopicName: UpTopic("dev-1"), Payload: []byte(`{"type":"heartbeat"}`)})
	require.NoError(t, err)
	_, err = hook.OnPublish(cl, packets.Packet{TopicName: "switchboard/dev-2/up", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = hook.OnPublish(cl, packets.Packet{TopicName: "other/topic", Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.Len(t, h.dispatched[conn.ID()], 1)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(h.dispatched[conn.ID()][0]))

	require.NoError(t, conn.Send([]byte(`{"type":"identified"}`)))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "switchboard/dev-1/down", pub.msgs[0].topic)

	hook.OnDisconnect(cl, nil, false)
	hook.OnDisconnect(cl, nil, false)
	assert.Equal(t, []string{conn.ID()}, h.closed)
	assert.Zero(t, hook.Connections())
}

func TestDeviceHookCloseStopsClient(t *testing.T) {
	h := &fakeHandler{}
	hook := newTestHook(h, &fakePublisher{})

	stopped := make(chan error, 1)
	hook.stop = func(_ *mqtt.Client, err error) { stopped <- err }

	require.NoError(t, hook.OnConnect(deviceClient("dev-1"), packets.Packet{}))
	reason := errors.New("identify failed")
	h.opened[0].Close(reason)
	h.opened[0].Close(reason)

	select {
	case err := <-stopped:
		assert.Equal(t, reason, err)
	case <-time.After(time.Second):
		t.Fatal("client was not stopped")
	}
	select {
	case <-stopped:
		t.Fatal("client stopped twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnCloseWaitsForOutboundFrames(t *testing.T) {
	var pending atomic.Int32
	pending.Store(1)
	var stopped atomic.Bool

	conn := &mqttConn{
		clock:   tstime.StdClock{},
		stop:    func(error) { stopped.Store(true) },
		pending: func() int { return int(pending.Load()) },
		closed:  func() bool { return false },
	}
	conn.Close(errors.New("bye"))

	time.Sleep(200 * time.Millisecond)
	assert.False(t, stopped.Load(), "stopped with a frame still unacknowledged")

	pending.Store(0)
	assert.Eventually(t, stopped.Load, time.Second, 10*time.Millisecond)
}

// rejectingHandler answers every frame with an identify_failed error and
// closes the connection, the way a failed identify does.
type rejectingHandler struct {
	mu    sync.Mutex
	conns map[string]gateway.Conn
}

func (r *rejectingHandler) Admit(context.Context, string) error { return nil }
func (r *rejectingHandler) Close(context.Context, string)       {}

func (r *rejectingHandler) Open(conn gateway.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

func (r *rejectingHandler) Dispatch(_ context.Context, id string, _ []byte) error {
	r.mu.Lock()
	conn := r.conns[id]
	r.mu.Unlock()

	_ = conn.Send([]byte(`{"type":"error","code":"identify_failed","message":"invalid credentials"}`))
	conn.Close(gateway.ErrAuthenticationFailed)
	return gateway.ErrAuthenticationFailed
}

func TestRejectedDeviceReceivesErrorFrame(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := mqtt.New(&mqtt.Options{InlineClient: true, Logger: logger})
	hook := NewDeviceHook(context.Background(), logger, &rejectingHandler{conns: make(map[string]gateway.Conn)}, server)
	require.NoError(t, server.AddHook(hook, nil))

	tcp := listeners.NewTCP(listeners.Config{ID: "test", Address: "127.0.0.1:0"})
	require.NoError(t, server.AddListener(tcp))
	go func() { _ = server.Serve() }()
	t.Cleanup(func() { _ = server.Close() })

	for i := 0; i < 5; i++ {
		clientID := fmt.Sprintf("dev-%d", i)
		frames := make(chan []byte, 1)

		opts := paho.NewClientOptions()
		opts.AddBroker("tcp://" + tcp.Address())
		opts.SetClientID(clientID)
		opts.SetAutoReconnect(false)
		client := paho.NewClient(opts)

		tok := client.Connect()
		require.True(t, tok.WaitTimeout(2*time.Second))
		require.NoError(t, tok.Error())

		tok = client.Subscribe(DownTopic(clientID), 1, func(_ paho.Client, msg paho.Message) {
			select {
			case frames <- msg.Payload():
			default:
			}
		})
		require.True(t, tok.WaitTimeout(2*time.Second))
		require.NoError(t, tok.Error())

		client.Publish(UpTopic(clientID), 1, false, `{"type":"identify","deviceIdentity":"AA:BB:CC:DD:EE:01","secret":"wrong"}`)

		select {
		case payload := <-frames:
			assert.Contains(t, string(payload), "identify_failed")
		case <-time.After(3 * time.Second):
			t.Fatalf("%s: no error frame before the connection closed", clientID)
		}

		assert.Eventually(t, func() bool { return !client.IsConnectionOpen() }, 3*time.Second, 20*time.Millisecond)
		client.Disconnect(0)
	}
}

func TestDeviceHookACL(t *testing.T) {
	hook := newTestHook(&fakeHandler{}, &fakePublisher{})
	cl := deviceClient("dev-1")
	inline := &mqtt.Client{ID: "inline", Net: mqtt.ClientConnection{Inline: true}}

	tests := []struct {
		name   string
		client *mqtt.Client
		topic  string
		write  bool
		want   bool
	}{
		{name: "publish own up", client: cl, topic: "switchboard/dev-1/up", write: true, want: true},
		{name: "subscribe own down", client: cl, topic: "switchboard/dev-1/down", want: true},
		{name: "publish own down", client: cl, topic: "switchboard/dev-1/down", write: true},
		{name: "subscribe other device", client: cl, topic: "switchboard/dev-2/down"},
		{name: "publish other device", client: cl, topic: "switchboard/dev-2/up", write: true},
		{name: "wildcard", client: cl, topic: "switchboard/#"},
		{name: "inline publishes anywhere", client: inline, topic: "switchboard/dev-1/down", write: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hook.OnACLCheck(tt.client, tt.topic, tt.write))
		})
	}
}

func TestDeviceHookIgnoresInlinePublishes(t *testing.T) {
	h := &fakeHandler{}
	hook := newTestHook(h, &fakePublisher{})
	inline := &mqtt.Client{ID: "inline", Net: mqtt.ClientConnection{Inline: true}}

	require.NoError(t, hook.OnConnect(inline, packets.Packet{}))
	_, err := hook.OnPublish(inline, packets.Packet{TopicName: UpTopic("inline"), Payload: []byte(`{}`)})
	require.NoError(t, err)

	assert.Empty(t, h.opened)
	assert.Empty(t, h.dispatched)
}
