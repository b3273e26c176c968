package switchboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kradalby/switchboard/gateway"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"tailscale.com/tstime"
)

const topicPrefix = "switchboard/"

// A closing connection gets at least closeMinDelay and at most closeGrace to
// flush frames that were queued before the close.
const (
	closeMinDelay = 50 * time.Millisecond
	closeGrace    = 2 * time.Second
	drainPoll     = 10 * time.Millisecond
)

// UpTopic is where a device publishes frames.
func UpTopic(clientID string) string { return topicPrefix + clientID + "/up" }

// DownTopic is where the service publishes frames for a device.
func DownTopic(clientID string) string { return topicPrefix + clientID + "/down" }

// getLocalIP returns the address devices should use to reach the broker.
func getLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}

	return "", fmt.Errorf("no local IP address found")
}

// publisher is the part of the broker used to reach devices.
type publisher interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
}

// connHandler is the part of gateway.Handler driven by the broker.
type connHandler interface {
	Admit(ctx context.Context, remoteAddr string) error
	Open(conn gateway.Conn)
	Dispatch(ctx context.Context, connID string, payload []byte) error
	Close(ctx context.Context, connID string)
}

// mqttConn adapts a broker client to gateway.Conn.
type mqttConn struct {
	id       string
	clientID string
	remote   string
	pub      publisher
	clock    tstime.Clock
	stop     func(error)
	pending  func() int // unacknowledged outbound packets
	closed   func() bool

	closeOnce sync.Once
}

func (c *mqttConn) ID() string         { return c.id }
func (c *mqttConn) RemoteAddr() string { return c.remote }

func (c *mqttConn) Send(payload []byte) error {
	return c.pub.Publish(DownTopic(c.clientID), payload, false, 1)
}

// Close stops the client once frames sent before it have gone out. It runs
// on its own goroutine because the caller is usually the client's read loop,
// which has to keep reading for acknowledgements to arrive.
func (c *mqttConn) Close(reason error) {
	c.closeOnce.Do(func() { go c.drainAndStop(reason) })
}

func (c *mqttConn) drainAndStop(reason error) {
	start := c.clock.Now()
	for {
		elapsed := c.clock.Since(start)
		if c.closed() || elapsed >= closeGrace || (elapsed >= closeMinDelay && c.pending() == 0) {
			break
		}
		timer, tick := c.clock.NewTimer(drainPoll)
		<-tick
		timer.Stop()
	}
	c.stop(reason)
}

func clientPending(cl *mqtt.Client) int {
	if cl.State.Inflight == nil {
		return 0
	}
	return cl.State.Inflight.Len()
}

// DeviceHook is the broker hook that carries the device protocol.
type DeviceHook struct {
	mqtt.HookBase

	ctx     context.Context
	logger  *slog.Logger
	handler connHandler
	pub     publisher
	clock   tstime.Clock
	stop    func(cl *mqtt.Client, err error)

	mu    sync.Mutex
	conns map[*mqtt.Client]*mqttConn
}

// NewDeviceHook creates a hook. pub is normally the broker itself.
func NewDeviceHook(ctx context.Context, logger *slog.Logger, handler connHandler, pub publisher) *DeviceHook {
	return &DeviceHook{
		ctx:     ctx,
		logger:  logger,
		handler: handler,
		pub:     pub,
		clock:   tstime.StdClock{},
		stop:    func(cl *mqtt.Client, err error) { cl.Stop(err) },
		conns:   make(map[*mqtt.Client]*mqttConn),
	}
}

// ID returns the hook identifier
func (h *DeviceHook) ID() string {
	return "switchboard-device-hook"
}

// Provides returns the hook methods this hook provides
func (h *DeviceHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
	}, []byte{b})
}

// OnConnect admits the transport before the session is established.
func (h *DeviceHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	if cl.Net.Inline {
		return nil
	}

	remote := cl.Net.Remote
	if err := h.handler.Admit(h.ctx, remote); err != nil {
		return err
	}

	conn := &mqttConn{
		id:       uuid.NewString(),
		clientID: cl.ID,
		remote:   remote,
		pub:      h.pub,
		clock:    h.clock,
		stop:     func(err error) { h.stop(cl, err) },
		pending:  func() int { return clientPending(cl) },
		closed:   cl.Closed,
	}

	h.mu.Lock()
	h.conns[cl] = conn
	h.mu.Unlock()

	h.handler.Open(conn)
	h.logger.Info("MQTT client connected", "client_id", cl.ID, "conn_id", conn.id, "remote_addr", remote)
	return nil
}

// OnConnectAuthenticate accepts every admitted client; devices authenticate
// in-band with an identify frame.
func (h *DeviceHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return true
}

// OnACLCheck restricts a device to its own topics.
func (h *DeviceHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if cl.Net.Inline {
		return true
	}
	if write {
		return topic == UpTopic(cl.ID)
	}
	return topic == DownTopic(cl.ID)
}

// OnDisconnect ends the connection in the handler.
func (h *DeviceHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.mu.Lock()
	conn, ok := h.conns[cl]
	delete(h.conns, cl)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.logger.Info("MQTT client disconnected", "client_id", cl.ID, "conn_id", conn.id, "error", err, "expire", expire)
	h.handler.Close(h.ctx, conn.id)
}

// OnPublish forwards device frames. The broker calls this from the client's
// read loop, so frames of one connection arrive in order.
func (h *DeviceHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if cl == nil || cl.Net.Inline {
		return pk, nil
	}
	if !strings.HasPrefix(pk.TopicName, topicPrefix) {
		return pk, nil
	}

	h.mu.Lock()
	conn, ok := h.conns[cl]
	h.mu.Unlock()
	if !ok {
		return pk, nil
	}
	if pk.TopicName != UpTopic(cl.ID) {
		h.logger.Debug("ignoring publish outside device topic", "client_id", cl.ID, "topic", pk.TopicName)
		return pk, nil
	}

	if err := h.handler.Dispatch(h.ctx, conn.id, pk.Payload); err != nil {
		level := slog.LevelDebug
		if !errors.Is(err, gateway.ErrMalformed) && !errors.Is(err, gateway.ErrTokenExpired) {
			level = slog.LevelWarn
		}
		h.logger.Log(h.ctx, level, "device frame rejected", "client_id", cl.ID, "conn_id", conn.id, "error", err)
	}

	return pk, nil
}

// Connections returns the number of tracked broker clients.
func (h *DeviceHook) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
