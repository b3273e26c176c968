// Package gateway authenticates device connections and turns their frames
// into state, energy and activity updates.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kradalby/switchboard/activity"
	"github.com/kradalby/switchboard/conflict"
	"github.com/kradalby/switchboard/devices"
	"github.com/kradalby/switchboard/energy"
	"github.com/kradalby/switchboard/events"
	"github.com/kradalby/switchboard/security"
	"github.com/kradalby/switchboard/session"
	"github.com/looplab/fsm"
	"tailscale.com/tstime"
	"tailscale.com/util/eventbus"
)

var (
	ErrAdmissionDenied      = errors.New("admission denied")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrBlacklisted          = errors.New("blacklisted")
	ErrUnknownDevice        = errors.New("unknown device")
	ErrProcessing           = errors.New("processing failed")
	ErrTokenExpired         = errors.New("device token expired")
	ErrInvalidCommand       = errors.New("invalid command")
)

const (
	DefaultAdmissionLimit  = 100
	DefaultAdmissionWindow = time.Minute
)

// Connection states.
const (
	StateConnected    = "connected"
	StateIdentifying  = "identifying"
	StateOnline       = "online"
	StateDisconnected = "disconnected"
)

const (
	eventIdentify   = "identify"
	eventIdentified = "identified"
	eventReject     = "reject"
	eventExpire     = "expire"
	eventDisconnect = "disconnect"
)

// Conn is a device transport.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(payload []byte) error
	Close(reason error)
}

// Options configures a Handler.
type Options struct {
	Logger     *slog.Logger
	Clock      tstime.Clock
	Store      devices.Store
	Gate       *security.Gate
	Registry   *session.Registry
	Resolver   *conflict.Resolver
	Tracker    *energy.Tracker
	Recorder   activity.Recorder
	Bus        *events.Bus
	SigningKey []byte

	AdmissionLimit  int
	AdmissionWindow time.Duration

	// CommandWindow bounds how long a queued command stays deliverable.
	// Zero uses conflict.DefaultWindow.
	CommandWindow time.Duration
}

type connection struct {
	conn Conn
	fsm  *fsm.FSM

	mu       sync.Mutex
	identity string
	expires  time.Time // zero for secret-authenticated sessions
}

// Handler owns every device connection.
type Handler struct {
	logger     *slog.Logger
	clock      tstime.Clock
	store      devices.Store
	gate       *security.Gate
	registry   *session.Registry
	resolver   *conflict.Resolver
	tracker    *energy.Tracker
	recorder   activity.Recorder
	signingKey []byte

	admissionLimit  int
	admissionWindow time.Duration
	commandWindow   time.Duration

	mu    sync.Mutex
	conns map[string]*connection

	statusPub   *eventbus.Publisher[events.DeviceStatusEvent]
	switchPub   *eventbus.Publisher[events.SwitchStateChangedEvent]
	statePub    *eventbus.Publisher[events.DeviceStateUpdateEvent]
	commandPub  *eventbus.Publisher[events.CommandEvent]
	securityPub *eventbus.Publisher[events.SecurityEvent]
}

// NewHandler creates a handler.
func NewHandler(opts Options) (*Handler, error) {
	switch {
	case opts.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("device store is required")
	case opts.Gate == nil:
		return nil, fmt.Errorf("security gate is required")
	case opts.Registry == nil:
		return nil, fmt.Errorf("session registry is required")
	case opts.Resolver == nil:
		return nil, fmt.Errorf("conflict resolver is required")
	case opts.Tracker == nil:
		return nil, fmt.Errorf("energy tracker is required")
	case opts.Recorder == nil:
		return nil, fmt.Errorf("activity recorder is required")
	case len(opts.SigningKey) == 0:
		return nil, fmt.Errorf("signing key is required")
	}
	if opts.Clock == nil {
		opts.Clock = tstime.StdClock{}
	}
	if opts.AdmissionLimit <= 0 {
		opts.AdmissionLimit = DefaultAdmissionLimit
	}
	if opts.AdmissionWindow <= 0 {
		opts.AdmissionWindow = DefaultAdmissionWindow
	}
	if opts.CommandWindow <= 0 {
		opts.CommandWindow = conflict.DefaultWindow
	}

	h := &Handler{
		logger:          opts.Logger,
		clock:           opts.Clock,
		store:           opts.Store,
		gate:            opts.Gate,
		registry:        opts.Registry,
		resolver:        opts.Resolver,
		tracker:         opts.Tracker,
		recorder:        opts.Recorder,
		signingKey:      opts.SigningKey,
		admissionLimit:  opts.AdmissionLimit,
		admissionWindow: opts.AdmissionWindow,
		commandWindow:   opts.CommandWindow,
		conns:           make(map[string]*connection),
	}

	if opts.Bus != nil {
		client, err := opts.Bus.Client(events.ClientGateway)
		if err != nil {
			return nil, fmt.Errorf("failed to get gateway eventbus client: %w", err)
		}
		h.statusPub = eventbus.Publish[events.DeviceStatusEvent](client)
		h.switchPub = eventbus.Publish[events.SwitchStateChangedEvent](client)
		h.statePub = eventbus.Publish[events.DeviceStateUpdateEvent](client)
		h.commandPub = eventbus.Publish[events.CommandEvent](client)
		h.securityPub = eventbus.Publish[events.SecurityEvent](client)
	}

	return h, nil
}

// Admit decides whether a new transport from remoteAddr may proceed.
func (h *Handler) Admit(ctx context.Context, remoteAddr string) error {
	peer := peerHost(remoteAddr)

	if h.gate.IsBlacklisted(peer) {
		h.logger.Warn("connection from blacklisted peer refused", "remote_addr", remoteAddr)
		h.publishSecurity(peer, events.SecurityAdmissionDenied)
		return fmt.Errorf("%w: %s is blacklisted", ErrAdmissionDenied, peer)
	}
	if !h.gate.CheckRateLimit(ctx, peer, h.admissionLimit, h.admissionWindow) {
		h.logger.Warn("connection rate limit exceeded", "remote_addr", remoteAddr)
		h.publishSecurity(peer, events.SecurityAdmissionDenied)
		return fmt.Errorf("%w: rate limit exceeded for %s", ErrAdmissionDenied, peer)
	}
	return nil
}

// Open starts tracking an admitted transport.
func (h *Handler) Open(conn Conn) {
	c := &connection{conn: conn}
	c.fsm = fsm.NewFSM(
		StateConnected,
		fsm.Events{
			{Name: eventIdentify, Src: []string{StateConnected, StateOnline}, Dst: StateIdentifying},
			{Name: eventIdentified, Src: []string{StateIdentifying}, Dst: StateOnline},
			{Name: eventReject, Src: []string{StateIdentifying}, Dst: StateConnected},
			{Name: eventExpire, Src: []string{StateOnline}, Dst: StateConnected},
			{Name: eventDisconnect, Src: []string{StateConnected, StateIdentifying, StateOnline}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				h.logger.Debug("connection state changed",
					"conn_id", conn.ID(),
					"from", e.Src,
					"to", e.Dst,
					"event", e.Event,
				)
			},
		},
	)

	h.mu.Lock()
	h.conns[conn.ID()] = c
	h.mu.Unlock()

	h.logger.Debug("connection opened", "conn_id", conn.ID(), "remote_addr", conn.RemoteAddr())
}

// Connections returns the number of open transports.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Dispatch handles one inbound frame. Frames of a connection must be
// dispatched in arrival order.
func (h *Handler) Dispatch(ctx context.Context, connID string, payload []byte) error {
	c := h.lookup(connID)
	if c == nil {
		h.logger.Debug("frame for unknown connection dropped", "conn_id", connID)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := Decode(payload)
	if err != nil {
		h.logger.Warn("dropping malformed frame",
			"conn_id", connID,
			"remote_addr", c.conn.RemoteAddr(),
			"error", err,
		)
		if c.fsm.Is(StateOnline) {
			h.send(c, errorFrame(CodeMalformed, err.Error()))
		}
		return err
	}

	if c.fsm.Is(StateOnline) && !c.expires.IsZero() && !h.clock.Now().Before(c.expires) {
		h.expire(ctx, c)
		if msg.Type() != TypeIdentify {
			return ErrTokenExpired
		}
	}

	if m, ok := msg.(Identify); ok {
		return h.identify(ctx, c, m)
	}

	if !c.fsm.Is(StateOnline) {
		h.logger.Debug("frame from unidentified connection dropped",
			"conn_id", connID,
			"type", msg.Type(),
		)
		return nil
	}

	switch m := msg.(type) {
	case Heartbeat:
		return h.heartbeat(ctx, c)
	case StateUpdate:
		return h.stateUpdate(ctx, c, m)
	case ManualSwitch:
		return h.manualSwitch(ctx, c, m)
	}
	return nil
}

// Close handles the end of a transport.
func (h *Handler) Close(ctx context.Context, connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wasOnline := c.fsm.Is(StateOnline)
	if err := c.fsm.Event(ctx, eventDisconnect); err != nil {
		h.logger.Debug("disconnect transition", "conn_id", connID, "error", err)
	}
	if wasOnline {
		h.endSession(ctx, c, events.DeviceStatusDisconnected)
	}
	h.logger.Debug("connection closed", "conn_id", connID, "device_id", c.identity)
}

func (h *Handler) identify(ctx context.Context, c *connection, m Identify) error {
	if err := c.fsm.Event(ctx, eventIdentify); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	peer := peerHost(c.conn.RemoteAddr())
	if m.DeviceIdentity == "" {
		return h.rejectIdentify(ctx, c, "", "missing device identity", nil)
	}
	identity, err := devices.NormalizeIdentity(m.DeviceIdentity)
	if err != nil {
		return h.rejectIdentify(ctx, c, m.DeviceIdentity, "invalid identity", err)
	}
	if m.Token == "" && m.Secret == "" {
		return h.rejectIdentify(ctx, c, identity, "missing credentials", nil)
	}
	if h.gate.IsBlacklisted(identity) || h.gate.IsBlacklisted(peer) {
		return h.rejectIdentify(ctx, c, identity, "blacklisted", nil)
	}

	device, err := h.store.Device(ctx, identity)
	if err != nil {
		return h.rejectIdentify(ctx, c, identity, "unknown device", err)
	}

	var expires time.Time
	if m.Token != "" {
		claims, err := h.gate.VerifyDeviceToken(m.Token, h.signingKey)
		if err != nil {
			return h.rejectIdentify(ctx, c, identity, "invalid token", err)
		}
		tokenID, err := devices.NormalizeIdentity(claims.DeviceID)
		if err != nil || tokenID != identity {
			return h.rejectIdentify(ctx, c, identity, "token issued for another device", nil)
		}
		expires = claims.ExpiresAt.Time
	} else if !security.SecretsEqual(m.Secret, device.Secret) {
		return h.rejectIdentify(ctx, c, identity, "invalid credentials", nil)
	}

	if err := c.fsm.Event(ctx, eventIdentified); err != nil {
		return fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	if c.identity != "" && c.identity != identity {
		h.endSession(ctx, c, events.DeviceStatusDisconnected)
	}
	c.identity = identity
	c.expires = expires

	now := h.clock.Now()
	if prev := h.registry.Register(identity, c.conn.ID(), *device); prev != "" {
		h.supersede(prev, identity)
	}
	if err := h.store.MarkOnline(ctx, identity, now); err != nil {
		h.logger.Error("failed to mark device online", "device_id", identity, "error", err)
	}

	h.send(c, identifiedFrame(NewDeviceConfig(device)))
	h.logger.Info("device identified",
		"device_id", identity,
		"name", device.Name,
		"remote_addr", c.conn.RemoteAddr(),
		"token", m.Token != "",
	)
	h.publishStatus(identity, events.DeviceStatusOnline, now)

	for _, cmd := range device.PendingCommands {
		if h.stale(cmd, now) {
			h.pruneCommand(ctx, identity, cmd)
			continue
		}
		if sw, ok := device.FindSwitch(cmd.SwitchID); ok {
			h.sendCommand(c, cmd, sw)
		}
	}
	return nil
}

func (h *Handler) stale(cmd devices.PendingCommand, now time.Time) bool {
	return now.Sub(cmd.IssuedAt) > h.commandWindow
}

func (h *Handler) pruneCommand(ctx context.Context, identity string, cmd devices.PendingCommand) {
	if _, err := h.store.RemoveCommand(ctx, identity, cmd.ID); err != nil {
		h.logger.Error("failed to prune stale command",
			"device_id", identity,
			"command_id", cmd.ID,
			"error", err,
		)
		return
	}
	h.logger.Debug("pruned stale command",
		"device_id", identity,
		"command_id", cmd.ID,
		"issued_at", cmd.IssuedAt,
	)
}

func (h *Handler) rejectIdentify(ctx context.Context, c *connection, identity, reason string, cause error) error {
	peer := peerHost(c.conn.RemoteAddr())

	if err := c.fsm.Event(ctx, eventReject); err != nil {
		h.logger.Debug("reject transition", "conn_id", c.conn.ID(), "error", err)
	}
	if c.identity != "" {
		h.endSession(ctx, c, events.DeviceStatusDisconnected)
		c.identity = ""
	}

	details := map[string]any{"reason": reason}
	if cause != nil {
		details["error"] = cause.Error()
	}
	h.audit(ctx, activity.Audit{
		ErrorType:  activity.ErrorAuthenticationFailed,
		Severity:   activity.SeverityHigh,
		Message:    "device authentication failed",
		DeviceID:   identity,
		RemoteAddr: peer,
		Details:    details,
	})
	if identity != "" {
		h.gate.TrackActivity(identity, security.ActivityAuthFailure)
	}
	h.gate.TrackActivity(peer, security.ActivityAuthFailure)
	h.publishSecurity(identity, events.SecurityAuthFailed)

	h.logger.Warn("device identification failed",
		"device_id", identity,
		"remote_addr", c.conn.RemoteAddr(),
		"reason", reason,
		"error", cause,
	)

	h.send(c, errorFrame(CodeIdentifyFailed, reason))

	h.mu.Lock()
	delete(h.conns, c.conn.ID())
	h.mu.Unlock()
	c.conn.Close(ErrAuthenticationFailed)

	return fmt.Errorf("%w: %s", ErrAuthenticationFailed, reason)
}

// supersede drops an older connection of identity without treating it as a
// device disconnect.
func (h *Handler) supersede(connID, identity string) {
	h.mu.Lock()
	old, ok := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.Info("connection superseded by a newer one", "device_id", identity, "conn_id", connID)
	old.conn.Close(fmt.Errorf("superseded by a newer connection"))
}

func (h *Handler) expire(ctx context.Context, c *connection) {
	h.logger.Info("device token expired", "device_id", c.identity)
	h.audit(ctx, activity.Audit{
		ErrorType:  activity.ErrorTokenExpired,
		Severity:   activity.SeverityLow,
		Message:    "device token expired",
		DeviceID:   c.identity,
		RemoteAddr: peerHost(c.conn.RemoteAddr()),
	})
	h.send(c, errorFrame(CodeTokenExpired, "token expired, identify again"))

	if err := c.fsm.Event(ctx, eventExpire); err != nil {
		h.logger.Debug("expire transition", "conn_id", c.conn.ID(), "error", err)
	}
	h.endSession(ctx, c, events.DeviceStatusDisconnected)
	c.identity = ""
	c.expires = time.Time{}
}

// endSession releases the registry entry and settles running switches. It
// does nothing when the connection no longer owns the session.
func (h *Handler) endSession(ctx context.Context, c *connection, status events.DeviceStatus) {
	identity := c.identity
	if identity == "" {
		return
	}

	if !h.registry.Unregister(identity, c.conn.ID()) {
		h.logger.Debug("stale connection ended", "device_id", identity, "conn_id", c.conn.ID())
		return
	}
	if err := h.store.MarkStatus(ctx, identity, devices.Status(status)); err != nil && !errors.Is(err, devices.ErrNotFound) {
		h.logger.Error("failed to mark device disconnected", "device_id", identity, "error", err)
	}

	settled := h.tracker.OnDeviceOffline(ctx, identity)
	h.logger.Info("device disconnected",
		"device_id", identity,
		"settled_switches", len(settled),
	)
	h.publishStatus(identity, status, h.clock.Now())
}

func (h *Handler) heartbeat(ctx context.Context, c *connection) error {
	now := h.clock.Now()
	h.registry.Touch(c.identity, now)

	if err := h.store.TouchLastSeen(ctx, c.identity, now); err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return h.unknownDevice(ctx, c, TypeHeartbeat)
		}
		h.logger.Error("failed to refresh last seen", "device_id", c.identity, "error", err)
	}
	return nil
}

func (h *Handler) stateUpdate(ctx context.Context, c *connection, m StateUpdate) error {
	device, err := h.store.Device(ctx, c.identity)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return h.unknownDevice(ctx, c, TypeStateUpdate)
		}
		h.logger.Error("failed to load device for state update", "device_id", c.identity, "error", err)
		return fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	h.applyStateReport(ctx, device, m.Switches, true)
	h.registry.Touch(c.identity, h.clock.Now())
	return nil
}

// ReportState applies a state report received outside a live session.
// remoteAddr is the peer that delivered it.
func (h *Handler) ReportState(ctx context.Context, identity, remoteAddr string, reports []SwitchReport) error {
	if len(reports) == 0 {
		return fmt.Errorf("%w: no switches reported", ErrMalformed)
	}

	peer := peerHost(remoteAddr)
	if h.gate.IsBlacklisted(identity) || (peer != "" && h.gate.IsBlacklisted(peer)) {
		h.logger.Warn("state report from blacklisted device refused", "device_id", identity, "remote_addr", remoteAddr)
		h.audit(ctx, activity.Audit{
			ErrorType:  activity.ErrorAuthenticationFailed,
			Severity:   activity.SeverityHigh,
			Message:    "state report from blacklisted device",
			DeviceID:   identity,
			RemoteAddr: peer,
			Details:    map[string]any{"reason": "blacklisted"},
		})
		h.publishSecurity(identity, events.SecurityAdmissionDenied)
		return fmt.Errorf("%w: %s", ErrBlacklisted, identity)
	}

	device, err := h.store.Device(ctx, identity)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return h.auditUnknown(ctx, identity, peer, TypeStateUpdate)
		}
		return fmt.Errorf("%w: %w", ErrProcessing, err)
	}

	_, live := h.registry.Live(identity)
	h.applyStateReport(ctx, device, reports, live || device.Status == devices.StatusOnline)
	return nil
}

func (h *Handler) applyStateReport(ctx context.Context, device *devices.Device, reports []SwitchReport, online bool) {
	now := h.clock.Now()
	identity := device.Identity
	states := make([]events.SwitchState, 0, len(reports))

	for _, r := range reports {
		sw, ok := device.SwitchByPin(r.Pin)
		if !ok {
			h.logger.Warn("state report for unknown pin", "device_id", identity, "pin", r.Pin)
			continue
		}

		override := sw.ManualOverride
		if r.ManualOverride != nil {
			override = *r.ManualOverride
		}
		states = append(states, events.SwitchState{
			SwitchID:       sw.ID,
			Pin:            r.Pin,
			State:          r.State,
			ManualOverride: override,
		})

		actor := devices.ActorSystem
		if cmd, ok := h.matchCommand(device.PendingCommands, sw.ID, r.State, now); ok {
			actor = cmd.Source
			h.acknowledge(ctx, device, sw, cmd, now)
		} else if override {
			actor = devices.ActorManual
		}

		changed := sw.State != r.State
		if changed || override != sw.ManualOverride {
			err := h.store.UpdateSwitch(ctx, identity, sw.ID, devices.SwitchUpdate{
				State:          r.State,
				ManualOverride: &override,
				ChangedBy:      actor,
				ChangedAt:      now,
			})
			if err != nil {
				h.logger.Error("failed to persist switch state",
					"device_id", identity,
					"switch_id", sw.ID,
					"error", err,
				)
			}
		}

		ev := switchEvent(device, sw, online, actor)
		if r.State {
			h.tracker.OnSwitchOn(ctx, ev)
		} else if sw.State || h.tracker.IsTracking(ev.Key()) {
			h.settleOff(ctx, ev)
		}

		if changed {
			h.publishSwitch(events.SwitchStateChangedEvent{
				DeviceID:    identity,
				SwitchID:    sw.ID,
				State:       r.State,
				TriggeredBy: string(actor),
				Timestamp:   now,
			})
		}
	}

	if err := h.store.TouchLastSeen(ctx, identity, now); err != nil {
		h.logger.Warn("failed to refresh last seen", "device_id", identity, "error", err)
	}
	h.refreshSession(ctx, identity)

	if h.statePub != nil {
		h.statePub.Publish(events.DeviceStateUpdateEvent{
			Identity:  identity,
			States:    states,
			Timestamp: now,
		})
	}
}

func (h *Handler) acknowledge(ctx context.Context, device *devices.Device, sw devices.Switch, cmd devices.PendingCommand, now time.Time) {
	removed, err := h.store.RemoveCommand(ctx, device.Identity, cmd.ID)
	if err != nil {
		h.logger.Error("failed to remove acknowledged command", "device_id", device.Identity, "command_id", cmd.ID, "error", err)
		return
	}
	if !removed {
		return
	}
	h.record(ctx, activity.Entry{
		DeviceID:     device.Identity,
		DeviceName:   device.Name,
		SwitchID:     sw.ID,
		SwitchName:   sw.Name,
		Classroom:    device.Classroom,
		Location:     device.Location,
		Action:       activity.ActionCommandAcknowledged,
		TriggeredBy:  string(cmd.Source),
		Timestamp:    now,
		DeviceOnline: true,
		Context: map[string]any{
			"commandId": cmd.ID,
			"latencyMs": now.Sub(cmd.IssuedAt).Milliseconds(),
		},
	})
}

func (h *Handler) manualSwitch(ctx context.Context, c *connection, m ManualSwitch) error {
	device, err := h.store.Device(ctx, c.identity)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return h.unknownDevice(ctx, c, TypeManualSwitch)
		}
		return h.manualSwitchFailed(ctx, c, m, err)
	}

	out, err := h.resolver.Resolve(ctx, device, conflict.ManualReport{
		SwitchRef:     m.SwitchID,
		Action:        m.Action,
		PreviousState: m.PreviousState,
		NewState:      m.NewState,
		DetectedBy:    m.DetectedBy,
		ResponseTime:  m.ResponseTime,
		PhysicalPin:   m.PhysicalPin,
	})
	if err != nil {
		return h.manualSwitchFailed(ctx, c, m, err)
	}

	ev := switchEvent(device, out.Switch, true, devices.ActorManual)
	ev.Manual = true
	if out.Conflict.Any() {
		cf := out.Conflict
		ev.Conflict = &cf
	}
	if out.FinalState {
		h.tracker.OnSwitchOn(ctx, ev)
	} else {
		h.settleOff(ctx, ev)
	}

	h.refreshSession(ctx, c.identity)
	h.publishSwitch(events.SwitchStateChangedEvent{
		DeviceID:    c.identity,
		SwitchID:    out.Switch.ID,
		State:       out.FinalState,
		TriggeredBy: string(devices.ActorManual),
		HasConflict: out.Conflict.Any(),
		Timestamp:   out.ResolvedAt,
	})
	h.gate.TrackActivity(c.identity, security.ActivityToggle)

	h.send(c, ManualSwitchAckFrame{
		Type:         TypeManualSwitchAck,
		SwitchID:     m.SwitchID,
		Acknowledged: true,
		NewState:     out.FinalState,
		Timestamp:    out.ResolvedAt,
	})

	h.logger.Info("manual switch",
		"device_id", c.identity,
		"switch_id", out.Switch.ID,
		"action", m.Action,
		"new_state", out.FinalState,
		"detected_by", out.DetectedBy,
		"conflict", out.Conflict.Any(),
	)
	return nil
}

func (h *Handler) manualSwitchFailed(ctx context.Context, c *connection, m ManualSwitch, cause error) error {
	h.logger.Error("failed to process manual switch",
		"device_id", c.identity,
		"switch_id", m.SwitchID,
		"error", cause,
	)
	h.audit(ctx, activity.Audit{
		ErrorType:  activity.ErrorProcessing,
		Severity:   activity.SeverityMedium,
		Message:    "failed to process manual switch event",
		DeviceID:   c.identity,
		RemoteAddr: peerHost(c.conn.RemoteAddr()),
		Details: map[string]any{
			"switchId": m.SwitchID,
			"action":   m.Action,
			"error":    cause.Error(),
		},
	})
	h.send(c, errorFrame(CodeManualSwitchFailed, "failed to process manual switch event"))
	return fmt.Errorf("%w: %w", ErrProcessing, cause)
}

func (h *Handler) unknownDevice(ctx context.Context, c *connection, t MessageType) error {
	return h.auditUnknown(ctx, c.identity, peerHost(c.conn.RemoteAddr()), t)
}

func (h *Handler) auditUnknown(ctx context.Context, identity, peer string, t MessageType) error {
	h.logger.Warn("event from unknown device dropped", "device_id", identity, "type", t)
	h.audit(ctx, activity.Audit{
		ErrorType:  activity.ErrorUnknownDevice,
		Severity:   activity.SeverityMedium,
		Message:    fmt.Sprintf("%s event from unknown device", t),
		DeviceID:   identity,
		RemoteAddr: peer,
	})
	return fmt.Errorf("%w: %s", ErrUnknownDevice, identity)
}

func (h *Handler) settleOff(ctx context.Context, ev energy.SwitchEvent) {
	if _, err := h.tracker.OnSwitchOff(ctx, ev); err != nil {
		h.logger.Error("failed to settle switch energy",
			"device_id", ev.DeviceID,
			"switch_id", ev.SwitchID,
			"error", err,
		)
	}
}

// refreshSession copies the stored device into the session cache.
func (h *Handler) refreshSession(ctx context.Context, identity string) {
	device, err := h.store.Device(ctx, identity)
	if err != nil {
		h.logger.Warn("failed to refresh session device", "device_id", identity, "error", err)
		return
	}
	h.registry.UpdateDevice(identity, *device)
}

// CommandResult is the outcome of SubmitCommand.
type CommandResult struct {
	Command   devices.PendingCommand `json:"command"`
	Delivered bool                   `json:"delivered"`
}

// SubmitCommand queues a remote switch command and pushes it to the device
// when it has a live session.
func (h *Handler) SubmitCommand(ctx context.Context, identity, switchID string, state bool, source devices.Actor) (CommandResult, error) {
	if !source.Valid() || source == devices.ActorManual {
		return CommandResult{}, fmt.Errorf("%w: source %q", ErrInvalidCommand, source)
	}

	device, err := h.store.Device(ctx, identity)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return CommandResult{}, fmt.Errorf("%w: %s", ErrUnknownDevice, identity)
		}
		return CommandResult{}, fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	sw, ok := device.FindSwitch(switchID)
	if !ok {
		return CommandResult{}, fmt.Errorf("%w: %w: %s", ErrInvalidCommand, devices.ErrSwitchNotFound, switchID)
	}

	now := h.clock.Now()
	cmd := devices.PendingCommand{
		ID:           uuid.NewString(),
		SwitchID:     sw.ID,
		DesiredState: state,
		IssuedAt:     now,
		Source:       source,
	}
	if err := h.store.EnqueueCommand(ctx, identity, cmd); err != nil {
		return CommandResult{}, fmt.Errorf("%w: failed to queue command: %w", ErrProcessing, err)
	}
	h.gate.TrackActivity(identity, security.ActivityCommand)

	delivered := false
	if rec, live := h.registry.Live(identity); live {
		if c := h.lookup(rec.ConnID); c != nil {
			delivered = h.sendCommand(c, cmd, sw)
		}
	}

	h.record(ctx, activity.Entry{
		DeviceID:     identity,
		DeviceName:   device.Name,
		SwitchID:     sw.ID,
		SwitchName:   sw.Name,
		Classroom:    device.Classroom,
		Location:     device.Location,
		Action:       activity.ActionCommandSent,
		TriggeredBy:  string(source),
		Timestamp:    now,
		DeviceOnline: delivered,
		Context: map[string]any{
			"commandId":    cmd.ID,
			"desiredState": state,
		},
	})
	if h.commandPub != nil {
		h.commandPub.Publish(events.CommandEvent{
			CommandID: cmd.ID,
			DeviceID:  identity,
			SwitchID:  sw.ID,
			State:     state,
			Source:    string(source),
			Delivered: delivered,
			Timestamp: now,
		})
	}

	h.logger.Info("command submitted",
		"device_id", identity,
		"switch_id", sw.ID,
		"state", state,
		"source", source,
		"delivered", delivered,
	)
	return CommandResult{Command: cmd, Delivered: delivered}, nil
}

// DeviceConfig returns the boot configuration of a device.
func (h *Handler) DeviceConfig(ctx context.Context, identity string) (DeviceConfig, error) {
	device, err := h.store.Device(ctx, identity)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return DeviceConfig{}, fmt.Errorf("%w: %s", ErrUnknownDevice, identity)
		}
		return DeviceConfig{}, fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	return NewDeviceConfig(device), nil
}

func (h *Handler) sendCommand(c *connection, cmd devices.PendingCommand, sw devices.Switch) bool {
	return h.send(c, CommandFrame{
		Type:      TypeCommand,
		CommandID: cmd.ID,
		SwitchID:  sw.ID,
		Pin:       sw.Pin,
		State:     cmd.DesiredState,
	})
}

func (h *Handler) send(c *connection, frame any) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to encode frame", "conn_id", c.conn.ID(), "error", err)
		return false
	}
	if err := c.conn.Send(payload); err != nil {
		h.logger.Warn("failed to send frame", "conn_id", c.conn.ID(), "error", err)
		return false
	}
	return true
}

func (h *Handler) lookup(connID string) *connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[connID]
}

func (h *Handler) audit(ctx context.Context, a activity.Audit) {
	a.ID = uuid.NewString()
	a.Timestamp = h.clock.Now()
	if err := h.recorder.Audit(ctx, a); err != nil {
		h.logger.Warn("failed to write audit entry", "error_type", a.ErrorType, "error", err)
	}
}

func (h *Handler) record(ctx context.Context, e activity.Entry) {
	e.ID = uuid.NewString()
	if err := h.recorder.Record(ctx, e); err != nil {
		h.logger.Warn("failed to record activity", "action", e.Action, "error", err)
	}
}

func (h *Handler) publishStatus(identity string, status events.DeviceStatus, at time.Time) {
	if h.statusPub != nil {
		h.statusPub.Publish(events.DeviceStatusEvent{Identity: identity, Status: status, Timestamp: at})
	}
}

func (h *Handler) publishSwitch(ev events.SwitchStateChangedEvent) {
	if h.switchPub != nil {
		h.switchPub.Publish(ev)
	}
}

func (h *Handler) publishSecurity(identifier string, kind events.SecurityEventKind) {
	if h.securityPub != nil {
		h.securityPub.Publish(events.SecurityEvent{Identifier: identifier, Kind: kind, Timestamp: h.clock.Now()})
	}
}

// matchCommand finds the queued command a report confirms. Commands older
// than the command window are not credited.
func (h *Handler) matchCommand(pending []devices.PendingCommand, switchID string, state bool, now time.Time) (devices.PendingCommand, bool) {
	for _, cmd := range pending {
		if cmd.SwitchID == switchID && cmd.DesiredState == state && !h.stale(cmd, now) {
			return cmd, true
		}
	}
	return devices.PendingCommand{}, false
}

func switchEvent(d *devices.Device, sw devices.Switch, online bool, actor devices.Actor) energy.SwitchEvent {
	return energy.SwitchEvent{
		DeviceID:     d.Identity,
		DeviceName:   d.Name,
		SwitchID:     sw.ID,
		SwitchName:   sw.Name,
		SwitchType:   string(sw.Type),
		PowerWatts:   sw.PowerWatts,
		Classroom:    d.Classroom,
		Location:     d.Location,
		DeviceOnline: online,
		TriggeredBy:  actor,
	}
}

// peerHost strips the port from a transport address.
func peerHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
