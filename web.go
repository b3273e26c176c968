package switchboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/kradalby/switchboard/devices"
	"github.com/kradalby/switchboard/energy"
	"github.com/kradalby/switchboard/events"
	"github.com/kradalby/switchboard/gateway"
	"github.com/kradalby/switchboard/security"
	"github.com/kradalby/switchboard/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/util/eventbus"
)

// SignatureHeader carries the HMAC of a device state report body.
const SignatureHeader = "X-Device-Signature"

const maxBodyBytes = 64 << 10

// WebOptions configures a WebServer.
type WebOptions struct {
	Logger     *slog.Logger
	Handler    *gateway.Handler
	Registry   *session.Registry
	Store      devices.Store
	Tracker    *energy.Tracker
	Ledger     energy.Reader
	Gate       *security.Gate
	Bus        *events.Bus
	Metrics    http.Handler
	SigningKey []byte
	APISecret  []byte
	AdminToken string
	Version    string
}

type sseMessage struct {
	event string
	data  []byte
}

// WebServer serves the admin and device fallback API.
type WebServer struct {
	logger     *slog.Logger
	handler    *gateway.Handler
	registry   *session.Registry
	store      devices.Store
	tracker    *energy.Tracker
	ledger     energy.Reader
	gate       *security.Gate
	metrics    http.Handler
	signingKey []byte
	apiSecret  []byte
	adminToken string
	version    string
	started    time.Time

	sseClients   map[chan sseMessage]struct{}
	sseClientsMu sync.RWMutex

	statusSub *eventbus.Subscriber[events.DeviceStatusEvent]
	switchSub *eventbus.Subscriber[events.SwitchStateChangedEvent]
	stateSub  *eventbus.Subscriber[events.DeviceStateUpdateEvent]

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebServer creates a web server.
func NewWebServer(opts WebOptions) (*WebServer, error) {
	switch {
	case opts.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case opts.Handler == nil:
		return nil, fmt.Errorf("connection handler is required")
	case opts.Registry == nil:
		return nil, fmt.Errorf("session registry is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("device store is required")
	case opts.Tracker == nil:
		return nil, fmt.Errorf("energy tracker is required")
	case opts.Gate == nil:
		return nil, fmt.Errorf("security gate is required")
	case opts.Bus == nil:
		return nil, fmt.Errorf("event bus is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}

	client, err := opts.Bus.Client(events.ClientWeb)
	if err != nil {
		return nil, fmt.Errorf("failed to get web eventbus client: %w", err)
	}

	return &WebServer{
		logger:     opts.Logger,
		handler:    opts.Handler,
		registry:   opts.Registry,
		store:      opts.Store,
		tracker:    opts.Tracker,
		ledger:     opts.Ledger,
		gate:       opts.Gate,
		metrics:    opts.Metrics,
		signingKey: opts.SigningKey,
		apiSecret:  opts.APISecret,
		adminToken: opts.AdminToken,
		version:    opts.Version,
		started:    time.Now(),
		sseClients: make(map[chan sseMessage]struct{}),
		statusSub:  eventbus.Subscribe[events.DeviceStatusEvent](client),
		switchSub:  eventbus.Subscribe[events.SwitchStateChangedEvent](client),
		stateSub:   eventbus.Subscribe[events.DeviceStateUpdateEvent](client),
	}, nil
}

// Router builds the HTTP routes.
func (ws *WebServer) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", ws.HandleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", ws.metrics).Methods(http.MethodGet)
	router.HandleFunc("/events", ws.HandleSSE).Methods(http.MethodGet)

	// Devices authenticate the body signature rather than the admin token.
	router.HandleFunc("/api/devices/{identity}/state", ws.HandleReportState).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(ws.requireAdmin)
	api.HandleFunc("/summary", ws.HandleSummary).Methods(http.MethodGet)
	api.HandleFunc("/devices", ws.HandleDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{identity}/config", ws.HandleDeviceConfig).Methods(http.MethodGet)
	api.HandleFunc("/devices/{identity}/commands", ws.HandleCommand).Methods(http.MethodPost)
	api.HandleFunc("/devices/{identity}/token", ws.HandleIssueToken).Methods(http.MethodPost)
	api.HandleFunc("/energy/active", ws.HandleActiveEnergy).Methods(http.MethodGet)
	api.HandleFunc("/energy/consumption", ws.HandleConsumption).Methods(http.MethodGet)
	api.HandleFunc("/security/stats", ws.HandleSecurityStats).Methods(http.MethodGet)
	api.HandleFunc("/blacklist/{identifier}", ws.HandleUnblacklist).Methods(http.MethodDelete)

	return router
}

// Start begins forwarding bus events to SSE clients.
func (ws *WebServer) Start(ctx context.Context) {
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		ws.ProcessEvents(ctx)
	}()
}

// Close stops the event loop and releases subscribers.
func (ws *WebServer) Close() {
	ws.closeOnce.Do(func() {
		ws.statusSub.Close()
		ws.switchSub.Close()
		ws.stateSub.Close()
		ws.wg.Wait()
	})
}

// ProcessEvents broadcasts bus events until ctx is done or a subscriber closes.
func (ws *WebServer) ProcessEvents(ctx context.Context) {
	for {
		select {
		case evt := <-ws.statusSub.Events():
			ws.broadcast("device_status", evt)
		case evt := <-ws.switchSub.Events():
			ws.broadcast("switchStateChanged", evt)
		case evt := <-ws.stateSub.Events():
			ws.broadcast("device_state_update", evt)
		case <-ws.statusSub.Done():
			return
		case <-ws.switchSub.Done():
			return
		case <-ws.stateSub.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (ws *WebServer) broadcast(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ws.logger.Error("failed to encode SSE event", "event", event, "error", err)
		return
	}

	ws.sseClientsMu.RLock()
	defer ws.sseClientsMu.RUnlock()

	for client := range ws.sseClients {
		select {
		case client <- sseMessage{event: event, data: data}:
		default:
			// Slow client, drop.
		}
	}
}

// HandleSSE streams switch and device events.
func (ws *WebServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientChan := make(chan sseMessage, 16)

	ws.sseClientsMu.Lock()
	ws.sseClients[clientChan] = struct{}{}
	ws.sseClientsMu.Unlock()

	defer func() {
		ws.sseClientsMu.Lock()
		delete(ws.sseClients, clientChan)
		ws.sseClientsMu.Unlock()
	}()

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case msg := <-clientChan:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.data); err != nil {
				ws.logger.Debug("SSE client write failed", "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (ws *WebServer) sseClientCount() int {
	ws.sseClientsMu.RLock()
	defer ws.sseClientsMu.RUnlock()
	return len(ws.sseClients)
}

// HandleHealth reports liveness.
func (ws *WebServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": ws.version,
		"uptime":  time.Since(ws.started).Round(time.Second).String(),
	})
}

type summaryResponse struct {
	Total       int                   `json:"total"`
	Online      int                   `json:"online"`
	Offline     int                   `json:"offline"`
	Error       int                   `json:"error"`
	Sessions    map[session.State]int `json:"sessions"`
	ActiveLoads int                   `json:"activeLoads"`
}

// HandleSummary returns aggregated device counts.
func (ws *WebServer) HandleSummary(w http.ResponseWriter, r *http.Request) {
	list, err := ws.store.List(r.Context())
	if err != nil {
		ws.logger.Error("failed to list devices", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	resp := summaryResponse{
		Total:       len(list),
		Sessions:    ws.registry.Counts(),
		ActiveLoads: len(ws.tracker.Active()),
	}
	for _, d := range list {
		switch d.Status {
		case devices.StatusOnline:
			resp.Online++
		case devices.StatusError:
			resp.Error++
		default:
			resp.Offline++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type deviceView struct {
	Identity  string           `json:"identity"`
	Name      string           `json:"name"`
	Classroom string           `json:"classroom,omitempty"`
	Location  string           `json:"location,omitempty"`
	Status    devices.Status   `json:"status"`
	Session   session.State    `json:"session,omitempty"`
	LastSeen  time.Time        `json:"lastSeen"`
	Attempts  int              `json:"reconnectAttempts,omitempty"`
	Switches  []devices.Switch `json:"switches"`
	Pending   int              `json:"pendingCommands"`
}

// HandleDevices lists devices with their session state. Secrets are omitted.
func (ws *WebServer) HandleDevices(w http.ResponseWriter, r *http.Request) {
	list, err := ws.store.List(r.Context())
	if err != nil {
		ws.logger.Error("failed to list devices", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	sessions := make(map[string]session.Record)
	for _, rec := range ws.registry.Snapshot() {
		sessions[rec.Identity] = rec
	}

	out := make([]deviceView, 0, len(list))
	for _, d := range list {
		v := deviceView{
			Identity:  d.Identity,
			Name:      d.Name,
			Classroom: d.Classroom,
			Location:  d.Location,
			Status:    d.Status,
			LastSeen:  d.LastSeen,
			Switches:  d.Switches,
			Pending:   len(d.PendingCommands),
		}
		if rec, ok := sessions[d.Identity]; ok {
			v.Session = rec.State
			v.Attempts = rec.Attempts
			if rec.LastSeen.After(v.LastSeen) {
				v.LastSeen = rec.LastSeen
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDeviceConfig returns the boot configuration of a device.
func (ws *WebServer) HandleDeviceConfig(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityVar(w, r)
	if !ok {
		return
	}

	cfg, err := ws.handler.DeviceConfig(r.Context(), identity)
	if err != nil {
		ws.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type commandRequest struct {
	SwitchID string        `json:"switchId"`
	State    *bool         `json:"state"`
	Source   devices.Actor `json:"source"`
}

// HandleCommand queues a remote switch command.
func (ws *WebServer) HandleCommand(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityVar(w, r)
	if !ok {
		return
	}

	var req commandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.SwitchID == "" || req.State == nil {
		writeError(w, http.StatusBadRequest, "switchId and state are required")
		return
	}
	if req.Source == "" {
		req.Source = devices.ActorUser
	}

	res, err := ws.handler.SubmitCommand(r.Context(), identity, req.SwitchID, *req.State, req.Source)
	if err != nil {
		ws.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// HandleIssueToken signs a device token for a known device.
func (ws *WebServer) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityVar(w, r)
	if !ok {
		return
	}

	if _, err := ws.store.Device(r.Context(), identity); err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}

	token, err := ws.gate.IssueDeviceToken(identity, ws.signingKey)
	if err != nil {
		ws.logger.Error("failed to issue device token", "device_id", identity, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	ws.logger.Info("device token issued", "device_id", identity)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(security.TokenLifetime.Seconds()),
	})
}

// HandleReportState accepts a signed state_update frame from a device without
// a live broker connection.
func (ws *WebServer) HandleReportState(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityVar(w, r)
	if !ok {
		return
	}
	if len(ws.apiSecret) == 0 {
		writeError(w, http.StatusServiceUnavailable, "state reports are disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !security.VerifySignature(body, r.Header.Get(SignatureHeader), ws.apiSecret) {
		ws.logger.Warn("state report with bad signature", "device_id", identity, "remote_addr", r.RemoteAddr)
		ws.gate.TrackActivity(identity, security.ActivityAuthFailure)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	msg, err := gateway.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	update, ok := msg.(gateway.StateUpdate)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("expected state_update, got %s", msg.Type()))
		return
	}

	if err := ws.handler.ReportState(r.Context(), identity, r.RemoteAddr, update.Switches); err != nil {
		ws.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleActiveEnergy lists switches currently being metered.
func (ws *WebServer) HandleActiveEnergy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ws.tracker.Active())
}

// HandleConsumption lists accumulated ledger records.
func (ws *WebServer) HandleConsumption(w http.ResponseWriter, r *http.Request) {
	if ws.ledger == nil {
		writeJSON(w, http.StatusOK, []energy.Record{})
		return
	}
	records, err := ws.ledger.Consumption(r.Context())
	if err != nil {
		ws.logger.Error("failed to read consumption", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read consumption")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleSecurityStats returns gate counters.
func (ws *WebServer) HandleSecurityStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ws.gate.Stats())
}

// HandleUnblacklist lifts a blacklist entry.
func (ws *WebServer) HandleUnblacklist(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]

	removed := ws.gate.Unblacklist(identifier)
	if !removed {
		if normalized, err := devices.NormalizeIdentity(identifier); err == nil {
			identifier = normalized
			removed = ws.gate.Unblacklist(identifier)
		}
	}
	if !removed {
		writeError(w, http.StatusNotFound, "identifier is not blacklisted")
		return
	}
	ws.logger.Info("blacklist entry removed", "identifier", identifier)
	w.WriteHeader(http.StatusNoContent)
}

func (ws *WebServer) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ws.adminToken != "" {
			token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || !security.SecretsEqual(token, ws.adminToken) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (ws *WebServer) writeHandlerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gateway.ErrBlacklisted):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, gateway.ErrInvalidCommand), errors.Is(err, gateway.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		ws.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func identityVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, err := devices.NormalizeIdentity(mux.Vars(r)["identity"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
