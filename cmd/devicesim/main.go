// Command devicesim connects to a switchboard broker as a single device. It
// identifies, sends heartbeats, follows commands and can flip a switch as if
// its wall button was pressed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kradalby/switchboard"
	"github.com/kradalby/switchboard/gateway"
	"github.com/kradalby/switchboard/logging"
)

var (
	broker     = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	clientID   = flag.String("client", "devicesim-1", "MQTT client id")
	identity   = flag.String("identity", "AA:BB:CC:DD:EE:01", "Device identity")
	secret     = flag.String("secret", "", "Device secret")
	token      = flag.String("token", "", "Device token, used instead of the secret")
	heartbeat  = flag.Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	manualPin  = flag.Int("manual-pin", 0, "Relay pin to toggle as a wall switch, 0 disables")
	manualEach = flag.Duration("manual-every", time.Minute, "Wall switch toggle interval")
	logLevel   = flag.String("log-level", "info", "Log level")
)

type envelope struct {
	Type gateway.MessageType `json:"type"`
}

type device struct {
	logger *slog.Logger
	client mqtt.Client
	up     string

	mu       sync.Mutex
	online   bool
	switches map[int]string // relay pin to switch id
	states   map[int]bool
}

func (d *device) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		d.logger.Error("Failed to encode frame", "error", err)
		return
	}
	tok := d.client.Publish(d.up, 1, false, payload)
	if tok.Wait() && tok.Error() != nil {
		d.logger.Error("Failed to publish frame", "error", tok.Error())
	}
}

func (d *device) identify() {
	frame := map[string]any{
		"type":           gateway.TypeIdentify,
		"deviceIdentity": *identity,
	}
	if *token != "" {
		frame["token"] = *token
	} else {
		frame["secret"] = *secret
	}
	d.send(frame)
}

func (d *device) reportState() {
	d.mu.Lock()
	reports := make([]map[string]any, 0, len(d.states))
	for pin, state := range d.states {
		reports = append(reports, map[string]any{"pin": pin, "state": state})
	}
	d.mu.Unlock()

	if len(reports) == 0 {
		return
	}
	d.send(map[string]any{"type": gateway.TypeStateUpdate, "switches": reports})
}

func (d *device) handle(_ mqtt.Client, msg mqtt.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		d.logger.Warn("Dropping malformed frame", "error", err)
		return
	}

	switch env.Type {
	case gateway.TypeIdentified:
		var f gateway.IdentifiedFrame
		if err := json.Unmarshal(msg.Payload(), &f); err != nil || f.Config == nil {
			d.logger.Warn("Identified frame without config", "error", err)
			return
		}
		d.mu.Lock()
		d.online = true
		d.switches = make(map[int]string, len(f.Config.Switches))
		d.states = make(map[int]bool, len(f.Config.Switches))
		for _, sw := range f.Config.Switches {
			d.switches[sw.RelayPin] = sw.ID
			d.states[sw.RelayPin] = sw.State
		}
		d.mu.Unlock()
		d.logger.Info("Identified", "name", f.Config.Name, "switches", len(f.Config.Switches))
		d.reportState()

	case gateway.TypeCommand:
		var f gateway.CommandFrame
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			d.logger.Warn("Malformed command", "error", err)
			return
		}
		d.mu.Lock()
		d.states[f.Pin] = f.State
		d.mu.Unlock()
		d.logger.Info("Command applied", "switch_id", f.SwitchID, "pin", f.Pin, "state", f.State)
		d.reportState()

	case gateway.TypeManualSwitchAck:
		var f gateway.ManualSwitchAckFrame
		if err := json.Unmarshal(msg.Payload(), &f); err == nil {
			d.logger.Info("Manual switch acknowledged", "switch_id", f.SwitchID, "state", f.NewState)
		}

	case gateway.TypeError:
		var f gateway.ErrorFrame
		if err := json.Unmarshal(msg.Payload(), &f); err == nil {
			d.logger.Warn("Server error", "code", f.Code, "message", f.Message)
			if f.Code == gateway.CodeTokenExpired || f.Code == gateway.CodeIdentifyFailed {
				d.mu.Lock()
				d.online = false
				d.mu.Unlock()
			}
		}
	}
}

func (d *device) toggleManual() {
	d.mu.Lock()
	id, ok := d.switches[*manualPin]
	if !ok || !d.online {
		d.mu.Unlock()
		return
	}
	prev := d.states[*manualPin]
	d.states[*manualPin] = !prev
	d.mu.Unlock()

	d.send(map[string]any{
		"type":          gateway.TypeManualSwitch,
		"switchId":      id,
		"previousState": prev,
		"newState":      !prev,
		"detectedBy":    "devicesim",
		"physicalPin":   *manualPin,
	})
}

func main() {
	flag.Parse()

	logger, err := logging.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *secret == "" && *token == "" {
		logger.Error("Either -secret or -token is required")
		os.Exit(1)
	}

	d := &device{
		logger:   logger.With("client_id", *clientID),
		up:       switchboard.UpTopic(*clientID),
		switches: make(map[int]string),
		states:   make(map[int]bool),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *broker))
	opts.SetClientID(*clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	// Handlers publish and wait, which blocks with ordered delivery.
	opts.SetOrderMatters(false)

	opts.OnConnect = func(client mqtt.Client) {
		d.logger.Info("Connected to MQTT broker", "broker", *broker)
		tok := client.Subscribe(switchboard.DownTopic(*clientID), 1, d.handle)
		if tok.Wait() && tok.Error() != nil {
			d.logger.Error("Failed to subscribe", "error", tok.Error())
			return
		}
		d.identify()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		d.mu.Lock()
		d.online = false
		d.mu.Unlock()
		d.logger.Error("MQTT connection lost", "error", err)
	}

	d.client = mqtt.NewClient(opts)
	if tok := d.client.Connect(); tok.Wait() && tok.Error() != nil {
		logger.Error("Failed to connect to MQTT broker", "error", tok.Error())
		os.Exit(1)
	}
	defer d.client.Disconnect(250)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	beat := time.NewTicker(*heartbeat)
	defer beat.Stop()

	var manualC <-chan time.Time
	if *manualPin != 0 {
		manual := time.NewTicker(*manualEach)
		defer manual.Stop()
		manualC = manual.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return
		case <-beat.C:
			d.mu.Lock()
			online := d.online
			d.mu.Unlock()
			if online {
				d.send(map[string]any{"type": gateway.TypeHeartbeat})
			} else {
				d.identify()
			}
		case <-manualC:
			d.toggleManual()
		}
	}
}
