package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/kradalby/switchboard/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tailscale.com/util/eventbus"
)

var deviceStatuses = []events.DeviceStatus{
	events.DeviceStatusOnline,
	events.DeviceStatusOffline,
	events.DeviceStatusDisconnected,
	events.DeviceStatusError,
}

// Collector subscribes to eventbus updates and exposes Prometheus metrics.
type Collector struct {
	logger *slog.Logger

	statusSub   *eventbus.Subscriber[events.DeviceStatusEvent]
	switchSub   *eventbus.Subscriber[events.SwitchStateChangedEvent]
	energySub   *eventbus.Subscriber[events.EnergySettledEvent]
	securitySub *eventbus.Subscriber[events.SecurityEvent]
	commandSub  *eventbus.Subscriber[events.CommandEvent]

	devicesGauge    *prometheus.GaugeVec
	switchCounter   *prometheus.CounterVec
	energyCounter   *prometheus.CounterVec
	costCounter     *prometheus.CounterVec
	securityCounter *prometheus.CounterVec
	commandCounter  *prometheus.CounterVec

	mu       sync.Mutex
	statuses map[string]events.DeviceStatus

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	workers      sync.WaitGroup
}

// NewCollector wires eventbus subscribers into Prometheus metrics.
func NewCollector(ctx context.Context, logger *slog.Logger, bus *events.Bus, reg prometheus.Registerer) (*Collector, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	client, err := bus.Client(events.ClientMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics client: %w", err)
	}

	collectorCtx, cancel := context.WithCancel(ctx)
	factory := promauto.With(reg)

	c := &Collector{
		logger:      logger,
		statusSub:   eventbus.Subscribe[events.DeviceStatusEvent](client),
		switchSub:   eventbus.Subscribe[events.SwitchStateChangedEvent](client),
		energySub:   eventbus.Subscribe[events.EnergySettledEvent](client),
		securitySub: eventbus.Subscribe[events.SecurityEvent](client),
		commandSub:  eventbus.Subscribe[events.CommandEvent](client),

		devicesGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "switchboard_devices",
			Help: "Devices by last reported connectivity status",
		}, []string{"status"}),
		switchCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_switch_changes_total",
			Help: "Switch state changes by actor and whether a remote command was superseded",
		}, []string{"triggered_by", "conflict"}),
		energyCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_energy_kwh_total",
			Help: "Settled energy in kWh by switch type",
		}, []string{"switch_type"}),
		costCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_energy_cost_total",
			Help: "Settled energy cost by switch type",
		}, []string{"switch_type"}),
		securityCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_security_events_total",
			Help: "Security gate decisions by kind",
		}, []string{"kind"}),
		commandCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_commands_total",
			Help: "Remote switch commands by source and delivery",
		}, []string{"source", "delivered"}),

		statuses: make(map[string]events.DeviceStatus),
		ctx:      collectorCtx,
		cancel:   cancel,
	}

	for _, s := range deviceStatuses {
		c.devicesGauge.WithLabelValues(string(s)).Set(0)
	}

	c.workers.Add(5)
	go consume(c, c.statusSub, c.observeStatus)
	go consume(c, c.switchSub, c.observeSwitch)
	go consume(c, c.energySub, c.observeEnergy)
	go consume(c, c.securitySub, c.observeSecurity)
	go consume(c, c.commandSub, c.observeCommand)

	logger.Info("metrics collector started")

	return c, nil
}

// Close stops the collector and releases subscribers.
func (c *Collector) Close() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.statusSub.Close()
		c.switchSub.Close()
		c.energySub.Close()
		c.securitySub.Close()
		c.commandSub.Close()
		c.workers.Wait()
		c.logger.Info("metrics collector stopped")
	})
}

func consume[T any](c *Collector, sub *eventbus.Subscriber[T], observe func(T)) {
	defer c.workers.Done()
	for {
		select {
		case evt := <-sub.Events():
			observe(evt)
		case <-sub.Done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) observeStatus(evt events.DeviceStatusEvent) {
	c.mu.Lock()
	c.statuses[evt.Identity] = evt.Status
	counts := make(map[events.DeviceStatus]int, len(deviceStatuses))
	for _, s := range c.statuses {
		counts[s]++
	}
	c.mu.Unlock()

	for _, s := range deviceStatuses {
		c.devicesGauge.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (c *Collector) observeSwitch(evt events.SwitchStateChangedEvent) {
	actor := evt.TriggeredBy
	if actor == "" {
		actor = "unknown"
	}
	c.switchCounter.WithLabelValues(actor, strconv.FormatBool(evt.HasConflict)).Inc()
}

func (c *Collector) observeEnergy(evt events.EnergySettledEvent) {
	switchType := evt.SwitchType
	if switchType == "" {
		switchType = "unknown"
	}
	c.energyCounter.WithLabelValues(switchType).Add(evt.EnergyKWh)
	c.costCounter.WithLabelValues(switchType).Add(evt.Cost)
}

func (c *Collector) observeSecurity(evt events.SecurityEvent) {
	c.securityCounter.WithLabelValues(string(evt.Kind)).Inc()
}

func (c *Collector) observeCommand(evt events.CommandEvent) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	c.commandCounter.WithLabelValues(source, strconv.FormatBool(evt.Delivered)).Inc()
}
