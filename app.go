package switchboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kradalby/switchboard/activity"
	appconfig "github.com/kradalby/switchboard/config"
	"github.com/kradalby/switchboard/conflict"
	"github.com/kradalby/switchboard/devices"
	"github.com/kradalby/switchboard/energy"
	"github.com/kradalby/switchboard/events"
	"github.com/kradalby/switchboard/gateway"
	"github.com/kradalby/switchboard/logging"
	"github.com/kradalby/switchboard/metrics"
	"github.com/kradalby/switchboard/security"
	"github.com/kradalby/switchboard/session"
	"github.com/kradalby/switchboard/store"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tstime"
)

var version = "dev"

const (
	dbConnectAttempts = 6
	shutdownTimeout   = 10 * time.Second
)

// Main is the entry point used by cmd/switchboard.
func Main() {
	cfg, err := appconfig.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("Failed to configure logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("Starting switchboard", "version", version)
	logger.Info("Configuration loaded",
		"web_addr", cfg.WebAddrPort().String(),
		"mqtt_addr", cfg.MQTTAddrPort().String(),
		"store_driver", cfg.StoreDriver,
		"devices_config", cfg.DevicesConfigPath,
		"power_settings", cfg.PowerSettingsPath,
		"redis", cfg.RedisAddr != "",
		"amqp", cfg.AMQPURL != "",
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("switchboard stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// persistence is the storage chosen by the store driver.
type persistence struct {
	devices  devices.Store
	ledger   energy.Ledger
	reader   energy.Reader
	recorder activity.Recorder
	batcher  *activity.Batcher
	close    func()
}

func openPersistence(ctx context.Context, cfg *appconfig.Config, logger *slog.Logger) (*persistence, error) {
	var seed []devices.Device
	if cfg.DevicesConfigPath != "" {
		devCfg, err := devices.LoadConfig(cfg.DevicesConfigPath)
		switch {
		case err == nil:
			seed = devCfg.Devices
			logger.Info("Loaded devices", "count", len(seed))
		case cfg.StoreDriver == appconfig.StoreMemory:
			return nil, err
		default:
			logger.Warn("Device seed file not loaded", "path", cfg.DevicesConfigPath, "error", err)
		}
	}

	if cfg.StoreDriver == appconfig.StoreMemory {
		ledger := energy.NewMemoryLedger()
		return &persistence{
			devices:  devices.NewMemoryStore(seed...),
			ledger:   ledger,
			reader:   ledger,
			recorder: &activity.MemoryLog{},
			close:    func() {},
		}, nil
	}

	pg, err := store.OpenWithRetry(ctx, cfg.DatabaseDSN, logger, dbConnectAttempts)
	if err != nil {
		return nil, err
	}
	if len(seed) > 0 {
		if err := pg.Seed(ctx, seed); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}

	timing := cfg.Timing()
	batcher := activity.NewBatcher(pg, logger, cfg.ActivityBatchSize, timing.ActivityBatch)
	return &persistence{
		devices:  pg,
		ledger:   pg,
		reader:   pg,
		recorder: batcher,
		batcher:  batcher,
		close: func() {
			if err := pg.Close(); err != nil {
				logger.Error("Error closing database", "error", err)
			}
		},
	}, nil
}

// resetStaleStatus marks devices left online by a previous process as
// disconnected. Their open intervals were lost with that process.
// startBackground runs the persistence workers. The returned stop cancels
// them and blocks until the batcher has flushed, so it is safe to defer on
// any return path.
func (p *persistence) startBackground() (context.Context, func()) {
	workCtx, cancel := context.WithCancel(context.Background())
	if p.batcher == nil {
		return workCtx, cancel
	}
	go p.batcher.Run(workCtx)
	return workCtx, func() {
		cancel()
		p.batcher.Wait()
	}
}

func resetStaleStatus(ctx context.Context, st devices.Store, logger *slog.Logger) {
	list, err := st.List(ctx)
	if err != nil {
		logger.Warn("Failed to list devices for status reset", "error", err)
		return
	}
	for _, d := range list {
		if d.Status != devices.StatusOnline {
			continue
		}
		if err := st.MarkStatus(ctx, d.Identity, devices.StatusDisconnected); err != nil {
			logger.Warn("Failed to reset device status", "device_id", d.Identity, "error", err)
		}
	}
}

func run(ctx context.Context, cfg *appconfig.Config, logger *slog.Logger) error {
	timing := cfg.Timing()
	clock := tstime.StdClock{}

	bus, err := events.New(logger)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	p, err := openPersistence(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}
	defer p.close()
	resetStaleStatus(ctx, p.devices, logger)

	workCtx, stopWork := p.startBackground()
	defer stopWork()

	recorder := p.recorder
	if cfg.AMQPURL != "" {
		publisher, err := activity.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Warn("Activity stream disabled", "error", err)
		} else {
			defer func() { _ = publisher.Close() }()
			recorder = activity.Multi{recorder, publisher}
		}
	}

	var counter security.Counter
	if cfg.RedisAddr != "" {
		rdb, err := security.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("Redis unavailable, using in-memory rate limits", "error", err)
		} else {
			defer func() { _ = rdb.Close() }()
			counter = security.NewRedisCounter(rdb, "switchboard:ratelimit:")
		}
	}

	gate, err := security.NewGate(security.Options{
		Logger:  logger.With("component", "security"),
		Clock:   clock,
		Counter: counter,
		Bus:     bus,
	})
	if err != nil {
		return err
	}
	go gate.Run(workCtx)

	settings := energy.NewSettingsWatcher(
		energy.FileSource{Path: cfg.PowerSettingsPath},
		timing.PowerRefresh,
		clock,
		logger.With("component", "energy"),
	)
	go settings.Run(workCtx)

	tracker, err := energy.NewTracker(energy.TrackerOptions{
		Logger:   logger.With("component", "energy"),
		Clock:    clock,
		Ledger:   p.ledger,
		Recorder: recorder,
		Settings: settings.Current,
		Bus:      bus,
	})
	if err != nil {
		return err
	}

	registry, err := session.New(session.Options{
		Logger:      logger.With("component", "session"),
		Clock:       clock,
		Interval:    timing.ReconnectInterval,
		MaxAttempts: cfg.ReconnectAttempts,
		Exists: func(ctx context.Context, identity string) bool {
			_, err := p.devices.Device(ctx, identity)
			return !errors.Is(err, devices.ErrNotFound)
		},
	})
	if err != nil {
		return err
	}
	defer registry.Stop()

	resolver, err := conflict.NewResolver(logger.With("component", "conflict"), p.devices, clock, timing.ConflictWindow)
	if err != nil {
		return err
	}

	handler, err := gateway.NewHandler(gateway.Options{
		Logger:          logger.With("component", "gateway"),
		Clock:           clock,
		Store:           p.devices,
		Gate:            gate,
		Registry:        registry,
		Resolver:        resolver,
		Tracker:         tracker,
		Recorder:        recorder,
		Bus:             bus,
		SigningKey:      []byte(cfg.SigningKey),
		AdmissionLimit:  cfg.AdmissionLimit,
		AdmissionWindow: timing.AdmissionWindow,
		CommandWindow:   timing.ConflictWindow,
	})
	if err != nil {
		return err
	}

	reg := prometheus.DefaultRegisterer
	collector, err := metrics.NewCollector(workCtx, logger.With("component", "metrics"), bus, reg)
	if err != nil {
		return err
	}
	defer collector.Close()

	mqttServer := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       logger.With("component", "mqtt"),
	})
	hook := NewDeviceHook(workCtx, logger.With("component", "mqtt"), handler, mqttServer)
	if err := mqttServer.AddHook(hook, nil); err != nil {
		return fmt.Errorf("failed to add MQTT device hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: cfg.MQTTAddrPort().String(),
	})
	if err := mqttServer.AddListener(tcp); err != nil {
		return fmt.Errorf("failed to add MQTT listener: %w", err)
	}

	go func() {
		if err := mqttServer.Serve(); err != nil {
			logger.Error("MQTT server error", "error", err)
		}
	}()

	localIP, err := getLocalIP()
	if err != nil {
		logger.Warn("Failed to get local IP, using localhost", "error", err)
		localIP = "localhost"
	}
	logger.Info("MQTT broker started",
		"addr", cfg.MQTTAddrPort().String(),
		"device_host", localIP,
	)

	webServer, err := NewWebServer(WebOptions{
		Logger:     logger.With("component", "web"),
		Handler:    handler,
		Registry:   registry,
		Store:      p.devices,
		Tracker:    tracker,
		Ledger:     p.reader,
		Gate:       gate,
		Bus:        bus,
		Metrics:    promhttp.Handler(),
		SigningKey: []byte(cfg.SigningKey),
		APISecret:  []byte(cfg.APISecret),
		AdminToken: cfg.AdminToken,
		Version:    version,
	})
	if err != nil {
		return err
	}
	webServer.Start(workCtx)
	defer webServer.Close()

	if cfg.AdminToken == "" {
		logger.Warn("SWITCHBOARD_ADMIN_TOKEN is not set, admin API is unauthenticated")
	}

	httpServer := &http.Server{
		Addr:              cfg.WebAddrPort().String(),
		Handler:           webServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("Web API available", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	logger.Info("Server running, press Ctrl+C to stop")
	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-httpErr:
		if ok {
			runErr = fmt.Errorf("web server: %w", err)
		}
	}
	logger.Info("Shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	logger.Info("Stopping web server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping web server", "error", err)
	}

	logger.Info("Stopping MQTT broker...")
	if err := mqttServer.Close(); err != nil {
		logger.Error("Error stopping MQTT broker", "error", err)
	}
	settleAll(shutdownCtx, tracker, logger)

	stopWork()
	return runErr
}

// settleAll commits every interval still open, for devices whose disconnect
// has not been processed yet.
func settleAll(ctx context.Context, tracker *energy.Tracker, logger *slog.Logger) {
	seen := make(map[string]struct{})
	for _, tr := range tracker.Active() {
		if _, ok := seen[tr.DeviceID]; ok {
			continue
		}
		seen[tr.DeviceID] = struct{}{}
		settled := tracker.OnDeviceOffline(ctx, tr.DeviceID)
		logger.Info("Settled open intervals on shutdown", "device_id", tr.DeviceID, "count", len(settled))
	}
}
