// Package store persists devices, energy consumption and activity in
// PostgreSQL through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kradalby/switchboard/activity"
	"github.com/kradalby/switchboard/devices"
	"github.com/kradalby/switchboard/energy"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const batchSize = 100

// gormLogger routes gorm output through slog.
type gormLogger struct {
	slogger *slog.Logger
}

func (l *gormLogger) LogMode(logger.LogLevel) logger.Interface { return l }

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.slogger.InfoContext(ctx, msg, "gorm_data", data)
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.slogger.WarnContext(ctx, msg, "gorm_data", data)
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.slogger.ErrorContext(ctx, msg, "gorm_data", data)
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	sql, rows := fc()
	attrs := []slog.Attr{
		slog.Duration("latency", time.Since(begin)),
		slog.String("sql", sql),
		slog.Int64("rows_affected", rows),
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		attrs = append(attrs, slog.Any("error", err))
		l.slogger.LogAttrs(ctx, slog.LevelError, "gorm query failed", attrs...)
		return
	}
	l.slogger.LogAttrs(ctx, slog.LevelDebug, "gorm query", attrs...)
}

// Postgres implements devices.Store, energy.Ledger and the activity sinks.
type Postgres struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ devices.Store      = (*Postgres)(nil)
	_ energy.Ledger      = (*Postgres)(nil)
	_ energy.Reader      = (*Postgres)(nil)
	_ activity.Recorder  = (*Postgres)(nil)
	_ activity.BatchSink = (*Postgres)(nil)
)

// Open connects and migrates the schema.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Postgres, error) {
	log = log.With("component", "database")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: (&gormLogger{slogger: log}).LogMode(logger.Info),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("database connected and migrated")

	return &Postgres{db: db, logger: log, now: time.Now}, nil
}

// OpenWithRetry calls Open until it succeeds, doubling the delay between
// attempts up to 30 seconds.
func OpenWithRetry(ctx context.Context, dsn string, log *slog.Logger, attempts int) (*Postgres, error) {
	delay := time.Second
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		p, err := Open(ctx, dsn, log)
		if err == nil {
			return p, nil
		}
		lastErr = err
		log.Warn("database not ready",
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", delay,
			"error", err,
		)
		if attempt == attempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay = min(delay*2, 30*time.Second)
	}

	return nil, fmt.Errorf("database unavailable after %d attempts: %w", attempts, lastErr)
}

// Ping checks the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Seed upserts device configuration. Runtime columns (status, last seen,
// switch state) of existing rows are left alone.
func (p *Postgres) Seed(ctx context.Context, devs []devices.Device) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range devs {
			rec := recordFromDevice(d)
			switches := rec.Switches
			rec.Switches = nil

			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "identity"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name", "secret", "classroom", "location",
					"pir_enabled", "pir_pin", "pir_auto_off_delay", "updated_at",
				}),
			}).Create(&rec).Error
			if err != nil {
				return fmt.Errorf("failed to seed device %s: %w", d.Identity, err)
			}

			for i := range switches {
				err := tx.Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "device_identity"}, {Name: "switch_id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"position", "name", "pin", "type", "manual_switch_enabled",
						"manual_switch_pin", "manual_mode", "use_pir", "dont_auto_off", "power_watts",
					}),
				}).Create(&switches[i]).Error
				if err != nil {
					return fmt.Errorf("failed to seed switch %s/%s: %w", d.Identity, switches[i].SwitchID, err)
				}
			}
		}
		return nil
	})
}

func (p *Postgres) withDevice(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Switches", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Commands", func(db *gorm.DB) *gorm.DB { return db.Order("issued_at") })
}

func (p *Postgres) Device(ctx context.Context, identity string) (*devices.Device, error) {
	var rec DeviceRecord
	err := p.withDevice(p.db.WithContext(ctx)).First(&rec, "identity = ?", identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", devices.ErrNotFound, identity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", identity, err)
	}
	return deviceFromRecord(&rec), nil
}

func (p *Postgres) List(ctx context.Context) ([]devices.Device, error) {
	var recs []DeviceRecord
	if err := p.withDevice(p.db.WithContext(ctx)).Order("identity").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	out := make([]devices.Device, 0, len(recs))
	for i := range recs {
		out = append(out, *deviceFromRecord(&recs[i]))
	}
	return out, nil
}

func (p *Postgres) MarkOnline(ctx context.Context, identity string, seen time.Time) error {
	db := p.db.WithContext(ctx)
	res := db.Model(&DeviceRecord{}).Where("identity = ?", identity).Updates(map[string]any{
		"status":     string(devices.StatusOnline),
		"identified": true,
	})
	if err := p.checkDevice(res, identity); err != nil {
		return err
	}
	return db.Model(&DeviceRecord{}).
		Where("identity = ? AND last_seen < ?", identity, seen).
		Update("last_seen", seen).Error
}

func (p *Postgres) MarkStatus(ctx context.Context, identity string, status devices.Status) error {
	updates := map[string]any{"status": string(status)}
	if status != devices.StatusOnline {
		updates["identified"] = false
	}
	res := p.db.WithContext(ctx).Model(&DeviceRecord{}).Where("identity = ?", identity).Updates(updates)
	return p.checkDevice(res, identity)
}

func (p *Postgres) TouchLastSeen(ctx context.Context, identity string, seen time.Time) error {
	db := p.db.WithContext(ctx)
	res := db.Model(&DeviceRecord{}).
		Where("identity = ? AND last_seen < ?", identity, seen).
		Update("last_seen", seen)
	if res.Error != nil {
		return fmt.Errorf("failed to update last seen: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return p.exists(db, identity)
}

func (p *Postgres) UpdateSwitch(ctx context.Context, identity, switchID string, update devices.SwitchUpdate) error {
	updates := map[string]any{
		"state":           update.State,
		"last_changed_by": string(update.ChangedBy),
		"last_changed":    update.ChangedAt,
	}
	if update.ManualOverride != nil {
		updates["manual_override"] = *update.ManualOverride
	}

	res := p.db.WithContext(ctx).Model(&SwitchRecord{}).
		Where("device_identity = ? AND switch_id = ?", identity, switchID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update switch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := p.exists(p.db.WithContext(ctx), identity); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s/%s", devices.ErrSwitchNotFound, identity, switchID)
	}
	return nil
}

func (p *Postgres) EnqueueCommand(ctx context.Context, identity string, cmd devices.PendingCommand) error {
	db := p.db.WithContext(ctx)
	if err := p.exists(db, identity); err != nil {
		return err
	}
	return db.Create(&CommandRecord{
		ID:             cmd.ID,
		DeviceIdentity: identity,
		SwitchID:       cmd.SwitchID,
		DesiredState:   cmd.DesiredState,
		IssuedAt:       cmd.IssuedAt,
		Source:         string(cmd.Source),
	}).Error
}

func (p *Postgres) RemoveCommand(ctx context.Context, identity, commandID string) (bool, error) {
	res := p.db.WithContext(ctx).
		Where("id = ? AND device_identity = ?", commandID, identity).
		Delete(&CommandRecord{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to remove command: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AddConsumption upserts the increment in a single statement so concurrent
// settlements for the same key add up.
func (p *Postgres) AddConsumption(ctx context.Context, inc energy.Increment) error {
	row := consumptionRow(inc, p.now())
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}, {Name: "date"}, {Name: "switch_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"energy_kwh":       gorm.Expr("energy_consumptions.energy_kwh + EXCLUDED.energy_kwh"),
			"runtime_hours":    gorm.Expr("energy_consumptions.runtime_hours + EXCLUDED.runtime_hours"),
			"cost":             gorm.Expr("energy_consumptions.cost + EXCLUDED.cost"),
			"intervals":        gorm.Expr("energy_consumptions.intervals + 1"),
			"electricity_rate": gorm.Expr("EXCLUDED.electricity_rate"),
			"updated_at":       gorm.Expr("EXCLUDED.updated_at"),
		}),
	}).Create(&row).Error
}

// Consumption returns every consumption record ordered by device and date.
func (p *Postgres) Consumption(ctx context.Context) ([]energy.Record, error) {
	var rows []EnergyConsumption
	if err := p.db.WithContext(ctx).Order("device_id, date, switch_type").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load consumption: %w", err)
	}
	out := make([]energy.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, energy.Record{
			DeviceID:        r.DeviceID,
			Date:            r.Date,
			SwitchType:      r.SwitchType,
			EnergyKWh:       r.EnergyKWh,
			RuntimeHours:    r.RuntimeHours,
			Cost:            r.Cost,
			ElectricityRate: r.ElectricityRate,
			Intervals:       r.Intervals,
		})
	}
	return out, nil
}

func (p *Postgres) Record(ctx context.Context, entry activity.Entry) error {
	row := activityRow(entry)
	return p.db.WithContext(ctx).Create(&row).Error
}

func (p *Postgres) RecordBatch(ctx context.Context, entries []activity.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]ActivityRecord, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, activityRow(e))
	}
	return p.db.WithContext(ctx).CreateInBatches(rows, batchSize).Error
}

func (p *Postgres) Audit(ctx context.Context, a activity.Audit) error {
	row := auditRow(a)
	return p.db.WithContext(ctx).Create(&row).Error
}

func (p *Postgres) checkDevice(res *gorm.DB, identity string) error {
	if res.Error != nil {
		return fmt.Errorf("failed to update device %s: %w", identity, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", devices.ErrNotFound, identity)
	}
	return nil
}

func (p *Postgres) exists(db *gorm.DB, identity string) error {
	var n int64
	if err := db.Model(&DeviceRecord{}).Where("identity = ?", identity).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to look up device %s: %w", identity, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", devices.ErrNotFound, identity)
	}
	return nil
}
