// Package engine owns per-unit telemetry state and drives the
// record→evaluate→alert pipeline plus the periodic health tick.
//
// Concurrency model: one mutex per equipment unit guards that unit's
// series, health tracker, and alert book. The engine-level RWMutex only
// protects the unit map, so operations on different units never block
// each other while operations on the same unit are serialized.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"millwatch/internal/alerts"
	"millwatch/internal/config"
	"millwatch/internal/evaluate"
	"millwatch/internal/events"
	"millwatch/internal/health"
	"millwatch/internal/model"
	"millwatch/internal/series"
	"millwatch/internal/storage"
)

// MaintenanceMetric is the pseudo-metric that carries maintenance-due
// notices through the alert lifecycle.
const MaintenanceMetric = "maintenance"

type Engine struct {
	logger  *slog.Logger
	bus     *events.Bus
	store   storage.Store
	cfg     atomic.Value
	started time.Time

	mu    sync.RWMutex
	units map[string]*unit

	indexMu    sync.Mutex
	alertIndex map[string]string // alert id -> equipment id
}

type unit struct {
	mu   sync.Mutex
	id   string
	info model.EquipmentUnit

	series  map[string]*series.Series
	book    *alerts.Book
	tracker *health.Tracker

	lastRounded  int
	noThreshold  map[string]struct{}
	noticedMaint time.Time
}

func New(cfg *config.Config, logger *slog.Logger, bus *events.Bus, store storage.Store) *Engine {
	e := &Engine{
		logger:     logger,
		bus:        bus,
		store:      store,
		started:    time.Now().UTC(),
		units:      make(map[string]*unit),
		alertIndex: make(map[string]string),
	}
	e.cfg.Store(cfg)
	e.registerUnits(cfg)
	return e
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// UpdateConfig swaps thresholds and engine constants atomically and
// registers any units the new config adds. Existing unit state is kept.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.registerUnits(cfg)
}

func (e *Engine) registerUnits(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, uc := range cfg.Equipment {
		if _, ok := e.units[uc.ID]; ok {
			continue
		}
		e.units[uc.ID] = newUnit(uc, cfg)
		if e.logger != nil {
			e.logger.Info("equipment registered", "equipment_id", uc.ID, "metrics", len(uc.Metrics))
		}
	}
}

func newUnit(uc config.UnitConfig, cfg *config.Config) *unit {
	u := &unit{
		id: uc.ID,
		info: model.EquipmentUnit{
			ID:              uc.ID,
			DisplayName:     uc.DisplayName,
			Location:        uc.Location,
			HealthScore:     cfg.Engine.Health.InitialScore,
			RULDays:         health.RULCapDays,
			LastMaintenance: uc.LastMaintenance,
			NextMaintenance: uc.NextMaintenance,
		},
		series:      make(map[string]*series.Series),
		book:        alerts.NewBook(),
		tracker:     health.NewTracker(cfg.Engine.Health.SlopeSamples),
		noThreshold: make(map[string]struct{}),
	}
	u.lastRounded = int(math.Round(u.info.HealthScore))
	return u
}

func (e *Engine) unit(id string) *unit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.units[id]
}

// Record ingests one reading. Unregistered units are rejected with
// UnknownEquipmentError; unknown metrics on registered units lazily get a
// series. A panic inside the unit's pipeline resets that unit only.
func (e *Engine) Record(equipmentID, metric string, value float64, unitLabel string, ts time.Time) (err error) {
	cfg := e.config()
	u := e.unit(equipmentID)
	if u == nil {
		return &model.UnknownEquipmentError{EquipmentID: equipmentID}
	}
	defer e.recoverUnit(u, cfg, "record", &err)

	key := model.MetricKey{EquipmentID: equipmentID, Metric: metric}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	s, ok := u.series[metric]
	if !ok {
		s = series.New(cfg.HistoryFor(key))
		u.series[metric] = s
	}
	stored := s.Append(model.Reading{Key: key, Value: value, Unit: unitLabel, Timestamp: ts})
	if stored.OutOfOrder && e.logger != nil {
		e.logger.Debug("out-of-order reading kept in arrival order", "key", key.String(), "timestamp", ts)
	}

	th := cfg.Threshold(key)
	if th == nil {
		if _, warned := u.noThreshold[metric]; !warned {
			u.noThreshold[metric] = struct{}{}
			if e.logger != nil {
				cerr := &model.ConfigurationError{Key: key}
				e.logger.Warn("metric stored without evaluation", "err", cerr.Error())
			}
		}
	}
	v := evaluate.Evaluate(th, value, s.Window(0), cfg.Engine.TrendEpsilonFraction)

	now := time.Now().UTC()
	e.publish(model.Event{
		Kind:      model.EventMetricUpdated,
		Timestamp: now,
		Metric:    &model.MetricUpdate{Key: key, Value: value, Unit: unitLabel, Status: v.Status, Trend: v.Trend},
	})
	e.applyAlert(u, key, v.Status, value, unitLabel, now)

	if e.store != nil {
		_ = e.store.SaveReading(context.Background(), stored, v.Status)
	}
	return nil
}

// applyAlert runs one status through the unit's alert book and publishes
// the transition, if any. Caller holds u.mu.
func (e *Engine) applyAlert(u *unit, key model.MetricKey, status model.Status, value float64, unitLabel string, now time.Time) {
	a, tr := u.book.Apply(key, status, value, unitLabel, now)
	if tr == alerts.TransitionNone {
		return
	}
	if tr == alerts.TransitionRaise {
		e.indexAlert(a.ID, u.id)
	}
	e.publishAlert(a, tr, now)
}

func (e *Engine) publishAlert(a *model.Alert, tr alerts.Transition, now time.Time) {
	snap := *a
	e.publish(model.Event{Kind: model.EventAlertChanged, Timestamp: now, Alert: &snap})
	if e.logger != nil {
		e.logger.Warn("alert "+string(tr),
			"alert_id", a.ID,
			"key", a.Key.String(),
			"severity", a.Severity,
			"state", a.State,
			"escalated", a.Escalated,
		)
	}
	if e.store != nil {
		_ = e.store.SaveAlert(context.Background(), snap, string(tr))
	}
}

func (e *Engine) publish(ev model.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) indexAlert(alertID, equipmentID string) {
	e.indexMu.Lock()
	e.alertIndex[alertID] = equipmentID
	e.indexMu.Unlock()
}

func (e *Engine) lookupAlert(alertID string) (string, bool) {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	id, ok := e.alertIndex[alertID]
	return id, ok
}

// Acknowledge moves an open alert to acknowledged. Repeated calls fail
// with InvalidStateTransitionError.
func (e *Engine) Acknowledge(alertID string) (model.Alert, error) {
	return e.alertCommand(alertID, func(b *alerts.Book, now time.Time) (*model.Alert, error) {
		return b.Acknowledge(alertID, now)
	})
}

// Dismiss resolves an alert regardless of ack state; already-resolved
// alerts fail with InvalidStateTransitionError.
func (e *Engine) Dismiss(alertID string) (model.Alert, error) {
	return e.alertCommand(alertID, func(b *alerts.Book, now time.Time) (*model.Alert, error) {
		return b.Dismiss(alertID, now)
	})
}

func (e *Engine) alertCommand(alertID string, op func(*alerts.Book, time.Time) (*model.Alert, error)) (model.Alert, error) {
	equipmentID, ok := e.lookupAlert(alertID)
	if !ok {
		return model.Alert{}, fmt.Errorf("alert %s not found", alertID)
	}
	u := e.unit(equipmentID)
	if u == nil {
		return model.Alert{}, fmt.Errorf("alert %s not found", alertID)
	}
	now := time.Now().UTC()
	u.mu.Lock()
	defer u.mu.Unlock()
	a, err := op(u.book, now)
	if err != nil {
		return model.Alert{}, err
	}
	// Snapshot and publish under the unit lock, like Record and tickUnit:
	// Apply mutates alerts in place, and events for one key must leave in
	// the order the transitions happened.
	snap := *a
	tr := alerts.TransitionAck
	if snap.State == model.AlertResolved {
		tr = alerts.TransitionDismiss
	}
	e.publishAlert(&snap, tr, now)
	return snap, nil
}

// SetMaintenance updates the only mutable static fields. Moving the next
// maintenance date resolves a pending maintenance-due notice.
func (e *Engine) SetMaintenance(equipmentID string, last, next time.Time) error {
	u := e.unit(equipmentID)
	if u == nil {
		return &model.UnknownEquipmentError{EquipmentID: equipmentID}
	}
	now := time.Now().UTC()
	u.mu.Lock()
	defer u.mu.Unlock()
	if !last.IsZero() {
		u.info.LastMaintenance = last
	}
	if !next.IsZero() && !next.Equal(u.info.NextMaintenance) {
		u.info.NextMaintenance = next
		u.noticedMaint = time.Time{}
		key := model.MetricKey{EquipmentID: u.id, Metric: MaintenanceMetric}
		if a, tr := u.book.ResolveKey(key, now); tr != alerts.TransitionNone {
			e.publishAlert(a, tr, now)
		}
	}
	return nil
}

// History returns up to n most recent readings for a key, oldest first.
func (e *Engine) History(equipmentID, metric string, n int) ([]model.Reading, error) {
	u := e.unit(equipmentID)
	if u == nil {
		return nil, &model.UnknownEquipmentError{EquipmentID: equipmentID}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.series[metric]
	if !ok {
		return nil, nil
	}
	return s.Window(n), nil
}

// Snapshot builds the point-in-time view. Each unit is read under its own
// lock; no cross-unit atomicity.
func (e *Engine) Snapshot() model.Snapshot {
	e.mu.RLock()
	units := make([]*unit, 0, len(e.units))
	for _, u := range e.units {
		units = append(units, u)
	}
	e.mu.RUnlock()

	snap := model.Snapshot{
		TakenAt:        time.Now().UTC(),
		Units:          make([]model.EquipmentUnit, 0, len(units)),
		OpenAlerts:     make([]model.Alert, 0),
		LatestReadings: make(map[string]model.Reading),
	}
	for _, u := range units {
		u.mu.Lock()
		info := u.info
		info.Condition = model.Condition(info.HealthScore)
		info.OpenAlerts = u.book.OpenCount()
		snap.Units = append(snap.Units, info)
		snap.OpenAlerts = append(snap.OpenAlerts, u.book.Open()...)
		for _, s := range u.series {
			if r, ok := s.Latest(); ok {
				snap.LatestReadings[r.Key.String()] = r
			}
		}
		u.mu.Unlock()
	}
	return snap
}

// Start runs the tick scheduler until ctx is cancelled. Every unit ticks
// concurrently so one slow unit cannot delay the rest.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		interval := e.config().Engine.TickInterval
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.TickAll()
				if next := e.config().Engine.TickInterval; next != interval && next > 0 {
					interval = next
					ticker.Reset(interval)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// TickAll runs one recompute cycle for every unit, in parallel.
func (e *Engine) TickAll() {
	e.mu.RLock()
	units := make([]*unit, 0, len(e.units))
	for _, u := range e.units {
		units = append(units, u)
	}
	e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u *unit) {
			defer wg.Done()
			e.safeTick(u)
		}(u)
	}
	wg.Wait()
}

// Tick runs one recompute cycle for a single unit.
func (e *Engine) Tick(equipmentID string) error {
	u := e.unit(equipmentID)
	if u == nil {
		return &model.UnknownEquipmentError{EquipmentID: equipmentID}
	}
	e.safeTick(u)
	return nil
}

func (e *Engine) safeTick(u *unit) {
	cfg := e.config()
	var err error
	defer e.recoverUnit(u, cfg, "tick", &err)
	e.tickUnit(u, cfg, time.Now().UTC())
}

func (e *Engine) tickUnit(u *unit, cfg *config.Config, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	// Re-evaluate each metric's latest stored reading. A metric that goes
	// quiet while critical keeps its alert open and keeps decaying health.
	var normal, warning, critical int
	for metric, s := range u.series {
		latest, ok := s.Latest()
		if !ok {
			continue
		}
		key := model.MetricKey{EquipmentID: u.id, Metric: metric}
		status := evaluate.Classify(cfg.Threshold(key), latest.Value)
		switch status {
		case model.StatusNormal:
			normal++
		case model.StatusWarning:
			warning++
		case model.StatusCritical:
			critical++
		}
		e.applyAlert(u, key, status, latest.Value, latest.Unit, now)
	}

	hm := health.Model{
		CriticalPenalty: cfg.Engine.Health.CriticalPenalty,
		WarningPenalty:  cfg.Engine.Health.WarningPenalty,
		RecoveryRate:    cfg.Engine.Health.RecoveryRate,
		FailureFloor:    cfg.Engine.Health.FailureFloor,
	}
	u.info.HealthScore = hm.Step(u.info.HealthScore, normal, warning, critical)
	u.tracker.Observe(now, u.info.HealthScore)
	u.info.RULDays = health.RUL(u.info.HealthScore, hm.FailureFloor, u.tracker.DeclinePerDay())

	if rounded := int(math.Round(u.info.HealthScore)); rounded != u.lastRounded {
		u.lastRounded = rounded
		e.publish(model.Event{
			Kind:      model.EventHealthChanged,
			Timestamp: now,
			Health: &model.HealthUpdate{
				EquipmentID: u.id,
				HealthScore: u.info.HealthScore,
				RULDays:     u.info.RULDays,
				Condition:   model.Condition(u.info.HealthScore),
			},
		})
		if e.store != nil {
			_ = e.store.SaveHealth(context.Background(), u.id, u.info.HealthScore, u.info.RULDays, now)
		}
	}

	e.maintenanceNotice(u, cfg, now)
	u.book.Sweep(now, cfg.Engine.ResolvedRetention)
}

// maintenanceNotice raises one info alert per upcoming maintenance date.
// Caller holds u.mu.
func (e *Engine) maintenanceNotice(u *unit, cfg *config.Config, now time.Time) {
	next := u.info.NextMaintenance
	if next.IsZero() || next.Equal(u.noticedMaint) {
		return
	}
	window := time.Duration(cfg.Engine.MaintenanceNoticeDays) * 24 * time.Hour
	if next.Sub(now) > window {
		return
	}
	u.noticedMaint = next
	key := model.MetricKey{EquipmentID: u.id, Metric: MaintenanceMetric}
	title := fmt.Sprintf("maintenance due for %s", u.info.DisplayName)
	msg := fmt.Sprintf("scheduled maintenance for %s is due %s", u.info.DisplayName, next.Format("2006-01-02"))
	a, tr := u.book.Notice(key, title, msg, now)
	if tr == alerts.TransitionRaise {
		e.indexAlert(a.ID, u.id)
		e.publishAlert(a, tr, now)
	}
}

// recoverUnit converts a panic in one unit's pipeline into a reset of
// that unit alone; other units keep serving.
func (e *Engine) recoverUnit(u *unit, cfg *config.Config, op string, err *error) {
	if r := recover(); r != nil {
		if e.logger != nil {
			e.logger.Error("unit pipeline fault, resetting unit state",
				"equipment_id", u.id, "op", op, "panic", fmt.Sprint(r))
		}
		e.resetUnit(u, cfg)
		if err != nil {
			*err = fmt.Errorf("internal fault in unit %s during %s: %v", u.id, op, r)
		}
	}
}

func (e *Engine) resetUnit(u *unit, cfg *config.Config) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.series = make(map[string]*series.Series)
	u.book = alerts.NewBook()
	u.tracker = health.NewTracker(cfg.Engine.Health.SlopeSamples)
	u.info.HealthScore = cfg.Engine.Health.InitialScore
	u.info.RULDays = health.RULCapDays
	u.lastRounded = int(math.Round(u.info.HealthScore))
	u.noThreshold = make(map[string]struct{})
	u.noticedMaint = time.Time{}
}

// ResetUnit restores one unit to its registration state.
func (e *Engine) ResetUnit(equipmentID string) error {
	u := e.unit(equipmentID)
	if u == nil {
		return &model.UnknownEquipmentError{EquipmentID: equipmentID}
	}
	e.resetUnit(u, e.config())
	return nil
}

// Reset restores every unit to its registration state.
func (e *Engine) Reset() {
	cfg := e.config()
	e.mu.RLock()
	units := make([]*unit, 0, len(e.units))
	for _, u := range e.units {
		units = append(units, u)
	}
	e.mu.RUnlock()
	for _, u := range units {
		e.resetUnit(u, cfg)
	}
}

type Status struct {
	Started     time.Time `json:"started"`
	Units       int       `json:"units"`
	Subscribers int       `json:"subscribers"`
	Dropped     uint64    `json:"dropped_events"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	n := len(e.units)
	e.mu.RUnlock()
	st := Status{Started: e.started, Units: n}
	if e.bus != nil {
		st.Subscribers = e.bus.Subscribers()
		st.Dropped = e.bus.Dropped()
	}
	return st
}
