package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"millwatch/internal/config"
	"millwatch/internal/events"
	"millwatch/internal/model"
)

func millA() config.UnitConfig {
	return config.UnitConfig{
		ID:          "mill-A",
		DisplayName: "Mill A",
		Location:    "Mill House A",
		Metrics: []config.MetricConfig{{
			Name: "bearing-temp",
			Unit: "°C",
			Threshold: &model.Threshold{
				Warning:   100,
				Critical:  115,
				Direction: model.AboveIsBad,
			},
		}},
	}
}

func testConfig(units ...config.UnitConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Equipment = units
	return cfg
}

func drain(sub *events.Subscription) []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRecordUnknownEquipment(t *testing.T) {
	eng := New(testConfig(millA()), nil, nil, nil)
	err := eng.Record("ghost", "bearing-temp", 85, "°C", time.Now())
	var unknown *model.UnknownEquipmentError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v", err)
	}
	if unknown.EquipmentID != "ghost" {
		t.Fatalf("unknown id = %q", unknown.EquipmentID)
	}
}

func TestBearingTempScenario(t *testing.T) {
	bus := events.NewBus(64)
	eng := New(testConfig(millA()), nil, bus, nil)
	sub := bus.Subscribe()
	defer sub.Cancel()

	base := time.Now().UTC()
	values := []float64{85, 90, 101, 116, 90}
	for i, v := range values {
		if err := eng.Record("mill-A", "bearing-temp", v, "°C", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("record %v: %v", v, err)
		}
	}

	var statuses []model.Status
	var alertEvents []model.Alert
	for _, ev := range drain(sub) {
		switch ev.Kind {
		case model.EventMetricUpdated:
			statuses = append(statuses, ev.Metric.Status)
		case model.EventAlertChanged:
			alertEvents = append(alertEvents, *ev.Alert)
		}
	}

	wantStatuses := []model.Status{
		model.StatusNormal, model.StatusNormal, model.StatusWarning,
		model.StatusCritical, model.StatusNormal,
	}
	if len(statuses) != len(wantStatuses) {
		t.Fatalf("got %d metric events, want %d", len(statuses), len(wantStatuses))
	}
	for i, want := range wantStatuses {
		if statuses[i] != want {
			t.Fatalf("status[%d] = %v, want %v", i, statuses[i], want)
		}
	}

	// One lineage: raise at 101, escalate at 116 (same id), resolve at 90.
	if len(alertEvents) != 3 {
		t.Fatalf("got %d alert events, want 3: %+v", len(alertEvents), alertEvents)
	}
	raise, escalate, resolve := alertEvents[0], alertEvents[1], alertEvents[2]
	if raise.Severity != model.SeverityWarning || raise.Escalated {
		t.Fatalf("raise = %+v", raise)
	}
	if escalate.ID != raise.ID || escalate.Severity != model.SeverityCritical || !escalate.Escalated {
		t.Fatalf("escalate = %+v", escalate)
	}
	if resolve.ID != raise.ID || resolve.State != model.AlertResolved {
		t.Fatalf("resolve = %+v", resolve)
	}

	snap := eng.Snapshot()
	if len(snap.OpenAlerts) != 0 {
		t.Fatalf("open alerts after resolve: %+v", snap.OpenAlerts)
	}
	key := model.MetricKey{EquipmentID: "mill-A", Metric: "bearing-temp"}
	if latest, ok := snap.LatestReadings[key.String()]; !ok || latest.Value != 90 {
		t.Fatalf("latest reading = %+v", snap.LatestReadings)
	}
}

func TestAcknowledgeLifecycle(t *testing.T) {
	eng := New(testConfig(millA()), nil, nil, nil)
	if err := eng.Record("mill-A", "bearing-temp", 101, "°C", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	open := eng.Snapshot().OpenAlerts
	if len(open) != 1 {
		t.Fatalf("open = %+v", open)
	}
	acked, err := eng.Acknowledge(open[0].ID)
	if err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if acked.State != model.AlertAcked {
		t.Fatalf("alert = %+v", acked)
	}
	_, err = eng.Acknowledge(open[0].ID)
	var invalid *model.InvalidStateTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("second ack err = %v", err)
	}
	if _, err := eng.Acknowledge("no-such-alert"); err == nil {
		t.Fatalf("expected error for unknown alert id")
	}
}

func TestAcknowledgeDuringEscalation(t *testing.T) {
	// Acknowledge and an escalating Record race on the same alert; both
	// must serialize on the unit lock and the returned snapshot must be a
	// coherent state, never a torn read of the in-place escalation.
	for i := 0; i < 25; i++ {
		bus := events.NewBus(64)
		eng := New(testConfig(millA()), nil, bus, nil)
		if err := eng.Record("mill-A", "bearing-temp", 101, "°C", time.Now()); err != nil {
			t.Fatalf("record: %v", err)
		}
		open := eng.Snapshot().OpenAlerts
		if len(open) != 1 {
			t.Fatalf("open = %+v", open)
		}
		id := open[0].ID
		sub := bus.Subscribe()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := eng.Acknowledge(id); err != nil {
				t.Errorf("ack: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := eng.Record("mill-A", "bearing-temp", 116, "°C", time.Now()); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
		wg.Wait()

		open = eng.Snapshot().OpenAlerts
		if len(open) != 1 || open[0].ID != id {
			t.Fatalf("open = %+v", open)
		}
		if open[0].State != model.AlertAcked || open[0].Severity != model.SeverityCritical || !open[0].Escalated {
			t.Fatalf("alert = %+v", open[0])
		}
		for _, ev := range drain(sub) {
			if ev.Kind != model.EventAlertChanged {
				continue
			}
			a := ev.Alert
			if a.Severity == model.SeverityCritical && !a.Escalated {
				t.Fatalf("torn alert event: %+v", a)
			}
		}
		sub.Cancel()
	}
}

func TestDismissResolvedFails(t *testing.T) {
	eng := New(testConfig(millA()), nil, nil, nil)
	_ = eng.Record("mill-A", "bearing-temp", 120, "°C", time.Now())
	open := eng.Snapshot().OpenAlerts
	if len(open) != 1 {
		t.Fatalf("open = %+v", open)
	}
	if _, err := eng.Dismiss(open[0].ID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	_, err := eng.Dismiss(open[0].ID)
	var invalid *model.InvalidStateTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("second dismiss err = %v", err)
	}
}

func TestMissingThresholdStoresWithoutAlert(t *testing.T) {
	bus := events.NewBus(16)
	cfg := testConfig(config.UnitConfig{ID: "mill-B", Metrics: nil})
	eng := New(cfg, nil, bus, nil)
	sub := bus.Subscribe()
	defer sub.Cancel()

	if err := eng.Record("mill-B", "juice-flow", 250, "m³/h", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	evs := drain(sub)
	if len(evs) != 1 || evs[0].Kind != model.EventMetricUpdated {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Metric.Status != model.StatusUnknown {
		t.Fatalf("status = %v, want unknown", evs[0].Metric.Status)
	}
	history, err := eng.History("mill-B", "juice-flow", 0)
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %v, %v", history, err)
	}
	if len(eng.Snapshot().OpenAlerts) != 0 {
		t.Fatalf("unknown status raised an alert")
	}
}

func TestTickHealthDecayAndRecovery(t *testing.T) {
	bus := events.NewBus(64)
	cfg := testConfig(millA())
	eng := New(cfg, nil, bus, nil)
	_ = eng.Record("mill-A", "bearing-temp", 120, "°C", time.Now())
	sub := bus.Subscribe()
	defer sub.Cancel()

	eng.TickAll()
	snap := eng.Snapshot()
	if snap.Units[0].HealthScore != 97 {
		t.Fatalf("health after critical tick = %v, want 97", snap.Units[0].HealthScore)
	}
	var sawHealth bool
	for _, ev := range drain(sub) {
		if ev.Kind == model.EventHealthChanged {
			sawHealth = true
			if ev.Health.EquipmentID != "mill-A" || ev.Health.HealthScore != 97 {
				t.Fatalf("health event = %+v", ev.Health)
			}
		}
	}
	if !sawHealth {
		t.Fatalf("no health event after score change")
	}

	// Back to normal: the score recovers.
	_ = eng.Record("mill-A", "bearing-temp", 85, "°C", time.Now())
	eng.TickAll()
	snap = eng.Snapshot()
	if snap.Units[0].HealthScore != 97.5 {
		t.Fatalf("health after recovery tick = %v, want 97.5", snap.Units[0].HealthScore)
	}
}

func TestTickKeepsQuietCriticalAlertOpen(t *testing.T) {
	eng := New(testConfig(millA()), nil, nil, nil)
	_ = eng.Record("mill-A", "bearing-temp", 120, "°C", time.Now())
	eng.TickAll()
	eng.TickAll()
	open := eng.Snapshot().OpenAlerts
	if len(open) != 1 {
		t.Fatalf("open = %+v, want the critical alert to stay open", open)
	}
}

func TestMaintenanceNotice(t *testing.T) {
	bus := events.NewBus(32)
	uc := millA()
	uc.NextMaintenance = time.Now().UTC().Add(24 * time.Hour)
	eng := New(testConfig(uc), nil, bus, nil)
	sub := bus.Subscribe()
	defer sub.Cancel()

	eng.TickAll()
	var notice *model.Alert
	for _, ev := range drain(sub) {
		if ev.Kind == model.EventAlertChanged && ev.Alert.Severity == model.SeverityInfo {
			notice = ev.Alert
		}
	}
	if notice == nil {
		t.Fatalf("no maintenance notice raised")
	}
	if notice.Key.Metric != MaintenanceMetric {
		t.Fatalf("notice key = %v", notice.Key)
	}

	// Second tick must not duplicate it.
	eng.TickAll()
	for _, ev := range drain(sub) {
		if ev.Kind == model.EventAlertChanged && ev.Alert.Severity == model.SeverityInfo && ev.Alert.ID != notice.ID {
			t.Fatalf("duplicate maintenance notice")
		}
	}

	// Rescheduling resolves the notice.
	if err := eng.SetMaintenance("mill-A", time.Now(), time.Now().Add(30*24*time.Hour)); err != nil {
		t.Fatalf("set maintenance: %v", err)
	}
	got, ok := find(eng.Snapshot().OpenAlerts, notice.ID)
	if ok {
		t.Fatalf("notice still open after reschedule: %+v", got)
	}
}

func find(list []model.Alert, id string) (model.Alert, bool) {
	for _, a := range list {
		if a.ID == id {
			return a, true
		}
	}
	return model.Alert{}, false
}

func TestHotReloadTightensThreshold(t *testing.T) {
	eng := New(testConfig(millA()), nil, nil, nil)
	_ = eng.Record("mill-A", "bearing-temp", 85, "°C", time.Now())
	if len(eng.Snapshot().OpenAlerts) != 0 {
		t.Fatalf("85 alerted under the original threshold")
	}

	next := testConfig(millA())
	next.Equipment[0].Metrics[0].Threshold = &model.Threshold{Warning: 80, Critical: 115, Direction: model.AboveIsBad}
	eng.UpdateConfig(next)

	_ = eng.Record("mill-A", "bearing-temp", 85, "°C", time.Now())
	open := eng.Snapshot().OpenAlerts
	if len(open) != 1 || open[0].Severity != model.SeverityWarning {
		t.Fatalf("open after reload = %+v", open)
	}
}

func TestConcurrentRecordAcrossUnits(t *testing.T) {
	const units = 50
	const perUnit = 20

	var unitCfgs []config.UnitConfig
	for i := 0; i < units; i++ {
		unitCfgs = append(unitCfgs, config.UnitConfig{
			ID: fmt.Sprintf("unit-%02d", i),
			Metrics: []config.MetricConfig{{
				Name:      "temp",
				Unit:      "°C",
				History:   perUnit,
				Threshold: &model.Threshold{Warning: 100, Critical: 115, Direction: model.AboveIsBad},
			}},
		})
	}
	eng := New(testConfig(unitCfgs...), nil, events.NewBus(16), nil)

	var wg sync.WaitGroup
	for i := 0; i < units; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("unit-%02d", i)
			base := time.Now().UTC()
			for j := 0; j < perUnit; j++ {
				if err := eng.Record(id, "temp", float64(60+j), "°C", base.Add(time.Duration(j)*time.Millisecond)); err != nil {
					t.Errorf("record %s: %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < units; i++ {
		id := fmt.Sprintf("unit-%02d", i)
		history, err := eng.History(id, "temp", 0)
		if err != nil {
			t.Fatalf("history %s: %v", id, err)
		}
		if len(history) != perUnit {
			t.Fatalf("%s lost updates: %d readings, want %d", id, len(history), perUnit)
		}
		for j, r := range history {
			if r.Value != float64(60+j) {
				t.Fatalf("%s reading %d = %v, want %v", id, j, r.Value, float64(60+j))
			}
		}
	}
}

func TestResetUnit(t *testing.T) {
	eng := New(testConfig(millA()), nil, nil, nil)
	_ = eng.Record("mill-A", "bearing-temp", 120, "°C", time.Now())
	eng.TickAll()
	if err := eng.ResetUnit("mill-A"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap := eng.Snapshot()
	if snap.Units[0].HealthScore != 100 || len(snap.OpenAlerts) != 0 {
		t.Fatalf("unit not reset: %+v", snap)
	}
	if history, _ := eng.History("mill-A", "bearing-temp", 0); len(history) != 0 {
		t.Fatalf("history survived reset: %v", history)
	}
	var unknown *model.UnknownEquipmentError
	if err := eng.ResetUnit("ghost"); !errors.As(err, &unknown) {
		t.Fatalf("reset ghost err = %v", err)
	}
}

func TestSnapshotConditionLabels(t *testing.T) {
	eng := New(testConfig(millA()), nil, nil, nil)
	snap := eng.Snapshot()
	if snap.Units[0].Condition != "excellent" {
		t.Fatalf("condition = %q", snap.Units[0].Condition)
	}
	if snap.Units[0].RULDays <= 0 {
		t.Fatalf("rul = %v", snap.Units[0].RULDays)
	}
}
