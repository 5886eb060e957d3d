// Package alerts owns the alert lifecycle: raise, escalate, acknowledge,
// resolve, dismiss, and retention sweep. A Book holds one equipment
// unit's alerts and carries no lock; the owning unit serializes access.
package alerts

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"millwatch/internal/model"
)

// Transition names the lifecycle step a status change produced.
type Transition string

const (
	TransitionRaise    Transition = "raise"
	TransitionEscalate Transition = "escalate"
	TransitionResolve  Transition = "resolve"
	TransitionAck      Transition = "ack"
	TransitionDismiss  Transition = "dismiss"
	TransitionNone     Transition = ""
)

type Book struct {
	open     map[model.MetricKey]*model.Alert
	resolved []*model.Alert
	byID     map[string]*model.Alert
}

func NewBook() *Book {
	return &Book{
		open: make(map[model.MetricKey]*model.Alert),
		byID: make(map[string]*model.Alert),
	}
}

// Apply feeds one evaluated status into the state machine and returns the
// affected alert plus the transition taken, if any. At most one open
// alert exists per key: consecutive Warning readings dedupe into the
// existing alert, Critical escalates it in place, Normal auto-resolves.
func (b *Book) Apply(key model.MetricKey, status model.Status, value float64, unit string, now time.Time) (*model.Alert, Transition) {
	current := b.open[key]
	switch status {
	case model.StatusWarning, model.StatusCritical:
		if current == nil {
			a := &model.Alert{
				ID:           uuid.NewString(),
				Key:          key,
				Title:        title(key, status),
				Message:      message(key, status, value, unit),
				Severity:     severityFor(status),
				State:        model.AlertOpen,
				SourceStatus: status,
				RaisedAt:     now,
			}
			b.open[key] = a
			b.byID[a.ID] = a
			return a, TransitionRaise
		}
		if status == model.StatusCritical && current.Severity != model.SeverityCritical {
			current.Severity = model.SeverityCritical
			current.SourceStatus = status
			current.Escalated = true
			current.Title = title(key, status)
			current.Message = message(key, status, value, unit)
			return current, TransitionEscalate
		}
		// Same or lower tier while open: dedup, no downgrade.
		return current, TransitionNone
	case model.StatusNormal:
		if current == nil {
			return nil, TransitionNone
		}
		return b.resolve(current, now), TransitionResolve
	default:
		// Unknown status neither raises nor resolves.
		return nil, TransitionNone
	}
}

// Notice raises an info-severity alert outside the threshold pipeline
// (maintenance due). Deduped by key like any other lineage.
func (b *Book) Notice(key model.MetricKey, title, msg string, now time.Time) (*model.Alert, Transition) {
	if b.open[key] != nil {
		return b.open[key], TransitionNone
	}
	a := &model.Alert{
		ID:           uuid.NewString(),
		Key:          key,
		Title:        title,
		Message:      msg,
		Severity:     model.SeverityInfo,
		State:        model.AlertOpen,
		SourceStatus: model.StatusNormal,
		RaisedAt:     now,
	}
	b.open[key] = a
	b.byID[a.ID] = a
	return a, TransitionRaise
}

// ResolveKey force-resolves the open alert for a key, if any.
func (b *Book) ResolveKey(key model.MetricKey, now time.Time) (*model.Alert, Transition) {
	current := b.open[key]
	if current == nil {
		return nil, TransitionNone
	}
	return b.resolve(current, now), TransitionResolve
}

// Acknowledge moves an open unacknowledged alert to acked. Acking an
// already-acked or resolved alert is an error, not a silent no-op.
func (b *Book) Acknowledge(id string, now time.Time) (*model.Alert, error) {
	a, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("alert %s not found", id)
	}
	if a.State != model.AlertOpen {
		return nil, &model.InvalidStateTransitionError{AlertID: id, State: a.State, Op: "acknowledge"}
	}
	ts := now
	a.State = model.AlertAcked
	a.AcknowledgedAt = &ts
	return a, nil
}

// Dismiss resolves an alert regardless of ack state; dismissing an
// already-resolved alert is an error.
func (b *Book) Dismiss(id string, now time.Time) (*model.Alert, error) {
	a, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("alert %s not found", id)
	}
	if a.State == model.AlertResolved {
		return nil, &model.InvalidStateTransitionError{AlertID: id, State: a.State, Op: "dismiss"}
	}
	return b.resolve(a, now), nil
}

func (b *Book) resolve(a *model.Alert, now time.Time) *model.Alert {
	ts := now
	a.State = model.AlertResolved
	a.ResolvedAt = &ts
	delete(b.open, a.Key)
	b.resolved = append(b.resolved, a)
	return a
}

// Sweep drops resolved alerts older than retention. Bookkeeping only; no
// transition events.
func (b *Book) Sweep(now time.Time, retention time.Duration) int {
	kept := b.resolved[:0]
	removed := 0
	for _, a := range b.resolved {
		if a.ResolvedAt != nil && now.Sub(*a.ResolvedAt) > retention {
			delete(b.byID, a.ID)
			removed++
			continue
		}
		kept = append(kept, a)
	}
	b.resolved = kept
	return removed
}

func (b *Book) Get(id string) (*model.Alert, bool) {
	a, ok := b.byID[id]
	return a, ok
}

// Open returns snapshots of the open alerts, raise order not guaranteed.
func (b *Book) Open() []model.Alert {
	out := make([]model.Alert, 0, len(b.open))
	for _, a := range b.open {
		out = append(out, *a)
	}
	return out
}

func (b *Book) OpenCount() int { return len(b.open) }

func severityFor(status model.Status) model.Severity {
	if status == model.StatusCritical {
		return model.SeverityCritical
	}
	return model.SeverityWarning
}

func title(key model.MetricKey, status model.Status) string {
	if status == model.StatusCritical {
		return fmt.Sprintf("%s critical on %s", key.Metric, key.EquipmentID)
	}
	return fmt.Sprintf("%s above warning level on %s", key.Metric, key.EquipmentID)
}

func message(key model.MetricKey, status model.Status, value float64, unit string) string {
	return fmt.Sprintf("%s reported %.2f %s (%s)", key.String(), value, unit, status)
}
