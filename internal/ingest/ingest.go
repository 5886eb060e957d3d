// Package ingest feeds sensor readings from the configured sources into
// the engine through one bounded channel. Sources never block: a full
// channel drops the reading and logs it.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"millwatch/internal/model"
)

// Submission is one parsed reading on its way into the engine.
type Submission struct {
	EquipmentID string
	Metric      string
	Value       float64
	Unit        string
	Timestamp   time.Time
	Source      string
}

// Recorder is the slice of the engine the consumer loop needs.
type Recorder interface {
	Record(equipmentID, metric string, value float64, unit string, ts time.Time) error
}

func SendNonBlocking(ctx context.Context, out chan<- Submission, sub Submission, logger *slog.Logger) bool {
	select {
	case out <- sub:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("reading channel full, dropping reading",
				"equipment_id", sub.EquipmentID, "metric", sub.Metric, "source", sub.Source)
		}
		return false
	}
}

// Run drains the channel into the engine until ctx is cancelled.
// Rejected readings are logged, not fatal: one unit's bad feed must not
// stop the others.
func Run(ctx context.Context, in <-chan Submission, rec Recorder, logger *slog.Logger) {
	for {
		select {
		case sub := <-in:
			err := rec.Record(sub.EquipmentID, sub.Metric, sub.Value, sub.Unit, sub.Timestamp)
			if err == nil {
				continue
			}
			var unknown *model.UnknownEquipmentError
			if errors.As(err, &unknown) {
				if logger != nil {
					logger.Warn("reading rejected", "err", err, "source", sub.Source)
				}
				continue
			}
			if logger != nil {
				logger.Error("record failed", "err", err, "source", sub.Source)
			}
		case <-ctx.Done():
			return
		}
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
