// Package health implements the per-unit decay/recovery model and the
// remaining-useful-life estimate derived from its trailing slope.
package health

import (
	"math"
	"time"
)

// Model holds the decay constants. Each tick, every critical metric
// subtracts CriticalPenalty, every warning metric subtracts
// WarningPenalty, and every normal metric recovers RecoveryRate, clamped
// to [0,100].
type Model struct {
	CriticalPenalty float64
	WarningPenalty  float64
	RecoveryRate    float64
	FailureFloor    float64
}

// Step advances a health score by one tick given the per-status metric
// counts. Unknown-status metrics contribute nothing.
func (m Model) Step(score float64, normal, warning, critical int) float64 {
	score -= m.CriticalPenalty * float64(critical)
	score -= m.WarningPenalty * float64(warning)
	score += m.RecoveryRate * float64(normal)
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type sample struct {
	at    time.Time
	score float64
}

// Tracker keeps a trailing window of health samples and derives the
// decline rate from the two endpoints. Two-point slope, not a regression:
// the decay model is piecewise linear, so the endpoints carry the same
// information at a fraction of the arithmetic.
type Tracker struct {
	samples []sample
	head    int
	count   int
}

func NewTracker(capacity int) *Tracker {
	if capacity <= 1 {
		capacity = 30
	}
	return &Tracker{samples: make([]sample, capacity)}
}

func (t *Tracker) Observe(at time.Time, score float64) {
	if t.count < len(t.samples) {
		t.samples[(t.head+t.count)%len(t.samples)] = sample{at, score}
		t.count++
		return
	}
	t.samples[t.head] = sample{at, score}
	t.head = (t.head + 1) % len(t.samples)
}

// DeclinePerDay returns the average decline rate over the tracked window
// in score points per day. Zero when the score is flat or improving.
func (t *Tracker) DeclinePerDay() float64 {
	if t.count < 2 {
		return 0
	}
	first := t.samples[t.head]
	last := t.samples[(t.head+t.count-1)%len(t.samples)]
	days := last.at.Sub(first.at).Hours() / 24
	if days <= 0 {
		return 0
	}
	decline := (first.score - last.score) / days
	if decline < 0 {
		return 0
	}
	return decline
}

func (t *Tracker) Reset() {
	t.head = 0
	t.count = 0
}

const (
	rulEpsilon = 1e-6
	RULCapDays = 365
)

// RUL projects the days until score reaches the failure floor at the
// current decline rate. A flat or improving score yields the cap.
func RUL(score, failureFloor, declinePerDay float64) float64 {
	if score <= failureFloor {
		return 0
	}
	rul := (score - failureFloor) / math.Max(rulEpsilon, declinePerDay)
	if rul > RULCapDays || declinePerDay <= 0 {
		return RULCapDays
	}
	return rul
}
