// Package evaluate classifies a metric's latest value against its
// threshold and derives a trend from the recent window. Pure functions:
// the same inputs always yield the same verdict.
package evaluate

import (
	"math"

	"millwatch/internal/model"
)

type Verdict struct {
	Status model.Status
	Trend  model.Trend
}

// Evaluate classifies value against th and compares it to the mean of the
// window excluding the latest sample. A nil threshold yields
// StatusUnknown; trend is computed either way. Boundary values classify
// to the more severe bucket.
func Evaluate(th *model.Threshold, value float64, window []model.Reading, epsilonFraction float64) Verdict {
	return Verdict{
		Status: Classify(th, value),
		Trend:  TrendOf(value, window, epsilonFraction),
	}
}

func Classify(th *model.Threshold, value float64) model.Status {
	if th == nil {
		return model.StatusUnknown
	}
	switch th.Direction {
	case model.BelowIsBad:
		if value <= th.Critical {
			return model.StatusCritical
		}
		if value <= th.Warning {
			return model.StatusWarning
		}
	default: // above is bad
		if value >= th.Critical {
			return model.StatusCritical
		}
		if value >= th.Warning {
			return model.StatusWarning
		}
	}
	return model.StatusNormal
}

// TrendOf compares value to the mean of window excluding its last sample.
// Deltas within epsilonFraction of that mean (absolute) count as stable.
func TrendOf(value float64, window []model.Reading, epsilonFraction float64) model.Trend {
	if len(window) < 2 {
		return model.TrendStable
	}
	if epsilonFraction <= 0 {
		epsilonFraction = 0.01
	}
	sum := 0.0
	for _, r := range window[:len(window)-1] {
		sum += r.Value
	}
	mean := sum / float64(len(window)-1)
	eps := math.Abs(mean) * epsilonFraction
	if eps == 0 {
		eps = epsilonFraction
	}
	delta := value - mean
	switch {
	case delta > eps:
		return model.TrendUp
	case delta < -eps:
		return model.TrendDown
	default:
		return model.TrendStable
	}
}
