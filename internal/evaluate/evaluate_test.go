package evaluate

import (
	"testing"
	"time"

	"millwatch/internal/model"
)

func window(values ...float64) []model.Reading {
	out := make([]model.Reading, len(values))
	base := time.Now()
	for i, v := range values {
		out[i] = model.Reading{Value: v, Timestamp: base.Add(time.Duration(i) * time.Second)}
	}
	return out
}

func TestClassifyAboveIsBad(t *testing.T) {
	th := &model.Threshold{Warning: 100, Critical: 115, Direction: model.AboveIsBad}
	cases := []struct {
		value float64
		want  model.Status
	}{
		{85, model.StatusNormal},
		{99.99, model.StatusNormal},
		{100, model.StatusWarning}, // boundary goes to the more severe bucket
		{114.9, model.StatusWarning},
		{115, model.StatusCritical},
		{200, model.StatusCritical},
	}
	for _, tc := range cases {
		if got := Classify(th, tc.value); got != tc.want {
			t.Fatalf("Classify(%v) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestClassifyBelowIsBad(t *testing.T) {
	th := &model.Threshold{Warning: -0.9, Critical: -1.1, Direction: model.BelowIsBad}
	cases := []struct {
		value float64
		want  model.Status
	}{
		{-0.5, model.StatusNormal},
		{-0.9, model.StatusWarning},
		{-1.0, model.StatusWarning},
		{-1.1, model.StatusCritical},
		{-1.2, model.StatusCritical},
	}
	for _, tc := range cases {
		if got := Classify(th, tc.value); got != tc.want {
			t.Fatalf("Classify(%v) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestClassifyNilThresholdIsUnknown(t *testing.T) {
	if got := Classify(nil, 42); got != model.StatusUnknown {
		t.Fatalf("Classify(nil) = %v", got)
	}
}

func TestTrend(t *testing.T) {
	w := window(100, 100, 100, 110)
	if got := TrendOf(110, w, 0.01); got != model.TrendUp {
		t.Fatalf("trend = %v, want up", got)
	}
	if got := TrendOf(90, window(100, 100, 100, 90), 0.01); got != model.TrendDown {
		t.Fatalf("trend = %v, want down", got)
	}
	if got := TrendOf(100.5, window(100, 100, 100, 100.5), 0.01); got != model.TrendStable {
		t.Fatalf("trend = %v, want stable", got)
	}
}

func TestTrendShortWindowStable(t *testing.T) {
	if got := TrendOf(42, window(42), 0.01); got != model.TrendStable {
		t.Fatalf("trend = %v, want stable", got)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	th := &model.Threshold{Warning: 6.5, Critical: 8.5, Direction: model.AboveIsBad}
	w := window(6.0, 6.2, 6.8)
	first := Evaluate(th, 6.8, w, 0.01)
	second := Evaluate(th, 6.8, w, 0.01)
	if first != second {
		t.Fatalf("evaluate not idempotent: %v vs %v", first, second)
	}
	if first.Status != model.StatusWarning {
		t.Fatalf("status = %v, want warning", first.Status)
	}
}
