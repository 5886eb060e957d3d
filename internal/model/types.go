package model

import "time"

// MetricKey identifies one measured quantity on one equipment unit.
// Keys are stable and never reused across physical sensors.
type MetricKey struct {
	EquipmentID string `json:"equipment_id"`
	Metric      string `json:"metric"`
}

func (k MetricKey) String() string {
	return k.EquipmentID + "/" + k.Metric
}

// Reading is one ingested sensor sample. Immutable once recorded.
// OutOfOrder is set when the timestamp precedes the series' latest at
// arrival time; series keep arrival order, not timestamp order.
type Reading struct {
	Key        MetricKey `json:"key"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	OutOfOrder bool      `json:"out_of_order,omitempty"`
}

type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusNormal   Status = "normal"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

type Direction string

const (
	AboveIsBad Direction = "above_is_bad"
	BelowIsBad Direction = "below_is_bad"
)

// Threshold classifies a metric value. Direction selects which side of the
// levels is unhealthy; boundary values classify to the more severe bucket.
type Threshold struct {
	Warning   float64   `json:"warning" yaml:"warning"`
	Critical  float64   `json:"critical" yaml:"critical"`
	Direction Direction `json:"direction" yaml:"direction"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type AlertState string

const (
	AlertOpen     AlertState = "open"
	AlertAcked    AlertState = "acked"
	AlertResolved AlertState = "resolved"
)

// Alert is one lifecycle lineage: raised, optionally escalated and
// acknowledged, then resolved. At most one open alert exists per MetricKey.
type Alert struct {
	ID             string     `json:"id"`
	Key            MetricKey  `json:"key"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Severity       Severity   `json:"severity"`
	State          AlertState `json:"state"`
	SourceStatus   Status     `json:"source_status"`
	Escalated      bool       `json:"escalated"`
	RaisedAt       time.Time  `json:"raised_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func (a *Alert) IsOpen() bool {
	return a.State == AlertOpen || a.State == AlertAcked
}

// EquipmentUnit is the per-unit view served by snapshots. Identity and static
// fields come from registration; HealthScore and RULDays are owned by the
// health aggregator; maintenance dates change only through SetMaintenance.
type EquipmentUnit struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	Location        string    `json:"location,omitempty"`
	HealthScore     float64   `json:"health_score"`
	RULDays         float64   `json:"rul_days"`
	Condition       string    `json:"condition"`
	OpenAlerts      int       `json:"open_alerts"`
	LastMaintenance time.Time `json:"last_maintenance,omitzero"`
	NextMaintenance time.Time `json:"next_maintenance,omitzero"`
}

// Condition maps a health score to the operator-facing label.
func Condition(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 75:
		return "good"
	case score >= 60:
		return "fair"
	case score >= 50:
		return "poor"
	default:
		return "critical"
	}
}

type EventKind string

const (
	EventMetricUpdated EventKind = "metric_updated"
	EventHealthChanged EventKind = "health_changed"
	EventAlertChanged  EventKind = "alert_changed"
)

type MetricUpdate struct {
	Key    MetricKey `json:"key"`
	Value  float64   `json:"value"`
	Unit   string    `json:"unit,omitempty"`
	Status Status    `json:"status"`
	Trend  Trend     `json:"trend"`
}

type HealthUpdate struct {
	EquipmentID string  `json:"equipment_id"`
	HealthScore float64 `json:"health_score"`
	RULDays     float64 `json:"rul_days"`
	Condition   string  `json:"condition"`
}

// Event is the tagged union delivered to subscribers. Exactly one payload
// field is non-nil, selected by Kind.
type Event struct {
	Kind      EventKind     `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
	Metric    *MetricUpdate `json:"metric,omitempty"`
	Health    *HealthUpdate `json:"health,omitempty"`
	Alert     *Alert        `json:"alert,omitempty"`
}

// Snapshot is the point-in-time view for late joiners. Consistent per unit;
// no cross-unit atomicity.
type Snapshot struct {
	TakenAt        time.Time          `json:"taken_at"`
	Units          []EquipmentUnit    `json:"units"`
	OpenAlerts     []Alert            `json:"open_alerts"`
	LatestReadings map[string]Reading `json:"latest_readings"`
}
