package model

import "fmt"

// UnknownEquipmentError rejects readings for units that were never
// registered. Rejected, not silently dropped.
type UnknownEquipmentError struct {
	EquipmentID string
}

func (e *UnknownEquipmentError) Error() string {
	return fmt.Sprintf("unknown equipment %q", e.EquipmentID)
}

// InvalidStateTransitionError reports a command on an alert not in an
// eligible state. The alert is left unchanged.
type InvalidStateTransitionError struct {
	AlertID string
	State   AlertState
	Op      string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s alert %s in state %s", e.Op, e.AlertID, e.State)
}

// ConfigurationError marks a metric ingested without a threshold. The
// reading is still stored; evaluation yields StatusUnknown until a
// threshold is supplied.
type ConfigurationError struct {
	Key MetricKey
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no threshold configured for %s", e.Key)
}
