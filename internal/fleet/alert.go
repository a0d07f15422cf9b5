package fleet

import "time"

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// AlertSnapshot is the subset of a State carried on an alert.
type AlertSnapshot struct {
	SIMStatus  int    `json:"sim_status"`
	WiFiStatus int    `json:"wifi_status"`
	Error      string `json:"error,omitempty"`
}

// SnapshotOf extracts the alert-relevant fields of s.
func SnapshotOf(s State) *AlertSnapshot {
	return &AlertSnapshot{
		SIMStatus:  s.SIM.Status,
		WiFiStatus: s.WiFi.Status,
		Error:      s.Error,
	}
}

// Alert is a fired alert rule for one device.
type Alert struct {
	ID            string         `json:"id"`
	DeviceID      string         `json:"device_id"`
	RuleID        string         `json:"rule_id"`
	Severity      Severity       `json:"severity"`
	Message       string         `json:"message"`
	Timestamp     time.Time      `json:"timestamp"`
	PreviousState *AlertSnapshot `json:"previous_state,omitempty"`
	CurrentState  *AlertSnapshot `json:"current_state,omitempty"`
	Acknowledged  bool           `json:"acknowledged"`
}

// SubscriberID identifies a live subscriber. It is assigned and owned by the
// transport layer and only used here as a set key.
type SubscriberID string

// Update announces a new state for a watched device.
type Update struct {
	DeviceID  string    `json:"device_id"`
	Data      State     `json:"data"`
	Timestamp time.Time `json:"timestamp"`

	// Subscribers of DeviceID at the time of the update.
	Subscribers []SubscriberID `json:"-"`
}

// Sink receives the events produced by the monitor and the alert engine.
type Sink interface {
	DeviceUpdated(Update)
	AlertFired(Alert)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) DeviceUpdated(Update) {}
func (NopSink) AlertFired(Alert)     {}
