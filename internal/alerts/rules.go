package alerts

import (
	"fmt"
	"time"

	"fleetwatch/internal/fleet"
)

// Condition decides whether a rule fires for a state transition. prev is nil
// on the first observation of a device. Conditions must be pure.
type Condition func(prev *fleet.State, cur fleet.State) bool

// Rule is a static alert rule.
type Rule struct {
	ID        string
	Severity  fleet.Severity
	Message   string
	Cooldown  time.Duration
	Condition Condition
}

// RuleInfo is the serialisable description of a Rule.
type RuleInfo struct {
	ID         string         `json:"id"`
	Severity   fleet.Severity `json:"severity"`
	Message    string         `json:"message"`
	CooldownMs int64          `json:"cooldown_ms"`
}

// Built-in rule ids.
const (
	RuleDeviceOffline    = "device_offline"
	RuleWiFiDisconnected = "wifi_disconnected"
	RuleDeviceError      = "device_error"
)

// DefaultRules returns the rules enabled out of the box, in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       RuleDeviceOffline,
			Severity: fleet.SeverityWarning,
			Message:  "Device SIM went offline",
			Cooldown: 60 * time.Second,
			Condition: func(_ *fleet.State, cur fleet.State) bool {
				return !cur.Online()
			},
		},
		{
			ID:       RuleWiFiDisconnected,
			Severity: fleet.SeverityInfo,
			Message:  "Device WiFi disconnected",
			Cooldown: 120 * time.Second,
			Condition: func(_ *fleet.State, cur fleet.State) bool {
				return !cur.WiFiConnected()
			},
		},
		{
			ID:       RuleDeviceError,
			Severity: fleet.SeverityCritical,
			Message:  "Device reported an error",
			Cooldown: 30 * time.Second,
			Condition: func(_ *fleet.State, cur fleet.State) bool {
				return cur.HasError()
			},
		},
	}
}

func validateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d: empty id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rule %q: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if r.Condition == nil {
			return fmt.Errorf("rule %q: nil condition", r.ID)
		}
		if r.Cooldown < 0 {
			return fmt.Errorf("rule %q: negative cooldown", r.ID)
		}
		if !r.Severity.Valid() {
			return fmt.Errorf("rule %q: invalid severity %q", r.ID, r.Severity)
		}
	}
	return nil
}
