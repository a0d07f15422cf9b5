// Package alerts evaluates alert rules on device state transitions.
package alerts

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetwatch/internal/fleet"
)

// DefaultCapacity is the size of the recent-alert buffer.
const DefaultCapacity = 100

// ErrAlertNotFound is returned when acknowledging an unknown alert.
var ErrAlertNotFound = errors.New("alert not found")

// Config holds engine settings.
type Config struct {
	Capacity int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets where fired alerts are published.
func WithSink(sink fleet.Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithAlertHook sets a function called for every fired alert.
func WithAlertHook(fn func(fleet.Alert)) Option {
	return func(e *Engine) {
		e.onFired = fn
	}
}

// WithClock replaces time.Now for cooldowns and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

type cooldownKey struct {
	deviceID string
	ruleID   string
}

// Engine evaluates rules, enforces per-device cooldowns and keeps the most
// recent alerts, newest first.
type Engine struct {
	rules    []Rule
	capacity int
	sink     fleet.Sink
	onFired  func(fleet.Alert)
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	ledger map[cooldownKey]time.Time
	recent []fleet.Alert
}

// NewEngine creates an engine with the given rules, evaluated in order.
func NewEngine(rules []Rule, cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if err := validateRules(rules); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	e := &Engine{
		rules:    append([]Rule(nil), rules...),
		capacity: cfg.Capacity,
		sink:     fleet.NopSink{},
		now:      time.Now,
		logger:   logger.With("component", "alerts"),
		ledger:   make(map[cooldownKey]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// HandleStateChange is the monitor's state change callback.
func (e *Engine) HandleStateChange(deviceID string, prev *fleet.State, cur fleet.State) {
	e.Evaluate(deviceID, prev, cur)
}

// Evaluate runs every rule against a transition and returns the alerts fired.
// A rule inside its cooldown window for this device is skipped without
// evaluating its condition.
func (e *Engine) Evaluate(deviceID string, prev *fleet.State, cur fleet.State) []fleet.Alert {
	e.mu.Lock()
	now := e.now()
	var fired []fleet.Alert
	for _, r := range e.rules {
		key := cooldownKey{deviceID: deviceID, ruleID: r.ID}
		if until, ok := e.ledger[key]; ok && now.Before(until) {
			continue
		}
		if !e.check(r, prev, cur) {
			continue
		}
		e.ledger[key] = now.Add(r.Cooldown)

		a := fleet.Alert{
			ID:           uuid.New().String(),
			DeviceID:     deviceID,
			RuleID:       r.ID,
			Severity:     r.Severity,
			Message:      r.Message,
			Timestamp:    now,
			CurrentState: fleet.SnapshotOf(cur),
		}
		if prev != nil {
			a.PreviousState = fleet.SnapshotOf(*prev)
		}
		e.pushLocked(a)
		fired = append(fired, a)
	}
	e.mu.Unlock()

	for _, a := range fired {
		e.logger.Info("alert fired", "device", a.DeviceID, "rule", a.RuleID, "severity", a.Severity)
		e.sink.AlertFired(a)
		if e.onFired != nil {
			e.onFired(a)
		}
	}
	return fired
}

func (e *Engine) check(r Rule, prev *fleet.State, cur fleet.State) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("rule panic", "rule", r.ID, "panic", rec)
			ok = false
		}
	}()
	return r.Condition(prev, cur)
}

func (e *Engine) pushLocked(a fleet.Alert) {
	if len(e.recent) < e.capacity {
		e.recent = append(e.recent, fleet.Alert{})
	}
	copy(e.recent[1:], e.recent)
	e.recent[0] = a
}

// Acknowledge marks an alert as acknowledged. Cooldowns are not affected.
func (e *Engine) Acknowledge(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.recent {
		if e.recent[i].ID == id {
			e.recent[i].Acknowledged = true
			return nil
		}
	}
	return fmt.Errorf("acknowledge %s: %w", id, ErrAlertNotFound)
}

// Recent returns up to limit alerts, newest first. limit <= 0 returns all.
func (e *Engine) Recent(limit int) []fleet.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]fleet.Alert, n)
	copy(out, e.recent[:n])
	return out
}

// Rules describes the configured rules in evaluation order.
func (e *Engine) Rules() []RuleInfo {
	out := make([]RuleInfo, len(e.rules))
	for i, r := range e.rules {
		out[i] = RuleInfo{
			ID:         r.ID,
			Severity:   r.Severity,
			Message:    r.Message,
			CooldownMs: r.Cooldown.Milliseconds(),
		}
	}
	return out
}
