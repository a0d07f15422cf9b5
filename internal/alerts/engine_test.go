package alerts

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"fleetwatch/internal/devicedata"
	"fleetwatch/internal/fleet"
	"fleetwatch/internal/monitor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	updates []fleet.Update
	alerts  []fleet.Alert
}

func (r *recordingSink) DeviceUpdated(u fleet.Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recordingSink) AlertFired(a fleet.Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, rules []Rule, cfg Config) (*Engine, *clock, *recordingSink) {
	t.Helper()
	c := &clock{t: t0}
	sink := &recordingSink{}
	e, err := NewEngine(rules, cfg, testLogger(), WithClock(c.Now), WithSink(sink))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, c, sink
}

func healthy(id string) fleet.State {
	return fleet.State{ID: id, Name: id, SIM: fleet.SIM{Status: 1}, WiFi: fleet.WiFi{Status: 1}}
}

func ruleIDs(alerts []fleet.Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.RuleID
	}
	return ids
}

func TestNewEngineValidatesRules(t *testing.T) {
	always := func(*fleet.State, fleet.State) bool { return true }
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"empty id", []Rule{{Severity: fleet.SeverityInfo, Condition: always}}},
		{"duplicate id", []Rule{
			{ID: "a", Severity: fleet.SeverityInfo, Condition: always},
			{ID: "a", Severity: fleet.SeverityInfo, Condition: always},
		}},
		{"nil condition", []Rule{{ID: "a", Severity: fleet.SeverityInfo}}},
		{"negative cooldown", []Rule{{ID: "a", Severity: fleet.SeverityInfo, Cooldown: -time.Second, Condition: always}}},
		{"bad severity", []Rule{{ID: "a", Severity: "loud", Condition: always}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.rules, Config{}, testLogger()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultRulesOnOfflineWithError(t *testing.T) {
	e, _, sink := newTestEngine(t, DefaultRules(), Config{})

	prev := healthy("d1")
	cur := healthy("d1")
	cur.SIM.Status = 0
	cur.Error = "timeout"

	got := e.Evaluate("d1", &prev, cur)
	ids := ruleIDs(got)
	if len(ids) != 2 || ids[0] != RuleDeviceOffline || ids[1] != RuleDeviceError {
		t.Fatalf("fired = %v, want [device_offline device_error]", ids)
	}
	if got[0].Severity != fleet.SeverityWarning || got[1].Severity != fleet.SeverityCritical {
		t.Errorf("severities = %s, %s", got[0].Severity, got[1].Severity)
	}
	a := got[1]
	if a.PreviousState == nil || a.PreviousState.SIMStatus != 1 {
		t.Errorf("previous = %+v", a.PreviousState)
	}
	if a.CurrentState == nil || a.CurrentState.Error != "timeout" || a.CurrentState.SIMStatus != 0 {
		t.Errorf("current = %+v", a.CurrentState)
	}
	if a.ID == "" || a.ID == got[0].ID {
		t.Errorf("alert ids not unique: %q %q", got[0].ID, a.ID)
	}
	if !a.Timestamp.Equal(t0) || a.Acknowledged {
		t.Errorf("alert = %+v", a)
	}
	if len(sink.alerts) != 2 {
		t.Errorf("published = %d, want 2", len(sink.alerts))
	}
}

func TestFirstObservationHasNoPreviousSnapshot(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultRules(), Config{})
	cur := healthy("d1")
	cur.WiFi.Status = 0

	got := e.Evaluate("d1", nil, cur)
	if len(got) != 1 || got[0].RuleID != RuleWiFiDisconnected {
		t.Fatalf("fired = %v", ruleIDs(got))
	}
	if got[0].PreviousState != nil {
		t.Errorf("previous = %+v, want nil", got[0].PreviousState)
	}
}

func TestCooldownPerDeviceAndRule(t *testing.T) {
	e, c, _ := newTestEngine(t, DefaultRules(), Config{})
	down := healthy("d1")
	down.SIM.Status = 0

	if got := e.Evaluate("d1", nil, down); len(got) != 1 {
		t.Fatalf("t0: fired %v", ruleIDs(got))
	}

	c.Set(t0.Add(30 * time.Second))
	if got := e.Evaluate("d1", nil, down); len(got) != 0 {
		t.Errorf("t0+30s: fired %v inside cooldown", ruleIDs(got))
	}
	// Another device has its own ledger entry.
	if got := e.Evaluate("d2", nil, down); len(got) != 1 {
		t.Errorf("d2: fired %v, want 1", ruleIDs(got))
	}

	c.Set(t0.Add(61 * time.Second))
	if got := e.Evaluate("d1", nil, down); len(got) != 1 {
		t.Errorf("t0+61s: fired %v, want device_offline", ruleIDs(got))
	}
}

func TestCooldownSkipsConditionEvaluation(t *testing.T) {
	calls := 0
	rules := []Rule{{
		ID: "count", Severity: fleet.SeverityInfo, Cooldown: time.Minute,
		Condition: func(*fleet.State, fleet.State) bool { calls++; return true },
	}}
	e, c, _ := newTestEngine(t, rules, Config{})

	e.Evaluate("d1", nil, healthy("d1"))
	c.Set(t0.Add(time.Second))
	e.Evaluate("d1", nil, healthy("d1"))
	if calls != 1 {
		t.Errorf("condition calls = %d, want 1", calls)
	}
}

func TestFalseConditionDoesNotArmCooldown(t *testing.T) {
	fire := false
	rules := []Rule{{
		ID: "flag", Severity: fleet.SeverityInfo, Cooldown: time.Hour,
		Condition: func(*fleet.State, fleet.State) bool { return fire },
	}}
	e, _, _ := newTestEngine(t, rules, Config{})

	e.Evaluate("d1", nil, healthy("d1"))
	fire = true
	if got := e.Evaluate("d1", nil, healthy("d1")); len(got) != 1 {
		t.Errorf("fired = %d, want 1", len(got))
	}
}

func TestPanickingRuleIsFalse(t *testing.T) {
	rules := []Rule{
		{ID: "boom", Severity: fleet.SeverityInfo, Condition: func(*fleet.State, fleet.State) bool { panic("x") }},
		{ID: "ok", Severity: fleet.SeverityInfo, Condition: func(*fleet.State, fleet.State) bool { return true }},
	}
	e, _, _ := newTestEngine(t, rules, Config{})
	got := e.Evaluate("d1", nil, healthy("d1"))
	if len(got) != 1 || got[0].RuleID != "ok" {
		t.Errorf("fired = %v, want [ok]", ruleIDs(got))
	}
}

func TestRecentRingBuffer(t *testing.T) {
	rules := []Rule{{ID: "always", Severity: fleet.SeverityInfo, Condition: func(*fleet.State, fleet.State) bool { return true }}}
	e, c, _ := newTestEngine(t, rules, Config{Capacity: 3})

	var fired []fleet.Alert
	for i := 0; i < 5; i++ {
		c.Set(t0.Add(time.Duration(i) * time.Second))
		fired = append(fired, e.Evaluate("d1", nil, healthy("d1"))...)
	}

	all := e.Recent(0)
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i, a := range all {
		if a.ID != fired[4-i].ID {
			t.Errorf("recent[%d] = %s, want %s", i, a.ID, fired[4-i].ID)
		}
	}
	if got := e.Recent(2); len(got) != 2 || got[0].ID != fired[4].ID {
		t.Errorf("Recent(2) = %v", got)
	}
	if got := e.Recent(10); len(got) != 3 {
		t.Errorf("Recent(10) len = %d", len(got))
	}
}

func TestAcknowledge(t *testing.T) {
	e, c, _ := newTestEngine(t, DefaultRules(), Config{})
	down := healthy("d1")
	down.SIM.Status = 0
	a := e.Evaluate("d1", nil, down)[0]

	if err := e.Acknowledge(a.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !e.Recent(1)[0].Acknowledged {
		t.Error("alert not acknowledged")
	}
	if err := e.Acknowledge("missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("err = %v, want ErrAlertNotFound", err)
	}

	// Acknowledging does not reset the cooldown.
	c.Set(t0.Add(10 * time.Second))
	if got := e.Evaluate("d1", nil, down); len(got) != 0 {
		t.Errorf("fired %v after ack inside cooldown", ruleIDs(got))
	}
}

func TestRulesInfo(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultRules(), Config{})
	info := e.Rules()
	if len(info) != 3 {
		t.Fatalf("len = %d", len(info))
	}
	if info[0].ID != RuleDeviceOffline || info[0].CooldownMs != 60000 {
		t.Errorf("info[0] = %+v", info[0])
	}
	if info[2].Severity != fleet.SeverityCritical || info[2].CooldownMs != 30000 {
		t.Errorf("info[2] = %+v", info[2])
	}
}

func TestAlertHook(t *testing.T) {
	var hooked []string
	e, err := NewEngine(DefaultRules(), Config{}, testLogger(),
		WithAlertHook(func(a fleet.Alert) { hooked = append(hooked, a.RuleID) }))
	if err != nil {
		t.Fatal(err)
	}
	cur := healthy("d1")
	cur.Error = "x"
	e.Evaluate("d1", nil, cur)
	if len(hooked) != 1 || hooked[0] != RuleDeviceError {
		t.Errorf("hooked = %v", hooked)
	}
}

type scriptedFetcher struct {
	mu     sync.Mutex
	states map[string]fleet.State
}

func (f *scriptedFetcher) FetchState(_ context.Context, id, _ string, _ devicedata.Options) fleet.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

func (f *scriptedFetcher) set(s fleet.State) {
	f.mu.Lock()
	f.states[s.ID] = s
	f.mu.Unlock()
}

func TestMonitorDrivesAlerts(t *testing.T) {
	f := &scriptedFetcher{states: map[string]fleet.State{"d1": healthy("d1")}}
	sink := &recordingSink{}
	e, err := NewEngine(DefaultRules(), Config{}, testLogger(), WithSink(sink))
	if err != nil {
		t.Fatal(err)
	}
	m := monitor.New(f, monitor.Config{Interval: time.Hour}, testLogger(),
		monitor.WithSink(sink), monitor.WithStateChange(e.HandleStateChange))
	t.Cleanup(m.Stop)
	m.Subscribe("d1", "s1")

	m.Tick(context.Background())
	if len(sink.alerts) != 0 || len(sink.updates) != 1 {
		t.Fatalf("after healthy tick: alerts=%d updates=%d", len(sink.alerts), len(sink.updates))
	}

	down := healthy("d1")
	down.SIM.Status = 0
	down.Error = "timeout"
	f.set(down)
	m.Tick(context.Background())

	if ids := ruleIDs(sink.alerts); len(ids) != 2 || ids[0] != RuleDeviceOffline || ids[1] != RuleDeviceError {
		t.Errorf("alerts = %v", ids)
	}
	if len(sink.updates) != 2 || sink.updates[1].Data.Error != "timeout" {
		t.Errorf("updates = %+v", sink.updates)
	}
	if sink.alerts[0].PreviousState == nil || sink.alerts[0].PreviousState.SIMStatus != 1 {
		t.Errorf("previous = %+v", sink.alerts[0].PreviousState)
	}
}
