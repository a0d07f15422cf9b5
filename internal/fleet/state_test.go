package fleet

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
)

func TestFingerprintIgnoresUntrackedFields(t *testing.T) {
	a := State{ID: "d1", Name: "Phone A", OS: "android", SIM: SIM{Status: 1}, WiFi: WiFi{Status: 0}}
	b := State{ID: "d1", Name: "Renamed", OS: "ios", Proxy: Proxy{City: "Oslo"}, SIM: SIM{Status: 1, MSISDN: "+47"}, WiFi: WiFi{Status: 0, Name: "home"}}

	if Fingerprint(a) != Fingerprint(b) {
		t.Errorf("fingerprints differ for states equal on tracked fields:\n%s\n%s", Fingerprint(a), Fingerprint(b))
	}
	if Fingerprint(a) != Fingerprint(a) {
		t.Error("fingerprint is not deterministic")
	}
}

func TestFingerprintTracksFields(t *testing.T) {
	base := State{ID: "d1", SIM: SIM{Status: 1}, WiFi: WiFi{Status: 1}}
	tests := []struct {
		name   string
		mutate func(*State)
	}{
		{"id", func(s *State) { s.ID = "d2" }},
		{"sim status", func(s *State) { s.SIM.Status = 0 }},
		{"wifi status", func(s *State) { s.WiFi.Status = 0 }},
		{"error", func(s *State) { s.Error = "timeout" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := base
			tt.mutate(&changed)
			if Fingerprint(base) == Fingerprint(changed) {
				t.Errorf("changing %s did not change the fingerprint", tt.name)
			}
		})
	}
}

func TestFingerprintNoDelimiterCollision(t *testing.T) {
	a := State{ID: "a|1", SIM: SIM{Status: 1}}
	b := State{ID: "a", SIM: SIM{Status: 1}, Error: "1|"}
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("crafted ids collide")
	}
}

func TestOffline(t *testing.T) {
	s := Offline("d9", errors.New("dial tcp: refused"))
	if s.ID != "d9" {
		t.Errorf("id = %q, want d9", s.ID)
	}
	if s.Name != OfflineName {
		t.Errorf("name = %q", s.Name)
	}
	if s.Error != "dial tcp: refused" {
		t.Errorf("error = %q", s.Error)
	}
	if s.Online() || s.WiFiConnected() {
		t.Error("offline record reports a live link")
	}

	if got := Offline("d9", nil).Error; got == "" {
		t.Error("nil error produced an empty error string")
	}
}

func TestLocation(t *testing.T) {
	tests := []struct {
		proxy Proxy
		want  string
	}{
		{Proxy{City: "Lyon", Country: "FR"}, "FR"},
		{Proxy{City: "Lyon"}, "Lyon"},
		{Proxy{}, "Unknown"},
	}
	for _, tt := range tests {
		if got := (State{Proxy: tt.proxy}).Location(); got != tt.want {
			t.Errorf("Location(%+v) = %q, want %q", tt.proxy, got, tt.want)
		}
	}
}

func TestEventBusSinkAndPanicRecovery(t *testing.T) {
	bus := NewEventBus(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	var updates, alerts, all atomic.Int32
	bus.OnUpdate(func(u Update) {
		if u.DeviceID != "d1" {
			t.Errorf("update device = %q", u.DeviceID)
		}
		updates.Add(1)
	})
	bus.OnUpdate(func(Update) { panic("boom") })
	bus.OnAlert(func(Alert) { alerts.Add(1) })
	unsub := bus.OnAll(func(e Event) {
		switch e.Data.(type) {
		case Update:
			if e.Type != EventDeviceUpdate {
				t.Errorf("update type = %q", e.Type)
			}
		case Alert:
			if e.Type != EventDeviceAlert {
				t.Errorf("alert type = %q", e.Type)
			}
		}
		all.Add(1)
	})

	bus.DeviceUpdated(Update{DeviceID: "d1"})
	bus.AlertFired(Alert{DeviceID: "d1"})

	if updates.Load() != 1 || alerts.Load() != 1 {
		t.Errorf("updates = %d, alerts = %d, want 1 each", updates.Load(), alerts.Load())
	}
	if all.Load() != 2 {
		t.Errorf("all = %d, want 2", all.Load())
	}

	unsub()
	bus.AlertFired(Alert{DeviceID: "d1"})
	if all.Load() != 2 {
		t.Errorf("handler still called after unsubscribe")
	}
	if alerts.Load() != 2 {
		t.Errorf("alerts = %d, want 2", alerts.Load())
	}
}

func TestEventBusRegistrationOrder(t *testing.T) {
	bus := NewEventBus(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.OnAll(func(Event) { order = append(order, i) })
	}
	bus.DeviceUpdated(Update{DeviceID: "d1"})

	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v", order)
		}
	}
	if len(order) != 5 {
		t.Errorf("calls = %d, want 5", len(order))
	}
}

func TestNewEventJSON(t *testing.T) {
	data, err := json.Marshal(NewEvent(Alert{ID: "a1", DeviceID: "d1", Severity: SeverityWarning}))
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Type string `json:"type"`
		Data struct {
			ID       string `json:"id"`
			DeviceID string `json:"device_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != EventDeviceAlert || got.Data.ID != "a1" || got.Data.DeviceID != "d1" {
		t.Errorf("event = %s", data)
	}
}
