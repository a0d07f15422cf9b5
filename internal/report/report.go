// Package report builds fleet reports and serialises them.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleetwatch/internal/devicedata"
	"fleetwatch/internal/fleet"
)

// Report templates.
const (
	TemplateFull    = "full"
	TemplateSummary = "summary"
)

// Issue labels derived from a device state. A device error is reported
// verbatim after these.
const (
	IssueSIMOffline       = "SIM offline"
	IssueWiFiDisconnected = "WiFi disconnected"
)

var (
	ErrNoDevices       = errors.New("no devices to report on")
	ErrUnknownFormat   = errors.New("unknown report format")
	ErrUnknownTemplate = errors.New("unknown report template")
)

// Metadata identifies a report.
type Metadata struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceCount int       `json:"device_count"`
	Template    string    `json:"template"`
}

// Summary aggregates the fleet. Online and Offline partition the devices by
// SIM status.
type Summary struct {
	Total      int            `json:"total"`
	Online     int            `json:"online"`
	Offline    int            `json:"offline"`
	ByOS       map[string]int `json:"by_os"`
	ByLocation map[string]int `json:"by_location"`
}

// Row is one device line of a report.
type Row struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	OS       string   `json:"os"`
	Location string   `json:"location"`
	Phone    string   `json:"phone"`
	Model    string   `json:"model"`
	IMEI     string   `json:"imei"`
	Issues   []string `json:"issues"`
}

// FullReport is the value every output format is rendered from.
type FullReport struct {
	Metadata        Metadata `json:"metadata"`
	Summary         Summary  `json:"summary"`
	Devices         []Row    `json:"devices"`
	Recommendations []string `json:"recommendations"`
}

// Options selects the output of Generate. Empty fields mean json and full.
type Options struct {
	Format   string
	Template string
}

// Config holds exporter settings.
type Config struct {
	Concurrency int
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		e.now = now
	}
}

// Exporter generates reports. It holds no state between calls.
type Exporter struct {
	batch  devicedata.Batch
	now    func() time.Time
	logger *slog.Logger
}

// New creates a report exporter.
func New(fetcher devicedata.Fetcher, cfg Config, logger *slog.Logger, opts ...Option) *Exporter {
	e := &Exporter{
		now:    time.Now,
		logger: logger.With("component", "report"),
	}
	e.batch = devicedata.Batch{Fetcher: fetcher, Limit: cfg.Concurrency, Logger: e.logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate fetches ids concurrently, builds the report and renders it in the
// requested format. Devices that cannot be fetched appear as offline.
func (e *Exporter) Generate(ctx context.Context, ids []string, scope string, opts Options) (*FullReport, []byte, error) {
	if len(ids) == 0 {
		return nil, nil, ErrNoDevices
	}
	format, tmpl, err := normalize(opts)
	if err != nil {
		return nil, nil, err
	}
	for i, id := range ids {
		if id == "" {
			return nil, nil, fmt.Errorf("device %d: empty id", i)
		}
	}

	states := e.batch.Fetch(ctx, ids, scope, devicedata.Options{})
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	r := Build(states, tmpl, e.now())
	content, err := Render(r, format)
	if err != nil {
		return nil, nil, err
	}
	e.logger.Info("report generated", "id", r.Metadata.ID, "devices", len(ids), "format", format, "template", tmpl)
	return r, content, nil
}

func normalize(opts Options) (format, tmpl string, err error) {
	format = opts.Format
	if format == "" {
		format = FormatJSON
	}
	if _, ok := formats[format]; !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}
	tmpl = opts.Template
	if tmpl == "" {
		tmpl = TemplateFull
	}
	if tmpl != TemplateFull && tmpl != TemplateSummary {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTemplate, opts.Template)
	}
	return format, tmpl, nil
}

// Build aggregates states into a report. The summary template keeps only
// rows with issues; summary and recommendations always cover every device.
func Build(states []fleet.State, tmpl string, at time.Time) *FullReport {
	r := &FullReport{
		Metadata: Metadata{
			ID:          uuid.New().String(),
			Timestamp:   at,
			DeviceCount: len(states),
			Template:    tmpl,
		},
		Summary: Summary{
			Total:      len(states),
			ByOS:       make(map[string]int),
			ByLocation: make(map[string]int),
		},
		Devices:         []Row{},
		Recommendations: []string{},
	}

	var wifiDown, withError int
	for _, s := range states {
		if s.Online() {
			r.Summary.Online++
		} else {
			r.Summary.Offline++
		}
		if !s.WiFiConnected() {
			wifiDown++
		}
		if s.HasError() {
			withError++
		}
		osName := s.OS
		if osName == "" {
			osName = "Unknown"
		}
		r.Summary.ByOS[osName]++
		r.Summary.ByLocation[s.Location()]++

		row := rowOf(s)
		if tmpl == TemplateSummary && len(row.Issues) == 0 {
			continue
		}
		r.Devices = append(r.Devices, row)
	}

	if r.Summary.Offline > 0 {
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("Investigate %d offline device(s)", r.Summary.Offline))
	}
	if wifiDown > 0 {
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("Reconnect WiFi on %d device(s)", wifiDown))
	}
	if withError > 0 {
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("Check %d device(s) with errors", withError))
	}
	return r
}

func rowOf(s fleet.State) Row {
	status := "offline"
	if s.Online() {
		status = "online"
	}
	issues := []string{}
	if !s.Online() {
		issues = append(issues, IssueSIMOffline)
	}
	if !s.WiFiConnected() {
		issues = append(issues, IssueWiFiDisconnected)
	}
	if s.HasError() {
		issues = append(issues, s.Error)
	}
	return Row{
		ID:       s.ID,
		Name:     s.Name,
		Status:   status,
		OS:       s.OS,
		Location: s.Location(),
		Phone:    s.SIM.MSISDN,
		Model:    s.Device.Model,
		IMEI:     s.Device.IMEI,
		Issues:   issues,
	}
}
