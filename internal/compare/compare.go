// Package compare diffs, scores and ranks a set of devices against a
// reference device.
package compare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"fleetwatch/internal/devicedata"
	"fleetwatch/internal/fleet"
)

// DefaultMaxDevices caps the number of devices in one comparison.
const DefaultMaxDevices = 10

// Score weights.
const (
	maxScore     = 100
	penaltySIM   = 30
	penaltyWiFi  = 20
	penaltyError = 25
)

var (
	ErrNoDevices      = errors.New("no devices to compare")
	ErrTooManyDevices = errors.New("too many devices to compare")
)

// FieldDiff holds a key's value on the reference device and on the candidate.
type FieldDiff struct {
	Device1 interface{} `json:"device1"`
	Device2 interface{} `json:"device2"`
}

// Difference lists the keys where a device differs from the reference.
// Keys are leaf paths of the JSON encoding of fleet.State, such as
// "sim.status" or "proxy.city", rather than whole top-level objects, so a
// change in one nested field does not report its unchanged siblings. The
// "id" key always differs between distinct devices and is never listed.
type Difference struct {
	DeviceID string               `json:"device_id"`
	Fields   map[string]FieldDiff `json:"fields"`
}

// Metrics holds per-field values aligned with Result.DeviceIDs.
type Metrics struct {
	Name       []string `json:"name"`
	OS         []string `json:"os"`
	Location   []string `json:"location"`
	SIMStatus  []int    `json:"sim.status"`
	WiFiStatus []int    `json:"wifi.status"`
	Error      []string `json:"error"`
}

// Ranking is one device's place in the comparison.
type Ranking struct {
	Rank     int    `json:"rank"`
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

// Result is a comparison of devices against DeviceIDs[0].
type Result struct {
	ID          string       `json:"id"`
	DeviceIDs   []string     `json:"device_ids"`
	Timestamp   time.Time    `json:"timestamp"`
	Metrics     Metrics      `json:"metrics"`
	Differences []Difference `json:"differences"`
	Rankings    []Ranking    `json:"rankings"`
}

// Config holds engine settings.
type Config struct {
	MaxDevices  int
	Concurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine runs comparisons. It holds no state between calls.
type Engine struct {
	batch      devicedata.Batch
	maxDevices int
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a comparison engine.
func New(fetcher devicedata.Fetcher, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = DefaultMaxDevices
	}
	e := &Engine{
		maxDevices: cfg.MaxDevices,
		now:        time.Now,
		logger:     logger.With("component", "compare"),
	}
	e.batch = devicedata.Batch{Fetcher: fetcher, Limit: cfg.Concurrency, Logger: e.logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compare fetches ids concurrently and compares them against ids[0]. A device
// that cannot be fetched appears as an offline record.
func (e *Engine) Compare(ctx context.Context, ids []string, scope string) (*Result, error) {
	if len(ids) == 0 {
		return nil, ErrNoDevices
	}
	if len(ids) > e.maxDevices {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyDevices, len(ids), e.maxDevices)
	}
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("device %d: empty id", i)
		}
	}

	states := e.batch.Fetch(ctx, ids, scope, devicedata.Options{})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := Build(states, e.now())
	if err != nil {
		return nil, err
	}
	e.logger.Debug("comparison built", "id", res.ID, "devices", len(ids), "differences", len(res.Differences))
	return res, nil
}

// Build compares already-fetched states against states[0].
func Build(states []fleet.State, at time.Time) (*Result, error) {
	if len(states) == 0 {
		return nil, ErrNoDevices
	}
	res := &Result{
		ID:          uuid.New().String(),
		DeviceIDs:   make([]string, len(states)),
		Timestamp:   at,
		Differences: []Difference{},
	}
	for i, s := range states {
		res.DeviceIDs[i] = s.ID
		res.Metrics.Name = append(res.Metrics.Name, s.Name)
		res.Metrics.OS = append(res.Metrics.OS, s.OS)
		res.Metrics.Location = append(res.Metrics.Location, s.Location())
		res.Metrics.SIMStatus = append(res.Metrics.SIMStatus, s.SIM.Status)
		res.Metrics.WiFiStatus = append(res.Metrics.WiFiStatus, s.WiFi.Status)
		res.Metrics.Error = append(res.Metrics.Error, s.Error)
	}

	ref, err := flatten(states[0])
	if err != nil {
		return nil, err
	}
	for _, s := range states[1:] {
		cand, err := flatten(s)
		if err != nil {
			return nil, err
		}
		if fields := diff(ref, cand); len(fields) > 0 {
			res.Differences = append(res.Differences, Difference{DeviceID: s.ID, Fields: fields})
		}
	}

	res.Rankings = rank(states)
	return res, nil
}

// Score is the additive health score of a device, floored at zero.
func Score(s fleet.State) int {
	score := maxScore
	if !s.Online() {
		score -= penaltySIM
	}
	if !s.WiFiConnected() {
		score -= penaltyWiFi
	}
	if s.HasError() {
		score -= penaltyError
	}
	if score < 0 {
		score = 0
	}
	return score
}

func rank(states []fleet.State) []Ranking {
	out := make([]Ranking, len(states))
	for i, s := range states {
		out[i] = Ranking{DeviceID: s.ID, Name: s.Name, Score: Score(s)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// flatten turns a state into dotted keys using its JSON field names.
func flatten(s fleet.State) (map[string]interface{}, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", s.ID, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.ID, err)
	}
	out := make(map[string]interface{})
	flattenInto(out, "", m)
	return out, nil
}

func flattenInto(out map[string]interface{}, prefix string, m map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

// diff returns the keys whose JSON encodings differ. A key missing on one
// side compares as null. The id key is the identity and is never reported.
func diff(ref, cand map[string]interface{}) map[string]FieldDiff {
	out := make(map[string]FieldDiff)
	keys := make(map[string]struct{}, len(ref)+len(cand))
	for k := range ref {
		keys[k] = struct{}{}
	}
	for k := range cand {
		keys[k] = struct{}{}
	}
	delete(keys, "id")
	for k := range keys {
		a, b := ref[k], cand[k]
		if !jsonEqual(a, b) {
			out[k] = FieldDiff{Device1: a, Device2: b}
		}
	}
	return out
}

func jsonEqual(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
