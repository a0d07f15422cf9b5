// Package monitor polls subscribed devices and reports state changes.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fleetwatch/internal/devicedata"
	"fleetwatch/internal/fleet"
)

// Defaults
const (
	DefaultInterval    = 10 * time.Second
	DefaultConcurrency = 8
)

// Fetcher reads device states. *devicedata.Client satisfies it.
type Fetcher = devicedata.Fetcher

// StateChangeFunc is called when a device's fingerprint changes. prev is nil
// on the first observation of the device.
type StateChangeFunc func(deviceID string, prev *fleet.State, cur fleet.State)

// Config holds monitor settings.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSink sets where device updates are published.
func WithSink(sink fleet.Sink) Option {
	return func(m *Monitor) {
		m.sink = sink
	}
}

// WithStateChange sets the state change callback.
func WithStateChange(fn StateChangeFunc) Option {
	return func(m *Monitor) {
		m.onChange = fn
	}
}

// WithClock replaces time.Now for update timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor owns the subscription registry and the poll loop.
//
// Ticks never overlap: the tick body runs on the loop goroutine and the
// ticker drops ticks while a slow one is still running.
type Monitor struct {
	batch    devicedata.Batch
	sink     fleet.Sink
	onChange StateChangeFunc
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu           sync.Mutex
	subs         map[string]map[fleet.SubscriberID]struct{}
	fingerprints map[string]string
	last         map[string]fleet.State

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. It does not poll until Start is called.
func New(fetcher Fetcher, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	m := &Monitor{
		sink:         fleet.NopSink{},
		interval:     cfg.Interval,
		now:          time.Now,
		logger:       logger.With("component", "monitor"),
		subs:         make(map[string]map[fleet.SubscriberID]struct{}),
		fingerprints: make(map[string]string),
		last:         make(map[string]fleet.State),
	}
	m.batch = devicedata.Batch{Fetcher: fetcher, Limit: cfg.Concurrency, Logger: m.logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe adds sub to the subscribers of deviceID. The first subscriber
// starts polling the device on the next tick; no fetch happens here.
func (m *Monitor) Subscribe(deviceID string, sub fleet.SubscriberID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subs[deviceID]
	if !ok {
		set = make(map[fleet.SubscriberID]struct{})
		m.subs[deviceID] = set
		m.logger.Debug("device watched", "device", deviceID)
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes sub from deviceID. Removing the last subscriber stops
// polling; the last fingerprint is kept so a resubscribe does not re-fire.
func (m *Monitor) Unsubscribe(deviceID string, sub fleet.SubscriberID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(deviceID, sub)
}

// UnsubscribeAll removes sub from every device.
func (m *Monitor) UnsubscribeAll(sub fleet.SubscriberID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for deviceID := range m.subs {
		m.removeLocked(deviceID, sub)
	}
}

func (m *Monitor) removeLocked(deviceID string, sub fleet.SubscriberID) {
	set, ok := m.subs[deviceID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(m.subs, deviceID)
		m.logger.Debug("device unwatched", "device", deviceID)
	}
}

// Subscribers returns the subscribers of deviceID in sorted order.
func (m *Monitor) Subscribers(deviceID string) []fleet.SubscriberID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribersLocked(deviceID)
}

func (m *Monitor) subscribersLocked(deviceID string) []fleet.SubscriberID {
	set := m.subs[deviceID]
	out := make([]fleet.SubscriberID, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Watched returns the ids of devices with at least one subscriber, sorted.
func (m *Monitor) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastState returns the snapshot stored at the device's last change.
func (m *Monitor) LastState(deviceID string) (fleet.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.last[deviceID]
	return s, ok
}

// Start runs the poll loop in a goroutine until Stop is called or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.logger.Info("monitor started", "interval", m.interval)
}

// Stop ends the poll loop and waits for it. Results of fetches still in
// flight are discarded. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick polls every watched device once, bypassing the cache, and returns the
// number of devices whose state changed. Nothing is recorded or published if
// ctx is done by the time the fetches return.
func (m *Monitor) Tick(ctx context.Context) int {
	ids := m.Watched()
	if len(ids) == 0 {
		return 0
	}

	results := m.batch.Fetch(ctx, ids, "", devicedata.Options{BypassCache: true})
	if ctx.Err() != nil {
		return 0
	}

	changed := 0
	for i, id := range ids {
		if m.process(id, results[i]) {
			changed++
		}
	}
	m.logger.Debug("tick", "devices", len(ids), "changed", changed)
	return changed
}

// process records cur for id and reports whether its fingerprint changed.
func (m *Monitor) process(id string, cur fleet.State) (changed bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state change handler panic", "device", id, "panic", r)
		}
	}()

	fp := fleet.Fingerprint(cur)
	m.mu.Lock()
	old, seen := m.fingerprints[id]
	if seen && old == fp {
		m.mu.Unlock()
		return false
	}
	var prev *fleet.State
	if p, ok := m.last[id]; ok {
		prev = &p
	}
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(id, prev, cur)
	}

	m.mu.Lock()
	m.fingerprints[id] = fp
	m.last[id] = cur
	subs := m.subscribersLocked(id)
	m.mu.Unlock()

	m.sink.DeviceUpdated(fleet.Update{
		DeviceID:    id,
		Data:        cur,
		Timestamp:   m.now(),
		Subscribers: subs,
	})
	return true
}
