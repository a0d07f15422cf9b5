// Package devicedata fetches device states from the upstream API behind a
// two-level cache. Fetches never fail: upstream errors become offline records.
package devicedata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleetwatch/internal/fleet"
)

// Default cache lifetimes. The in-process cache outlives the scoped side cache.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultSideTTL = 2 * time.Minute
)

// Options tunes a single fetch.
type Options struct {
	// BypassCache skips both cache reads. Results are still written back.
	BypassCache bool
}

// Config holds client settings.
type Config struct {
	TTL     time.Duration
	SideTTL time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSideCache enables the scoped side cache.
func WithSideCache(sc SideCache) ClientOption {
	return func(c *Client) {
		c.side = sc
	}
}

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// Client is the single entry point for reading device states.
type Client struct {
	upstream Upstream
	side     SideCache
	mem      *memCache
	sideTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewClient creates a device data client.
func NewClient(up Upstream, cfg Config, logger *slog.Logger, opts ...ClientOption) *Client {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SideTTL <= 0 {
		cfg.SideTTL = DefaultSideTTL
	}
	c := &Client{
		upstream: up,
		sideTTL:  cfg.SideTTL,
		now:      time.Now,
		logger:   logger.With("component", "devicedata"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mem = newMemCache(cfg.TTL, c.now)
	return c
}

// FetchState returns the state of device id. scope keys the side cache and
// may be empty, in which case the side cache is not used.
func (c *Client) FetchState(ctx context.Context, id, scope string, opts Options) fleet.State {
	if !opts.BypassCache {
		if s, ok := c.mem.get(id); ok {
			return s
		}
		if s, ok := c.sideGet(ctx, scope, id); ok {
			c.mem.set(id, s)
			return s
		}
	}

	s, err := c.fetch(ctx, id)
	if err != nil {
		c.logger.Debug("device fetch failed", "id", id, "err", err)
		return fleet.Offline(id, err)
	}
	c.mem.set(id, s)
	c.sideSet(ctx, scope, id, s)
	return s
}

// Invalidate drops id from the in-process cache.
func (c *Client) Invalidate(id string) {
	c.mem.delete(id)
}

func (c *Client) fetch(ctx context.Context, id string) (s fleet.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upstream panic: %v", r)
		}
	}()
	st, err := c.upstream.GetDevice(ctx, id)
	if err != nil {
		return fleet.State{}, err
	}
	if st == nil {
		return fleet.State{}, fmt.Errorf("device %s: empty response", id)
	}
	s = *st
	if s.ID == "" {
		s.ID = id
	}
	return s, nil
}

func (c *Client) sideGet(ctx context.Context, scope, id string) (fleet.State, bool) {
	if c.side == nil || scope == "" {
		return fleet.State{}, false
	}
	s, ok, err := c.side.Get(ctx, scope, id)
	if err != nil {
		c.logger.Warn("side cache read", "id", id, "err", err)
		return fleet.State{}, false
	}
	return s, ok
}

func (c *Client) sideSet(ctx context.Context, scope, id string, s fleet.State) {
	if c.side == nil || scope == "" {
		return
	}
	if err := c.side.Set(ctx, scope, id, s, c.sideTTL); err != nil {
		c.logger.Warn("side cache write", "id", id, "err", err)
	}
}
