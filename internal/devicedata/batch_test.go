package devicedata

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"fleetwatch/internal/fleet"
)

type funcFetcher func(ctx context.Context, id, scope string, opts Options) fleet.State

func (f funcFetcher) FetchState(ctx context.Context, id, scope string, opts Options) fleet.State {
	return f(ctx, id, scope, opts)
}

func TestBatchKeepsInputOrder(t *testing.T) {
	c, up, _ := newTestClient(t)
	up.set(fleet.State{ID: "d2", Name: "Phone 2"})

	got := Batch{Fetcher: c}.Fetch(context.Background(), []string{"d2", "missing", "d1"}, "", Options{})
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Name != "Phone 2" || got[2].Name != "Phone 1" {
		t.Errorf("order = %q, %q", got[0].Name, got[2].Name)
	}
	if got[1].ID != "missing" || got[1].Name != fleet.OfflineName {
		t.Errorf("missing = %+v, want offline record", got[1])
	}
}

func TestBatchRecoversPanics(t *testing.T) {
	f := funcFetcher(func(_ context.Context, id, _ string, _ Options) fleet.State {
		if id == "bad" {
			panic("boom")
		}
		return fleet.State{ID: id}
	})
	got := Batch{Fetcher: f, Logger: testLogger()}.Fetch(context.Background(), []string{"a", "bad", "b"}, "", Options{})
	if got[1].Error == "" || got[2].ID != "b" {
		t.Errorf("got = %+v", got)
	}
}

func TestBatchLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	f := funcFetcher(func(_ context.Context, id, _ string, _ Options) fleet.State {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return fleet.State{ID: id}
	})
	ids := []string{"a", "b", "c", "d", "e", "f"}
	Batch{Fetcher: f, Limit: 2}.Fetch(context.Background(), ids, "", Options{})
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}
