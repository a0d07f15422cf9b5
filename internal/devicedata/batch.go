package devicedata

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"fleetwatch/internal/fleet"
)

// DefaultBatchLimit caps concurrent fetches in a batch.
const DefaultBatchLimit = 8

// Fetcher reads device states. *Client satisfies it.
type Fetcher interface {
	FetchState(ctx context.Context, id, scope string, opts Options) fleet.State
}

// Batch fetches many devices concurrently. One device's failure, including a
// panic in the fetcher, yields an offline record and never aborts the batch.
type Batch struct {
	Fetcher Fetcher
	Limit   int
	Logger  *slog.Logger
}

// Fetch returns the states of ids in input order.
func (b Batch) Fetch(ctx context.Context, ids []string, scope string, opts Options) []fleet.State {
	limit := b.Limit
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	results := make([]fleet.State, len(ids))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = b.fetchOne(ctx, id, scope, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (b Batch) fetchOne(ctx context.Context, id, scope string, opts Options) (s fleet.State) {
	defer func() {
		if r := recover(); r != nil {
			if b.Logger != nil {
				b.Logger.Error("fetch panic", "device", id, "panic", r)
			}
			s = fleet.Offline(id, nil)
		}
	}()
	return b.Fetcher.FetchState(ctx, id, scope, opts)
}
