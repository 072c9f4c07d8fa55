// Package dist describes the group of cooperating participants a pipeline
// runs in. Setting up a real multi-process group is left to the caller;
// LocalGroup runs ranks as goroutines in one process.
package dist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ProcessGroup is one participant's view of its group.
type ProcessGroup interface {
	Rank() int
	WorldSize() int
	// Barrier blocks until every participant has reached it.
	Barrier(ctx context.Context) error
}

// Shard identifies the slice of a sequence-parallel computation a rank owns.
type Shard struct {
	Rank      int
	WorldSize int
}

func ShardOf(g ProcessGroup) Shard {
	return Shard{Rank: g.Rank(), WorldSize: g.WorldSize()}
}

type single struct{}

func (single) Rank() int                     { return 0 }
func (single) WorldSize() int                { return 1 }
func (single) Barrier(context.Context) error { return nil }

// Single is the trivial group of one.
func Single() ProcessGroup { return single{} }

var ErrBarrierBroken = errors.New("barrier broken by a cancelled participant")

type barrier struct {
	mu      sync.Mutex
	n       int
	waiting int
	release chan struct{}
	broken  bool
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		return ErrBarrierBroken
	}

	ch := b.release
	b.waiting++
	if b.waiting == b.n {
		close(ch)
		b.release = make(chan struct{})
		b.waiting = 0
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.broken = true
		b.mu.Unlock()
		return ctx.Err()
	}
}

// LocalGroup is an in-process group whose ranks share a reusable barrier.
type LocalGroup struct {
	rank    int
	size    int
	barrier *barrier
}

// NewLocalGroup returns the n members of a new in-process group.
func NewLocalGroup(n int) []ProcessGroup {
	b := &barrier{n: n, release: make(chan struct{})}
	groups := make([]ProcessGroup, n)
	for i := range groups {
		groups[i] = &LocalGroup{rank: i, size: n, barrier: b}
	}
	return groups
}

func (g *LocalGroup) Rank() int      { return g.rank }
func (g *LocalGroup) WorldSize() int { return g.size }

func (g *LocalGroup) Barrier(ctx context.Context) error {
	return g.barrier.wait(ctx)
}

// Run calls fn once per member concurrently and returns the first error.
// A failing rank cancels the shared context so peers blocked in a barrier
// are released.
func Run(ctx context.Context, groups []ProcessGroup, fn func(context.Context, ProcessGroup) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, pg := range groups {
		g.Go(func() error {
			if err := fn(ctx, pg); err != nil {
				slog.Error("rank failed", "rank", pg.Rank(), "error", err)
				return fmt.Errorf("rank %d: %w", pg.Rank(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
