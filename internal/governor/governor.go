package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrOverloaded = errors.New("no execution slot available")

// Governor enforces the global ceiling on concurrently running sandboxes
// and hands out the per-execution limits.
type Governor struct {
	limits   Limits
	slotWait time.Duration
	sem      chan struct{}
	active   atomic.Int64
}

// New creates a governor with maxConcurrent slots. Acquire waits at most
// slotWait for a slot before reporting ErrOverloaded.
func New(limits Limits, maxConcurrent int, slotWait time.Duration) (*Governor, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if maxConcurrent < 1 {
		return nil, fmt.Errorf("%w: max_concurrent must be >= 1, got %d", ErrInvalidLimits, maxConcurrent)
	}
	if slotWait < 0 {
		slotWait = 0
	}
	return &Governor{
		limits:   limits,
		slotWait: slotWait,
		sem:      make(chan struct{}, maxConcurrent),
	}, nil
}

// Limits returns the limits every execution runs under.
func (g *Governor) Limits() Limits { return g.limits }

// Acquire reserves an execution slot. The returned release func is safe to
// call more than once and must be called on every exit path.
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.sem <- struct{}{}:
		return g.hold(), nil
	default:
	}

	if g.slotWait == 0 {
		return nil, ErrOverloaded
	}

	timer := time.NewTimer(g.slotWait)
	defer timer.Stop()

	select {
	case g.sem <- struct{}{}:
		return g.hold(), nil
	case <-timer.C:
		return nil, ErrOverloaded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Governor) hold() func() {
	g.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.active.Add(-1)
			<-g.sem
		})
	}
}

// Active returns the number of executions currently holding a slot.
func (g *Governor) Active() int64 {
	return g.active.Load()
}

// Capacity returns the configured concurrency ceiling.
func (g *Governor) Capacity() int {
	return cap(g.sem)
}
