package workpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultSize         = 5
	DefaultDrainTimeout = 5 * time.Minute
)

// DrainTimeoutError means workers were still running when Wait gave up.
type DrainTimeoutError struct {
	Pool     string
	InFlight int
	Timeout  time.Duration
}

func (e *DrainTimeoutError) Error() string {
	if e == nil {
		return "drain timeout"
	}
	return fmt.Sprintf("timeout after %s waiting for %d %s workers to finish", e.Timeout, e.InFlight, e.Pool)
}

// PanicError carries a recovered worker panic.
type PanicError struct {
	Pool  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s worker panicked: %v", e.Pool, e.Value)
}

// Pool runs at most Size functions at once.
type Pool struct {
	name string
	size int64
	sem  *semaphore.Weighted
	wg   sync.WaitGroup

	active atomic.Int64
	peak   atomic.Int64

	// OnPanic receives recovered worker panics. Nil drops them.
	OnPanic func(*PanicError)
}

// New returns a pool named for logs and errors. Sizes below one use DefaultSize.
func New(name string, size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{name: name, size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Size() int {
	return int(p.size)
}

// Go blocks until a slot is free, then runs fn in its own goroutine. It
// returns ctx.Err() without running fn when ctx ends first.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	p.markStart()

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil && p.OnPanic != nil {
				p.OnPanic(&PanicError{Pool: p.name, Value: recovered})
			}
			p.active.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// Wait joins every dispatched worker or returns a DrainTimeoutError once
// timeout elapses.
func (p *Pool) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return &DrainTimeoutError{Pool: p.name, InFlight: p.Active(), Timeout: timeout}
	}
}

// Active returns the number of running workers.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Peak returns the highest Active value observed.
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}

func (p *Pool) markStart() {
	current := p.active.Add(1)
	for {
		seen := p.peak.Load()
		if current <= seen || p.peak.CompareAndSwap(seen, current) {
			return
		}
	}
}
