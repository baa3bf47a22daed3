// Package task runs the gateway's periodic background work on a shared,
// bounded worker pool. At most poolSize tasks execute at once, and each
// named task runs at most one instance at a time.
package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/sync/semaphore"

	blog "github.com/aws-greengrass/client-device-auth/log"
)

// Scheduler drives periodic tasks.
type Scheduler struct {
	pool *semaphore.Weighted
	clk  clock.Clock
	log  blog.Logger
	wg   sync.WaitGroup
}

// NewScheduler builds a scheduler with the given pool size. Sizes below 1
// are raised to 1.
func NewScheduler(poolSize int64, clk clock.Clock, logger blog.Logger) *Scheduler {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Scheduler{
		pool: semaphore.NewWeighted(poolSize),
		clk:  clk,
		log:  logger,
	}
}

// Periodic runs fn every interval until ctx is cancelled. A tick is
// skipped when the previous invocation of the same task is still running,
// or when the pool is saturated.
func (s *Scheduler) Periodic(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	var running atomic.Bool
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clk.After(interval):
			}
			if !running.CompareAndSwap(false, true) {
				s.log.Debugf("Skipping %s tick, previous run still in progress", name)
				continue
			}
			if !s.pool.TryAcquire(1) {
				s.log.Debugf("Skipping %s tick, worker pool saturated", name)
				running.Store(false)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.pool.Release(1)
				defer running.Store(false)
				fn(ctx)
			}()
		}
	}()
}

// Wait blocks until all task goroutines have exited. Callers cancel the
// context passed to Periodic first.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
