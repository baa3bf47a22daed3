package task

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	blog "github.com/aws-greengrass/client-device-auth/log"
)

func TestPeriodicRunsOnTick(t *testing.T) {
	fc := clock.NewFake()
	sched := NewScheduler(1, fc, blog.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan struct{}, 10)
	sched.Periodic(ctx, "test-task", time.Hour, func(context.Context) {
		ticks <- struct{}{}
	})

	// Let the task goroutine register its timer before advancing.
	time.Sleep(50 * time.Millisecond)
	fc.Add(time.Hour + time.Minute)

	select {
	case <-ticks:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run after the interval elapsed")
	}

	cancel()
	sched.Wait()
}

func TestPeriodicStopsOnCancel(t *testing.T) {
	fc := clock.NewFake()
	sched := NewScheduler(1, fc, blog.NewMock())
	ctx, cancel := context.WithCancel(context.Background())

	ticks := make(chan struct{}, 10)
	sched.Periodic(ctx, "test-task", time.Hour, func(context.Context) {
		ticks <- struct{}{}
	})

	cancel()
	sched.Wait()

	select {
	case <-ticks:
		t.Fatal("task ran after cancellation")
	default:
	}
}

func TestPoolSizeFloor(t *testing.T) {
	sched := NewScheduler(0, clock.NewFake(), blog.NewMock())
	if sched.pool == nil {
		t.Fatal("pool not initialized")
	}
	if !sched.pool.TryAcquire(1) {
		t.Fatal("pool size 0 should be raised to 1")
	}
}
