// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/StudioNirin/plexcache-r/internal/clock"
	"github.com/StudioNirin/plexcache-r/internal/runner"
)

type fakeTrigger struct {
	calls atomic.Int64
	err   error
}

func (f *fakeTrigger) Trigger(context.Context, bool) error {
	f.calls.Add(1)
	return f.err
}

// advanceUntil drives the mock clock in small steps until cond holds or
// the deadline passes. The scheduler registers its timer asynchronously,
// so a single big Advance can land before the After call.
func advanceUntil(t *testing.T, clk *clock.MockClock, step time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		clk.Advance(step)
		time.Sleep(time.Millisecond)
	}
}

func TestScheduler_TriggersOnTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	trig := &fakeTrigger{}
	s := NewScheduler(trig, func() time.Duration { return 100 * time.Millisecond }, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	advanceUntil(t, clk, 100*time.Millisecond, func() bool { return trig.calls.Load() >= 1 })

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_BusyTickIsSkippedNotFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	trig := &fakeTrigger{err: runner.ErrBusy}
	s := NewScheduler(trig, func() time.Duration { return 100 * time.Millisecond }, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	// The loop must survive busy answers and keep ticking.
	advanceUntil(t, clk, 100*time.Millisecond, func() bool { return trig.calls.Load() >= 2 })

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_StopsWithoutTriggering(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	trig := &fakeTrigger{}
	s := NewScheduler(trig, func() time.Duration { return time.Hour }, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Zero(t, trig.calls.Load())
}

func TestScheduler_JitterBounds(t *testing.T) {
	s := NewScheduler(&fakeTrigger{}, func() time.Duration { return time.Hour }, nil)
	for range 100 {
		d := s.jittered(time.Hour)
		assert.GreaterOrEqual(t, d, time.Hour)
		assert.LessOrEqual(t, d, time.Hour+6*time.Minute)
	}
	// Sub-second intervals pass through so MockClock tests stay exact.
	assert.Equal(t, 100*time.Millisecond, s.jittered(100*time.Millisecond))
}
