package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockFiresInOrder(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var order []string
	clock.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	clock.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	clock.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, time.Unix(3, 0), clock.Now())
}

func TestHandleCancelIsIdempotent(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s := NewWithClock(clock)
	defer s.Stop()

	var runs int32
	h := s.After(time.Minute, FuncJob(func(ctx context.Context) { atomic.AddInt32(&runs, 1) }))

	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	// 回调与取消竞争时，回调内的检查仍然拦住任务
	require.Equal(t, 1, clock.FireStopped())
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
	assert.False(t, h.Fired())
}

func TestAfterRunsOnce(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s := NewWithClock(clock)
	defer s.Stop()

	var runs int32
	h := s.After(time.Second, FuncJob(func(ctx context.Context) { atomic.AddInt32(&runs, 1) }))
	clock.Advance(5 * time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.True(t, h.Fired())
	assert.False(t, h.Cancel())
}

func TestStoppedSchedulerSkipsJobs(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s := NewWithClock(clock)
	var runs int32
	s.After(time.Second, FuncJob(func(ctx context.Context) { atomic.AddInt32(&runs, 1) }))
	s.Stop()
	clock.Advance(time.Second)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
}

func TestCronAdd(t *testing.T) {
	cr := NewCron(time.UTC, nil)
	_, err := cr.Add("noop", "@every 1m", FuncJob(func(ctx context.Context) {}))
	require.NoError(t, err)
	assert.Len(t, cr.Entries(), 1)

	_, err = cr.Add("bad", "not a cron expr", FuncJob(func(ctx context.Context) {}))
	assert.Error(t, err)
}
