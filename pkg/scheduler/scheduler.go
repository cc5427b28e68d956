package scheduler

import (
	"context"
	"sync/atomic"
	"time"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

// Scheduler 延时任务调度，所有任务共享一个可整体停止的 ctx
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	clock  Clock
}

func New() *Scheduler { return NewWithClock(RealClock) }

func NewWithClock(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel, clock: clock}
}

func (s *Scheduler) Stop() { s.cancel() }

func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Handle 单次延时任务句柄，Cancel 幂等
type Handle struct {
	timer     Timer
	cancelled atomic.Bool
	fired     atomic.Bool
}

// Cancel 取消任务；已触发或已取消时为空操作
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	if h.cancelled.Swap(true) {
		return false
	}
	if h.timer != nil {
		return h.timer.Stop()
	}
	return false
}

func (h *Handle) Cancelled() bool { return h != nil && h.cancelled.Load() }

func (h *Handle) Fired() bool { return h != nil && h.fired.Load() }

// After 在 d 之后执行 job，返回可取消句柄
func (s *Scheduler) After(d time.Duration, job Job) *Handle {
	h := &Handle{}
	h.timer = s.clock.AfterFunc(d, func() {
		if s.ctx.Err() != nil || h.cancelled.Load() {
			return
		}
		h.fired.Store(true)
		job.Run(s.ctx)
	})
	return h
}
