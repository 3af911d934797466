package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"tradegate/internal/logger"
)

// Scheduler runs a task every Interval until its context is done. With Align
// set, runs land on wall-clock multiples of Interval plus Offset.
type Scheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	Align          bool
	RunImmediately bool

	nowFn func() time.Time
}

func New(name string, interval time.Duration) *Scheduler {
	return &Scheduler{Name: name, Interval: interval, nowFn: time.Now}
}

func (s *Scheduler) prefix() string {
	if s.Name == "" {
		return "Scheduler"
	}
	return "Scheduler[" + s.Name + "]"
}

// Run blocks until ctx is cancelled. A panicking task is logged and the loop
// carries on with the next run.
func (s *Scheduler) Run(ctx context.Context, task func(context.Context)) {
	if s == nil || task == nil {
		return
	}
	prefix := s.prefix()
	if s.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", prefix, s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("%s: negative offset=%s, clamp to 0", prefix, s.Offset)
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	startAt := s.nowFn().UTC()
	logger.Infof("%s: started interval=%s align=%v offset=%s run_immediately=%v at=%s",
		prefix, s.Interval, s.Align, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		s.safeRun(ctx, task)
	}
	for {
		wait := s.nextWait(s.nowFn().UTC())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("%s: ctx done after %s, exit", prefix, s.nowFn().UTC().Sub(startAt).Truncate(time.Second))
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		s.safeRun(ctx, task)
	}
}

func (s *Scheduler) nextWait(now time.Time) time.Duration {
	if !s.Align {
		return s.Interval
	}
	wakeAt := now.Truncate(s.Interval).Add(s.Interval).Add(s.Offset)
	wait := wakeAt.Sub(now)
	if wait <= 0 {
		wait += s.Interval
	}
	return wait
}

func (s *Scheduler) safeRun(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("%s: task panic: %v\n%s", s.prefix(), r, debug.Stack())
		}
	}()
	task(ctx)
}
