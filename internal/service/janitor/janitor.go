// Package janitor runs the time-driven cleanups on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"tdmx_relay/internal/utils/log"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

type (
	// Task is one cleanup. It returns how many items it dealt with.
	Task struct {
		Name string
		Run  func(ctx context.Context) (int64, error)
	}

	Janitor struct {
		schedule string
		tasks    []Task
		now      func() time.Time
	}
)

func NewJanitor(schedule string, now func() time.Time, tasks ...Task) (*Janitor, error) {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	if now == nil {
		now = time.Now
	}
	return &Janitor{
		schedule: schedule,
		tasks:    tasks,
		now:      now,
	}, nil
}

// RunOnce runs every task in order. A failing task does not stop the
// others; the first error is returned.
func (j *Janitor) RunOnce(ctx context.Context) error {
	var firstErr error
	for _, t := range j.tasks {
		n, err := t.Run(ctx)
		if err != nil {
			log.Warn("cleanup failed", zap.String("task", t.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", t.Name, err)
			}
			continue
		}
		if n > 0 {
			log.Info("cleanup done", zap.String("task", t.Name), zap.Int64("count", n))
		}
	}
	return firstErr
}

// Run fires RunOnce at every tick of the schedule until ctx ends.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(j.schedule, j.now(), false)
		if err != nil {
			return fmt.Errorf("next sweep: %w", err)
		}

		timer := time.NewTimer(next.Sub(j.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		_ = j.RunOnce(ctx)
	}
}

// Every is a convenience for tasks that cannot fail.
func Every(name string, fn func(ctx context.Context) int) Task {
	return Task{
		Name: name,
		Run: func(ctx context.Context) (int64, error) {
			return int64(fn(ctx)), nil
		},
	}
}
