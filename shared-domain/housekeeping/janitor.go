// Package housekeeping prunes published outbox rows and old inbox records on
// a cron schedule.
package housekeeping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/robfig/cron"
)

// PruneFunc deletes rows older than cutoff and reports how many went.
type PruneFunc func(ctx context.Context, cutoff time.Time) (int64, error)

type task struct {
	name  string
	prune PruneFunc
}

type Janitor struct {
	schedule  string
	retention time.Duration
	log       *logger.Logger
	now       func() time.Time

	mu    sync.Mutex
	tasks []task
}

func NewJanitor(schedule string, retention time.Duration, log *logger.Logger) *Janitor {
	if schedule == "" {
		schedule = "@daily"
	}
	return &Janitor{
		schedule:  schedule,
		retention: retention,
		log:       log.With("component", "janitor"),
		now:       time.Now,
	}
}

func (j *Janitor) Add(name string, fn PruneFunc) *Janitor {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tasks = append(j.tasks, task{name: name, prune: fn})
	return j
}

// RunOnce runs every task with the same cutoff. A failing task does not stop
// the others; the first error is returned.
func (j *Janitor) RunOnce(ctx context.Context) error {
	j.mu.Lock()
	tasks := append([]task(nil), j.tasks...)
	j.mu.Unlock()

	cutoff := j.now().Add(-j.retention)
	var firstErr error
	for _, t := range tasks {
		n, err := t.prune(ctx, cutoff)
		if err != nil {
			j.log.Error("retention cleanup failed", "task", t.name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", t.name, err)
			}
			continue
		}
		j.log.Info("retention cleanup", "task", t.name, "deleted", n, "cutoff", cutoff)
	}
	return firstErr
}

// Run schedules RunOnce and blocks until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New()
	if err := c.AddFunc(j.schedule, func() { _ = j.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.log.Info("janitor started", "schedule", j.schedule, "retention", j.retention)
	<-ctx.Done()
	c.Stop()
	return nil
}
