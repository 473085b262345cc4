package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job runs fn on a fixed interval. A run that is still in progress when the
// next tick fires causes that tick to be skipped.
type Job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	logger   logrus.FieldLogger

	mu        sync.Mutex
	isRunning bool
}

func NewJob(name string, interval time.Duration, fn func(ctx context.Context), logger logrus.FieldLogger) *Job {
	return &Job{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.WithField("job", name),
	}
}

// Start runs the job once immediately and then on every tick until ctx is
// cancelled. wg is released when the loop exits.
func (j *Job) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		j.logger.WithField("interval", j.interval.String()).Info("Job started")
		j.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				j.logger.Info("Job stopped")
				return
			case <-ticker.C:
				j.tick(ctx)
			}
		}
	}()
}

func (j *Job) tick(ctx context.Context) {
	j.mu.Lock()
	if j.isRunning {
		j.mu.Unlock()
		j.logger.Warn("Previous run still in progress, skipping tick")
		return
	}
	j.isRunning = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.isRunning = false
		j.mu.Unlock()
	}()
	j.fn(ctx)
}
