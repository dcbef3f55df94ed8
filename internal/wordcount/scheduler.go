package wordcount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the refresher on a cron schedule (UTC).
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewScheduler registers r under the standard five-field cron expression
// spec.
func NewScheduler(r *Refresher, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(spec, func() {
		logger.Info("scheduled refresh started")
		if _, err := r.Run(ctx); errors.Is(err, ErrRefreshRunning) {
			logger.Warn("scheduled refresh skipped: previous run still in progress")
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, logger: logger, cancel: cancel}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits up to ctx for a running job to finish.
// A job still running when ctx ends is cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	defer s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduled refresh still running at shutdown, cancelling")
	}
}

// Next returns the next activation time, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
