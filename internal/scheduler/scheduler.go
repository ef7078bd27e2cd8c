// Package scheduler fires ingestion runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/ingest"
)

// Runner executes one run to completion.
type Runner interface {
	RunSync(ctx context.Context, opts ingest.RunOptions) (ingest.Summary, error)
}

// Scheduler owns a cron instance with a single ingestion entry.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *zap.Logger
	ctx    context.Context
}

// New parses schedule (standard five-field cron syntax or a descriptor such as
// "@every 6h") and registers the ingestion job. A fire that lands while the
// previous one is still running is skipped.
func New(ctx context.Context, schedule string, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.VerbosePrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		runner: runner,
		logger: logger,
		ctx:    ctx,
	}
	if _, err := s.cron.AddFunc(schedule, s.fire); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) fire() {
	if s.ctx.Err() != nil {
		return
	}
	sum, err := s.runner.RunSync(s.ctx, ingest.RunOptions{Trigger: ingest.TriggerSchedule})
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		s.logger.Info("scheduled run skipped, another run is active")
	case err != nil:
		s.logger.Error("scheduled run failed", zap.Error(err))
	default:
		s.logger.Info("scheduled run finished",
			zap.String("run_id", sum.RunID),
			zap.String("status", string(sum.Status)),
		)
	}
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts future fires and blocks until an in-flight run returns or ctx
// ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled run: %w", ctx.Err())
	}
}

// Next reports the next planned fire time.
func (s *Scheduler) Next() (next time.Time) {
	if entries := s.cron.Entries(); len(entries) > 0 {
		next = entries[0].Next
	}
	return next
}
