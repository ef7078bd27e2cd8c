package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

var (
	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrRunNotFound is returned by RunStore.Get for unknown ids.
	ErrRunNotFound = errors.New("run not found")
)

// RunStore keeps run summaries for status queries.
type RunStore interface {
	Save(ctx context.Context, s Summary) error
	Get(ctx context.Context, runID string) (Summary, error)
}

// Runner serialises runs: at most one is active per process. Scheduled,
// API-triggered and command-line runs all go through it.
type Runner struct {
	orch   *Orchestrator
	runs   RunStore
	ids    tender.IDGenerator
	logger *zap.Logger

	base context.Context
	mu   sync.Mutex
	// active holds the id of the running run, "" when idle.
	active string
	wg     sync.WaitGroup
}

// NewRunner binds an orchestrator to a run store. base is the parent context
// of asynchronous runs; cancelling it interrupts them.
func NewRunner(base context.Context, orch *Orchestrator, runs RunStore, ids tender.IDGenerator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{orch: orch, runs: runs, ids: ids, logger: logger, base: base}
}

// Start launches a run in the background and returns its id.
func (r *Runner) Start(ctx context.Context, opts RunOptions) (string, error) {
	runID, err := r.claim(opts.RunID)
	if err != nil {
		return "", err
	}
	opts.RunID = runID
	if err := r.runs.Save(ctx, r.pending(opts)); err != nil {
		r.release()
		return "", fmt.Errorf("save run: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release()
		r.execute(r.base, opts)
	}()
	return runID, nil
}

// RunSync runs in the caller's goroutine and returns the summary.
func (r *Runner) RunSync(ctx context.Context, opts RunOptions) (Summary, error) {
	runID, err := r.claim(opts.RunID)
	if err != nil {
		return Summary{}, err
	}
	defer r.release()
	opts.RunID = runID
	if err := r.runs.Save(ctx, r.pending(opts)); err != nil {
		return Summary{}, fmt.Errorf("save run: %w", err)
	}
	return r.execute(ctx, opts), nil
}

// Get returns the stored summary of a run.
func (r *Runner) Get(ctx context.Context, runID string) (Summary, error) {
	return r.runs.Get(ctx, runID)
}

// Active returns the id of the running run, if any.
func (r *Runner) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.active != ""
}

// Wait blocks until background runs have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) claim(requested string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != "" {
		return "", ErrRunInProgress
	}
	runID := requested
	if runID == "" {
		id, err := r.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate run id: %w", err)
		}
		runID = id
	}
	r.active = runID
	return runID, nil
}

func (r *Runner) release() {
	r.mu.Lock()
	r.active = ""
	r.mu.Unlock()
}

func (r *Runner) pending(opts RunOptions) Summary {
	return Summary{
		RunID:     opts.RunID,
		Trigger:   opts.Trigger,
		Status:    StatusRunning,
		Stage:     StageIdle,
		StartedAt: r.orch.clock.Now().UTC(),
	}
}

// execute runs the orchestrator, recording stage transitions and the final
// summary in the run store.
func (r *Runner) execute(ctx context.Context, opts RunOptions) Summary {
	log := r.logger.With(zap.String("run_id", opts.RunID))
	current := r.pending(opts)
	saveCtx := context.WithoutCancel(ctx)
	opts.OnStage = func(s Stage) {
		current.Stage = s
		if err := r.runs.Save(saveCtx, current); err != nil {
			log.Warn("save run stage", zap.String("stage", string(s)), zap.Error(err))
		}
	}
	sum := r.orch.Run(ctx, opts)
	if err := r.runs.Save(saveCtx, sum); err != nil {
		log.Error("save run summary", zap.Error(err))
	}
	return sum
}
