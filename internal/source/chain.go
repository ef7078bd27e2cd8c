package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// Attempt records one method invocation inside a chain run.
type Attempt struct {
	Method   tender.Method `json:"method"`
	Records  int           `json:"records"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Result is the outcome of a chain run. Err is non-nil only when every
// method failed (or the run was cancelled first); Records is then empty.
type Result struct {
	SourceID       tender.SourceID
	Records        []tender.RawRecord
	ServedBy       tender.Method
	ConfirmedEmpty bool
	Attempts       []Attempt
	Err            error
}

// Failed reports whether no method served the request.
func (r Result) Failed() bool {
	return r.Err != nil
}

// MethodFailure is one entry of a ChainError.
type MethodFailure struct {
	Method tender.Method
	Err    error
}

// ChainError aggregates the failure of every attempted method.
type ChainError struct {
	SourceID tender.SourceID
	Failures []MethodFailure
	// Interrupted is set when the run context ended before all methods were tried.
	Interrupted error
}

func (e *ChainError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: all acquisition methods failed", e.SourceID)
	if len(e.Failures) == 0 {
		b.WriteString(" (no methods configured)")
	}
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", f.Method, f.Err)
	}
	if e.Interrupted != nil {
		fmt.Fprintf(&b, "; interrupted: %v", e.Interrupted)
	}
	return b.String()
}

// Unwrap exposes the individual method errors to errors.Is and errors.As.
func (e *ChainError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	if e.Interrupted != nil {
		errs = append(errs, e.Interrupted)
	}
	return errs
}

// Chain runs a connector's methods sequentially in declared order until one succeeds.
type Chain struct {
	source  tender.SourceID
	methods []Method
	timeout time.Duration
	logger  *zap.Logger
}

// NewChain builds a chain. A zero timeout leaves each call bounded only by the run context.
func NewChain(source tender.SourceID, timeout time.Duration, logger *zap.Logger, methods ...Method) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		source:  source,
		methods: methods,
		timeout: timeout,
		logger:  logger.With(zap.String("source", string(source))),
	}
}

// Methods lists the chain's method names in priority order.
func (c *Chain) Methods() []tender.Method {
	names := make([]tender.Method, 0, len(c.methods))
	for _, m := range c.methods {
		names = append(names, m.Name())
	}
	return names
}

// Run executes the chain. It never panics and never returns a partial batch
// from a failed method.
func (c *Chain) Run(ctx context.Context, req Request) Result {
	result := Result{SourceID: c.source}
	chainErr := &ChainError{SourceID: c.source}

	for _, method := range c.methods {
		if err := ctx.Err(); err != nil {
			chainErr.Interrupted = err
			break
		}
		start := time.Now()
		batch, err := c.attempt(ctx, method, req)
		attempt := Attempt{Method: method.Name(), Duration: time.Since(start), Err: err}

		if err == nil && len(batch.Records) == 0 && !batch.ConfirmedEmpty {
			err = ErrNoRecords
			attempt.Err = err
		}
		if err != nil {
			result.Attempts = append(result.Attempts, attempt)
			chainErr.Failures = append(chainErr.Failures, MethodFailure{Method: method.Name(), Err: err})
			c.logger.Warn("acquisition method failed",
				zap.String("method", string(method.Name())),
				zap.Duration("duration", attempt.Duration),
				zap.Error(err),
			)
			continue
		}

		records := c.stamp(batch.Records, method.Name(), req.Limit)
		attempt.Records = len(records)
		result.Attempts = append(result.Attempts, attempt)
		result.Records = records
		result.ServedBy = method.Name()
		result.ConfirmedEmpty = len(records) == 0
		c.logger.Info("acquisition method served request",
			zap.String("method", string(method.Name())),
			zap.Int("records", len(records)),
			zap.Int("attempts", len(result.Attempts)),
		)
		return result
	}

	result.Err = chainErr
	return result
}

func (c *Chain) attempt(ctx context.Context, method Method, req Request) (batch Batch, err error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			batch = Batch{}
			err = fmt.Errorf("method %s panicked: %v", method.Name(), r)
		}
	}()
	batch, err = method.Fetch(callCtx, req)
	if err == nil && callCtx.Err() != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		// Results that arrive after the per-call deadline are treated as a timeout.
		return Batch{}, fmt.Errorf("method %s: %w", method.Name(), callCtx.Err())
	}
	return batch, err
}

func (c *Chain) stamp(records []tender.RawRecord, method tender.Method, limit int) []tender.RawRecord {
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	out := make([]tender.RawRecord, len(records))
	for i, rec := range records {
		rec.SourceID = c.source
		rec.Method = method
		out[i] = rec
	}
	return out
}
