package corrector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/nmcprep/internal/practice"
)

const (
	DefaultBatchSize   = 10
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 15 * time.Second
)

// Generator returns the raw JSON array of corrections for a batch.
type Generator interface {
	CorrectBatch(ctx context.Context, qs []practice.Question) (string, error)
}

// Writer persists a validated batch atomically.
type Writer interface {
	ApplyCorrections(ctx context.Context, cs []practice.Correction) (practice.ApplyResult, error)
}

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomePermanentFailure
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomePermanentFailure:
		return "permanent_failure"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is the terminal result of one batch.
type Outcome struct {
	Kind     OutcomeKind
	Reason   string // set for permanent failures
	Attempts int
	Applied  practice.ApplyResult
}

type batchState int

const (
	statePending batchState = iota
	stateValidating
	stateBatchFailed
)

// Tally summarises a run. It is informational only.
type Tally struct {
	RunID          string   `json:"run_id"`
	TotalProcessed int      `json:"total_processed"`
	TotalSucceeded int      `json:"total_succeeded"`
	TotalFailed    int      `json:"total_failed"`
	Conflicts      int      `json:"conflicts"`
	Cancelled      bool     `json:"cancelled"`
	Errors         []string `json:"errors,omitempty"`
}

type Corrector struct {
	gen      Generator
	store    Writer
	failures FailureRecorder

	batchSize   int
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

type Option func(*Corrector)

func WithBatchSize(n int) Option {
	return func(c *Corrector) {
		if n > 0 {
			c.batchSize = n
		}
	}
}
func WithMaxAttempts(n int) Option {
	return func(c *Corrector) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}
func WithBaseDelay(d time.Duration) Option { return func(c *Corrector) { c.baseDelay = d } }

// WithSleep replaces the interruptible backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Corrector) { c.sleep = fn }
}
func WithClock(now func() time.Time) Option { return func(c *Corrector) { c.now = now } }

// WithFailureRecorder persists permanently failed batches for requeue.
func WithFailureRecorder(r FailureRecorder) Option { return func(c *Corrector) { c.failures = r } }

func New(gen Generator, store Writer, opts ...Option) *Corrector {
	c := &Corrector{
		gen:         gen,
		store:       store,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		sleep:       sleepCtx,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay is the wait before attempt n+1: base * 2^(n-1).
func (c *Corrector) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return c.baseDelay << (n - 1)
}

// Run re-verifies every unedited question, one batch at a time. A batch that
// fails permanently is recorded and skipped; cancellation stops the run.
func (c *Corrector) Run(ctx context.Context, qs []practice.Question) Tally {
	t := Tally{RunID: uuid.NewString()}

	var pending []practice.Question
	for _, q := range qs {
		if !q.IsEdited {
			pending = append(pending, q)
		}
	}
	if len(pending) == 0 {
		return t
	}
	batches := partition(pending, c.batchSize)
	log.Printf("corrector: run %s: %d questions in %d batches", t.RunID, len(pending), len(batches))

	for i, b := range batches {
		num := i + 1
		if ctx.Err() != nil {
			t.Cancelled = true
			break
		}
		out := c.runBatch(ctx, num, len(batches), b)
		switch out.Kind {
		case OutcomeSuccess:
			t.TotalProcessed += len(b)
			t.TotalSucceeded += len(b)
			t.Conflicts += out.Applied.Conflicts
		case OutcomePermanentFailure:
			t.TotalProcessed += len(b)
			t.TotalFailed += len(b)
			msg := fmt.Sprintf("batch %d failed permanently: %s", num, out.Reason)
			t.Errors = append(t.Errors, msg)
			log.Printf("corrector: run %s: %s", t.RunID, msg)
			c.recordFailure(t.RunID, num, b, out.Reason)
		case OutcomeCancelled:
			t.Cancelled = true
		}
		if t.Cancelled {
			break
		}
	}
	log.Printf("corrector: run %s finished: %d succeeded, %d failed of %d (cancelled=%v)",
		t.RunID, t.TotalSucceeded, t.TotalFailed, len(pending), t.Cancelled)
	return t
}

// runBatch drives one batch through pending -> validating -> success, or
// batch-failed -> pending again after backoff, until attempts run out.
func (c *Corrector) runBatch(ctx context.Context, num, total int, batch []practice.Question) Outcome {
	state := statePending
	attempt := 0
	var raw string
	var lastErr error
	for {
		switch state {
		case statePending:
			if ctx.Err() != nil {
				return Outcome{Kind: OutcomeCancelled, Attempts: attempt}
			}
			attempt++
			log.Printf("corrector: batch %d/%d attempt %d/%d", num, total, attempt, c.maxAttempts)
			var err error
			raw, err = c.gen.CorrectBatch(ctx, batch)
			if ctx.Err() != nil {
				// late result of a cancelled run is discarded
				return Outcome{Kind: OutcomeCancelled, Attempts: attempt}
			}
			if err != nil {
				lastErr = err
				state = stateBatchFailed
				continue
			}
			state = stateValidating

		case stateValidating:
			cs, err := parseBatch(raw, batch)
			if err != nil {
				lastErr = err
				state = stateBatchFailed
				continue
			}
			if ctx.Err() != nil {
				return Outcome{Kind: OutcomeCancelled, Attempts: attempt}
			}
			res, err := c.store.ApplyCorrections(ctx, cs)
			if err != nil {
				lastErr = fmt.Errorf("write back: %w", err)
				state = stateBatchFailed
				continue
			}
			return Outcome{Kind: OutcomeSuccess, Attempts: attempt, Applied: res}

		case stateBatchFailed:
			log.Printf("corrector: batch %d/%d attempt %d failed: %v", num, total, attempt, lastErr)
			if attempt >= c.maxAttempts {
				return Outcome{Kind: OutcomePermanentFailure, Reason: lastErr.Error(), Attempts: attempt}
			}
			if err := c.sleep(ctx, c.Delay(attempt)); err != nil {
				return Outcome{Kind: OutcomeCancelled, Attempts: attempt}
			}
			state = statePending
		}
	}
}

func (c *Corrector) recordFailure(runID string, num int, batch []practice.Question, reason string) {
	if c.failures == nil {
		return
	}
	ids := make([]string, len(batch))
	for i, q := range batch {
		ids[i] = q.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := Failure{ID: uuid.NewString(), RunID: runID, BatchNumber: num, QuestionIDs: ids, Reason: reason, CreatedAt: c.now().Unix()}
	if err := c.failures.RecordFailure(ctx, f); err != nil {
		log.Printf("corrector: record failure for batch %d: %v", num, err)
	}
}

func partition(qs []practice.Question, size int) [][]practice.Question {
	var out [][]practice.Question
	for start := 0; start < len(qs); start += size {
		end := min(start+size, len(qs))
		out = append(out, qs[start:end])
	}
	return out
}
