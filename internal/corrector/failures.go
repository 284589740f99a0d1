package corrector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mind-engage/nmcprep/internal/practice"
	syncx "github.com/mind-engage/nmcprep/internal/sync"
)

// Failure is a permanently failed batch kept for requeue.
type Failure struct {
	ID          string   `json:"id"`
	RunID       string   `json:"run_id"`
	BatchNumber int      `json:"batch_number"`
	QuestionIDs []string `json:"question_ids"`
	Reason      string   `json:"reason"`
	CreatedAt   int64    `json:"created_at"`
}

type FailureRecorder interface {
	RecordFailure(ctx context.Context, f Failure) error
}

// FailureLog stores failures in correction_failures and mirrors them to the event log.
type FailureLog struct {
	db     *sql.DB
	events syncx.Appender
	now    func() time.Time
}

func NewFailureLog(db *sql.DB, events syncx.Appender) *FailureLog {
	return &FailureLog{db: db, events: events, now: time.Now}
}

func (l *FailureLog) RecordFailure(ctx context.Context, f Failure) error {
	ids, err := json.Marshal(f.QuestionIDs)
	if err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, `INSERT INTO correction_failures
		(id, run_id, batch_number, question_ids_json, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		f.ID, f.RunID, f.BatchNumber, string(ids), f.Reason, f.CreatedAt); err != nil {
		return fmt.Errorf("insert correction failure: %w", err)
	}
	if l.events != nil {
		if err := l.events.Append(ctx, syncx.NewEvent(syncx.TypeCorrectionBatchFailed, f.RunID, f)); err != nil {
			log.Printf("corrector: event log: %v", err)
		}
	}
	return nil
}

// Pending lists failures that have not been requeued, oldest first.
func (l *FailureLog) Pending(ctx context.Context) ([]Failure, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, run_id, batch_number, question_ids_json, reason, created_at
		FROM correction_failures WHERE requeued_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Failure
	for rows.Next() {
		var f Failure
		var ids string
		if err := rows.Scan(&f.ID, &f.RunID, &f.BatchNumber, &ids, &f.Reason, &f.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &f.QuestionIDs); err != nil {
			return nil, fmt.Errorf("failure %s: %w", f.ID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (l *FailureLog) MarkRequeued(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE correction_failures SET requeued_at=$1 WHERE id=$2`, l.now().Unix(), id)
	return err
}

// QuestionSource loads the current state of questions by id.
type QuestionSource interface {
	GetQuestions(ctx context.Context, ids []string) ([]practice.Question, error)
}

// Requeue re-runs every pending failure. A failure is marked requeued only
// when its new run neither failed nor was cancelled.
func Requeue(ctx context.Context, c *Corrector, log *FailureLog, src QuestionSource) ([]Tally, error) {
	pending, err := log.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var tallies []Tally
	for _, f := range pending {
		qs, err := src.GetQuestions(ctx, f.QuestionIDs)
		if err != nil {
			return tallies, fmt.Errorf("load questions for failure %s: %w", f.ID, err)
		}
		t := c.Run(ctx, qs)
		tallies = append(tallies, t)
		if t.Cancelled {
			return tallies, ctx.Err()
		}
		if t.TotalFailed == 0 {
			if err := log.MarkRequeued(ctx, f.ID); err != nil {
				return tallies, err
			}
		}
	}
	return tallies, nil
}
