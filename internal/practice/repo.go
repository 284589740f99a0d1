package practice

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("question was modified concurrently")
	ErrEnded    = errors.New("session already ended")
)

type Filter struct {
	Category string   // stored category; empty means any
	Topics   []string // any of; empty means any
	Limit    int
}

type ListOpts struct {
	UserID string
	Status string // optional: in_progress|ended
	Limit  int
	Offset int
}

type Store interface {
	RandomQuestions(ctx context.Context, f Filter) ([]Question, error)
	CountQuestions(ctx context.Context, f Filter) (int, error)
	GetQuestions(ctx context.Context, ids []string) ([]Question, error)
	ListUnedited(ctx context.Context, f Filter) ([]Question, error)
	InsertQuestions(ctx context.Context, qs []Question) error

	// ApplyCorrections writes all corrections in one transaction. Unchanged
	// rows are skipped and rows whose version moved are counted as conflicts.
	ApplyCorrections(ctx context.Context, cs []Correction) (ApplyResult, error)
	// UpdateExplanation is the single-question variant; a version mismatch is ErrConflict.
	UpdateExplanation(ctx context.Context, c Correction) (Question, error)

	CreateSession(ctx context.Context, s Session, items []SessionQuestion) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, opts ListOpts) ([]Session, error)
	SessionItems(ctx context.Context, sessionID string) ([]Item, error)
	SaveSessionAnswers(ctx context.Context, sessionID string, rows []SessionQuestion) error
	FinishSession(ctx context.Context, sessionID string, score int, endedAt int64) error
}
