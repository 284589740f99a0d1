// Package review replays completed sessions and regenerates explanations on demand.
package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mind-engage/nmcprep/internal/genai"
	"github.com/mind-engage/nmcprep/internal/grading"
	"github.com/mind-engage/nmcprep/internal/practice"
	syncx "github.com/mind-engage/nmcprep/internal/sync"
)

var (
	ErrNotCompleted = errors.New("session has not been submitted")
	ErrBadVerdict   = errors.New("generator verdict unusable")
)

type Explainer interface {
	Explain(ctx context.Context, q practice.Question) (genai.Correction, error)
}

type Names interface {
	FirstName(ctx context.Context, userID string) string
}

type Service struct {
	store  practice.Store
	gen    Explainer
	names  Names
	events syncx.Appender
}

func NewService(store practice.Store, gen Explainer, names Names, events syncx.Appender) *Service {
	return &Service{store: store, gen: gen, names: names, events: events}
}

type Item struct {
	Position      int               `json:"position"`
	Question      practice.Question `json:"question"`
	CorrectLetter string            `json:"correct_letter"` // as graded
	AnswerLetter  *string           `json:"user_answer_letter"`
	IsCorrect     bool              `json:"is_correct"`
	// Corrected is set when the stored answer changed after grading.
	Corrected bool `json:"corrected"`
}

type Review struct {
	Session practice.Session `json:"session"`
	Items   []Item           `json:"items"`
	Score   int              `json:"score"`
	Total   int              `json:"total"`
	Percent int              `json:"percent"`
	Message string           `json:"message"`
}

// Load returns a submitted session with per-question correctness.
func (s *Service) Load(ctx context.Context, sessionID string) (Review, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Review{}, err
	}
	if sess.EndedAt == nil {
		return Review{}, ErrNotCompleted
	}
	rows, err := s.store.SessionItems(ctx, sessionID)
	if err != nil {
		return Review{}, fmt.Errorf("load session items: %w", err)
	}
	rv := Review{Session: sess, Total: len(rows), Items: make([]Item, 0, len(rows))}
	for _, r := range rows {
		it := Item{
			Position:      r.Position,
			Question:      r.Question,
			CorrectLetter: r.CorrectLetter,
			AnswerLetter:  r.AnswerLetter,
			IsCorrect:     r.IsCorrect != nil && *r.IsCorrect,
			Corrected:     r.Question.CorrectLetter != r.CorrectLetter,
		}
		if it.IsCorrect {
			rv.Score++
		}
		rv.Items = append(rv.Items, it)
	}
	if sess.Score != nil {
		rv.Score = *sess.Score
	}
	rv.Percent = grading.Outcome{Score: rv.Score, Total: rv.Total}.Percent()
	first := ""
	if s.names != nil {
		first = s.names.FirstName(ctx, sess.UserID)
	}
	rv.Message = grading.Message(rv.Percent, first)
	return rv, nil
}

// Regenerate asks the generator to judge questionID again and stores the
// result. version is the question version the caller saw; 0 skips the
// check. A concurrent writer yields practice.ErrConflict.
func (s *Service) Regenerate(ctx context.Context, questionID string, version int) (practice.Question, error) {
	qs, err := s.store.GetQuestions(ctx, []string{questionID})
	if err != nil {
		return practice.Question{}, err
	}
	if len(qs) == 0 {
		return practice.Question{}, fmt.Errorf("question %s: %w", questionID, practice.ErrNotFound)
	}
	q := qs[0]
	if version != 0 && version != q.Version {
		return practice.Question{}, practice.ErrConflict
	}

	verdict, err := s.gen.Explain(ctx, q)
	if err != nil {
		return practice.Question{}, fmt.Errorf("explain %s: %w", questionID, err)
	}
	letter := q.CorrectLetter
	if !verdict.IsAnswerCorrect {
		letter = practice.NormalizeLetter(verdict.CorrectAnswerLetter)
	}
	if idx, ok := practice.IndexForLetter(letter); !ok || idx >= len(q.Options) {
		return practice.Question{}, fmt.Errorf("%w: letter %q", ErrBadVerdict, verdict.CorrectAnswerLetter)
	}
	expl := strings.TrimSpace(verdict.Explanation)
	if expl == "" {
		return practice.Question{}, fmt.Errorf("%w: empty explanation", ErrBadVerdict)
	}

	updated, err := s.store.UpdateExplanation(ctx, practice.Correction{
		QuestionID: q.ID, Version: q.Version, Letter: letter, Explanation: expl,
	})
	if err != nil {
		return practice.Question{}, err
	}
	if letter != q.CorrectLetter {
		log.Printf("review: question %s answer changed %s -> %s", q.ID, q.CorrectLetter, letter)
	}
	if s.events != nil {
		ev := syncx.NewEvent(syncx.TypeExplanationRegen, q.ID, map[string]any{
			"from_letter": q.CorrectLetter, "to_letter": letter, "version": updated.Version,
		})
		if err := s.events.Append(ctx, ev); err != nil {
			log.Printf("review: event log: %v", err)
		}
	}
	return updated, nil
}

type Stats struct {
	SessionsTaken  int `json:"sessions_taken"`
	AveragePercent int `json:"average_percent"`
	BestPercent    int `json:"best_percent"`
	InProgress     int `json:"in_progress"`
}

// Stats summarises a user's submitted sessions for the dashboard.
func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	ended, err := s.store.ListSessions(ctx, practice.ListOpts{UserID: userID, Status: "ended", Limit: 200})
	if err != nil {
		return Stats{}, err
	}
	open, err := s.store.ListSessions(ctx, practice.ListOpts{UserID: userID, Status: "in_progress", Limit: 200})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{InProgress: len(open)}
	sum := 0
	for _, sess := range ended {
		if sess.Score == nil {
			continue
		}
		p := grading.Outcome{Score: *sess.Score, Total: sess.TotalQuestions}.Percent()
		st.SessionsTaken++
		sum += p
		st.BestPercent = max(st.BestPercent, p)
	}
	if st.SessionsTaken > 0 {
		st.AveragePercent = sum / st.SessionsTaken
	}
	return st, nil
}
