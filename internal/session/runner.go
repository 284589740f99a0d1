// Package session runs timed practice sessions in memory and hands their
// answers to grading and persistence.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mind-engage/nmcprep/internal/practice"
)

var (
	ErrClosed            = errors.New("session closed")
	ErrAlreadySubmitting = errors.New("submission already in progress")
	ErrUnknownQuestion   = errors.New("question not in session")
	ErrBadLetter         = errors.New("answer letter out of range")
)

// PollInterval is how often a watched runner recomputes its remaining time.
const PollInterval = time.Second

// Ticker abstracts time.Ticker so tests can drive the poll loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Runner holds one in-progress session. All methods are safe for concurrent use.
type Runner struct {
	mu        sync.Mutex
	sess      practice.Session
	questions []practice.Question
	byID      map[string]int
	answers   map[string]string
	index     int
	ended     bool

	submitting bool
	fired      bool

	now       func() time.Time
	newTicker func(time.Duration) Ticker
}

type RunnerOption func(*Runner)

func WithClock(now func() time.Time) RunnerOption { return func(r *Runner) { r.now = now } }

func WithTicker(fn func(time.Duration) Ticker) RunnerOption {
	return func(r *Runner) { r.newTicker = fn }
}

// NewRunner takes the session questions in presentation order.
func NewRunner(sess practice.Session, qs []practice.Question, opts ...RunnerOption) *Runner {
	r := &Runner{
		sess:      sess,
		questions: qs,
		byID:      make(map[string]int, len(qs)),
		answers:   map[string]string{},
		now:       time.Now,
		newTicker: func(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} },
	}
	for i, q := range qs {
		r.byID[q.ID] = i
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) SessionID() string { return r.sess.ID }
func (r *Runner) UserID() string    { return r.sess.UserID }

// Session returns the session row the runner was built from.
func (r *Runner) Session() practice.Session { return r.sess }

// Remaining is duration - (now - start), clamped at zero.
func (r *Runner) Remaining() time.Duration {
	return r.sess.Remaining(r.now())
}

// open must be called with mu held.
func (r *Runner) open() bool {
	return !r.ended && r.sess.Remaining(r.now()) > 0
}

// Answer records letter for questionID; an empty letter clears the answer.
func (r *Runner) Answer(questionID, letter string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open() {
		return ErrClosed
	}
	i, ok := r.byID[questionID]
	if !ok {
		return ErrUnknownQuestion
	}
	letter = practice.NormalizeLetter(letter)
	if letter == "" {
		delete(r.answers, questionID)
		return nil
	}
	idx, ok := practice.IndexForLetter(letter)
	if !ok || idx >= len(r.questions[i].Options) {
		return ErrBadLetter
	}
	r.answers[questionID] = letter
	return nil
}

// Navigate moves to position i, clamped to the question range, and returns
// the new position.
func (r *Runner) Navigate(i int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open() {
		return r.index, ErrClosed
	}
	r.index = max(0, min(i, len(r.questions)-1))
	return r.index, nil
}

// Restore reapplies saved answers and position, e.g. after a restart.
// Unknown question ids are ignored.
func (r *Runner) Restore(answers map[string]string, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, l := range answers {
		if _, ok := r.byID[id]; ok && l != "" {
			r.answers[id] = practice.NormalizeLetter(l)
		}
	}
	r.index = max(0, min(index, len(r.questions)-1))
}

// Answers returns a copy of the current answers.
func (r *Runner) Answers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.answers))
	for k, v := range r.answers {
		out[k] = v
	}
	return out
}

type Snapshot struct {
	SessionID        string             `json:"session_id"`
	Index            int                `json:"index"`
	Total            int                `json:"total"`
	RemainingSeconds int                `json:"remaining_seconds"`
	Ended            bool               `json:"ended"`
	SubmitPending    bool               `json:"submit_pending"`
	Answers          map[string]string  `json:"answers"`
	Question         *practice.Question `json:"question,omitempty"`
}

// Snapshot is the client view: current question without its answer key.
// SubmitPending is set from the moment time is up until the result is stored.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	left := r.sess.Remaining(r.now())
	s := Snapshot{
		SessionID:        r.sess.ID,
		Index:            r.index,
		Total:            len(r.questions),
		RemainingSeconds: wholeSeconds(left),
		Ended:            r.ended || left <= 0,
		SubmitPending:    !r.ended && left <= 0,
		Answers:          make(map[string]string, len(r.answers)),
	}
	for k, v := range r.answers {
		s.Answers[k] = v
	}
	if len(r.questions) > 0 {
		q := r.questions[r.index].Public()
		s.Question = &q
	}
	return s
}

// wholeSeconds rounds d to the nearest second.
func wholeSeconds(d time.Duration) int {
	return int(d.Round(time.Second) / time.Second)
}

// Questions returns the session questions without answer keys.
func (r *Runner) Questions() []practice.Question {
	out := make([]practice.Question, len(r.questions))
	for i, q := range r.questions {
		out[i] = q.Public()
	}
	return out
}

// TryBeginSubmit takes the one-shot submit latch. It reports false when a
// submission is already running or the session was ended.
func (r *Runner) TryBeginSubmit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitting || r.ended {
		return false
	}
	r.submitting = true
	return true
}

// ResetSubmit releases the latch after a failed submission.
func (r *Runner) ResetSubmit() {
	r.mu.Lock()
	r.submitting = false
	r.mu.Unlock()
}

// MarkEnded makes the runner inert for good.
func (r *Runner) MarkEnded() {
	r.mu.Lock()
	r.ended = true
	r.submitting = false
	r.mu.Unlock()
}

func (r *Runner) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Watch polls the deadline every PollInterval and calls onDeadline once when
// the remaining time reaches zero. It returns when ctx is done, the runner
// ends, or the deadline fires.
func (r *Runner) Watch(ctx context.Context, onDeadline func()) {
	t := r.newTicker(PollInterval)
	defer t.Stop()
	for {
		if r.checkDeadline(onDeadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C():
		}
	}
}

func (r *Runner) checkDeadline(onDeadline func()) bool {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return true
	}
	if r.fired || r.sess.Remaining(r.now()) > 0 {
		fired := r.fired
		r.mu.Unlock()
		return fired
	}
	r.fired = true
	r.mu.Unlock()
	onDeadline()
	return true
}
