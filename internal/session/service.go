package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/nmcprep/internal/grading"
	"github.com/mind-engage/nmcprep/internal/localstate"
	"github.com/mind-engage/nmcprep/internal/practice"
	syncx "github.com/mind-engage/nmcprep/internal/sync"
)

var (
	ErrNoQuestions = errors.New("no questions match the configuration")
	ErrForbidden   = errors.New("session belongs to another user")
)

// QuestionGenerator tops up topic practice when the bank runs short.
type QuestionGenerator interface {
	GenerateTopicQuestions(ctx context.Context, topic string, n int) ([]practice.Question, error)
}

// Corrections starts and stops background correction for a session.
type Corrections interface {
	Start(sessionID, userID string, qs []practice.Question) bool
	Cancel(sessionID string)
}

// Names resolves the first name used in result messages.
type Names interface {
	FirstName(ctx context.Context, userID string) string
}

type Service struct {
	store       practice.Store
	grader      grading.Grader
	gen         QuestionGenerator
	corrections Corrections
	names       Names
	state       localstate.Store
	events      syncx.Appender
	reg         *Registry
	now         func() time.Time
	runnerOpts  []RunnerOption
	submitLimit time.Duration
	retryWaits  []time.Duration
}

type Option func(*Service)

func WithGenerator(g QuestionGenerator) Option { return func(s *Service) { s.gen = g } }
func WithCorrections(c Corrections) Option     { return func(s *Service) { s.corrections = c } }
func WithNames(n Names) Option                 { return func(s *Service) { s.names = n } }
func WithLocalState(st localstate.Store) Option {
	return func(s *Service) { s.state = st }
}
func WithEvents(e syncx.Appender) Option { return func(s *Service) { s.events = e } }
func WithGrader(g grading.Grader) Option { return func(s *Service) { s.grader = g } }

// WithNow sets the clock for the service and every runner it builds.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.runnerOpts = append(s.runnerOpts, WithClock(now))
	}
}

// WithDeadlineRetry sets the waits between attempts when a time-up submission
// fails to persist. Once they are used up the session stays pending until the
// user submits again.
func WithDeadlineRetry(waits ...time.Duration) Option {
	return func(s *Service) { s.retryWaits = waits }
}

// WithRunnerOptions passes extra options to every runner, e.g. a test ticker.
func WithRunnerOptions(opts ...RunnerOption) Option {
	return func(s *Service) { s.runnerOpts = append(s.runnerOpts, opts...) }
}

func NewService(store practice.Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		grader:      grading.NewDefaultGrader(),
		reg:         NewRegistry(),
		now:         time.Now,
		submitLimit: 30 * time.Second,
		retryWaits:  []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry exposes the live runners.
func (s *Service) Registry() *Registry { return s.reg }

// Close stops all deadline watchers.
func (s *Service) Close() { s.reg.Close() }

// Start validates cfg, picks and shuffles the questions, creates the session
// with its answer snapshots, and starts the runner and background correction.
func (s *Service) Start(ctx context.Context, userID string, cfg practice.SessionConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	filter := cfg.Filter()
	if cfg.Mode == practice.ModeTopic && s.gen != nil {
		s.topUp(ctx, cfg, filter)
	}
	qs, err := s.store.RandomQuestions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("fetch questions: %w", err)
	}
	if len(qs) == 0 {
		return nil, ErrNoQuestions
	}
	qs = practice.Shuffle(qs)

	now := s.now()
	sess := practice.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Mode:           cfg.Mode,
		Category:       cfg.Category,
		Topics:         cfg.Topics,
		TotalQuestions: len(qs),
		TimeLimitSec:   int(cfg.TimeLimit() / time.Second),
		StartedAt:      now.UnixMilli(),
	}
	items := make([]practice.SessionQuestion, len(qs))
	for i, q := range qs {
		items[i] = practice.SessionQuestion{SessionID: sess.ID, QuestionID: q.ID, Position: i, CorrectLetter: q.CorrectLetter}
	}
	if err := s.store.CreateSession(ctx, sess, items); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if s.corrections != nil {
		s.corrections.Start(sess.ID, userID, qs)
	}
	r := s.reg.Add(NewRunner(sess, qs, s.runnerOpts...), s.onDeadline)
	s.saveProgress(ctx, r)
	s.emit(ctx, syncx.TypeSessionStarted, sess.ID, map[string]any{
		"user_id": userID, "mode": cfg.Mode, "count": len(qs), "time_limit_seconds": sess.TimeLimitSec,
	})
	log.Printf("session: %s started for %s (%s, %d questions)", sess.ID, userID, cfg.Mode, len(qs))
	return r, nil
}

// topUp generates the shortfall for a topic session, spread over its topics.
// Failures are logged; the session starts with what the bank has.
func (s *Service) topUp(ctx context.Context, cfg practice.SessionConfig, f practice.Filter) {
	have, err := s.store.CountQuestions(ctx, f)
	if err != nil {
		log.Printf("session: count questions: %v", err)
		return
	}
	need := cfg.Count - have
	if need <= 0 {
		return
	}
	per := (need + len(cfg.Topics) - 1) / len(cfg.Topics)
	for _, topic := range cfg.Topics {
		if need <= 0 {
			break
		}
		n := min(per, need)
		qs, err := s.gen.GenerateTopicQuestions(ctx, topic, n)
		if err != nil {
			log.Printf("session: generate %d questions for %q: %v", n, topic, err)
			continue
		}
		if err := s.store.InsertQuestions(ctx, qs); err != nil {
			log.Printf("session: insert generated questions: %v", err)
			continue
		}
		need -= len(qs)
	}
}

// Resume returns the live runner for sessionID, rebuilding it from the
// session row and saved local state when the process no longer has it.
func (s *Service) Resume(ctx context.Context, sessionID string) (*Runner, error) {
	if r, ok := s.reg.Get(sessionID); ok {
		return r, nil
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.EndedAt != nil {
		return nil, practice.ErrEnded
	}
	items, err := s.store.SessionItems(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session items: %w", err)
	}
	qs := make([]practice.Question, len(items))
	for i, it := range items {
		qs[i] = it.Question
	}
	r := NewRunner(sess, qs, s.runnerOpts...)
	st := localstate.FromContext(ctx, s.state)
	if saved, ok := st.Load(ctx, localstate.SessionKey(sess.UserID, sessionID)); ok && saved.ActiveSessionID == sessionID {
		r.Restore(saved.Answers, saved.CurrentIndex)
	}
	return s.reg.Add(r, s.onDeadline), nil
}

func (s *Service) owned(ctx context.Context, userID, sessionID string) (*Runner, error) {
	r, err := s.Resume(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if r.UserID() != userID {
		return nil, ErrForbidden
	}
	return r, nil
}

func (s *Service) Answer(ctx context.Context, userID, sessionID, questionID, letter string) (Snapshot, error) {
	r, err := s.owned(ctx, userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := r.Answer(questionID, letter); err != nil {
		return Snapshot{}, err
	}
	s.saveProgress(ctx, r)
	return r.Snapshot(), nil
}

func (s *Service) Navigate(ctx context.Context, userID, sessionID string, index int) (Snapshot, error) {
	r, err := s.owned(ctx, userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := r.Navigate(index); err != nil {
		return Snapshot{}, err
	}
	s.saveProgress(ctx, r)
	return r.Snapshot(), nil
}

type Status struct {
	Session          practice.Session    `json:"session"`
	InProgress       bool                `json:"in_progress"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	Runner           *Snapshot           `json:"runner,omitempty"`
	Questions        []practice.Question `json:"questions,omitempty"`
}

// Status reads the session row and, while it is open, the runner view.
func (s *Service) Status(ctx context.Context, sessionID string) (Status, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	now := s.now()
	st := Status{Session: sess, InProgress: sess.InProgress(now)}
	if sess.EndedAt != nil {
		return st, nil
	}
	r, err := s.Resume(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	snap := r.Snapshot()
	st.RemainingSeconds = snap.RemainingSeconds
	st.Runner = &snap
	st.Questions = r.Questions()
	return st, nil
}

type Result struct {
	SessionID string `json:"session_id"`
	grading.Outcome
	Percent   int    `json:"percent"`
	Message   string `json:"message"`
	Persisted bool   `json:"persisted"`
}

// Submit ends the session by hand. The deadline watcher uses the same path.
func (s *Service) Submit(ctx context.Context, userID, sessionID string) (Result, error) {
	r, err := s.owned(ctx, userID, sessionID)
	if err != nil {
		return Result{}, err
	}
	return s.submit(ctx, r)
}

// onDeadline submits a timed-out session, retrying failed writes until ctx
// is cancelled or the waits run out.
func (s *Service) onDeadline(ctx context.Context, r *Runner) {
	for attempt := 0; ; attempt++ {
		res, err := s.deadlineSubmit(ctx, r)
		switch {
		case err == nil:
			log.Printf("session: %s: time up, scored %d/%d", r.SessionID(), res.Score, res.Total)
			return
		case errors.Is(err, ErrAlreadySubmitting), errors.Is(err, practice.ErrEnded):
			return
		case attempt >= len(s.retryWaits):
			log.Printf("session: %s: deadline submit failed after %d attempts, left pending: %v", r.SessionID(), attempt+1, err)
			return
		}
		log.Printf("session: %s: deadline submit failed, retrying in %s: %v", r.SessionID(), s.retryWaits[attempt], err)
		t := time.NewTimer(s.retryWaits[attempt])
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// deadlineSubmit detaches from the watch context, which a successful submit
// cancels through Registry.Remove.
func (s *Service) deadlineSubmit(ctx context.Context, r *Runner) (Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.submitLimit)
	defer cancel()
	return s.submit(ctx, r)
}

func (s *Service) submit(ctx context.Context, r *Runner) (Result, error) {
	if !r.TryBeginSubmit() {
		if r.Ended() {
			return Result{}, practice.ErrEnded
		}
		return Result{}, ErrAlreadySubmitting
	}
	id := r.SessionID()
	items, err := s.store.SessionItems(ctx, id)
	if err != nil {
		r.ResetSubmit()
		return Result{}, fmt.Errorf("load session items: %w", err)
	}
	gitems := make([]grading.Item, len(items))
	for i, it := range items {
		gitems[i] = grading.Item{QuestionID: it.QuestionID, Position: it.Position, CorrectLetter: it.CorrectLetter}
	}
	out, err := grading.ScoreSession(ctx, s.grader, gitems, r.Answers())
	if err != nil {
		r.ResetSubmit()
		return Result{}, err
	}
	res := Result{SessionID: id, Outcome: out, Percent: out.Percent()}
	firstName := ""
	if s.names != nil {
		firstName = s.names.FirstName(ctx, r.UserID())
	}
	res.Message = grading.Message(res.Percent, firstName)

	rows := make([]practice.SessionQuestion, len(out.Items))
	for i, it := range out.Items {
		correct := it.Correct
		rows[i] = practice.SessionQuestion{SessionID: id, QuestionID: it.QuestionID, Position: it.Position,
			AnswerLetter: it.AnswerLetter, IsCorrect: &correct}
	}
	err = s.store.SaveSessionAnswers(ctx, id, rows)
	if err == nil {
		err = s.store.FinishSession(ctx, id, out.Score, s.now().UnixMilli())
	}
	if err != nil {
		if errors.Is(err, practice.ErrEnded) {
			r.MarkEnded()
			s.reg.Remove(id)
			return Result{}, err
		}
		r.ResetSubmit()
		s.saveResults(ctx, r, res)
		return res, fmt.Errorf("persist session %s: %w", id, err)
	}

	res.Persisted = true
	r.MarkEnded()
	s.reg.Remove(id)
	if s.corrections != nil {
		s.corrections.Cancel(id)
	}
	st := localstate.FromContext(ctx, s.state)
	st.Delete(ctx, localstate.SessionKey(r.UserID(), id))
	s.saveResults(ctx, r, res)
	s.emit(ctx, syncx.TypeSessionSubmitted, id, map[string]any{
		"user_id": r.UserID(), "score": res.Score, "total": res.Total,
	})
	return res, nil
}

func (s *Service) progressState(r *Runner) localstate.State {
	sess := r.Session()
	snap := r.Snapshot()
	ids := make([]string, len(r.questions))
	for i, q := range r.questions {
		ids[i] = q.ID
	}
	return localstate.State{
		View:            localstate.ViewQuiz,
		SessionConfig:   &practice.SessionConfig{Mode: sess.Mode, Count: sess.TotalQuestions, Category: sess.Category, Topics: sess.Topics},
		QuestionIDs:     ids,
		Answers:         snap.Answers,
		CurrentIndex:    snap.Index,
		SessionStart:    sess.StartedAt,
		ActiveSessionID: sess.ID,
	}
}

func (s *Service) saveProgress(ctx context.Context, r *Runner) {
	st := localstate.FromContext(ctx, s.state)
	state := s.progressState(r)
	st.Save(ctx, localstate.SessionKey(r.UserID(), r.SessionID()), state)
	st.Save(ctx, localstate.UserKey(r.UserID()), state)
}

func (s *Service) saveResults(ctx context.Context, r *Runner, res Result) {
	localstate.FromContext(ctx, s.state).Save(ctx, localstate.UserKey(r.UserID()), localstate.State{
		View:            localstate.ViewResults,
		ActiveSessionID: r.SessionID(),
		SessionStart:    r.Session().StartedAt,
		Results: &localstate.Results{
			Score: res.Score, Total: res.Total, Percent: res.Percent, Message: res.Message, Persisted: res.Persisted,
		},
	})
}

func (s *Service) emit(ctx context.Context, typ, key string, data any) {
	if s.events == nil {
		return
	}
	if err := s.events.Append(ctx, syncx.NewEvent(typ, key, data)); err != nil {
		log.Printf("session: event log: %v", err)
	}
}
