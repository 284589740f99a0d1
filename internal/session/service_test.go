package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mind-engage/nmcprep/internal/localstate"
	"github.com/mind-engage/nmcprep/internal/practice"
	syncx "github.com/mind-engage/nmcprep/internal/sync"
)

type countingStore struct {
	*practice.MemoryStore
	finishes atomic.Int32
}

func (s *countingStore) FinishSession(ctx context.Context, id string, score int, endedAt int64) error {
	err := s.MemoryStore.FinishSession(ctx, id, score, endedAt)
	if err == nil {
		s.finishes.Add(1)
	}
	return err
}

type fakeCorrections struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
}

func (f *fakeCorrections) Start(id, _ string, _ []practice.Question) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return true
}

func (f *fakeCorrections) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

type names map[string]string

func (n names) FirstName(_ context.Context, id string) string { return n[id] }

type events struct {
	mu  sync.Mutex
	typ []string
}

func (e *events) Append(_ context.Context, ev syncx.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typ = append(e.typ, ev.Type)
	return nil
}

type fixture struct {
	store  *countingStore
	svc    *Service
	clock  *clock
	ticks  chan time.Time
	corr   *fakeCorrections
	state  *localstate.Memory
	events *events
}

func newFixture(t *testing.T, bank []practice.Question, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  &countingStore{MemoryStore: practice.NewMemoryStore()},
		clock:  newClock(t0),
		ticks:  make(chan time.Time),
		corr:   &fakeCorrections{},
		state:  localstate.NewMemory(0),
		events: &events{},
	}
	require.NoError(t, f.store.InsertQuestions(context.Background(), bank))
	base := []Option{
		WithNow(f.clock.Now),
		WithRunnerOptions(tickerOn(f.ticks)),
		WithCorrections(f.corr),
		WithLocalState(f.state),
		WithEvents(f.events),
		WithNames(names{"u1": "Ada"}),
	}
	f.svc = NewService(f.store, append(base, opts...)...)
	t.Cleanup(f.svc.Close)
	return f
}

func bankOf(qs []practice.Question, category string) []practice.Question {
	out := make([]practice.Question, len(qs))
	for i, q := range qs {
		q.Category = category
		out[i] = q
	}
	return out
}

var combined50 = practice.SessionConfig{Mode: practice.ModeCategory, Count: 50, Category: practice.CategoryCombined}

func TestStartCreatesSessionWithSnapshots(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Medicine"))
	ctx := context.Background()

	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)

	sess, err := f.store.GetSession(ctx, r.SessionID())
	require.NoError(t, err)
	require.Equal(t, 3, sess.TotalQuestions)
	require.Equal(t, 30*60, sess.TimeLimitSec)
	require.Equal(t, t0.UnixMilli(), sess.StartedAt)
	require.Nil(t, sess.EndedAt)

	items, err := f.store.SessionItems(ctx, r.SessionID())
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, it := range items {
		require.Equal(t, i, it.Position)
		require.Equal(t, it.Question.CorrectLetter, it.CorrectLetter)
	}
	require.Equal(t, []string{r.SessionID()}, f.corr.started)

	st, ok := f.state.Load(ctx, localstate.UserKey("u1"))
	require.True(t, ok)
	require.Equal(t, localstate.ViewQuiz, st.View)
	require.Equal(t, r.SessionID(), st.ActiveSessionID)
	require.Equal(t, []string{syncx.TypeSessionStarted}, f.events.typ)
}

func TestStartRejectsBadConfig(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Medicine"))
	_, err := f.svc.Start(context.Background(), "u1", practice.SessionConfig{Mode: practice.ModeCategory, Count: 7, Category: "x"})
	require.Error(t, err)

	_, err = f.svc.Start(context.Background(), "u1", practice.SessionConfig{Mode: practice.ModeCategory, Count: 50, Category: practice.CategorySurgery})
	require.ErrorIs(t, err, ErrNoQuestions)
}

func TestGradingUsesSnapshot(t *testing.T) {
	bank := bankOf(testQuestions()[:2], "Medicine")
	f := newFixture(t, bank)
	ctx := context.Background()

	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)
	_, err = f.svc.Answer(ctx, "u1", r.SessionID(), "q1", "B")
	require.NoError(t, err)
	_, err = f.svc.Answer(ctx, "u1", r.SessionID(), "q2", "A")
	require.NoError(t, err)

	// background correction flips q2 after the session was created
	cur, err := f.store.GetQuestions(ctx, []string{"q2"})
	require.NoError(t, err)
	cur[0].CorrectLetter = "A"
	f.store.SetQuestion(cur[0])

	res, err := f.svc.Submit(ctx, "u1", r.SessionID())
	require.NoError(t, err)
	require.True(t, res.Persisted)
	require.Equal(t, 1, res.Score)
	require.Equal(t, 2, res.Total)
	require.Equal(t, 50, res.Percent)
	require.Equal(t, "Keep practicing Ada! 📚", res.Message)

	sess, err := f.store.GetSession(ctx, r.SessionID())
	require.NoError(t, err)
	require.NotNil(t, sess.EndedAt)
	require.Equal(t, 1, *sess.Score)
	require.Equal(t, []string{r.SessionID()}, f.corr.cancelled)

	_, ok := f.state.Load(ctx, localstate.SessionKey("u1", r.SessionID()))
	require.False(t, ok, "per-session state is cleared on submit")
	st, ok := f.state.Load(ctx, localstate.UserKey("u1"))
	require.True(t, ok)
	require.Equal(t, localstate.ViewResults, st.View)
	require.Equal(t, 1, st.Results.Score)
}

func TestUnansweredIsIncorrect(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Surgery"))
	ctx := context.Background()
	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)

	res, err := f.svc.Submit(ctx, "u1", r.SessionID())
	require.NoError(t, err)
	require.Zero(t, res.Score)
	for _, it := range res.Items {
		require.False(t, it.Correct)
		require.Nil(t, it.AnswerLetter)
	}
}

func TestSubmitFailureResetsLatch(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Medicine"))
	ctx := context.Background()
	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)

	f.store.FailNext["FinishSession"] = errors.New("db unavailable")
	res, err := f.svc.Submit(ctx, "u1", r.SessionID())
	require.Error(t, err)
	require.False(t, res.Persisted)
	require.Equal(t, 3, res.Total, "optimistic result is still returned")
	require.Zero(t, f.store.Finished())
	require.False(t, r.Ended())

	res, err = f.svc.Submit(ctx, "u1", r.SessionID())
	require.NoError(t, err)
	require.True(t, res.Persisted)
	require.Equal(t, 1, f.store.Finished())

	_, err = f.svc.Submit(ctx, "u1", r.SessionID())
	require.ErrorIs(t, err, practice.ErrEnded)
}

func TestTimeoutAndManualSubmitWriteOnce(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Medicine"))
	ctx := context.Background()
	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case f.ticks <- f.clock.Now():
		case <-time.After(time.Second):
		}
	}()
	_, err = f.svc.Submit(ctx, "u1", r.SessionID())
	if err != nil {
		require.True(t, errors.Is(err, ErrAlreadySubmitting) || errors.Is(err, practice.ErrEnded), err)
	}
	wg.Wait()
	require.Eventually(t, r.Ended, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), f.store.finishes.Load())
}

func TestDeadlineAutoSubmits(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Medicine"))
	ctx := context.Background()
	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)
	_, err = f.svc.Answer(ctx, "u1", r.SessionID(), "q3", "A")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	f.ticks <- f.clock.Now()
	require.Eventually(t, r.Ended, 5*time.Second, 10*time.Millisecond)

	sess, err := f.store.GetSession(ctx, r.SessionID())
	require.NoError(t, err)
	require.Equal(t, 1, *sess.Score)
	require.Zero(t, f.svc.Registry().Len())

	_, err = f.svc.Answer(ctx, "u1", r.SessionID(), "q1", "B")
	require.ErrorIs(t, err, practice.ErrEnded)
}

func TestDeadlineSubmitRetriesFailedWrite(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Medicine"), WithDeadlineRetry(time.Millisecond, time.Millisecond))
	ctx := context.Background()
	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)
	_, err = f.svc.Answer(ctx, "u1", r.SessionID(), "q3", "A")
	require.NoError(t, err)

	f.store.FailNext["FinishSession"] = errors.New("db unavailable")
	f.clock.Advance(30 * time.Minute)
	f.ticks <- f.clock.Now()
	require.Eventually(t, r.Ended, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, int32(1), f.store.finishes.Load())
	sess, err := f.store.GetSession(ctx, r.SessionID())
	require.NoError(t, err)
	require.NotNil(t, sess.EndedAt)
	require.Equal(t, 1, *sess.Score)
	require.False(t, r.Snapshot().SubmitPending)
	require.Zero(t, f.svc.Registry().Len())
}

func TestDeadlineSubmitLeftPendingForClient(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Medicine"), WithDeadlineRetry())
	ctx := context.Background()
	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)

	f.store.FailNext["FinishSession"] = errors.New("db unavailable")
	f.clock.Advance(30 * time.Minute)
	f.ticks <- f.clock.Now()
	require.Eventually(t, func() bool {
		st, ok := f.state.Load(ctx, localstate.UserKey("u1"))
		return ok && st.Results != nil && !st.Results.Persisted
	}, 5*time.Second, 10*time.Millisecond)

	snap := r.Snapshot()
	require.True(t, snap.Ended)
	require.True(t, snap.SubmitPending)
	require.False(t, r.Ended())
	st, err := f.svc.Status(ctx, r.SessionID())
	require.NoError(t, err)
	require.Nil(t, st.Session.EndedAt)
	require.True(t, st.Runner.SubmitPending)

	res, err := f.svc.Submit(ctx, "u1", r.SessionID())
	require.NoError(t, err)
	require.True(t, res.Persisted)
	require.False(t, r.Snapshot().SubmitPending)
	require.Equal(t, int32(1), f.store.finishes.Load())
}

func TestStatusAndSnapshotAgreeOnRemaining(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Medicine"))
	ctx := context.Background()
	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)

	f.clock.Advance(10*time.Minute + 1300*time.Millisecond)
	st, err := f.svc.Status(ctx, r.SessionID())
	require.NoError(t, err)
	require.Equal(t, 20*60-1, st.RemainingSeconds)
	require.Equal(t, st.RemainingSeconds, st.Runner.RemainingSeconds)
}

func TestResumeAfterRestart(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Medicine"))
	ctx := context.Background()
	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)
	_, err = f.svc.Answer(ctx, "u1", r.SessionID(), "q2", "c")
	require.NoError(t, err)
	_, err = f.svc.Navigate(ctx, "u1", r.SessionID(), 2)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	restarted := NewService(f.store,
		WithNow(f.clock.Now), WithRunnerOptions(tickerOn(make(chan time.Time))), WithLocalState(f.state))
	t.Cleanup(restarted.Close)

	st, err := restarted.Status(ctx, r.SessionID())
	require.NoError(t, err)
	require.True(t, st.InProgress)
	require.Equal(t, 10*60, st.RemainingSeconds)
	require.Equal(t, 2, st.Runner.Index)
	require.Equal(t, map[string]string{"q2": "C"}, st.Runner.Answers)
	require.Len(t, st.Questions, 3)
}

func TestOtherUsersCannotAct(t *testing.T) {
	f := newFixture(t, bankOf(testQuestions(), "Medicine"))
	ctx := context.Background()
	r, err := f.svc.Start(ctx, "u1", combined50)
	require.NoError(t, err)

	_, err = f.svc.Answer(ctx, "u2", r.SessionID(), "q1", "A")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Submit(ctx, "u2", r.SessionID())
	require.ErrorIs(t, err, ErrForbidden)
}

type fakeTopicGen struct {
	mu    sync.Mutex
	calls map[string]int
}

func (g *fakeTopicGen) GenerateTopicQuestions(_ context.Context, topic string, n int) ([]practice.Question, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[topic] = n
	out := make([]practice.Question, n)
	for i := range out {
		out[i] = practice.Question{
			ID: topic + "-" + string(rune('a'+i)), Text: "generated", Options: []string{"a", "b"},
			CorrectLetter: "A", Category: "AI Generated", Topic: topic, IsAIGenerated: true,
		}
	}
	return out, nil
}

func TestTopicSessionTopsUpShortfall(t *testing.T) {
	gen := &fakeTopicGen{calls: map[string]int{}}
	bank := []practice.Question{
		{ID: "c1", Text: "x", Options: []string{"a", "b"}, CorrectLetter: "A", Category: "Medicine", Topic: "Cardiovascular"},
	}
	f := newFixture(t, bank, WithGenerator(gen))
	cfg := practice.SessionConfig{Mode: practice.ModeTopic, Count: 15, Topics: []string{"Cardiovascular", "Respiratory"}}

	r, err := f.svc.Start(context.Background(), "u1", cfg)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"Cardiovascular": 7, "Respiratory": 7}, gen.calls)
	require.Equal(t, 15, r.Session().TotalQuestions)
	require.Equal(t, 18*60, r.Session().TimeLimitSec)
}
