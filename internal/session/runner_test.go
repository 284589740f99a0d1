package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mind-engage/nmcprep/internal/practice"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeTicker struct{ ch chan time.Time }

func (f fakeTicker) C() <-chan time.Time { return f.ch }
func (f fakeTicker) Stop()               {}

func tickerOn(ch chan time.Time) RunnerOption {
	return WithTicker(func(time.Duration) Ticker { return fakeTicker{ch} })
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testQuestions() []practice.Question {
	return []practice.Question{
		{ID: "q1", Text: "one", Options: []string{"a", "b", "c", "d"}, CorrectLetter: "B"},
		{ID: "q2", Text: "two", Options: []string{"a", "b", "c"}, CorrectLetter: "C"},
		{ID: "q3", Text: "three", Options: []string{"a", "b"}, CorrectLetter: "A"},
	}
}

func testSession(limit time.Duration) practice.Session {
	return practice.Session{ID: "s1", UserID: "u1", TimeLimitSec: int(limit / time.Second), StartedAt: t0.UnixMilli()}
}

func TestRemainingFromAbsoluteStart(t *testing.T) {
	c := newClock(t0.Add(1700 * time.Second))
	r := NewRunner(testSession(1800*time.Second), testQuestions(), WithClock(c.Now))
	require.Equal(t, 100*time.Second, r.Remaining())

	// a runner rebuilt later from the same row agrees
	again := NewRunner(testSession(1800*time.Second), testQuestions(), WithClock(c.Now))
	require.Equal(t, r.Remaining(), again.Remaining())
	require.Equal(t, 100, again.Snapshot().RemainingSeconds)

	c.Advance(time.Hour)
	require.Zero(t, r.Remaining())
}

func TestAnswerAndNavigate(t *testing.T) {
	c := newClock(t0)
	r := NewRunner(testSession(time.Minute), testQuestions(), WithClock(c.Now))

	require.NoError(t, r.Answer("q1", "b"))
	require.NoError(t, r.Answer("q2", "C"))
	require.ErrorIs(t, r.Answer("q3", "C"), ErrBadLetter)
	require.ErrorIs(t, r.Answer("nope", "A"), ErrUnknownQuestion)
	require.NoError(t, r.Answer("q2", ""))
	require.Equal(t, map[string]string{"q1": "B"}, r.Answers())

	i, err := r.Navigate(10)
	require.NoError(t, err)
	require.Equal(t, 2, i)
	i, err = r.Navigate(-3)
	require.NoError(t, err)
	require.Zero(t, i)

	snap := r.Snapshot()
	require.Equal(t, "q1", snap.Question.ID)
	require.Empty(t, snap.Question.CorrectLetter, "answer key must not leak")

	c.Advance(time.Minute)
	require.ErrorIs(t, r.Answer("q1", "A"), ErrClosed)
	_, err = r.Navigate(1)
	require.ErrorIs(t, err, ErrClosed)
	require.True(t, r.Snapshot().Ended)
}

func TestDeadlineFiresOnce(t *testing.T) {
	c := newClock(t0)
	ticks := make(chan time.Time)
	r := NewRunner(testSession(10*time.Second), testQuestions(), WithClock(c.Now), tickerOn(ticks))

	var fired atomic.Int32
	done := make(chan struct{})
	go func() {
		r.Watch(context.Background(), func() { fired.Add(1) })
		close(done)
	}()

	for i := 0; i < 3; i++ {
		c.Advance(2 * time.Second)
		ticks <- c.Now()
	}
	require.Zero(t, fired.Load())

	// jittery ticks: the clock jumps well past the deadline between polls
	c.Advance(30 * time.Second)
	select {
	case ticks <- c.Now():
	case <-done:
	}
	<-done
	require.Equal(t, int32(1), fired.Load())

	// a second watcher on the same runner never fires again
	r.Watch(context.Background(), func() { fired.Add(1) })
	require.Equal(t, int32(1), fired.Load())
}

func TestWatchStopsOnCancel(t *testing.T) {
	ticks := make(chan time.Time)
	r := NewRunner(testSession(time.Hour), testQuestions(), tickerOn(ticks))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Watch(ctx, func() { t.Error("deadline must not fire") })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestSubmitLatch(t *testing.T) {
	r := NewRunner(testSession(time.Minute), testQuestions())
	require.True(t, r.TryBeginSubmit())
	require.False(t, r.TryBeginSubmit())
	r.ResetSubmit()
	require.True(t, r.TryBeginSubmit())
	r.MarkEnded()
	require.False(t, r.TryBeginSubmit())
	require.True(t, r.Ended())
}

func TestRestoreIgnoresUnknownIDs(t *testing.T) {
	r := NewRunner(testSession(time.Minute), testQuestions())
	r.Restore(map[string]string{"q2": "a", "gone": "B"}, 99)
	require.Equal(t, map[string]string{"q2": "A"}, r.Answers())
	require.Equal(t, 2, r.Snapshot().Index)
}
