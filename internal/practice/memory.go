package practice

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by `MODE=offline`
// demos without a database file.
type MemoryStore struct {
	mu        sync.RWMutex
	questions map[string]Question
	order     []string // insertion order
	sessions  map[string]Session
	items     map[string][]SessionQuestion

	// FailNext, when set, makes the next call of the named method fail.
	FailNext map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		questions: map[string]Question{},
		sessions:  map[string]Session{},
		items:     map[string][]SessionQuestion{},
		FailNext:  map[string]error{},
	}
}

func (m *MemoryStore) fail(method string) error {
	if err, ok := m.FailNext[method]; ok {
		delete(m.FailNext, method)
		return err
	}
	return nil
}

func (f Filter) match(q Question) bool {
	if f.Category != "" && q.Category != f.Category {
		return false
	}
	if len(f.Topics) > 0 && !slices.Contains(f.Topics, q.Topic) {
		return false
	}
	return true
}

func (m *MemoryStore) filtered(f Filter) []Question {
	var out []Question
	for _, id := range m.order {
		if q := m.questions[id]; f.match(q) {
			out = append(out, q)
		}
	}
	return out
}

func (m *MemoryStore) RandomQuestions(_ context.Context, f Filter) ([]Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RandomQuestions"); err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	qs := m.filtered(f)
	rand.Shuffle(len(qs), func(i, j int) { qs[i], qs[j] = qs[j], qs[i] })
	if len(qs) > f.Limit {
		qs = qs[:f.Limit]
	}
	return qs, nil
}

func (m *MemoryStore) CountQuestions(_ context.Context, f Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filtered(f)), nil
}

func (m *MemoryStore) ListUnedited(_ context.Context, f Filter) ([]Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Question
	for _, q := range m.filtered(Filter{Category: f.Category, Topics: f.Topics}) {
		if !q.IsEdited {
			out = append(out, q)
		}
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetQuestions(_ context.Context, ids []string) ([]Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Question, 0, len(ids))
	for _, id := range ids {
		if q, ok := m.questions[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertQuestions(_ context.Context, qs []Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertQuestions"); err != nil {
		return err
	}
	for _, q := range qs {
		if _, ok := m.questions[q.ID]; ok {
			continue
		}
		q.CorrectLetter = NormalizeLetter(q.CorrectLetter)
		q.Version = 1
		if q.CreatedAt == 0 {
			q.CreatedAt = time.Now().Unix()
		}
		m.questions[q.ID] = q
		m.order = append(m.order, q.ID)
	}
	return nil
}

func (m *MemoryStore) ApplyCorrections(_ context.Context, cs []Correction) (ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ApplyCorrections"); err != nil {
		return ApplyResult{}, err
	}
	// validate first so a failure leaves nothing written
	for _, c := range cs {
		if _, ok := m.questions[c.QuestionID]; !ok {
			return ApplyResult{}, fmt.Errorf("question %s: %w", c.QuestionID, ErrNotFound)
		}
	}
	var res ApplyResult
	now := time.Now().Unix()
	for _, c := range cs {
		q := m.questions[c.QuestionID]
		if c.Version != 0 && c.Version != q.Version {
			res.Conflicts++
			continue
		}
		letter := NormalizeLetter(c.Letter)
		if q.CorrectLetter == letter && q.Explanation == c.Explanation {
			res.Unchanged++
			continue
		}
		q.CorrectLetter, q.Explanation, q.IsEdited, q.EditedAt = letter, c.Explanation, true, &now
		q.Version++
		m.questions[q.ID] = q
		res.Written++
	}
	return res, nil
}

func (m *MemoryStore) UpdateExplanation(_ context.Context, c Correction) (Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateExplanation"); err != nil {
		return Question{}, err
	}
	q, ok := m.questions[c.QuestionID]
	if !ok {
		return Question{}, fmt.Errorf("question %s: %w", c.QuestionID, ErrNotFound)
	}
	if q.Version != c.Version {
		return Question{}, ErrConflict
	}
	now := time.Now().Unix()
	q.CorrectLetter, q.Explanation, q.IsEdited, q.EditedAt = NormalizeLetter(c.Letter), c.Explanation, true, &now
	q.Version++
	m.questions[q.ID] = q
	return q, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session, items []SessionQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateSession"); err != nil {
		return err
	}
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	rows := make([]SessionQuestion, len(items))
	for i, it := range items {
		it.SessionID = s.ID
		it.CorrectLetter = NormalizeLetter(it.CorrectLetter)
		rows[i] = it
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
	m.sessions[s.ID] = s
	m.items[s.ID] = rows
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, opts ListOpts) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.UserID != opts.UserID {
			continue
		}
		if opts.Status == "in_progress" && s.EndedAt != nil || opts.Status == "ended" && s.EndedAt == nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt > out[j].StartedAt })
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SessionItems(_ context.Context, sessionID string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Item
	for _, sq := range m.items[sessionID] {
		out = append(out, Item{SessionQuestion: sq, Question: m.questions[sq.QuestionID]})
	}
	return out, nil
}

func (m *MemoryStore) SaveSessionAnswers(_ context.Context, sessionID string, rows []SessionQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveSessionAnswers"); err != nil {
		return err
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.EndedAt != nil {
		return ErrEnded
	}
	stored := m.items[sessionID]
	for _, r := range rows {
		if r.Position < 0 || r.Position >= len(stored) {
			return fmt.Errorf("session question %d: %w", r.Position, ErrNotFound)
		}
		stored[r.Position].AnswerLetter = r.AnswerLetter
		stored[r.Position].IsCorrect = r.IsCorrect
	}
	return nil
}

func (m *MemoryStore) FinishSession(_ context.Context, sessionID string, score int, endedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FinishSession"); err != nil {
		return err
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.EndedAt != nil {
		return ErrEnded
	}
	s.Score, s.EndedAt = &score, &endedAt
	m.sessions[sessionID] = s
	return nil
}

// Finished counts ended sessions.
func (m *MemoryStore) Finished() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.EndedAt != nil {
			n++
		}
	}
	return n
}

// SetQuestion overwrites a stored question as-is (test helper for concurrent edits).
func (m *MemoryStore) SetQuestion(q Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.questions[q.ID]; !ok {
		m.order = append(m.order, q.ID)
	}
	m.questions[q.ID] = q
}
