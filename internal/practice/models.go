package practice

import (
	"strings"
	"time"
)

type Question struct {
	ID            string   `json:"id"`
	Text          string   `json:"question_text"`
	Options       []string `json:"options"`
	CorrectLetter string   `json:"correct_letter"`
	Explanation   string   `json:"explanation,omitempty"`
	Category      string   `json:"category"`
	Topic         string   `json:"topic,omitempty"`
	IsAIGenerated bool     `json:"is_ai_generated"`
	IsEdited      bool     `json:"is_edited"`
	EditedAt      *int64   `json:"edited_at,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	Version       int      `json:"version"` // optimistic concurrency token
}

// Public strips the answer and explanation for in-session delivery.
func (q Question) Public() Question {
	q.CorrectLetter = ""
	q.Explanation = ""
	return q
}

type Session struct {
	ID             string   `json:"id"`
	UserID         string   `json:"user_id"`
	Mode           Mode     `json:"mode"`
	Category       string   `json:"category_selection,omitempty"`
	Topics         []string `json:"topics,omitempty"`
	TotalQuestions int      `json:"total_questions"`
	TimeLimitSec   int      `json:"time_limit_seconds"`
	StartedAt      int64    `json:"started_at"` // unix millis
	EndedAt        *int64   `json:"ended_at,omitempty"`
	Score          *int     `json:"score,omitempty"`
}

// Duration is the session's fixed time budget.
func (s Session) Duration() time.Duration {
	return time.Duration(s.TimeLimitSec) * time.Second
}

// Remaining is duration minus elapsed time since the absolute start, clamped at zero.
func (s Session) Remaining(now time.Time) time.Duration {
	left := s.Duration() - now.Sub(time.UnixMilli(s.StartedAt))
	if left < 0 {
		return 0
	}
	return left
}

// InProgress reports whether answers are still accepted: not ended and inside the time limit.
func (s Session) InProgress(now time.Time) bool {
	return s.EndedAt == nil && now.Sub(time.UnixMilli(s.StartedAt)) < s.Duration()
}

type SessionQuestion struct {
	SessionID     string  `json:"session_id"`
	QuestionID    string  `json:"question_id"`
	Position      int     `json:"position"`
	CorrectLetter string  `json:"-"` // snapshot taken at session creation
	AnswerLetter  *string `json:"user_answer_letter"`
	IsCorrect     *bool   `json:"is_correct"`
}

// Item is a session question joined with its current question content.
type Item struct {
	SessionQuestion
	Question Question `json:"question"`
}

type Correction struct {
	QuestionID  string `json:"id"`
	Version     int    `json:"version"`
	Letter      string `json:"correct_letter"`
	Explanation string `json:"explanation"`
}

type ApplyResult struct {
	Written   int `json:"written"`
	Unchanged int `json:"unchanged"`
	Conflicts int `json:"conflicts"`
}

// LetterForIndex maps 0 -> "A", 1 -> "B", ...
func LetterForIndex(i int) string {
	if i < 0 || i > 25 {
		return ""
	}
	return string(rune('A' + i))
}

// IndexForLetter maps "A"/"a" -> 0.
func IndexForLetter(l string) (int, bool) {
	l = NormalizeLetter(l)
	if len(l) != 1 || l[0] < 'A' || l[0] > 'Z' {
		return 0, false
	}
	return int(l[0] - 'A'), true
}

func NormalizeLetter(l string) string {
	return strings.ToUpper(strings.TrimSpace(l))
}
