package grading

import (
	"context"
	"fmt"
)

// Item is one session question as graded: its id and the letter
// snapshotted when the session was created.
type Item struct {
	QuestionID    string
	Position      int
	CorrectLetter string
}

type ItemResult struct {
	QuestionID   string  `json:"question_id"`
	Position     int     `json:"position"`
	AnswerLetter *string `json:"user_answer_letter"`
	Correct      bool    `json:"is_correct"`
}

type Outcome struct {
	Score int          `json:"score"`
	Total int          `json:"total"`
	Items []ItemResult `json:"items"`
}

// Percent is the score as a percentage of the total, rounded half up.
func (o Outcome) Percent() int {
	if o.Total == 0 {
		return 0
	}
	return (o.Score*200 + o.Total) / (2 * o.Total)
}

// ScoreSession grades every item in order against answers keyed by question id.
// Missing answers are scored incorrect.
func ScoreSession(ctx context.Context, g Grader, items []Item, answers map[string]string) (Outcome, error) {
	out := Outcome{Total: len(items), Items: make([]ItemResult, 0, len(items))}
	for _, it := range items {
		ir := ItemResult{QuestionID: it.QuestionID, Position: it.Position}
		if a, ok := answers[it.QuestionID]; ok && a != "" {
			a := a
			ir.AnswerLetter = &a
			res, err := g.Grade(ctx, Q{Type: TypeMCQSingle, Points: 1, AnswerKey: []string{it.CorrectLetter}}, a)
			if err != nil {
				return Outcome{}, fmt.Errorf("grade %s: %w", it.QuestionID, err)
			}
			ir.Correct = res.Correct
		}
		if ir.Correct {
			out.Score++
		}
		out.Items = append(out.Items, ir)
	}
	return out, nil
}

// Message is the headline shown with a result, e.g. "Great job Ada! 👏".
func Message(percent int, firstName string) string {
	var head, mark string
	switch {
	case percent >= 90:
		head, mark = "Excellent work", "🎉"
	case percent >= 80:
		head, mark = "Great job", "👏"
	case percent >= 70:
		head, mark = "Well done", "👍"
	case percent >= 60:
		head, mark = "Good effort", "💪"
	default:
		head, mark = "Keep practicing", "📚"
	}
	if firstName != "" {
		head += " " + firstName
	}
	return head + "! " + mark
}
