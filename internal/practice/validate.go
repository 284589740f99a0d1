package practice

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
)

// ValidateQuestion checks the structural invariants of a question record.
func ValidateQuestion(q Question) error {
	var errs []error
	if strings.TrimSpace(q.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(q.Text) == "" {
		errs = append(errs, errors.New("question text is required"))
	}
	if len(q.Options) < 2 {
		errs = append(errs, fmt.Errorf("need at least 2 options, got %d", len(q.Options)))
	}
	if i, ok := IndexForLetter(q.CorrectLetter); !ok || i >= len(q.Options) {
		errs = append(errs, fmt.Errorf("correct letter %q does not index into %d options", q.CorrectLetter, len(q.Options)))
	}
	if strings.TrimSpace(q.Category) == "" {
		errs = append(errs, errors.New("category is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("question %q: %w", q.ID, err)
	}
	return nil
}

// seedQuestion mirrors the JSON layout of the seed question banks.
type seedQuestion struct {
	ID            any      `json:"id"`
	Text          string   `json:"questionText"`
	Options       []string `json:"options"`
	CorrectLetter string   `json:"correctAnswerLetter"`
	Explanation   string   `json:"explanation"`
	Category      string   `json:"category"`
	Topic         string   `json:"topic"`
}

// ParseSeed decodes a seed bank. Category overrides the per-record value when
// set. Invalid records are skipped and reported in the returned error.
func ParseSeed(r io.Reader, category string) ([]Question, error) {
	var raw []seedQuestion
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	var out []Question
	var errs []error
	for _, s := range raw {
		q := Question{
			ID:            idString(s.ID),
			Text:          s.Text,
			Options:       s.Options,
			CorrectLetter: NormalizeLetter(s.CorrectLetter),
			Explanation:   s.Explanation,
			Category:      s.Category,
			Topic:         s.Topic,
		}
		if category != "" {
			q.Category = category
		}
		if err := ValidateQuestion(q); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, q)
	}
	return out, errors.Join(errs...)
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// Shuffle returns a Fisher-Yates shuffled copy.
func Shuffle[T any](in []T) []T {
	out := append([]T(nil), in...)
	for i := len(out) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
