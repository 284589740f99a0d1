package corrector

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mind-engage/nmcprep/internal/practice"
)

var ErrValidation = errors.New("invalid generator response")

const (
	minExplanation = 10
	maxExplanation = 2000
)

var validLetters = "ABCDE"

// refusalPhrases mark explanations that are model refusals or error text.
var refusalPhrases = []string{
	"i cannot",
	"i am unable",
	"as an ai",
	"error occurred",
	"something went wrong",
	"try again",
}

type rawCorrection struct {
	ID                  any    `json:"id"`
	CorrectAnswerLetter string `json:"correctAnswerLetter"`
	Explanation         string `json:"explanation"`
}

// parseBatch validates a generator response against the batch it answers.
// Any invalid item fails the whole batch.
func parseBatch(raw string, batch []practice.Question) ([]practice.Correction, error) {
	var items []rawCorrection
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: not a JSON array: %v", ErrValidation, err)
	}
	if len(items) != len(batch) {
		return nil, fmt.Errorf("%w: length mismatch: expected %d, got %d", ErrValidation, len(batch), len(items))
	}

	byID := make(map[string]practice.Question, len(batch))
	for _, q := range batch {
		byID[q.ID] = q
	}
	seen := make(map[string]bool, len(items))
	out := make([]practice.Correction, 0, len(items))
	var errs []error
	for i, it := range items {
		c, err := validateItem(it, byID)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		if seen[c.QuestionID] {
			errs = append(errs, fmt.Errorf("item %d: duplicate id %s", i, c.QuestionID))
			continue
		}
		seen[c.QuestionID] = true
		out = append(out, c)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return out, nil
}

func validateItem(it rawCorrection, batch map[string]practice.Question) (practice.Correction, error) {
	id := idString(it.ID)
	if id == "" {
		return practice.Correction{}, errors.New("missing id")
	}
	q, ok := batch[id]
	if !ok {
		return practice.Correction{}, fmt.Errorf("question id %s not found in batch", id)
	}
	letter := practice.NormalizeLetter(it.CorrectAnswerLetter)
	if len(letter) != 1 || !strings.Contains(validLetters, letter) {
		return practice.Correction{}, fmt.Errorf("question id %s: invalid letter %q", id, it.CorrectAnswerLetter)
	}
	if idx, _ := practice.IndexForLetter(letter); idx >= len(q.Options) {
		return practice.Correction{}, fmt.Errorf("question id %s: letter %s beyond %d options", id, letter, len(q.Options))
	}
	expl := strings.TrimSpace(it.Explanation)
	if err := validateExplanation(expl); err != nil {
		return practice.Correction{}, fmt.Errorf("question id %s: %w", id, err)
	}
	return practice.Correction{QuestionID: id, Version: q.Version, Letter: letter, Explanation: expl}, nil
}

func validateExplanation(expl string) error {
	if len(expl) < minExplanation {
		return fmt.Errorf("explanation too short (%d chars)", len(expl))
	}
	if len(expl) > maxExplanation {
		return fmt.Errorf("explanation too long (%d chars)", len(expl))
	}
	low := strings.ToLower(expl)
	for _, p := range refusalPhrases {
		if strings.Contains(low, p) {
			return fmt.Errorf("explanation contains %q", p)
		}
	}
	return nil
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}
