package grading

import (
	"context"
	"errors"
	"strings"
)

// Q is a minimal view of a question needed for grading.
type Q struct {
	Type      string
	Points    float64
	AnswerKey []string
}

// Result is the outcome of grading a single question response.
type Result struct {
	Correct    bool
	AutoPoints float64
	MaxPoints  float64
}

// Strategy grades a single question.
type Strategy interface {
	Grade(ctx context.Context, q Q, response string) (Result, error)
}

// Grader routes by question type to the correct Strategy.
type Grader interface {
	Grade(ctx context.Context, q Q, response string) (Result, error)
}

var ErrNoStrategy = errors.New("no strategy for question type")

type defaultGrader struct {
	strategies map[string]Strategy
}

func (g *defaultGrader) Grade(ctx context.Context, q Q, response string) (Result, error) {
	s, ok := g.strategies[q.Type]
	if !ok {
		return Result{MaxPoints: q.Points}, ErrNoStrategy
	}
	return s.Grade(ctx, q, response)
}

type Option func(*config)

type config struct {
	caseSensitive bool
}

// WithCaseSensitive disables letter case folding.
func WithCaseSensitive(b bool) Option { return func(c *config) { c.caseSensitive = b } }

// NewDefaultGrader installs built-in strategies.
func NewDefaultGrader(opts ...Option) Grader {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	return &defaultGrader{
		strategies: map[string]Strategy{
			TypeMCQSingle: mcqSingleStrategy{caseSensitive: cfg.caseSensitive},
		},
	}
}

const TypeMCQSingle = "mcq_single"

type mcqSingleStrategy struct{ caseSensitive bool }

// Grade treats an empty response as unanswered: incorrect, never an error.
func (s mcqSingleStrategy) Grade(_ context.Context, q Q, response string) (Result, error) {
	res := Result{MaxPoints: q.Points}
	resp := strings.TrimSpace(response)
	if resp == "" {
		return res, nil
	}
	for _, k := range q.AnswerKey {
		k = strings.TrimSpace(k)
		if resp == k || (!s.caseSensitive && strings.EqualFold(resp, k)) {
			res.Correct = true
			res.AutoPoints = q.Points
			return res, nil
		}
	}
	return res, nil
}
