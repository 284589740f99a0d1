package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mind-engage/nmcprep/internal/practice"
)

const systemEducator = "You are a helpful medical/health education assistant for nurses preparing for the NMC test of competence."

// Correction is the single-question verdict.
type Correction struct {
	IsAnswerCorrect     bool   `json:"isAnswerCorrect"`
	CorrectAnswerLetter string `json:"correctAnswerLetter"`
	Explanation         string `json:"explanation"`
}

// GeneratedQuestion is one question produced for a topic.
type GeneratedQuestion struct {
	QuestionText        string   `json:"questionText"`
	Options             []string `json:"options"`
	CorrectAnswerLetter string   `json:"correctAnswerLetter"`
	Explanation         string   `json:"explanation"`
	Topic               string   `json:"topic"`
}

// Generator is the Explanation Generator: single corrections, batch
// corrections and topic question generation over one Provider.
type Generator struct {
	provider    Provider
	transcripts *Transcripts
}

func NewGenerator(p Provider, t *Transcripts) *Generator {
	return &Generator{provider: p, transcripts: t}
}

func (g *Generator) call(ctx context.Context, req Request) (Response, error) {
	VerboseLog("genai: %s prompt:\n%s", req.Op, req.Prompt)
	resp, err := g.provider.Complete(ctx, req)
	g.transcripts.Record(req, resp, err)
	if err != nil {
		return Response{}, err
	}
	VerboseLog("genai: %s response via %s:\n%s", req.Op, resp.Provider, resp.Content)
	return resp, nil
}

// Explain judges the stored answer of one question and writes an explanation.
func (g *Generator) Explain(ctx context.Context, q practice.Question) (Correction, error) {
	resp, err := g.call(ctx, Request{
		Op:       "explain",
		System:   systemEducator,
		Prompt:   buildExplainPrompt(q),
		ToolName: "record_correction",
		ToolDesc: "Record whether the stored answer is correct, the correct letter and an explanation",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"isAnswerCorrect":     map[string]any{"type": "boolean", "description": "True if the stored answer is correct"},
				"correctAnswerLetter": letterSchema(len(q.Options)),
				"explanation":         map[string]any{"type": "string", "description": "About 5 sentences explaining why the correct answer is correct"},
			},
			"required": []string{"isAnswerCorrect", "correctAnswerLetter", "explanation"},
		},
	})
	if err != nil {
		return Correction{}, fmt.Errorf("failed to explain question %s: %w", q.ID, err)
	}
	var c Correction
	if err := json.Unmarshal([]byte(CleanJSON(resp.Content)), &c); err != nil {
		return Correction{}, fmt.Errorf("failed to parse correction: %w", err)
	}
	c.CorrectAnswerLetter = practice.NormalizeLetter(c.CorrectAnswerLetter)
	if i, ok := practice.IndexForLetter(c.CorrectAnswerLetter); !ok || i >= len(q.Options) {
		return Correction{}, fmt.Errorf("correction letter %q out of range", c.CorrectAnswerLetter)
	}
	if strings.TrimSpace(c.Explanation) == "" {
		return Correction{}, errors.New("empty explanation")
	}
	return c, nil
}

// CorrectBatch asks for {id, correctAnswerLetter, explanation} per question and
// returns the raw JSON array, aligned with the batch order. The caller validates it.
func (g *Generator) CorrectBatch(ctx context.Context, qs []practice.Question) (string, error) {
	resp, err := g.call(ctx, Request{
		Op:       "correct-batch",
		System:   systemEducator,
		Prompt:   buildBatchPrompt(qs),
		ToolName: "record_corrections",
		ToolDesc: "Record the verified answer and explanation for every question, in the order given",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"corrections": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":                  map[string]any{"type": "string", "description": "The question id exactly as given"},
							"correctAnswerLetter": letterSchema(5),
							"explanation":         map[string]any{"type": "string", "description": "Why the correct answer is correct"},
						},
						"required": []string{"id", "correctAnswerLetter", "explanation"},
					},
				},
			},
			"required": []string{"corrections"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to correct batch: %w", err)
	}
	raw := CleanJSON(resp.Content)
	var wrap struct {
		Corrections json.RawMessage `json:"corrections"`
	}
	if err := json.Unmarshal([]byte(raw), &wrap); err == nil && len(wrap.Corrections) > 0 {
		return string(wrap.Corrections), nil
	}
	return raw, nil
}

// GenerateTopicQuestions produces up to n new questions for topic. Malformed
// items are dropped; the survivors carry fresh ids and is_ai_generated.
func (g *Generator) GenerateTopicQuestions(ctx context.Context, topic string, n int) ([]practice.Question, error) {
	if n <= 0 {
		return nil, nil
	}
	resp, err := g.call(ctx, Request{
		Op:       "generate-topic",
		System:   systemEducator,
		Prompt:   buildTopicPrompt(topic, n),
		ToolName: "create_questions",
		ToolDesc: "Create multiple-choice practice questions for the topic",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"questions": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"questionText":        map[string]any{"type": "string"},
							"options":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "4 or 5 answer options"},
							"correctAnswerLetter": letterSchema(5),
							"explanation":         map[string]any{"type": "string"},
							"topic":               map[string]any{"type": "string"},
						},
						"required": []string{"questionText", "options", "correctAnswerLetter", "explanation", "topic"},
					},
				},
			},
			"required": []string{"questions"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate questions for %q: %w", topic, err)
	}
	raw := CleanJSON(resp.Content)
	var wrap struct {
		Questions []GeneratedQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(raw), &wrap); err != nil {
		if err2 := json.Unmarshal([]byte(raw), &wrap.Questions); err2 != nil {
			return nil, fmt.Errorf("failed to parse generated questions: %w", err)
		}
	}

	out := make([]practice.Question, 0, len(wrap.Questions))
	for _, gq := range wrap.Questions {
		q := practice.Question{
			ID:            uuid.NewString(),
			Text:          strings.TrimSpace(gq.QuestionText),
			Options:       gq.Options,
			CorrectLetter: practice.NormalizeLetter(gq.CorrectAnswerLetter),
			Explanation:   strings.TrimSpace(gq.Explanation),
			Category:      "AI Generated",
			Topic:         topic,
			IsAIGenerated: true,
		}
		if err := practice.ValidateQuestion(q); err != nil {
			VerboseLog("genai: dropping generated question: %v", err)
			continue
		}
		out = append(out, q)
		if len(out) == n {
			break
		}
	}
	if len(out) == 0 {
		return nil, errors.New("generator returned no usable questions")
	}
	return out, nil
}

func letterSchema(n int) map[string]any {
	if n < 2 || n > 5 {
		n = 5
	}
	enum := make([]string, n)
	for i := range enum {
		enum[i] = practice.LetterForIndex(i)
	}
	return map[string]any{"type": "string", "enum": enum, "description": "Letter of the correct option"}
}

func writeOptions(sb *strings.Builder, opts []string) {
	for i, o := range opts {
		fmt.Fprintf(sb, "%s: %s\n", practice.LetterForIndex(i), o)
	}
}

func buildExplainPrompt(q practice.Question) string {
	var sb strings.Builder
	sb.WriteString("Check the stored answer for the following multiple-choice question. ")
	sb.WriteString("If it is wrong, give the correct letter. Then provide a brief explanation (~5 sentences) ")
	sb.WriteString("of why the correct answer is correct, focused on the core reasoning and free of unnecessary jargon.\n\n")
	fmt.Fprintf(&sb, "Question: %s\n\nOptions:\n", q.Text)
	writeOptions(&sb, q.Options)
	fmt.Fprintf(&sb, "\nStored Answer: %s\n", q.CorrectLetter)
	return sb.String()
}

func buildBatchPrompt(qs []practice.Question) string {
	var sb strings.Builder
	sb.WriteString("For each question below, verify the stored answer against current UK nursing practice. ")
	sb.WriteString("Return exactly one correction per question, in the same order, echoing the id exactly. ")
	sb.WriteString("Each explanation should be 2-5 sentences.\n\n")
	for i, q := range qs {
		fmt.Fprintf(&sb, "### %d\nid: %s\nQuestion: %s\nOptions:\n", i+1, q.ID, q.Text)
		writeOptions(&sb, q.Options)
		fmt.Fprintf(&sb, "Stored Answer: %s\n\n", q.CorrectLetter)
	}
	return sb.String()
}

func buildTopicPrompt(topic string, n int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write %d distinct multiple-choice questions for nurses preparing for the NMC CBT.\n\n", n)
	fmt.Fprintf(&sb, "Topic: %s\n\n", topic)
	sb.WriteString("Requirements:\n")
	sb.WriteString("- Exactly one correct option per question, 4 or 5 options each\n")
	sb.WriteString("- Clinically accurate and aligned with UK practice\n")
	sb.WriteString("- Explanations of 2-5 sentences\n")
	fmt.Fprintf(&sb, "- Set topic to %q on every question\n", topic)
	return sb.String()
}

// CleanJSON strips markdown code fences and surrounding prose from model output.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "[{")
	if start <= 0 {
		return s
	}
	end := strings.LastIndexAny(s, "]}")
	if end < start {
		return s
	}
	return s[start : end+1]
}
