package genai_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mind-engage/nmcprep/internal/genai"
	"github.com/mind-engage/nmcprep/internal/practice"
	"github.com/mind-engage/nmcprep/internal/storage"
)

type fakeProvider struct {
	name    string
	content string
	err     error
	calls   int
	last    genai.Request
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Complete(_ context.Context, req genai.Request) (genai.Response, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return genai.Response{}, f.err
	}
	return genai.Response{Content: f.content}, nil
}

var sample = practice.Question{
	ID: "q1", Text: "Normal adult resting heart rate?", Options: []string{"40-59", "60-100", "101-120", "121-140"}, CorrectLetter: "A",
}

func TestChainFallsBackInOrder(t *testing.T) {
	primary := &fakeProvider{name: "big", err: errors.New("overloaded")}
	secondary := &fakeProvider{name: "small", content: `{"ok":true}`}
	third := &fakeProvider{name: "never"}

	resp, err := genai.Chain{primary, secondary, third}.Complete(context.Background(), genai.Request{Op: "t"})
	require.NoError(t, err)
	require.Equal(t, "small", resp.Provider)
	require.Equal(t, 1, primary.calls)
	require.Equal(t, 1, secondary.calls)
	require.Equal(t, 0, third.calls)
}

func TestChainAllFail(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("boom-a")}
	b := &fakeProvider{name: "b", err: errors.New("boom-b")}
	_, err := genai.Chain{a, b}.Complete(context.Background(), genai.Request{})
	require.ErrorIs(t, err, genai.ErrAllProvidersFailed)
	require.Contains(t, err.Error(), "boom-a")
	require.Contains(t, err.Error(), "boom-b")

	_, err = genai.Chain{}.Complete(context.Background(), genai.Request{})
	require.ErrorIs(t, err, genai.ErrAllProvidersFailed)
}

func TestChainStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakeProvider{name: "a"}
	_, err := genai.Chain{p}.Complete(ctx, genai.Request{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, p.calls)
}

func TestExplainParsesAndValidates(t *testing.T) {
	p := &fakeProvider{name: "p", content: "```json\n{\"isAnswerCorrect\":false,\"correctAnswerLetter\":\"b\",\"explanation\":\"A normal adult resting rate is 60 to 100 bpm.\"}\n```"}
	g := genai.NewGenerator(p, nil)
	c, err := g.Explain(context.Background(), sample)
	require.NoError(t, err)
	require.False(t, c.IsAnswerCorrect)
	require.Equal(t, "B", c.CorrectAnswerLetter)
	require.Equal(t, "record_correction", p.last.ToolName)
	require.Contains(t, p.last.Prompt, "B: 60-100")
	require.Contains(t, p.last.Prompt, "Stored Answer: A")

	p.content = `{"isAnswerCorrect":true,"correctAnswerLetter":"E","explanation":"x"}`
	_, err = g.Explain(context.Background(), sample)
	require.Error(t, err, "E does not index into four options")
}

func TestCorrectBatchUnwrapsArray(t *testing.T) {
	p := &fakeProvider{name: "p", content: `{"corrections":[{"id":"q1","correctAnswerLetter":"B","explanation":"..."}]}`}
	g := genai.NewGenerator(p, nil)
	raw, err := g.CorrectBatch(context.Background(), []practice.Question{sample})
	require.NoError(t, err)
	var arr []map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &arr))
	require.Len(t, arr, 1)
	require.Contains(t, p.last.Prompt, "id: q1")

	p.content = "Here you go:\n[{\"id\":\"q1\"}]"
	raw, err = g.CorrectBatch(context.Background(), []practice.Question{sample})
	require.NoError(t, err)
	require.Equal(t, `[{"id":"q1"}]`, raw)
}

func TestGenerateTopicQuestionsDropsInvalid(t *testing.T) {
	p := &fakeProvider{name: "p", content: `{"questions":[
		{"questionText":"Which electrolyte...?","options":["Na","K","Ca","Mg"],"correctAnswerLetter":"b","explanation":"Potassium.","topic":"x"},
		{"questionText":"Broken","options":["only"],"correctAnswerLetter":"A","explanation":"","topic":"x"}
	]}`}
	g := genai.NewGenerator(p, nil)
	qs, err := g.GenerateTopicQuestions(context.Background(), "Fluids & Electrolytes/Acid-Base Balance", 2)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	require.True(t, qs[0].IsAIGenerated)
	require.Equal(t, "B", qs[0].CorrectLetter)
	require.Equal(t, "Fluids & Electrolytes/Acid-Base Balance", qs[0].Topic)
	require.NotEmpty(t, qs[0].ID)

	p.content = `{"questions":[]}`
	_, err = g.GenerateTopicQuestions(context.Background(), "Respiratory", 2)
	require.Error(t, err)
}

func TestTranscriptsAreWritten(t *testing.T) {
	blobs, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	p := &fakeProvider{name: "p", content: `{"isAnswerCorrect":true,"correctAnswerLetter":"A","explanation":"Because it is."}`}
	g := genai.NewGenerator(p, genai.NewTranscripts(blobs))
	_, err = g.Explain(context.Background(), sample)
	require.NoError(t, err)

	keys, err := blobs.List("genai/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	rc, err := blobs.Get(keys[0])
	require.NoError(t, err)
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	require.Contains(t, string(b), "=== explain ===")
	require.Contains(t, string(b), "Because it is.")
}

func TestCleanJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n[1,2]\n```": "[1,2]",
		"```\n{\"a\":1}```":    `{"a":1}`,
		"  [1] ":              "[1]",
		"Sure! {\"a\":1} ok":   `{"a":1}`,
		"no json here":        "no json here",
	}
	for in, want := range cases {
		if got := genai.CleanJSON(in); got != want {
			t.Fatalf("CleanJSON(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestOpenAIProviderForcesToolCall(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
				"tool_calls":[{"id":"call_1","type":"function","function":{"name":"record_correction","arguments":"{\"isAnswerCorrect\":true}"}}]}}]
		}`))
	}))
	defer srv.Close()

	p := genai.NewOpenAIProvider("test-key", srv.URL+"/v1", "gpt-4o-mini", 5*time.Second)
	require.Equal(t, "openai:gpt-4o-mini", p.Name())
	resp, err := p.Complete(context.Background(), genai.Request{
		System: "sys", Prompt: "hi", ToolName: "record_correction",
		Schema: map[string]any{"type": "object"},
	})
	require.NoError(t, err)
	require.Equal(t, `{"isAnswerCorrect":true}`, resp.Content)
	require.Equal(t, "gpt-4o-mini", gotBody["model"])
	choice, ok := gotBody["tool_choice"].(map[string]any)
	require.True(t, ok, "tool_choice should be an object")
	require.Equal(t, "function", choice["type"])
}

func TestOpenAIProviderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	p := genai.NewOpenAIProvider("k", srv.URL+"/v1", "gpt-4o", time.Second)
	_, err := p.Complete(context.Background(), genai.Request{Prompt: "hi"})
	require.Error(t, err)
}
