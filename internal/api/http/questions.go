package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/nmcprep/internal/practice"
	"github.com/mind-engage/nmcprep/internal/review"
)

// TopicGenerator produces new topic questions.
type TopicGenerator interface {
	GenerateTopicQuestions(ctx context.Context, topic string, n int) ([]practice.Question, error)
}

// POST /api/questions/{id}/explanation  {"version":3}
// version is the question version the client rendered; 0 skips the check.
func RegenerateExplanationHandler(reviews *review.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Version int `json:"version"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
		}
		q, err := reviews.Regenerate(r.Context(), chi.URLParam(r, "id"), req.Version)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	}
}

// POST /api/questions/generate  {"topic":"Pharmacology","count":10}
func GenerateQuestionsHandler(gen TopicGenerator, store practice.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gen == nil {
			http.Error(w, "generator not configured", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Topic string `json:"topic"`
			Count int    `json:"count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if !slices.Contains(practice.Topics, req.Topic) {
			http.Error(w, "unknown topic", http.StatusBadRequest)
			return
		}
		if req.Count < 1 || req.Count > 30 {
			http.Error(w, "count must be 1-30", http.StatusBadRequest)
			return
		}
		qs, err := gen.GenerateTopicQuestions(r.Context(), req.Topic, req.Count)
		if err != nil {
			httpError(w, err)
			return
		}
		if err := store.InsertQuestions(r.Context(), qs); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"inserted": len(qs), "questions": qs})
	}
}

// POST /api/questions/import?category=Medicine
// Body is a JSON seed array, raw or as multipart file=. Invalid records are
// skipped and listed under "rejected".
func ImportQuestionsHandler(store practice.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var src io.Reader = r.Body
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, "file required", http.StatusBadRequest)
				return
			}
			defer f.Close()
			src = f
		}
		br := bufio.NewReader(src)
		if b, err := peekNonSpace(br); err != nil || b != '[' {
			http.Error(w, "expected JSON array", http.StatusBadRequest)
			return
		}
		qs, verr := practice.ParseSeed(br, strings.TrimSpace(r.URL.Query().Get("category")))
		if len(qs) == 0 && verr != nil {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		if err := store.InsertQuestions(r.Context(), qs); err != nil {
			httpError(w, err)
			return
		}
		resp := map[string]any{"inserted": len(qs)}
		if verr != nil {
			log.Printf("api: import skipped records: %v", verr)
			resp["rejected"] = strings.Split(verr.Error(), "\n")
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b != ' ' && b != '\n' && b != '\r' && b != '\t' {
			return b, br.UnreadByte()
		}
	}
}
