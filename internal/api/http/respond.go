package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/mind-engage/nmcprep/internal/genai"
	"github.com/mind-engage/nmcprep/internal/practice"
	"github.com/mind-engage/nmcprep/internal/review"
	"github.com/mind-engage/nmcprep/internal/session"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// httpError maps service errors onto status codes.
func httpError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, practice.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, practice.ErrConflict),
		errors.Is(err, practice.ErrEnded),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrAlreadySubmitting),
		errors.Is(err, review.ErrNotCompleted):
		code = http.StatusConflict
	case errors.Is(err, session.ErrUnknownQuestion),
		errors.Is(err, session.ErrBadLetter):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrNoQuestions):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, genai.ErrAllProvidersFailed),
		errors.Is(err, review.ErrBadVerdict):
		code = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= 500 {
		log.Printf("api: %v", err)
	}
	http.Error(w, err.Error(), code)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil && v >= 0 {
		return v
	}
	return def
}
