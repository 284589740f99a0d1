package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/nmcprep/internal/practice"
	"github.com/mind-engage/nmcprep/internal/rbac"
	"github.com/mind-engage/nmcprep/internal/review"
	"github.com/mind-engage/nmcprep/internal/session"
)

// GET /api/config/options
func ConfigOptionsHandler() http.HandlerFunc {
	opts := practice.Options()
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, opts)
	}
}

type startResponse struct {
	Session   practice.Session    `json:"session"`
	Runner    session.Snapshot    `json:"runner"`
	Questions []practice.Question `json:"questions"`
}

// POST /api/sessions  {"mode":"category","count":50,"category":"Combined"}
func StartSessionHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg practice.SessionConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := cfg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		run, err := svc.Start(r.Context(), rbac.SubjectFromContext(r.Context()), cfg)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, startResponse{
			Session:   run.Session(),
			Runner:    run.Snapshot(),
			Questions: run.Questions(),
		})
	}
}

// GET /api/sessions?user_id=...&status=in_progress|ended&limit=50&offset=0
// Without session:view-all the user_id is forced to the caller.
func ListSessionsHandler(store practice.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" || !rbac.Allowed(ctx, rbac.PermSessionViewAll) {
			userID = rbac.SubjectFromContext(ctx)
		}
		list, err := store.ListSessions(ctx, practice.ListOpts{
			UserID: userID,
			Status: strings.TrimSpace(r.URL.Query().Get("status")),
			Limit:  parseIntDefault(r.URL.Query().Get("limit"), 50),
			Offset: parseIntDefault(r.URL.Query().Get("offset"), 0),
		})
		if err != nil {
			httpError(w, err)
			return
		}
		if list == nil {
			list = []practice.Session{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// sessionOwner resolves {id} to the user who started the session.
func sessionOwner(store practice.Store) rbac.OwnerFunc {
	return func(r *http.Request) (string, error) {
		sess, err := store.GetSession(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, practice.ErrNotFound) {
			return "", fmt.Errorf("session %s: %w", chi.URLParam(r, "id"), rbac.ErrNoResource)
		}
		return sess.UserID, err
	}
}

// GET /api/sessions/{id}
func GetSessionHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// PUT /api/sessions/{id}/answers/{questionID}  {"letter":"B"}; an empty letter clears.
func AnswerHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Letter string `json:"letter"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		snap, err := svc.Answer(r.Context(), rbac.SubjectFromContext(r.Context()),
			chi.URLParam(r, "id"), chi.URLParam(r, "questionID"), req.Letter)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// POST /api/sessions/{id}/navigate  {"index":3}
func NavigateHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Index int `json:"index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		snap, err := svc.Navigate(r.Context(), rbac.SubjectFromContext(r.Context()), chi.URLParam(r, "id"), req.Index)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// POST /api/sessions/{id}/submit
// A persistence failure answers 503 with the locally computed result so the
// client can show it and retry.
func SubmitHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Submit(r.Context(), rbac.SubjectFromContext(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			if res.SessionID != "" {
				writeJSON(w, http.StatusServiceUnavailable, res)
				return
			}
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// GET /api/sessions/{id}/review
func ReviewHandler(reviews *review.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rv, err := reviews.Load(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rv)
	}
}
