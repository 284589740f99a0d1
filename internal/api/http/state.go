package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/nmcprep/internal/localstate"
	"github.com/mind-engage/nmcprep/internal/rbac"
)

// stateKey is the caller's own key: per session when the route has {id}.
func stateKey(r *http.Request) string {
	sub := rbac.SubjectFromContext(r.Context())
	if id := chi.URLParam(r, "id"); id != "" {
		return localstate.SessionKey(sub, id)
	}
	return localstate.UserKey(sub)
}

// GET /api/state, GET /api/sessions/{id}/state
func GetStateHandler(fallback localstate.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := localstate.FromContext(r.Context(), fallback).Load(r.Context(), stateKey(r))
		if !ok {
			http.Error(w, "no saved state", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// PUT /api/state, PUT /api/sessions/{id}/state
func PutStateHandler(fallback localstate.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var st localstate.State
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		localstate.FromContext(r.Context(), fallback).Save(r.Context(), stateKey(r), st)
		w.WriteHeader(http.StatusNoContent)
	}
}
