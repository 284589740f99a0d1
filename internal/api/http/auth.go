package http

import (
	"net/http"
	"time"

	"github.com/mind-engage/nmcprep/internal/auth"
	authmw "github.com/mind-engage/nmcprep/internal/auth/middleware"
	"github.com/mind-engage/nmcprep/internal/rbac"
	"github.com/mind-engage/nmcprep/internal/review"
)

// GET /api/auth/session
func AuthSessionHandler(hub *auth.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Session(r.Context()))
	}
}

// POST /api/auth/refresh
func RefreshHandler(hub *auth.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fresh, err := hub.Refresh(r.Context(), authmw.TokenFromRequest(r))
		if err != nil {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		if _, err := r.Cookie(authmw.AccessCookie); err == nil {
			http.SetCookie(w, &http.Cookie{Name: authmw.AccessCookie, Value: fresh, Path: "/", HttpOnly: true,
				Secure: r.TLS != nil, SameSite: http.SameSiteLaxMode, Expires: time.Now().Add(8 * time.Hour)})
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": fresh})
	}
}

// POST /api/auth/logout
func LogoutHandler(hub *auth.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := hub.SignOut(r.Context(), rbac.SubjectFromContext(r.Context())); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: authmw.AccessCookie, Value: "", Path: "/", Expires: time.Unix(0, 0), MaxAge: -1})
		w.WriteHeader(http.StatusNoContent)
	}
}

// GET /api/me: profile plus dashboard stats.
func MeHandler(hub *auth.Hub, reviews *review.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := hub.CurrentUser(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		stats, err := reviews.Stats(r.Context(), u.ID)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":       u,
			"first_name": u.FirstName(),
			"stats":      stats,
		})
	}
}
