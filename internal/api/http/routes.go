package http

import (
	"database/sql"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mind-engage/nmcprep/internal/auth"
	authmw "github.com/mind-engage/nmcprep/internal/auth/middleware"
	"github.com/mind-engage/nmcprep/internal/localstate"
	"github.com/mind-engage/nmcprep/internal/practice"
	"github.com/mind-engage/nmcprep/internal/rbac"
	"github.com/mind-engage/nmcprep/internal/review"
	"github.com/mind-engage/nmcprep/internal/session"
	"github.com/mind-engage/nmcprep/internal/storage"
)

// Deps is everything the router mounts. Optional parts may be nil.
type Deps struct {
	DB       *sql.DB
	Store    practice.Store
	Sessions *session.Service
	Reviews  *review.Service
	Hub      *auth.Hub
	Tokens   *authmw.AuthService

	Generator TopicGenerator    // optional
	Blobs     storage.BlobStore // optional
	State     localstate.Store
	// StateMiddleware binds a request-scoped state store, e.g. the cookie backend.
	StateMiddleware func(http.Handler) http.Handler

	EnableLocalAuth bool
	AdminUser       string
	AdminPassHash   string
	// RoleClaimFallback trusts the token role when the users table has no row.
	RoleClaimFallback bool
	CORSOrigins       []string
}

func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", ReadyHandler(d.DB))

	// Public auth surfaces
	if d.EnableLocalAuth {
		r.Post("/auth/login", authmw.LoginHandler(d.Tokens, d.AdminUser, d.AdminPassHash))
	}
	r.Get("/api/auth/google/login", d.Hub.SignIn)
	r.Get("/api/auth/google/callback", d.Hub.Callback)
	r.Get("/api/auth/recovery", d.Hub.Recovery)

	// Protected API (JWT → role from DB → RBAC)
	r.Group(func(pr chi.Router) {
		pr.Use(authmw.JWTMiddleware(d.Tokens))
		pr.Use(authmw.AttachRoleFromDB(d.DB, authmw.RoleOptions{
			AdminUser:     d.AdminUser,
			ClaimFallback: d.RoleClaimFallback,
		}))
		if d.StateMiddleware != nil {
			pr.Use(d.StateMiddleware)
		}

		viewSession := []func(http.Handler) http.Handler{
			rbac.RequireAny(rbac.PermSessionViewOwn, rbac.PermSessionViewAll),
			rbac.RequireOwnerOr(rbac.PermSessionViewAll, sessionOwner(d.Store)),
		}

		// The countdown socket outlives the request timeout below.
		pr.With(viewSession...).
			Get("/api/sessions/{id}/ws", CountdownWSHandler(d.Store, d.Sessions, originChecker(d.CORSOrigins)))

		pr.Group(func(pr chi.Router) {
			pr.Use(middleware.Timeout(90 * time.Second))

			pr.Get("/api/auth/session", AuthSessionHandler(d.Hub))
			pr.Post("/api/auth/refresh", RefreshHandler(d.Hub))
			pr.Post("/api/auth/logout", LogoutHandler(d.Hub))
			pr.With(rbac.Require(rbac.PermProfileView)).Get("/api/me", MeHandler(d.Hub, d.Reviews))
			pr.Get("/api/config/options", ConfigOptionsHandler())

			pr.With(rbac.Require(rbac.PermSessionCreate)).
				Post("/api/sessions", StartSessionHandler(d.Sessions))
			pr.With(rbac.RequireAny(rbac.PermSessionViewOwn, rbac.PermSessionViewAll)).
				Get("/api/sessions", ListSessionsHandler(d.Store))
			pr.With(viewSession...).
				Get("/api/sessions/{id}", GetSessionHandler(d.Sessions))
			pr.With(rbac.Require(rbac.PermSessionAnswer)).
				Put("/api/sessions/{id}/answers/{questionID}", AnswerHandler(d.Sessions))
			pr.With(rbac.Require(rbac.PermSessionAnswer)).
				Post("/api/sessions/{id}/navigate", NavigateHandler(d.Sessions))
			pr.With(rbac.Require(rbac.PermSessionSubmit)).
				Post("/api/sessions/{id}/submit", SubmitHandler(d.Sessions))
			pr.With(viewSession...).
				Get("/api/sessions/{id}/review", ReviewHandler(d.Reviews))

			pr.With(rbac.Require(rbac.PermQuestionRegenerate)).
				Post("/api/questions/{id}/explanation", RegenerateExplanationHandler(d.Reviews))
			pr.With(rbac.Require(rbac.PermQuestionGenerate)).
				Post("/api/questions/generate", GenerateQuestionsHandler(d.Generator, d.Store))
			pr.With(rbac.Require(rbac.PermQuestionImport)).
				Post("/api/questions/import", ImportQuestionsHandler(d.Store))

			pr.With(rbac.Require(rbac.PermStateRW)).Get("/api/state", GetStateHandler(d.State))
			pr.With(rbac.Require(rbac.PermStateRW)).Put("/api/state", PutStateHandler(d.State))
			pr.With(rbac.Require(rbac.PermStateRW)).Get("/api/sessions/{id}/state", GetStateHandler(d.State))
			pr.With(rbac.Require(rbac.PermStateRW)).Put("/api/sessions/{id}/state", PutStateHandler(d.State))

			pr.With(rbac.Require(rbac.PermUsersManage)).Get("/api/admin/users", ListUsersHandler(d.DB))
			pr.With(rbac.Require(rbac.PermUsersManage)).
				Patch("/api/admin/users/{userID}/role", AdminUpdateUserRoleHandler(d.DB))
			if d.Blobs != nil {
				pr.With(rbac.Require(rbac.PermTranscriptsView)).Route("/api/admin/transcripts", func(tr chi.Router) {
					MountTranscripts(tr, d.Blobs)
				})
			}
		})
	})
	return r
}

// GET /readyz: 503 until the database answers.
func ReadyHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

// originChecker accepts same-host upgrades and the CORS allow-list.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}
