package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "github.com/mind-engage/nmcprep/internal/api/http"
	"github.com/mind-engage/nmcprep/internal/auth"
	authmw "github.com/mind-engage/nmcprep/internal/auth/middleware"
	"github.com/mind-engage/nmcprep/internal/config"
	"github.com/mind-engage/nmcprep/internal/corrector"
	"github.com/mind-engage/nmcprep/internal/db"
	"github.com/mind-engage/nmcprep/internal/genai"
	"github.com/mind-engage/nmcprep/internal/localstate"
	"github.com/mind-engage/nmcprep/internal/practice"
	"github.com/mind-engage/nmcprep/internal/review"
	"github.com/mind-engage/nmcprep/internal/session"
	"github.com/mind-engage/nmcprep/internal/storage"
	syncx "github.com/mind-engage/nmcprep/internal/sync"
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- DB ---
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	dbh, store, err := openStore(openCtx, cfg)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	defer dbh.Close()
	events := syncx.NewEventRepo(dbh)
	profiles := auth.NewProfiles(dbh)

	// --- Blob store + generator ---
	bs, err := storage.NewFSStore(cfg.BlobBasePath)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}
	genai.SetVerbose(cfg.GenAIVerbose)
	gen := newGenerator(cfg, bs)

	// --- Local state cache ---
	var (
		state   localstate.Store = localstate.NewMemory(cfg.StateTTL)
		stateMW func(http.Handler) http.Handler
		rdb     *redis.Client
	)
	switch cfg.StateDriver {
	case "redis":
		if rdb, err = localstate.DialRedis(openCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		state = localstate.NewRedis(rdb, cfg.StateTTL)
	case "cookie":
		ck := localstate.NewCookie([]byte(cfg.CookieSecret), cfg.Mode == config.ModeOnline)
		state, stateMW = localstate.Nop{}, ck.Middleware
	}

	// --- Sessions, corrector, review ---
	sessOpts := []session.Option{
		session.WithNames(profiles),
		session.WithLocalState(state),
		session.WithEvents(events),
	}
	var mgr *corrector.Manager
	var explainer review.Explainer = offlineExplainer{}
	var topics api.TopicGenerator
	if gen != nil {
		explainer, topics = gen, gen
		sessOpts = append(sessOpts, session.WithGenerator(gen))
		if cfg.CorrectorEnabled {
			c := corrector.New(gen, store,
				corrector.WithBatchSize(cfg.CorrectorBatchSize),
				corrector.WithFailureRecorder(corrector.NewFailureLog(dbh, events)))
			mgr = corrector.NewManager(c, events)
			mgr.OnDone(func(id string, t corrector.Tally) {
				log.Printf("corrector: session %s: %d processed, %d succeeded, %d failed", id, t.TotalProcessed, t.TotalSucceeded, t.TotalFailed)
			})
			sessOpts = append(sessOpts, session.WithCorrections(mgr))
		}
	}
	sessions := session.NewService(store, sessOpts...)
	reviews := review.NewService(store, explainer, profiles, events)

	// --- Auth ---
	tokens := authmw.NewAuthService(cfg.AuthSecret)
	hubOpts := []auth.HubOption{
		auth.WithEvents(events),
		auth.WithPublicURL(cfg.PublicURL),
		auth.WithSecureCookies(cfg.Mode == config.ModeOnline),
	}
	if cfg.EnableGoogleAuth {
		hubOpts = append(hubOpts, auth.WithGoogle(auth.NewGoogle(cfg)))
	}
	hub := auth.NewHub(tokens, profiles, hubOpts...)
	if err := hub.Init(ctx); err != nil {
		log.Fatalf("auth: %v", err)
	}
	defer hub.Teardown()
	if mgr != nil {
		hub.Subscribe(func(e auth.Event) {
			if e.Kind == auth.SignedOut {
				mgr.CancelUser(e.UserID)
			}
		})
	}

	// --- Router ---
	r := api.NewRouter(api.Deps{
		DB:                dbh,
		Store:             store,
		Sessions:          sessions,
		Reviews:           reviews,
		Hub:               hub,
		Tokens:            tokens,
		Generator:         topics,
		Blobs:             bs,
		State:             state,
		StateMiddleware:   stateMW,
		EnableLocalAuth:   cfg.EnableLocalAuth,
		AdminUser:         cfg.AdminUser,
		AdminPassHash:     cfg.AdminPassHash,
		RoleClaimFallback: cfg.Mode == config.ModeOffline,
		CORSOrigins:       cfg.CORSOrigins(),
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("listening on %s (mode=%s, db=%s, state=%s)", cfg.HTTPAddr, cfg.Mode, cfg.DBDriver, cfg.StateDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()
	<-ctx.Done()

	log.Printf("shutting down")
	shutCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	sessions.Close()
	if mgr != nil {
		if err := mgr.Shutdown(shutCtx); err != nil {
			log.Printf("corrector shutdown: %v", err)
		}
	}
}

// openStore returns the handle for users, profiles and the event log, and the
// question store. DB_DRIVER=memory keeps questions in process and the rest in
// an in-memory sqlite database.
func openStore(ctx context.Context, cfg config.Config) (*sql.DB, practice.Store, error) {
	if cfg.DBDriver == "memory" {
		dbh, err := db.Open(ctx, db.DriverSQLite, "file:nmcprep-mem?mode=memory&cache=shared")
		if err != nil {
			return nil, nil, err
		}
		return dbh, practice.NewMemoryStore(), nil
	}
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	return dbh, practice.NewSQLStore(dbh, cfg.DBDriver), nil
}

// newGenerator builds the primary/fallback chain, or nil without an API key.
func newGenerator(cfg config.Config, bs storage.BlobStore) *genai.Generator {
	if cfg.OpenAIKey == "" {
		log.Printf("genai: OPENAI_API_KEY not set; explanations and correction disabled")
		return nil
	}
	chain := genai.Chain{
		genai.NewOpenAIProvider(cfg.OpenAIKey, cfg.GenAIBaseURL, cfg.PrimaryModel, cfg.GenAITimeout),
	}
	if cfg.FallbackModel != "" && cfg.FallbackModel != cfg.PrimaryModel {
		chain = append(chain, genai.NewOpenAIProvider(cfg.OpenAIKey, cfg.GenAIBaseURL, cfg.FallbackModel, cfg.GenAITimeout))
	}
	var tr *genai.Transcripts
	if !cfg.TranscriptsOff {
		tr = genai.NewTranscripts(bs)
	}
	return genai.NewGenerator(chain, tr)
}

// offlineExplainer answers regeneration requests when no generator is configured.
type offlineExplainer struct{}

func (offlineExplainer) Explain(context.Context, practice.Question) (genai.Correction, error) {
	return genai.Correction{}, genai.ErrAllProvidersFailed
}
