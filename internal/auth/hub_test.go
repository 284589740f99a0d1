package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	authmw "github.com/mind-engage/nmcprep/internal/auth/middleware"
	"github.com/mind-engage/nmcprep/internal/db"
	"github.com/mind-engage/nmcprep/internal/rbac"
	syncx "github.com/mind-engage/nmcprep/internal/sync"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	h, err := db.Open(context.Background(), db.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// fakeGoogle serves the token and userinfo endpoints.
func fakeGoogle(t *testing.T, ident Identity, allowedHD string) *Google {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"g-access","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer g-access" {
			http.Error(w, "no", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(ident)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &Google{
		oauth: oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURL:  "http://app.test/api/auth/google/callback",
			Endpoint:     oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
			Scopes:       []string{"openid", "email", "profile"},
		},
		allowedHD:   allowedHD,
		userinfoURL: srv.URL + "/userinfo",
	}
}

var ada = Identity{Subject: "123", Email: "ada@nurse.test", EmailVerified: true, Name: "Ada Lovelace", HostedDomain: "nurse.test"}

type kinds struct {
	mu  sync.Mutex
	got []EventKind
}

func (k *kinds) add(e Event) { k.mu.Lock(); k.got = append(k.got, e.Kind); k.mu.Unlock() }

func newHub(t *testing.T, g *Google) (*Hub, *sql.DB, *kinds) {
	t.Helper()
	h := openDB(t)
	hub := NewHub(authmw.NewAuthService("test-secret"), NewProfiles(h),
		WithGoogle(g), WithEvents(syncx.NewEventRepo(h)), WithPublicURL("http://app.test"))
	require.NoError(t, hub.Init(context.Background()))
	t.Cleanup(hub.Teardown)
	k := &kinds{}
	hub.Subscribe(k.add)
	return hub, h, k
}

// signIn drives SignIn then Callback and returns the final redirect.
func signIn(t *testing.T, hub *Hub, code string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	hub.SignIn(rec, httptest.NewRequest(http.MethodGet, "/api/auth/google/login?redirect=http://app.test/quiz", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	var state string
	cb := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookie {
			state = c.Value
		}
		cb.AddCookie(c)
	}
	require.NotEmpty(t, state)
	cb.URL.RawQuery = url.Values{"state": {state}, "code": {code}}.Encode()

	out := httptest.NewRecorder()
	hub.Callback(out, cb)
	return out
}

func TestSignInRedirectsToConsent(t *testing.T) {
	hub, _, _ := newHub(t, fakeGoogle(t, ada, "nurse.test"))
	rec := httptest.NewRecorder()
	hub.SignIn(rec, httptest.NewRequest(http.MethodGet, "/login?redirect=/quiz", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(loc.Path, "/auth"))
	require.Equal(t, "nurse.test", loc.Query().Get("hd"))
	require.NotEmpty(t, loc.Query().Get("state"))

	rec = httptest.NewRecorder()
	hub.SignIn(rec, httptest.NewRequest(http.MethodGet, "/login?redirect=https://evil.test/", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackCreatesUserAndToken(t *testing.T) {
	hub, h, k := newHub(t, fakeGoogle(t, ada, "nurse.test"))
	rec := signIn(t, hub, "good-code")
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/quiz", loc.Path)
	tok := loc.Query().Get("access_token")
	require.NotEmpty(t, tok)

	c, err := hub.tokens.Parse(tok)
	require.NoError(t, err)
	require.Equal(t, "google|123", c.Sub)
	require.Equal(t, rbac.RoleLearner, c.Role)

	u, err := hub.profiles.Get(context.Background(), "google|123")
	require.NoError(t, err)
	require.Equal(t, "Ada", u.FirstName())
	require.Equal(t, StatusSignedIn, hub.State("google|123").Status)
	require.Equal(t, []EventKind{SignedIn}, k.got)

	// A returning user also gets UserUpdated.
	require.Equal(t, http.StatusFound, signIn(t, hub, "good-code").Code)
	require.Equal(t, []EventKind{SignedIn, SignedIn, UserUpdated}, k.got)

	evs, err := syncx.NewEventRepo(h).List(context.Background(), "google|123", 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	require.Equal(t, syncx.TypeAuthPrefix+"SignedIn", evs[0].Type)
}

func TestCallbackRejects(t *testing.T) {
	t.Run("bad state", func(t *testing.T) {
		hub, _, _ := newHub(t, fakeGoogle(t, ada, ""))
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/cb?state=x&code=good-code", nil)
		req.AddCookie(&http.Cookie{Name: stateCookie, Value: "y"})
		hub.Callback(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("bad code", func(t *testing.T) {
		hub, _, _ := newHub(t, fakeGoogle(t, ada, ""))
		require.Equal(t, http.StatusBadGateway, signIn(t, hub, "stolen").Code)
	})
	t.Run("foreign domain", func(t *testing.T) {
		other := ada
		other.HostedDomain = "gmail.com"
		hub, _, k := newHub(t, fakeGoogle(t, other, "nurse.test"))
		require.Equal(t, http.StatusUnauthorized, signIn(t, hub, "good-code").Code)
		require.Empty(t, k.got)
	})
	t.Run("disabled", func(t *testing.T) {
		hub, _, _ := newHub(t, nil)
		rec := httptest.NewRecorder()
		hub.SignIn(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRefreshAndSignOut(t *testing.T) {
	hub, _, k := newHub(t, nil)
	ctx := context.Background()
	old, err := hub.tokens.IssueJWT("u1", rbac.RoleLearner)
	require.NoError(t, err)

	fresh, err := hub.Refresh(ctx, old)
	require.NoError(t, err)
	_, err = hub.tokens.Parse(old)
	require.ErrorIs(t, err, authmw.ErrRevoked)
	require.Equal(t, fresh, hub.State("u1").Token)

	c, err := hub.tokens.Parse(fresh)
	require.NoError(t, err)
	require.NoError(t, hub.SignOut(authmw.WithClaims(ctx, c), "u1"))
	_, err = hub.tokens.Parse(fresh)
	require.ErrorIs(t, err, authmw.ErrRevoked)
	require.Equal(t, StatusUnknown, hub.State("u1").Status)
	require.Equal(t, []EventKind{TokenRefreshed, SignedOut}, k.got)
}

func TestSessionAndUnsubscribe(t *testing.T) {
	hub, _, k := newHub(t, nil)
	ctx := rbac.WithSubject(rbac.WithRole(context.Background(), rbac.RoleAdmin), "admin")

	st := hub.Session(ctx)
	require.Equal(t, StatusSignedIn, st.Status)
	require.Equal(t, rbac.RoleAdmin, st.User.Role)
	require.Equal(t, StatusSignedOut, hub.Session(context.Background()).Status)

	n := 0
	stop := hub.Subscribe(func(Event) { n++ })
	hub.dispatch(ctx, Event{Kind: PasswordRecovery, UserID: "admin"})
	stop()
	hub.dispatch(ctx, Event{Kind: PasswordRecovery, UserID: "admin"})
	require.Equal(t, 1, n)
	require.Len(t, k.got, 4)
	require.Equal(t, StatusRecoveringPwd, hub.State("admin").Status)
}
