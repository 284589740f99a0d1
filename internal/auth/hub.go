package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	authmw "github.com/mind-engage/nmcprep/internal/auth/middleware"
	"github.com/mind-engage/nmcprep/internal/rbac"
	syncx "github.com/mind-engage/nmcprep/internal/sync"
)

const (
	stateCookie    = "nmc_oauth_state"
	redirectCookie = "nmc_post_auth_redirect"
)

// Provider is the application's view of authentication.
type Provider interface {
	CurrentUser(ctx context.Context) (User, bool)
	SignIn(w http.ResponseWriter, r *http.Request)
	Callback(w http.ResponseWriter, r *http.Request)
	SignOut(ctx context.Context, userID string) error
	Refresh(ctx context.Context, token string) (string, error)
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Hub implements Provider over Google federation and internal JWTs, and
// fans auth events out to subscribers after reducing them into per-user state.
type Hub struct {
	tokens    *authmw.AuthService
	profiles  *Profiles
	google    *Google
	events    syncx.Appender
	publicURL string
	secure    bool
	now       func() time.Time

	mu      sync.Mutex
	started bool
	nextSub int
	subs    map[int]func(Event)
	states  map[string]State
}

type HubOption func(*Hub)

// WithGoogle enables federation; without it SignIn and Callback answer 404.
func WithGoogle(g *Google) HubOption       { return func(h *Hub) { h.google = g } }
func WithEvents(e syncx.Appender) HubOption { return func(h *Hub) { h.events = e } }
func WithPublicURL(u string) HubOption     { return func(h *Hub) { h.publicURL = u } }
func WithSecureCookies(b bool) HubOption   { return func(h *Hub) { h.secure = b } }

func NewHub(tokens *authmw.AuthService, profiles *Profiles, opts ...HubOption) *Hub {
	h := &Hub{
		tokens:   tokens,
		profiles: profiles,
		now:      time.Now,
		subs:     map[int]func(Event){},
		states:   map[string]State{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

var _ Provider = (*Hub)(nil)

func (h *Hub) Init(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("auth hub already started")
	}
	h.started = true
	return nil
}

// Teardown drops all subscribers and cached state. It is safe to call twice.
func (h *Hub) Teardown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = false
	h.subs = map[int]func(Event){}
	h.states = map[string]State{}
}

func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// State is the reduced auth state for userID.
func (h *Hub) State(userID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.states[userID]
}

func (h *Hub) dispatch(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = h.now()
	}
	h.mu.Lock()
	st := Reduce(h.states[e.UserID], e)
	if st.Status == StatusSignedOut {
		delete(h.states, e.UserID)
	} else {
		h.states[e.UserID] = st
	}
	subs := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	if h.events != nil {
		ev := syncx.NewEvent(syncx.TypeAuthPrefix+e.Kind.String(), e.UserID, map[string]any{"at": e.At.Unix()})
		if err := h.events.Append(ctx, ev); err != nil {
			log.Printf("auth: event log: %v", err)
		}
	}
}

func (h *Hub) CurrentUser(ctx context.Context) (User, bool) {
	sub := rbac.SubjectFromContext(ctx)
	if sub == "" {
		return User{}, false
	}
	u, err := h.profiles.Get(ctx, sub)
	if err != nil {
		if !errors.Is(err, ErrNoProfile) {
			log.Printf("auth: current user %s: %v", sub, err)
		}
		u = User{ID: sub}
	}
	if role := rbac.RoleFromContext(ctx); role != "" {
		u.Role = role
	}
	return u, true
}

// Session restores the caller's session and reports it as InitialSession.
func (h *Hub) Session(ctx context.Context) State {
	u, ok := h.CurrentUser(ctx)
	e := Event{Kind: InitialSession}
	if ok {
		e.UserID, e.User = u.ID, &u
	}
	h.dispatch(ctx, e)
	if !ok {
		return State{Status: StatusSignedOut}
	}
	return h.State(u.ID)
}

// GET /api/auth/google/login
func (h *Hub) SignIn(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		http.Error(w, "google sign-in disabled", http.StatusNotFound)
		return
	}
	next := r.URL.Query().Get("redirect")
	if next == "" && r.Referer() != "" {
		next = r.Referer()
	}
	if next == "" {
		next = h.home()
	}
	if !h.sameOrigin(next) {
		http.Error(w, "bad redirect", http.StatusBadRequest)
		return
	}

	state := uuid.NewString()
	exp := h.now().Add(10 * time.Minute)
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: state, Path: "/", HttpOnly: true,
		Secure: h.secure, SameSite: http.SameSiteLaxMode, Expires: exp})
	http.SetCookie(w, &http.Cookie{Name: redirectCookie, Value: url.QueryEscape(next), Path: "/", HttpOnly: true,
		Secure: h.secure, SameSite: http.SameSiteLaxMode, Expires: exp})
	http.Redirect(w, r, h.google.AuthCodeURL(state), http.StatusFound)
}

// GET /api/auth/google/callback: exchange code, upsert user and profile,
// mint an internal JWT, and send the browser back to the app.
func (h *Hub) Callback(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		http.Error(w, "google sign-in disabled", http.StatusNotFound)
		return
	}
	state := r.URL.Query().Get("state")
	c, err := r.Cookie(stateCookie)
	if state == "" || err != nil || c.Value != state {
		http.Error(w, "bad state", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	ident, err := h.google.Exchange(ctx, code)
	if err != nil {
		log.Printf("auth: google callback: %v", err)
		if errors.Is(err, ErrDomain) {
			http.Error(w, "unauthorized domain", http.StatusUnauthorized)
			return
		}
		http.Error(w, "sign-in failed", http.StatusBadGateway)
		return
	}

	userID, role, err := h.profiles.EnsureUser(ctx, "google|"+ident.Subject, ident.Email, rbac.RoleLearner)
	if err != nil {
		log.Printf("auth: ensure user %s: %v", ident.Email, err)
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
		return
	}
	u := User{ID: userID, Email: ident.Email, FullName: ident.Name, AvatarURL: ident.Picture, Role: role}
	existed, err := h.profiles.Upsert(ctx, u)
	if err != nil {
		log.Printf("auth: %v", err)
	}
	tok, err := h.tokens.IssueJWT(userID, role)
	if err != nil {
		http.Error(w, "issue token", http.StatusInternalServerError)
		return
	}
	h.dispatch(ctx, Event{Kind: SignedIn, UserID: userID, User: &u, Token: tok})
	if existed {
		h.dispatch(ctx, Event{Kind: UserUpdated, UserID: userID, User: &u})
	}

	http.SetCookie(w, &http.Cookie{Name: authmw.AccessCookie, Value: tok, Path: "/", HttpOnly: true,
		Secure: h.secure, SameSite: http.SameSiteLaxMode, Expires: h.now().Add(8 * time.Hour)})
	target := ""
	if c, err := r.Cookie(redirectCookie); err == nil {
		target, _ = url.QueryUnescape(c.Value)
	}
	if target == "" || !h.sameOrigin(target) {
		target = h.home()
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", Expires: time.Unix(0, 0), MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: redirectCookie, Value: "", Path: "/", Expires: time.Unix(0, 0), MaxAge: -1})

	dest, _ := url.Parse(target)
	q := dest.Query()
	q.Set("access_token", tok)
	dest.RawQuery = q.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// SignOut revokes the caller's token and drops the user's state.
func (h *Hub) SignOut(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("no user")
	}
	h.tokens.Revoke(authmw.ClaimsFromContext(ctx))
	h.dispatch(ctx, Event{Kind: SignedOut, UserID: userID})
	return nil
}

// Refresh swaps a valid token for a fresh one and revokes the old one.
func (h *Hub) Refresh(ctx context.Context, token string) (string, error) {
	c, err := h.tokens.Parse(token)
	if err != nil {
		return "", err
	}
	fresh, err := h.tokens.IssueJWT(c.Sub, c.Role)
	if err != nil {
		return "", err
	}
	h.tokens.Revoke(c)
	h.dispatch(ctx, Event{Kind: TokenRefreshed, UserID: c.Sub, Token: fresh})
	return fresh, nil
}

// Recovery handles the password-recovery landing link. Only the admin signs
// in with a password, so this records the event and returns to the app.
func (h *Hub) Recovery(w http.ResponseWriter, r *http.Request) {
	if raw := authmw.TokenFromRequest(r); raw != "" {
		if c, err := h.tokens.Parse(raw); err == nil {
			h.dispatch(r.Context(), Event{Kind: PasswordRecovery, UserID: c.Sub})
		}
	}
	dest, _ := url.Parse(h.home())
	q := dest.Query()
	q.Set("recovery", "1")
	dest.RawQuery = q.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

func (h *Hub) home() string {
	base := strings.TrimRight(h.publicURL, "/")
	return base + "/"
}

// sameOrigin allows relative targets, PUBLIC_URL's origin, and localhost.
func (h *Hub) sameOrigin(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	base, err := url.Parse(h.publicURL)
	if err != nil || base.Host == "" {
		return true
	}
	return u.Host == "" || (u.Scheme == base.Scheme && u.Host == base.Host) || strings.HasPrefix(u.Host, "localhost")
}
