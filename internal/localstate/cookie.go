package localstate

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/sessions"
)

const cookieName = "nmc-prep-state"

// Cookie keeps states in a signed cookie. It is request scoped: Middleware
// binds a per-request Store into the context, and writes must happen before
// the handler writes its response.
type Cookie struct {
	store *sessions.CookieStore
}

func NewCookie(secret []byte, secure bool) *Cookie {
	cs := sessions.NewCookieStore(secret)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &Cookie{store: cs}
}

func (c *Cookie) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bound := &cookieReq{store: c.store, w: w, r: r}
		next.ServeHTTP(w, r.WithContext(WithStore(r.Context(), bound)))
	})
}

type cookieReq struct {
	store *sessions.CookieStore
	w     http.ResponseWriter
	r     *http.Request
}

func (c *cookieReq) session() *sessions.Session {
	// Get returns a fresh session alongside a decode error for tampered cookies.
	s, err := c.store.Get(c.r, cookieName)
	if err != nil {
		log.Printf("localstate: cookie: %v", err)
	}
	return s
}

func (c *cookieReq) Load(_ context.Context, key string) (State, bool) {
	raw, ok := c.session().Values[key].(string)
	if !ok {
		return State{}, false
	}
	return decode([]byte(raw))
}

func (c *cookieReq) Save(_ context.Context, key string, st State) {
	b, err := encode(st)
	if err != nil {
		return
	}
	s := c.session()
	s.Values[key] = string(b)
	if err := s.Save(c.r, c.w); err != nil {
		log.Printf("localstate: cookie save: %v", err)
	}
}

func (c *cookieReq) Delete(_ context.Context, key string) {
	s := c.session()
	if _, ok := s.Values[key]; !ok {
		return
	}
	delete(s.Values, key)
	if err := s.Save(c.r, c.w); err != nil {
		log.Printf("localstate: cookie save: %v", err)
	}
}
