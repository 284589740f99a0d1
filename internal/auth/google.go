// internal/auth/google.go
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/mind-engage/nmcprep/internal/config"
)

const googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

var ErrDomain = errors.New("unauthorized domain")

// Identity is what the federation tells us about a signed-in user.
type Identity struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	HostedDomain  string `json:"hd"`
}

// Google runs the authorization-code flow against Google.
type Google struct {
	oauth       oauth2.Config
	allowedHD   string
	userinfoURL string
}

func NewGoogle(cfg config.Config) *Google {
	return &Google{
		oauth: oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURI,
			Endpoint:     endpoints.Google,
			Scopes:       []string{"openid", "email", "profile"},
		},
		allowedHD:   cfg.GoogleAllowedHD,
		userinfoURL: googleUserinfoURL,
	}
}

// AuthCodeURL is the consent page for state.
func (g *Google) AuthCodeURL(state string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOnline}
	if g.allowedHD != "" {
		opts = append(opts, oauth2.SetAuthURLParam("hd", g.allowedHD))
	}
	return g.oauth.AuthCodeURL(state, opts...)
}

// Exchange trades code for tokens and reads the userinfo endpoint.
func (g *Google) Exchange(ctx context.Context, code string) (Identity, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return Identity{}, fmt.Errorf("token exchange: %w", err)
	}
	resp, err := g.oauth.Client(ctx, tok).Get(g.userinfoURL)
	if err != nil {
		return Identity{}, fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("userinfo: status %d", resp.StatusCode)
	}
	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("userinfo parse: %w", err)
	}
	if id.Subject == "" || id.Email == "" {
		return Identity{}, errors.New("userinfo: missing sub or email")
	}
	if g.allowedHD != "" && !strings.EqualFold(id.HostedDomain, g.allowedHD) {
		return Identity{}, ErrDomain
	}
	return id, nil
}
