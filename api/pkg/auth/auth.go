// Package auth is the boundary with the host identity provider: something
// that yields a stable per-user identity string for each request. The
// gateway itself performs no credential management; it only needs to know
// who the request belongs to and, when available, the host session
// identifier for bridge credential binding.
package auth

import (
	"fmt"
	"net/http"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/kfpbridge/kfpbridge/api/pkg/config"
	"github.com/kfpbridge/kfpbridge/api/pkg/types"
)

// Provider authenticates a request. The second return is false when the
// request carries no acceptable identity.
type Provider interface {
	Authenticate(r *http.Request) (*types.User, bool)
}

// New builds the provider selected by the auth config. The secret is
// shared with the bridge signing key family and is only used in cookie
// mode.
func New(cfg config.Auth, secret string) (Provider, error) {
	switch cfg.Mode {
	case "none", "":
		return &StaticProvider{SessionCookieName: cfg.SessionCookieName}, nil
	case "header":
		return &HeaderProvider{
			Header:            cfg.IdentityHeader,
			SessionCookieName: cfg.SessionCookieName,
		}, nil
	case "cookie":
		if secret == "" {
			return nil, fmt.Errorf("cookie auth mode requires a signing secret")
		}
		return &SessionCookieProvider{
			CookieName: cfg.SessionCookieName,
			secret:     []byte(secret),
		}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

func sessionIDFromCookie(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// StaticProvider authenticates everyone as a single fixed identity. Dev
// harness only: single-user deployments with no identity source at all.
type StaticProvider struct {
	// Identity defaults to "default" when empty.
	Identity          string
	SessionCookieName string
}

func (p *StaticProvider) Authenticate(r *http.Request) (*types.User, bool) {
	identity := p.Identity
	if identity == "" {
		identity = "default"
	}
	return &types.User{
		ID:        identity,
		SessionID: sessionIDFromCookie(r, p.SessionCookieName),
	}, true
}

// HeaderProvider trusts an identity header injected by a fronting
// authenticating proxy (the way JupyterHub-style hosts pass user names
// downstream). Requests without the header are unauthenticated.
type HeaderProvider struct {
	Header            string
	SessionCookieName string
}

func (p *HeaderProvider) Authenticate(r *http.Request) (*types.User, bool) {
	identity := r.Header.Get(p.Header)
	if identity == "" {
		return nil, false
	}
	return &types.User{
		ID:        identity,
		SessionID: sessionIDFromCookie(r, p.SessionCookieName),
	}, true
}

// SessionCookieProvider validates a signed host session cookie. The cookie
// value is a JWT whose subject is the user identity; the token string
// itself doubles as the session identifier for bridge binding.
type SessionCookieProvider struct {
	CookieName string
	secret     []byte
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// IssueSession mints a session cookie value for a user. Exposed for the
// dev harness and tests; production hosts normally set the cookie
// themselves.
func (p *SessionCookieProvider) IssueSession(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "kfpbridge",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}

func (p *SessionCookieProvider) Authenticate(r *http.Request) (*types.User, bool) {
	cookie, err := r.Cookie(p.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, false
	}

	return &types.User{
		ID:        claims.Subject,
		SessionID: cookie.Value,
	}, true
}
