// Package bridge mints and verifies the short-lived signed credential that
// authorizes prefix-escaping requests. The credential is a capability
// token, not a session replacement: it proves only that a request passed
// through the authenticated UI gateway for a given mount prefix within the
// last few minutes.
package bridge

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// DefaultTTL bounds how long a minted credential stays valid.
const DefaultTTL = 600 * time.Second

// Claims binds a credential to a mount prefix and, when the host session
// is known, to a session identifier.
type Claims struct {
	jwt.RegisteredClaims

	Prefix    string `json:"prefix"`
	SessionID string `json:"sid,omitempty"`
}

// Signer holds the process-wide signing secret. The secret is loaded or
// generated once at startup, shared by all requests, and never rotated
// during the process's life.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a Signer. An empty secret generates a random one,
// which is fine for a single replica: credentials only need to verify
// against the process that minted them.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := []byte(secret)
	if len(key) == 0 {
		generated, err := randomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate bridge secret: %w", err)
		}
		key = []byte(generated)
	}
	return &Signer{secret: key, ttl: ttl}, nil
}

// TTL returns the credential lifetime, which doubles as the cookie max-age.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Mint creates a signed credential for the given mount prefix. sessionID
// may be empty when the client presented no host session cookie; the
// credential then carries no session binding.
func (s *Signer) Mint(prefix, sessionID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    "kfpbridge",
		},
		Prefix:    prefix,
		SessionID: sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify reports whether a credential authorizes requests under the given
// mount prefix. It fails closed: any parse, signature, expiry, or claim
// mismatch yields false. Session binding is weak-mode: two non-empty
// session IDs must match exactly, but an empty value on either side means
// no binding is available and does not by itself reject the credential.
//
// Failure reasons are logged server-side only; callers surface a generic
// 403 to the client.
func (s *Signer) Verify(tokenString, prefix, sessionID string) bool {
	claims := &Claims{}
	// A credential is still good at the instant its expiry is reached; the
	// leeway keeps that boundary inclusive without meaningfully extending
	// the lifetime.
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithLeeway(time.Second))
	if err != nil || !token.Valid {
		log.Debug().Err(err).Msg("bridge credential rejected: parse/signature/expiry")
		return false
	}

	if claims.ExpiresAt == nil {
		log.Debug().Msg("bridge credential rejected: no expiry claim")
		return false
	}

	if claims.Prefix != prefix {
		log.Debug().
			Str("credential_prefix", claims.Prefix).
			Str("expected_prefix", prefix).
			Msg("bridge credential rejected: prefix mismatch")
		return false
	}

	if claims.SessionID != "" && sessionID != "" && claims.SessionID != sessionID {
		log.Debug().Msg("bridge credential rejected: session mismatch")
		return false
	}

	return true
}

func randomSecret(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
