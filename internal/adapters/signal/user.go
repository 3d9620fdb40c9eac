package signal

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/dkeye/Interview/internal/domain"
)

var (
	ErrNoIdentity = errors.New("missing X-Identity header")
	ErrBadToken   = errors.New("invalid bearer token")
)

// Authenticator accepts or rejects an identity presenting token.
type Authenticator func(identity domain.UserID, token string) error

// AllowAll accepts any identity.
func AllowAll(domain.UserID, string) error { return nil }

// SharedSecret accepts bearers of secret.
func SharedSecret(secret string) Authenticator {
	return func(_ domain.UserID, token string) error {
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return ErrBadToken
		}
		return nil
	}
}

func (r *Relay) authenticate(req *http.Request) (domain.UserID, error) {
	identity := strings.TrimSpace(req.Header.Get("X-Identity"))
	if identity == "" {
		// Browsers cannot set headers on a websocket upgrade.
		identity = req.URL.Query().Get("identity")
	}
	if identity == "" {
		return "", ErrNoIdentity
	}
	if len(identity) > domain.MaxUserIDLen {
		identity = identity[:domain.MaxUserIDLen]
	}
	token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if err := r.opts.Auth(domain.UserID(identity), token); err != nil {
		return "", err
	}
	return domain.UserID(identity), nil
}

func authHeader(identity domain.UserID, token string) http.Header {
	h := http.Header{}
	h.Set("X-Identity", string(identity))
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
