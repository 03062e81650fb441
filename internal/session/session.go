// Package session resolves the caller's identity from an inbound request.
//
// The gateway doesn't issue sessions. It only answers two questions: is
// there a valid session, and which user does it belong to.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/howard-nolan/llmgateway/internal/config"
)

// ErrNoSession means the request carries no valid session. The handler
// answers 401.
var ErrNoSession = errors.New("no valid session")

// accessTokenCookie is where browser clients keep the access token when
// they don't send an Authorization header.
const accessTokenCookie = "sb-access-token"

// Identity is the resolved caller.
type Identity struct {
	UserID   string
	Bypassed bool // resolved by the development bypass, not a real session
}

// Resolver turns a request into an Identity. Implementations return
// ErrNoSession (possibly wrapped) when the caller isn't signed in; any
// other error means the session backend itself failed.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// New builds the Resolver selected by cfg. The Redis resolver holds a
// client; callers should close it if the result implements io.Closer.
func New(ctx context.Context, cfg config.AuthConfig, log zerolog.Logger) (Resolver, error) {
	if cfg.Disabled {
		return NewBypass(cfg.DevUserID, log), nil
	}
	switch cfg.Mode {
	case "jwt":
		return NewJWT([]byte(cfg.JWTSecret)), nil
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// bearerToken extracts the access token from the Authorization header, or
// from the access-token cookie when there is no header.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(accessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}
