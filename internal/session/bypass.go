package session

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Bypass skips authentication and runs every request as one fixed user.
// It exists for local development against a throwaway store and is only
// built when auth.disabled is set.
type Bypass struct {
	userID string
	log    zerolog.Logger
}

// NewBypass creates a Bypass resolver and logs a startup warning.
func NewBypass(userID string, log zerolog.Logger) *Bypass {
	log.Warn().Str("user_id", userID).Msg("authentication is DISABLED (auth.disabled=true); every request runs as the dev user")
	return &Bypass{userID: userID, log: log}
}

// Resolve implements Resolver.
func (b *Bypass) Resolve(r *http.Request) (Identity, error) {
	b.log.Warn().Str("path", r.URL.Path).Str("user_id", b.userID).Msg("session bypassed")
	return Identity{UserID: b.userID, Bypassed: true}, nil
}
