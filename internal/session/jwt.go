package session

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT resolves sessions from HMAC-signed access tokens. The user id is the
// token's subject.
type JWT struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWT creates a JWT resolver for tokens signed with secret.
func NewJWT(secret []byte) *JWT {
	return &JWT{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// Resolve implements Resolver.
func (j *JWT) Resolve(r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, ErrNoSession
	}

	claims := &jwt.RegisteredClaims{}
	token, err := j.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrNoSession)
	}
	return Identity{UserID: claims.Subject}, nil
}
