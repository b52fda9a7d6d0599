package chatsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/relaysync/internal/model"
)

// Audience is the aud claim sync tokens carry.
const Audience = "relaysync"

var ErrBadToken = errors.New("invalid session token")

// IdentityFromToken returns the user id in the sub claim of token. With a secret the
// HS256 signature, expiry and audience are verified; without one the claims are read
// unverified, which is enough for a client that only needs to scope its paths.
func IdentityFromToken(token string, secret []byte) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrBadToken)
	}
	claims := &jwt.RegisteredClaims{}
	if len(secret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadToken, err)
		}
	} else {
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(Audience), jwt.WithExpirationRequired())
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadToken, err)
		}
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if err := model.ValidateID("user", subject); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	return subject, nil
}
