package syncapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the aud claim every accepted token must carry.
const Audience = "relaysync"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	UserID string
	Exp    time.Time
}

// bearerToken takes the token from the Authorization header, falling back to the
// access_token query parameter that browser websocket clients have to use.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func authorizeBearer(raw, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if raw == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid aud claim"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "jwt signature mismatch"}
	case err != nil:
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid jwt"}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	return tokenClaims{UserID: claims.Subject, Exp: claims.ExpiresAt.Time}, nil
}

// IssueToken signs a token for userID valid for ttl. The dev server and tests use it.
func IssueToken(jwtSecret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}
