// middleware.go
package federation

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the bearer token payload the HTTP surface trusts to identify the
// caller's user_id. The host application is responsible for issuing these
// (its own login flow is out of scope, spec.md's overview); the core only
// needs to validate the signature and read the subject.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// IssueToken mints a bearer token for userID, signed with secret, in the
// form jwtAuth accepts. cmd/server does not call it; the HTTP tests do.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(secret, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid or expired token")
	}
	return claims, nil
}

// jwtAuth validates the Authorization: Bearer header and stashes the
// caller's user_id in the request context (via SetUserContext in utils.go)
// for downstream handlers and RecordAudit.
func jwtAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			claims, err := parseToken(secret, parts[1])
			if err != nil {
				respondError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := SetUserContext(r.Context(), claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userIDFromContext(r *http.Request) (string, error) {
	v, ok := GetUserIDFromContext(r.Context())
	if !ok || v == "" {
		return "", errors.New("no authenticated user")
	}
	return v, nil
}
