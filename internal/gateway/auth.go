package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey int

const userIDKey contextKey = iota

var errMissingSubject = errors.New("token has no subject")

// Authenticator validates the HS256 bearer tokens issued by the auth backend.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator creates an authenticator for tokens signed with secret.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("gateway: jwt secret is required")
	}
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Authenticate returns the user id carried by token, read from the "sub"
// claim or, failing that, "user_id".
func (a *Authenticator) Authenticate(token string) (string, error) {
	claims := jwt.MapClaims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token is not valid")
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	if uid, ok := claims["user_id"]; ok {
		if s := strings.TrimSpace(fmt.Sprintf("%v", uid)); s != "" {
			return s, nil
		}
	}
	return "", errMissingSubject
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			g.writeError(w, http.StatusUnauthorized, "missing authorization header", "unauthorized")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		userID, err := g.authenticator.Authenticate(token)
		if err != nil {
			g.logger.Warn("authentication failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid bearer token", "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFromContext returns the authenticated user id.
func userFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
