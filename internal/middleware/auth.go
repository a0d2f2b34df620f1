package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Role names recognized in tokens.
const (
	// RoleUpdater may amend pending payload bodies and trigger rescues.
	RoleUpdater = "updater"

	// RoleProcessor may trigger payload processing and timelock finalization.
	RoleProcessor = "processor"
)

type contextKey string

const roleKey contextKey = "role"

// Claims are the JWT claims carried by coordinator API tokens.
type Claims struct {
	Subject string `json:"sub,omitempty"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Auth authenticates requests with HMAC-signed bearer tokens and stores the
// token's role in the request context for RequireRole.
type Auth struct {
	secret []byte
	log    zerolog.Logger
}

// NewAuth creates the authentication middleware.
func NewAuth(secret []byte, log zerolog.Logger) *Auth {
	return &Auth{secret: secret, log: log}
}

// Handler returns the authentication middleware.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "invalid Authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := a.validateToken(parts[1])
		if err != nil {
			a.log.Warn().Err(err).Str("path", r.URL.Path).Msg("token validation failed")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), roleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// RoleFromContext returns the authenticated role, empty when unauthenticated.
func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey).(string)
	return role
}

// RequireRole rejects requests whose token does not carry the given role.
func RequireRole(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if RoleFromContext(r.Context()) != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
