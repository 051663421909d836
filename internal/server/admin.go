package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lexledger/lexmigrate/internal/httputil"
)

// AdminRole is the role claim an admin token must carry.
const AdminRole = "migration_admin"

// AdminClaims are the claims of an admin bearer token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// adminGuard validates HS256 admin tokens against a shared secret.
type adminGuard struct {
	secret []byte
}

func newAdminGuard(secret string) *adminGuard {
	return &adminGuard{secret: []byte(secret)}
}

func (g *adminGuard) validate(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != AdminRole {
		return nil, fmt.Errorf("token role %q is not %s", claims.Role, AdminRole)
	}
	return claims, nil
}

// IssueAdminToken signs an admin token for subject valid for ttl.
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("admin JWT secret is not configured")
	}
	now := time.Now()
	claims := &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "lexmigrate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: AdminRole,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// requireAdminToken returns middleware that requires a valid admin token.
// When server.admin_jwt_secret is not set, all requests pass through.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.guard == nil {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := httputil.ExtractBearerToken(r)
		if !ok {
			httputil.WriteError(w, http.StatusUnauthorized, "admin authentication required")
			return
		}
		claims, err := s.guard.validate(token)
		if err != nil {
			s.logger.Warn("rejected admin token", "error", err, "path", r.URL.Path)
			httputil.WriteError(w, http.StatusUnauthorized, "admin authentication required")
			return
		}
		setOperator(r.Context(), claims.Subject)

		next.ServeHTTP(w, r)
	})
}
