package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Principal is the authenticated caller. Actor is set only for JWTs.
type Principal struct {
	Actor  string
	Source string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type actorClaims struct {
	jwt.RegisteredClaims
}

const tokenIssuer = "blab"

// MintToken signs an HS256 token naming actor with the shared secret.
func MintToken(secret, actor string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("shared secret not configured")
	}
	if strings.TrimSpace(actor) == "" {
		return "", errors.New("actor required")
	}
	claims := actorClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  strings.TrimSpace(actor),
		Issuer:   tokenIssuer,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token, secret string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &actorClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Actor: claims.Subject, Source: "jwt"}, nil
}

// authenticate accepts the shared secret itself or a JWT signed with it.
func authenticate(token, secret string) (Principal, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
		return Principal{Source: "token"}, nil
	}
	return authenticateJWT(token, secret)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware requires the token on every route under basePath except
// health. With no secret configured every request passes.
func newAuthMiddleware(basePath, secret string, log *zap.Logger) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if secret == "" || !strings.HasPrefix(req.URL.Path, basePath) || req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			token := strings.TrimSpace(req.Header.Get("X-Housekeeper-Token"))
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				t, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
					return
				}
				token = t
			}
			if token == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			principal, err := authenticate(token, secret)
			if err != nil {
				log.Debug("rejected token", zap.String("path", req.URL.Path), zap.Error(err))
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
