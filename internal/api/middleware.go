/**
 * @description
 * HTTP middleware for the exchange-service: bearer-token identity extraction, a zap request
 * logger that also feeds request metrics, and the per-member rate limiter guarding the
 * exchange endpoints.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and verification (HMAC or JWKS/RSA).
 * - github.com/go-chi/chi/v5/middleware: Request IDs and the wrapped response writer.
 * - go.uber.org/zap: Structured logging.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rewear/exchange-service/internal/app"
	"github.com/rewear/exchange-service/internal/domain"
	"go.uber.org/zap"
)

type identityContextKey struct{}

// IdentityConfig selects how bearer tokens are verified. A shared secret wins over JWKS.
type IdentityConfig struct {
	Secret   string
	JWKSURL  string
	Issuer   string
	Audience string
}

type identityClaims struct {
	Name   string `json:"name"`
	Admin  bool   `json:"admin"`
	Banned bool   `json:"banned"`
	jwt.RegisteredClaims
}

// IdentityMiddleware verifies the bearer token and stores the caller's domain.Identity in
// the request context.
func IdentityMiddleware(cfg IdentityConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	keyfunc := newKeyfunc(cfg)

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Secret != "" {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Authorization header required")
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid Authorization header format")
				return
			}

			claims := &identityClaims{}
			if _, err := parser.ParseWithClaims(tokenString, claims, keyfunc); err != nil {
				logger.Debug("Token rejected", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid token")
				return
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil || userID == uuid.Nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Token subject is not a member id")
				return
			}

			id := domain.Identity{
				UserID:      userID,
				DisplayName: claims.Name,
				IsAdmin:     claims.Admin,
				IsBanned:    claims.Banned,
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext retrieves the caller placed by IdentityMiddleware.
func IdentityFromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(domain.Identity)
	return id, ok
}

func newKeyfunc(cfg IdentityConfig) jwt.Keyfunc {
	if cfg.Secret != "" {
		secret := []byte(cfg.Secret)
		return func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		}
	}

	keys := &jwksCache{url: cfg.JWKSURL, ttl: 10 * time.Minute, client: &http.Client{Timeout: 10 * time.Second}}
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}
		return keys.key(kid)
	}
}

// jwksCache holds the signing keys of the identity collaborator. An unknown kid forces a
// refresh so rotated keys are picked up.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return key, nil
	}
	if c.url == "" {
		return nil, errors.New("no token verification key configured")
	}
	keys, err := c.fetch()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	c.keys, c.fetchedAt = keys, time.Now()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch() (map[string]*rsa.PublicKey, error) {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return nil, err
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey builds a key from the base64url modulus and exponent of a JWK.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

// RequestLogger logs every request with its request id and records request metrics.
func RequestLogger(logger *zap.Logger, metrics app.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			took := time.Since(started)
			metrics.ObserveRequest(took, status, route)

			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", took),
			}
			if status >= http.StatusInternalServerError {
				logger.Error("Request failed", fields...)
				return
			}
			logger.Info("Request served", fields...)
		})
	}
}

// RateLimitMiddleware caps how often one member may hit the routes it wraps. Limiter errors
// let the request through.
func RateLimitMiddleware(limiter app.RateLimiter, scope string, perMinute int, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), scope, id.UserID.String(), perMinute, time.Minute)
			if err != nil {
				logger.Warn("Rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many exchange requests, try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
