// Package auth provides JWT bearer-token authentication middleware.
//
// Tokens are HS256-signed with a shared secret. The token subject identifies
// the form owner and is placed on the request context for handlers.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/formweaver/formweaver/internal/models"
)

// DefaultTokenTTL is the lifetime of issued tokens.
const DefaultTokenTTL = 24 * time.Hour

type contextKey string

// userContextKey carries the authenticated subject on the request context.
const userContextKey contextKey = "auth_user"

// Authenticator validates bearer tokens and exposes HTTP middleware.
type Authenticator struct {
	secret   []byte
	tokenTTL time.Duration
}

// Opts holds configuration for Authenticator construction.
type Opts struct {
	Secret   string
	TokenTTL time.Duration
}

// Option configures Authenticator construction.
type Option func(*Opts)

// WithSecret sets the HS256 signing secret.
func WithSecret(secret string) Option {
	return func(o *Opts) { o.Secret = secret }
}

// WithTokenTTL overrides the issued-token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TokenTTL = ttl }
}

// NewAuthenticator creates an Authenticator from options. The secret is
// required.
func NewAuthenticator(opts ...Option) (*Authenticator, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Secret == "" {
		return nil, models.ErrMissingAuthSecret
	}
	// Negative TTLs are honored; they mint already-expired tokens.
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{secret: []byte(cfg.Secret), tokenTTL: ttl}, nil
}

// IssueToken signs a token whose subject is the given user id.
func (a *Authenticator) IssueToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses a signed token and returns its subject.
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, models.ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", models.ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", models.ErrInvalidToken
	}
	return claims.Subject, nil
}

// RequireUser rejects requests without a valid bearer token and stores the
// subject on the context.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.userFromRequest(r)
		if err != nil {
			slog.Debug("Authenticator.RequireUser rejected request", "path", r.URL.Path, "error", err)
			body, merr := json.Marshal(models.Error("authentication required"))
			if merr != nil {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write(body)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), userID)))
	})
}

// OptionalUser stores the subject on the context when a valid bearer token is
// present and passes the request through otherwise. Used for submissions,
// which may be anonymous.
func (a *Authenticator) OptionalUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID, err := a.userFromRequest(r); err == nil {
			r = r.WithContext(withUser(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) userFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", models.ErrInvalidToken
	}
	return a.ValidateToken(token)
}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// UserFromContext returns the authenticated subject, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userContextKey).(string)
	return userID, ok && userID != ""
}
