// Package auth authenticates gateway callers and carries their identity in the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ModeOff   = "off"
	ModeHS256 = "hs256"

	// CallerHeader names the caller when authentication is off.
	CallerHeader = "X-Escrow-Caller"

	RoleAdmin      = "admin"
	RoleArbitrator = "arbitrator"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Principal struct {
	Subject string
	Roles   []string
}

// Claims is the token body: registered claims plus escrow roles.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Mode     string
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Mode)) {
	case "", ModeOff:
		return nil
	case ModeHS256:
		if len(c.Secret) < 32 {
			return fmt.Errorf("auth: hs256 secret must be at least 32 bytes")
		}
		return nil
	default:
		return fmt.Errorf("auth: unsupported mode %q", c.Mode)
	}
}

type contextKey struct{}

// Middleware authenticates each request and stores the Principal in its context.
func Middleware(cfg Config) (func(http.Handler) http.Handler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			if mode == "" || mode == ModeOff {
				p = Principal{Subject: strings.TrimSpace(r.Header.Get(CallerHeader))}
				if p.Subject == "" {
					p.Subject = "anonymous"
				}
			} else {
				token, err := bearer(r)
				if err == nil {
					var claims Claims
					claims, err = VerifyHS256Token(token, cfg.Secret, cfg.Now(), cfg.Issuer, cfg.Audience, cfg.Leeway)
					p = Principal{Subject: claims.Subject, Roles: claims.Roles}
				}
				if err != nil {
					w.Header().Set("WWW-Authenticate", `Bearer realm="escrow"`)
					http.Error(w, err.Error(), http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}, nil
}

// RequireRole rejects principals holding none of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok || !HasAnyRole(p, roles...) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// Caller returns the authenticated subject, or "" when none is attached.
func Caller(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Subject
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, have := range p.Roles {
		for _, want := range required {
			if strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want)) {
				return true
			}
		}
	}
	return false
}

// VerifyHS256Token checks signature, expiry and the optional issuer and audience.
func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string, leeway time.Duration) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(leeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// IssueHS256Token signs a token for subject valid for ttl from now.
func IssueHS256Token(secret, subject, issuer, audience string, roles []string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
