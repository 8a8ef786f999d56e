// Package hardening refuses to start an escrow service in a production-like
// environment with settings that are only acceptable on a laptop.
package hardening

import (
	"errors"
	"fmt"
	"strings"
)

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	Store              string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	AuthMode           string
	AuthSecret         string
	AuditRedact        string
	AuditHashSalt      string
	CORSAllowedOrigins string
	WSAllowedOrigins   string
	WebhookURL         string
}

// FromEnv reads the options escrowd is configured with.
func FromEnv(service string, getenv func(string) string) Options {
	return Options{
		Service:            service,
		Environment:        getenv("ENVIRONMENT"),
		StrictProdSecurity: getenv("STRICT_PROD_SECURITY"),
		Store:              getenv("ESCROW_STORE"),
		DatabaseRequireTLS: getenv("DATABASE_REQUIRE_TLS"),
		RedisAddr:          getenv("REDIS_ADDR"),
		RedisRequireTLS:    getenv("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:   getenv("REDIS_TLS_INSECURE"),
		AuthMode:           getenv("AUTH_MODE"),
		AuthSecret:         getenv("AUTH_HS256_SECRET"),
		AuditRedact:        getenv("AUDIT_REDACT"),
		AuditHashSalt:      getenv("AUDIT_HASH_SALT"),
		CORSAllowedOrigins: getenv("CORS_ALLOWED_ORIGINS"),
		WSAllowedOrigins:   getenv("WS_ALLOWED_ORIGINS"),
		WebhookURL:         getenv("EMERGENCY_WEBHOOK_URL"),
	}
}

// ValidateProduction reports every violation at once. Outside prod, stage
// and staging it accepts anything.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: "+format, append([]any{service}, args...)...))
	}

	switch strings.ToLower(strings.TrimSpace(o.Store)) {
	case "", "postgres":
		if !isTrue(o.DatabaseRequireTLS, false) {
			fail("production requires DATABASE_REQUIRE_TLS=true")
		}
	default:
		fail("production requires ESCROW_STORE=postgres, got %q", o.Store)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			fail("production requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) {
			fail("production forbids REDIS_TLS_INSECURE")
		}
	}
	if mode := strings.ToLower(strings.TrimSpace(o.AuthMode)); mode == "off" {
		fail("production forbids AUTH_MODE=off")
	} else if strings.TrimSpace(o.AuthSecret) == "" {
		fail("production requires AUTH_HS256_SECRET")
	}
	if !isTrue(o.AuditRedact, true) {
		fail("production requires AUDIT_REDACT=true")
	} else if strings.TrimSpace(o.AuditHashSalt) == "" {
		fail("production requires AUDIT_HASH_SALT so redacted parties cannot be brute-forced")
	}
	if err := validateOrigins("CORS_ALLOWED_ORIGINS", o.CORSAllowedOrigins, true); err != nil {
		fail("%v", err)
	}
	if err := validateOrigins("WS_ALLOWED_ORIGINS", o.WSAllowedOrigins, false); err != nil {
		fail("%v", err)
	}
	if url := strings.TrimSpace(o.WebhookURL); url != "" && !strings.HasPrefix(strings.ToLower(url), "https://") {
		fail("production requires an https EMERGENCY_WEBHOOK_URL")
	}
	return errors.Join(errs...)
}

// validateOrigins rejects wildcard, localhost and plain-http origins. An
// empty list is allowed only when required is false.
func validateOrigins(name, raw string, required bool) error {
	count := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		count++
		switch {
		case o == "*" || strings.Contains(o, "*"):
			return fmt.Errorf("%s forbids wildcard origin %q", name, origin)
		case strings.Contains(o, "://localhost") || strings.Contains(o, "://127.0.0.1"):
			return fmt.Errorf("%s forbids localhost origin %q", name, strings.TrimSpace(origin))
		case !strings.HasPrefix(o, "https://"):
			return fmt.Errorf("%s requires https origins, got %q", name, strings.TrimSpace(origin))
		}
	}
	if count == 0 && required {
		return fmt.Errorf("%s must be set explicitly", name)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
