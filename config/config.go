// Package config reads runtime configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains runtime configuration values.
//
// Client credentials and the callback URL are required for the exchange
// path but deliberately not enforced at load time: the service starts and
// reports server_misconfigured on the affected endpoints instead, so
// diagnostic endpoints stay reachable on a half-configured deployment.
type Config struct {
	HTTPAddr string

	ClientID        string
	ClientSecret    string
	CallbackURL     string
	Scopes          []string
	DefaultTenantID string

	FrontendURL string
	PublicURL   string

	TokenStore     string // "memory" or "valkey"
	ValkeyAddr     string
	ValkeyPassword string

	UsedCodeSweepInterval time.Duration

	RateLimitRate  int
	RateLimitBurst int

	AdminToken string

	AuditEnabled bool
}

// defaultScopes mirror what the provider consent screen asks for when the
// deployment does not narrow them.
const defaultScopes = "openid profile email accounting.transactions offline_access"

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		ClientID:              os.Getenv("XERO_CLIENT_ID"),
		ClientSecret:          os.Getenv("XERO_CLIENT_SECRET"),
		CallbackURL:           os.Getenv("XERO_CALLBACK_URL"),
		Scopes:                strings.Fields(getEnv("XERO_SCOPES", defaultScopes)),
		DefaultTenantID:       os.Getenv("XERO_DEFAULT_TENANT_ID"),
		FrontendURL:           os.Getenv("FRONTEND_URL"),
		PublicURL:             os.Getenv("PUBLIC_URL"),
		TokenStore:            getEnv("TOKEN_STORE", "memory"),
		ValkeyAddr:            getEnv("VALKEY_ADDR", "localhost:6379"),
		ValkeyPassword:        os.Getenv("VALKEY_PASSWORD"),
		UsedCodeSweepInterval: getDuration("USED_CODE_SWEEP_INTERVAL", 10*time.Minute),
		RateLimitRate:         getInt("RATE_LIMIT_RATE", 10),
		RateLimitBurst:        getInt("RATE_LIMIT_BURST", 20),
		AdminToken:            os.Getenv("ADMIN_TOKEN"),
		AuditEnabled:          getBool("AUDIT_ENABLED", true),
	}
}

// ExchangeConfigured reports whether the exchange path has its required
// settings.
func (c Config) ExchangeConfigured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.CallbackURL != ""
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
