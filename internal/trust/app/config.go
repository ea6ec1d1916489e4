package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/service"
	"github.com/aussiebroadwan/trustcore/pkg/tokenx"
)

type Config struct {
	Issuer              string // Issuer claim for all tokens (default: trustcore)
	SessionSecret       string // Required: HMAC secret for access + refresh tokens
	ImpersonationSecret string // Required: HMAC secret for impersonation tokens
	MFAEncryptionKey    string // Required: key material for TOTP secret encryption at rest
	BootstrapToken      string // Optional: token required to perform bootstrap

	DatabaseFile string // Optional: path to SQLite database file (default: ./trust.db)

	AccessTTL           time.Duration // Access token lifetime (default: 8h)
	RefreshTTL          time.Duration // Refresh token lifetime (default: 168h)
	ImpersonationMaxTTL time.Duration // Cap on impersonation grant lifetime (default: 2h)
	MFAFreshness        time.Duration // How recent an MFA proof must be for sensitive ops (default: 15m)

	AllowedOrigins []string // Origins allowed on cookie-authenticated endpoints

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)

	OIDCProviders map[string]service.OIDCProvider
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:              getEnvOrDefault("TRUST_ISSUER", "trustcore"),
		SessionSecret:       os.Getenv("TRUST_SESSION_SECRET"),
		ImpersonationSecret: os.Getenv("TRUST_IMPERSONATION_SECRET"),
		MFAEncryptionKey:    os.Getenv("TRUST_MFA_ENCRYPTION_KEY"),
		BootstrapToken:      os.Getenv("BOOTSTRAP_TOKEN"),
		DatabaseFile:        getEnvOrDefault("TRUST_DATABASE_FILE", "trust.db"),

		AccessTTL:           getEnvDurationOrDefault("TRUST_ACCESS_TTL", tokenx.DefaultAccessTTL),
		RefreshTTL:          getEnvDurationOrDefault("TRUST_REFRESH_TTL", tokenx.DefaultRefreshTTL),
		ImpersonationMaxTTL: getEnvDurationOrDefault("TRUST_IMPERSONATION_MAX_TTL", tokenx.DefaultImpersonationTTL),
		MFAFreshness:        getEnvDurationOrDefault("TRUST_MFA_FRESHNESS", service.DefaultMFAFreshness),

		AllowedOrigins: splitCSV(os.Getenv("TRUST_ALLOWED_ORIGINS")),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}

	cfg.OIDCProviders = loadOIDCProviders()

	return cfg
}

// loadOIDCProviders reads provider configs from the environment. The provider
// names come from TRUST_OIDC_PROVIDERS (comma-separated); each provider's
// settings live under TRUST_OIDC_<NAME>_*. Providers missing a required field
// are skipped rather than half-configured.
func loadOIDCProviders() map[string]service.OIDCProvider {
	providers := make(map[string]service.OIDCProvider)

	for _, name := range splitCSV(os.Getenv("TRUST_OIDC_PROVIDERS")) {
		prefix := "TRUST_OIDC_" + strings.ToUpper(name) + "_"

		p := service.OIDCProvider{
			Name:         name,
			Issuer:       os.Getenv(prefix + "ISSUER"),
			ClientID:     os.Getenv(prefix + "CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "CLIENT_SECRET"),
			AuthorizeURL: os.Getenv(prefix + "AUTHORIZE_URL"),
			TokenURL:     os.Getenv(prefix + "TOKEN_URL"),
			JWKSURL:      os.Getenv(prefix + "JWKS_URL"),
			RedirectURL:  os.Getenv(prefix + "REDIRECT_URL"),
			Scopes:       splitCSV(getEnvOrDefault(prefix+"SCOPES", "openid,email,profile")),
		}

		if p.Issuer == "" || p.ClientID == "" || p.AuthorizeURL == "" ||
			p.TokenURL == "" || p.JWKSURL == "" || p.RedirectURL == "" {
			continue
		}
		providers[strings.ToLower(name)] = p
	}

	return providers
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer minutes (for backwards compatibility)
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
