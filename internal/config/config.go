package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServiceName     string
	LogLevel        string
	HTTPListenAddr  string
	MetricsAddr     string
	CoreDatabaseURL string
	RedisURL        string

	TemporalAddress       string
	TemporalTaskQueue     string
	TemporalTLSCert       string
	TemporalTLSKey        string
	TemporalTLSCACert     string
	TemporalTLSServerName string

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// BuilderURL is the external build system the build workflow submits to.
	BuilderURL   string
	BuilderToken string
	// CallbackToken authenticates build status callbacks.
	CallbackToken string

	TicketSigningKey    string
	SecretEncryptionKey string
	PublicBaseURL       string
	BaseDomain          string
	CORSOrigins         []string

	// TrustedProxies are the peers whose forwarding headers name the client.
	TrustedProxies []netip.Prefix

	UploadTicketTTL   time.Duration
	UploadTimeout     time.Duration
	ReservationTTL    time.Duration
	SubdomainCooldown time.Duration
	MaxBuildDuration  time.Duration
	SessionTTL        time.Duration
	MaxUploadBytes    int64

	// AnonymousAppTTL is how long an application without an owner stays up.
	AnonymousAppTTL time.Duration

	// TierLimits maps a tier to its maximum number of concurrent deployments.
	TierLimits     map[string]int
	RateLimitsFile string
}

func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:           getEnv("SERVICE_NAME", "deploy-api"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:        getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsAddr:           getEnv("METRICS_ADDR", ""),
		CoreDatabaseURL:       getEnv("CORE_DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379/0"),
		TemporalAddress:       getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue:     getEnv("TEMPORAL_TASK_QUEUE", "deploy-tasks"),
		TemporalTLSCert:       getEnv("TEMPORAL_TLS_CERT", ""),
		TemporalTLSKey:        getEnv("TEMPORAL_TLS_KEY", ""),
		TemporalTLSCACert:     getEnv("TEMPORAL_TLS_CA_CERT", ""),
		TemporalTLSServerName: getEnv("TEMPORAL_TLS_SERVER_NAME", ""),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3Region:              getEnv("S3_REGION", "us-east-1"),
		S3Bucket:              getEnv("S3_BUCKET", "app-sources"),
		S3AccessKey:           getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:           getEnv("S3_SECRET_KEY", ""),
		BuilderURL:            getEnv("BUILDER_URL", ""),
		BuilderToken:          getEnv("BUILDER_TOKEN", ""),
		CallbackToken:         getEnv("CALLBACK_TOKEN", ""),
		TicketSigningKey:      getEnv("TICKET_SIGNING_KEY", ""),
		SecretEncryptionKey:   getEnv("SECRET_ENCRYPTION_KEY", ""),
		PublicBaseURL:         getEnv("PUBLIC_BASE_URL", "http://localhost:8090"),
		BaseDomain:            getEnv("BASE_DOMAIN", "apps.localhost"),
		CORSOrigins:           splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		RateLimitsFile:        getEnv("RATE_LIMITS_FILE", ""),
	}

	var err error
	durations := []struct {
		dst      *time.Duration
		key, def string
	}{
		{&cfg.UploadTicketTTL, "UPLOAD_TICKET_TTL", "10m"},
		{&cfg.UploadTimeout, "UPLOAD_TIMEOUT", "1h"},
		{&cfg.ReservationTTL, "RESERVATION_TTL", "15m"},
		{&cfg.SubdomainCooldown, "SUBDOMAIN_COOLDOWN", "24h"},
		{&cfg.MaxBuildDuration, "MAX_BUILD_DURATION", "30m"},
		{&cfg.SessionTTL, "SESSION_TTL", "720h"},
		{&cfg.AnonymousAppTTL, "ANONYMOUS_APP_TTL", "72h"},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnv(d.key, d.def)); err != nil {
			return nil, fmt.Errorf("parse %s: %w", d.key, err)
		}
	}

	if cfg.MaxUploadBytes, err = strconv.ParseInt(getEnv("MAX_UPLOAD_BYTES", "26214400"), 10, 64); err != nil {
		return nil, fmt.Errorf("parse MAX_UPLOAD_BYTES: %w", err)
	}

	if cfg.TrustedProxies, err = parsePrefixes(getEnv("TRUSTED_PROXIES", "")); err != nil {
		return nil, fmt.Errorf("parse TRUSTED_PROXIES: %w", err)
	}

	if cfg.TierLimits, err = parseTierLimits(getEnv("TIER_LIMITS", "anonymous=1,free=3,pro=20")); err != nil {
		return nil, fmt.Errorf("parse TIER_LIMITS: %w", err)
	}

	return cfg, nil
}

// Validate reports missing or unusable settings for the given process role.
func (c *Config) Validate(role string) error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	require("CORE_DATABASE_URL", c.CoreDatabaseURL)
	require("REDIS_URL", c.RedisURL)
	require("TEMPORAL_ADDRESS", c.TemporalAddress)
	require("SECRET_ENCRYPTION_KEY", c.SecretEncryptionKey)
	require("S3_BUCKET", c.S3Bucket)
	require("CALLBACK_TOKEN", c.CallbackToken)
	require("PUBLIC_BASE_URL", c.PublicBaseURL)

	switch role {
	case "deploy-api":
		require("HTTP_LISTEN_ADDR", c.HTTPListenAddr)
		require("TICKET_SIGNING_KEY", c.TicketSigningKey)
	case "worker":
		require("BUILDER_URL", c.BuilderURL)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if (c.TemporalTLSCert == "") != (c.TemporalTLSKey == "") {
		return fmt.Errorf("TEMPORAL_TLS_CERT and TEMPORAL_TLS_KEY must both be set")
	}
	if role == "deploy-api" && len(c.TicketSigningKey) < 32 {
		return fmt.Errorf("TICKET_SIGNING_KEY must be at least 32 bytes")
	}
	if len(c.SecretEncryptionKey) < 32 {
		return fmt.Errorf("SECRET_ENCRYPTION_KEY must be at least 32 bytes")
	}
	return nil
}

// TierLimit returns the deployment ceiling for tier. Unknown tiers get nothing.
func (c *Config) TierLimit(tier string) int {
	return c.TierLimits[tier]
}

func parseTierLimits(s string) (map[string]int, error) {
	limits := make(map[string]int)
	for _, pair := range splitList(s) {
		tier, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected tier=limit, got %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid limit for tier %q", tier)
		}
		limits[strings.TrimSpace(tier)] = n
	}
	return limits, nil
}

// parsePrefixes reads a list of CIDR ranges. A bare address is a range of
// one.
func parsePrefixes(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range splitList(s) {
		if addr, err := netip.ParseAddr(item); err == nil {
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(item)
		if err != nil {
			return nil, fmt.Errorf("invalid address or range %q", item)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
