package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all gateway configuration.
type Config struct {
	Addr      string // listen address, e.g. ":8080"
	DBPath    string // path to SQLite database file
	MasterKey string // hex-encoded 32-byte master key for credential encryption
	TLS       bool
	CertFile  string
	KeyFile   string

	// Secrets provider: "local" (default) or "gcpkms".
	SecretsProvider string
	// GCP KMS key resource name (required when SecretsProvider == "gcpkms").
	KMSKeyResourceName string

	// Admin API auth: "token" (default) or "jwt". The admin API is not
	// mounted when neither an admin token nor a JWT key is configured.
	AdminAuthMode string
	AdminToken    string
	// JWT settings (required when AdminAuthMode == "jwt").
	JWTSigningKey    string // HMAC secret string or path to PEM public key file
	JWTIssuer        string
	JWTAudience      string
	JWTGroupsClaim   string
	JWTSubjectClaim  string
	JWTRequiredGroup string

	// Agent authentication.
	MaxSkew             time.Duration // accepted timestamp drift
	StoreTimeout        time.Duration // per-call deadline for nonce and rate stores
	NonceStore          string        // "memory", "sqlite", or "redis"
	RateStore           string        // "memory" or "redis"
	RateLimit           int           // default requests per window per agent and route
	RateWindow          time.Duration
	RoutePolicyPath     string // YAML route policy (empty = built-in scopes, default limits)
	AgentsFile          string // YAML agent seed file applied at startup
	AgentCacheSize      int
	AgentCacheTTL       time.Duration
	WebhookRequireNonce bool
	DebugSignatures     bool // log expected HMACs on mismatch; never in production

	// Redis (required when NonceStore or RateStore is "redis").
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Settlement.
	PaymentMethod string // gateway ID orders must carry
	MaxBodyBytes  int64

	// Backup.
	BackupDir       string        // directory for compressed snapshots (empty = disabled)
	BackupInterval  time.Duration // 0 = on demand only
	BackupRetention int           // snapshots kept (0 = unlimited)

	// Observability.
	ManagementAddr  string // separate listener for /metrics (empty = serve on Addr)
	OTelServiceName string // enables OTLP tracing when set

	// Logging.
	LogFormat string // "json" (default) or "text"
	AuditLogs bool   // enable audit logging (default true)
}

const envPrefix = "AGENTIC_GATEWAY_"

func Parse() *Config {
	c := &Config{}
	flag.StringVar(&c.Addr, "addr", ":8080", "listen address")
	flag.StringVar(&c.DBPath, "db", "agentic-gateway.db", "SQLite database path")
	flag.StringVar(&c.MasterKey, "master-key", "", "hex-encoded 32-byte master key for credentials (auto-generated if empty)")
	flag.BoolVar(&c.TLS, "tls", false, "enable TLS")
	flag.StringVar(&c.CertFile, "cert", "", "TLS certificate file")
	flag.StringVar(&c.KeyFile, "key", "", "TLS key file")

	flag.StringVar(&c.SecretsProvider, "secrets-provider", "local", "secrets provider: local or gcpkms")
	flag.StringVar(&c.KMSKeyResourceName, "kms-key", "", "GCP KMS key resource name (required for gcpkms provider)")

	// Admin auth flags.
	flag.StringVar(&c.AdminAuthMode, "admin-auth-mode", "token", "admin API authentication: token or jwt")
	flag.StringVar(&c.AdminToken, "admin-token", "", "static bearer token for the admin API")
	flag.StringVar(&c.JWTSigningKey, "jwt-signing-key", "", "HMAC secret or path to PEM public key for admin JWTs")
	flag.StringVar(&c.JWTIssuer, "jwt-issuer", "", "expected JWT issuer claim (optional)")
	flag.StringVar(&c.JWTAudience, "jwt-audience", "", "expected JWT audience claim (optional)")
	flag.StringVar(&c.JWTGroupsClaim, "jwt-groups-claim", "groups", "JWT claim name for group memberships")
	flag.StringVar(&c.JWTSubjectClaim, "jwt-subject-claim", "sub", "JWT claim for the operator name")
	flag.StringVar(&c.JWTRequiredGroup, "jwt-required-group", "", "group an operator must belong to (empty = any valid token)")

	// Agent auth flags.
	flag.DurationVar(&c.MaxSkew, "max-skew", 300*time.Second, "accepted request timestamp drift")
	flag.DurationVar(&c.StoreTimeout, "store-timeout", 2*time.Second, "deadline for nonce and rate-limit store calls")
	flag.StringVar(&c.NonceStore, "nonce-store", "sqlite", "nonce store: memory, sqlite, or redis")
	flag.StringVar(&c.RateStore, "rate-store", "memory", "rate limit store: memory or redis")
	flag.IntVar(&c.RateLimit, "rate-limit", 60, "requests per window per agent and route")
	flag.DurationVar(&c.RateWindow, "rate-window", time.Minute, "rate limit window")
	flag.StringVar(&c.RoutePolicyPath, "route-policy", "", "path to route policy YAML")
	flag.StringVar(&c.AgentsFile, "agents-file", "", "path to agents seed YAML")
	flag.IntVar(&c.AgentCacheSize, "agent-cache-size", 1024, "agent lookup cache entries")
	flag.DurationVar(&c.AgentCacheTTL, "agent-cache-ttl", time.Minute, "agent lookup cache TTL")
	flag.BoolVar(&c.WebhookRequireNonce, "webhook-require-nonce", true, "reject webhook deliveries without a nonce")
	flag.BoolVar(&c.DebugSignatures, "debug-signatures", false, "log expected signatures on mismatch (never in production)")

	flag.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for shared nonce and rate-limit stores")
	flag.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	flag.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")

	flag.StringVar(&c.PaymentMethod, "payment-method", "agentic", "payment method ID orders must carry to be settled")
	flag.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "maximum request body size after decompression")

	// Backup flags.
	flag.StringVar(&c.BackupDir, "backup-dir", "", "directory for database backups (empty = disabled)")
	flag.DurationVar(&c.BackupInterval, "backup-interval", 0, "periodic backup interval (0 = on demand only)")
	flag.IntVar(&c.BackupRetention, "backup-retention", 7, "number of backups to keep (0 = unlimited)")

	flag.StringVar(&c.ManagementAddr, "management-addr", "", "listen address for /metrics (empty = serve on -addr)")
	flag.StringVar(&c.OTelServiceName, "otel-service-name", "", "service name for OTLP tracing (empty = disabled)")

	// Logging flags.
	flag.StringVar(&c.LogFormat, "log-format", "json", "log format: json or text")
	flag.BoolVar(&c.AuditLogs, "audit-logs", true, "enable structured audit logging")

	flag.Parse()

	// Allow env overrides.
	envString("ADDR", &c.Addr)
	envString("DB", &c.DBPath)
	envString("MASTER_KEY", &c.MasterKey)
	envString("SECRETS_PROVIDER", &c.SecretsProvider)
	envString("KMS_KEY", &c.KMSKeyResourceName)
	envString("ADMIN_AUTH_MODE", &c.AdminAuthMode)
	envString("ADMIN_TOKEN", &c.AdminToken)
	envString("JWT_SIGNING_KEY", &c.JWTSigningKey)
	envString("JWT_ISSUER", &c.JWTIssuer)
	envString("JWT_AUDIENCE", &c.JWTAudience)
	envString("JWT_GROUPS_CLAIM", &c.JWTGroupsClaim)
	envString("JWT_SUBJECT_CLAIM", &c.JWTSubjectClaim)
	envString("JWT_REQUIRED_GROUP", &c.JWTRequiredGroup)
	envDuration("MAX_SKEW", &c.MaxSkew)
	envDuration("STORE_TIMEOUT", &c.StoreTimeout)
	envString("NONCE_STORE", &c.NonceStore)
	envString("RATE_STORE", &c.RateStore)
	envInt("RATE_LIMIT", &c.RateLimit)
	envDuration("RATE_WINDOW", &c.RateWindow)
	envString("ROUTE_POLICY", &c.RoutePolicyPath)
	envString("AGENTS_FILE", &c.AgentsFile)
	envInt("AGENT_CACHE_SIZE", &c.AgentCacheSize)
	envDuration("AGENT_CACHE_TTL", &c.AgentCacheTTL)
	envBool("WEBHOOK_REQUIRE_NONCE", &c.WebhookRequireNonce)
	envBool("DEBUG_SIGNATURES", &c.DebugSignatures)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envInt("REDIS_DB", &c.RedisDB)
	envString("PAYMENT_METHOD", &c.PaymentMethod)
	if v := os.Getenv(envPrefix + "MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxBodyBytes = n
		}
	}
	envString("BACKUP_DIR", &c.BackupDir)
	envDuration("BACKUP_INTERVAL", &c.BackupInterval)
	envInt("BACKUP_RETENTION", &c.BackupRetention)
	envString("MANAGEMENT_ADDR", &c.ManagementAddr)
	envString("OTEL_SERVICE_NAME", &c.OTelServiceName)
	envString("LOG_FORMAT", &c.LogFormat)
	envBool("AUDIT_LOGS", &c.AuditLogs)

	if c.MasterKey == "" && c.SecretsProvider == "local" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate master key: %v\n", err)
			os.Exit(1)
		}
		c.MasterKey = hex.EncodeToString(key)
		fmt.Fprintf(os.Stderr, "WARNING: auto-generated master key (agent credentials will not survive restart unless you persist it):\n")
		fmt.Fprintf(os.Stderr, "  export %sMASTER_KEY=%s\n\n", envPrefix, c.MasterKey)
	}

	return c
}

// Validate checks combinations flags alone cannot express.
func (c *Config) Validate() error {
	switch c.SecretsProvider {
	case "local":
	case "gcpkms":
		if c.KMSKeyResourceName == "" {
			return errors.New("-kms-key is required with -secrets-provider=gcpkms")
		}
	default:
		return fmt.Errorf("unknown secrets provider %q", c.SecretsProvider)
	}

	switch c.AdminAuthMode {
	case "token":
	case "jwt":
		if c.JWTSigningKey == "" {
			return errors.New("-jwt-signing-key is required with -admin-auth-mode=jwt")
		}
	default:
		return fmt.Errorf("unknown admin auth mode %q", c.AdminAuthMode)
	}

	switch c.NonceStore {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown nonce store %q", c.NonceStore)
	}
	switch c.RateStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown rate store %q", c.RateStore)
	}
	if (c.NonceStore == "redis" || c.RateStore == "redis") && c.RedisAddr == "" {
		return errors.New("-redis-addr is required for redis nonce or rate stores")
	}

	if c.MaxSkew <= 0 {
		return errors.New("-max-skew must be positive")
	}
	if c.RateLimit <= 0 || c.RateWindow <= 0 {
		return errors.New("-rate-limit and -rate-window must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("-max-body-bytes must be positive")
	}
	if c.BackupRetention < 0 || c.BackupInterval < 0 {
		return errors.New("-backup-retention and -backup-interval must not be negative")
	}
	if c.BackupInterval > 0 && c.BackupDir == "" {
		return errors.New("-backup-interval requires -backup-dir")
	}
	if c.TLS && (c.CertFile == "" || c.KeyFile == "") {
		return errors.New("-tls requires -cert and -key")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (c *Config) MasterKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.MasterKey)
}

func envString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
