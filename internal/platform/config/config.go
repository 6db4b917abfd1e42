package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	PostgresDSN   string
	// IssuerKeys maps recognized issuer ids to their base64-encoded
	// ed25519 public keys.
	IssuerKeys map[string]string
	Redis      Redis
	Kafka      Kafka
	Ledger     Ledger
	Policy     Policy
	Reconcile  Reconcile
}

// Redis configures the optional Redis-backed document blob store.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the audit event publisher. Empty brokers disable it.
type Kafka struct {
	Brokers    []string
	AuditTopic string
}

// Ledger configures the external value-transfer network gateway.
type Ledger struct {
	Endpoint          string
	IssuerAddress     string
	CurrencyCode      string
	AchievementCode   string
	RequestTimeout    time.Duration
	DefaultTrustLimit string
}

// Policy holds the verification policy tables. The endorsement weight table
// and the advanced-level requirement list are policy, not mechanism, so they
// live here rather than in code.
type Policy struct {
	// EndorsementWeights maps endorsement type to its trust weight.
	EndorsementWeights map[string]float64
	// PerIssuerCap bounds the total trust contribution of a single issuer,
	// so repeated low-trust endorsements cannot inflate the score without
	// bound. Zero disables the cap.
	PerIssuerCap float64
	// AdvancedMinEndorsements is the accepted-endorsement count required
	// for the advanced level.
	AdvancedMinEndorsements int
	// AdvancedRequiredDocTypes lists document types the record must carry
	// before it can reach the advanced level.
	AdvancedRequiredDocTypes []string
	// BasicTransferLimit caps a single transfer for basic-level identities,
	// as a decimal string. Empty disables the cap. Advanced identities are
	// never capped.
	BasicTransferLimit string
}

// Reconcile configures the pending-transaction reconciliation worker.
type Reconcile struct {
	Interval       time.Duration
	PendingTimeout time.Duration
}

// DefaultPolicy returns the policy table used unless overridden by env.
func DefaultPolicy() Policy {
	return Policy{
		EndorsementWeights: map[string]float64{
			"federation": 3.0,
			"synagogue":  2.0,
			"rabbi":      1.0,
		},
		PerIssuerCap:             10.0,
		AdvancedMinEndorsements:  2,
		AdvancedRequiredDocTypes: []string{"heritage"},
		BasicTransferLimit:       "1000",
	}
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:          envOr("KEHILLA_ADDR", ":8080"),
		JWTSigningKey: envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		IssuerKeys:    parseKeyPairs(os.Getenv("ISSUER_PUBLIC_KEYS")),
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:    splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			AuditTopic: envOr("KAFKA_AUDIT_TOPIC", "kehilla.audit"),
		},
		Ledger: Ledger{
			Endpoint:          envOr("LEDGER_ENDPOINT", ""),
			IssuerAddress:     envOr("LEDGER_ISSUER_ADDRESS", "rKehillaTreasuryDev"),
			CurrencyCode:      envOr("LEDGER_CURRENCY_CODE", "SHK"),
			AchievementCode:   envOr("LEDGER_ACHIEVEMENT_CODE", "MVP"),
			RequestTimeout:    envDuration("LEDGER_REQUEST_TIMEOUT", 10*time.Second),
			DefaultTrustLimit: envOr("LEDGER_DEFAULT_TRUST_LIMIT", "1000000000"),
		},
		Policy: policyFromEnv(),
		Reconcile: Reconcile{
			Interval:       envDuration("RECONCILE_INTERVAL", time.Minute),
			PendingTimeout: envDuration("RECONCILE_PENDING_TIMEOUT", 5*time.Minute),
		},
	}
}

func policyFromEnv() Policy {
	p := DefaultPolicy()
	if v := envInt("POLICY_ADVANCED_MIN_ENDORSEMENTS", 0); v > 0 {
		p.AdvancedMinEndorsements = v
	}
	if v := splitNonEmpty(os.Getenv("POLICY_ADVANCED_REQUIRED_DOC_TYPES")); len(v) > 0 {
		p.AdvancedRequiredDocTypes = v
	}
	if v := os.Getenv("POLICY_BASIC_TRANSFER_LIMIT"); v != "" {
		p.BasicTransferLimit = v
	}
	if v := envFloat("POLICY_PER_ISSUER_CAP", -1); v >= 0 {
		p.PerIssuerCap = v
	}
	for _, kind := range []string{"rabbi", "synagogue", "federation"} {
		key := "POLICY_WEIGHT_" + strings.ToUpper(kind)
		if v := envFloat(key, -1); v >= 0 {
			p.EndorsementWeights[kind] = v
		}
	}
	return p
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// parseKeyPairs parses "issuer-id=base64key,issuer-id=base64key".
func parseKeyPairs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitNonEmpty(s) {
		id, key, ok := strings.Cut(pair, "=")
		if ok && id != "" && key != "" {
			out[id] = key
		}
	}
	return out
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
