package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	pkgstrings "lookup/pkg/platform/strings"
)

// Server captures process level configuration.
type Server struct {
	Addr      string `env:"LOOKUP_ADDR" envDefault:":8080" validate:"required"`
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:8080" validate:"required,url"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	// GlobalScale switches the directory into administrator-populated mode:
	// batch endpoints are served and search skips karma gating.
	GlobalScale bool `env:"GLOBAL_SCALE"`
	// AuthKey guards the batch and instance endpoints in global scale mode.
	AuthKey string `env:"AUTH_KEY"`

	Database     DatabaseConfig
	Redis        RedisConfig
	Mail         MailConfig
	Signature    SignatureConfig
	Verification VerificationConfig
	Replication  ReplicationConfig
	Instances    InstancesConfig
}

// DatabaseConfig configures the PostgreSQL pool. An empty URL selects the
// in-memory stores, which are for development only; the audit trail then
// keeps at most MemoryAuditCapacity events.
type DatabaseConfig struct {
	URL                 string        `env:"DATABASE_URL"`
	MaxOpenConns        int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"10" validate:"gte=1"`
	MaxIdleConns        int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5" validate:"gte=0"`
	ConnMaxLifetime     time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"30m"`
	MemoryAuditCapacity int           `env:"MEMORY_AUDIT_CAPACITY" envDefault:"10000" validate:"gte=1"`
}

// RedisConfig configures the shared key cache. An empty URL disables Redis.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10" validate:"gte=1"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2" validate:"gte=0"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// MailConfig configures SMTP delivery of email confirmations. An empty host
// disables delivery; tokens are still created.
type MailConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"EMAIL_SENDER" envDefault:"admin@example.com" validate:"required,email"`
}

// SignatureConfig configures public key retrieval.
type SignatureConfig struct {
	KeyFetchScheme  string        `env:"KEY_FETCH_SCHEME" envDefault:"http" validate:"oneof=http https"`
	KeyFetchTimeout time.Duration `env:"KEY_FETCH_TIMEOUT" envDefault:"10s"`
	KeyCacheTTL     time.Duration `env:"KEY_CACHE_TTL" envDefault:"10m"`
}

// VerificationConfig configures the proof checking pass.
type VerificationConfig struct {
	TwitterConsumerKey    string        `env:"TWITTER_CONSUMER_KEY"`
	TwitterConsumerSecret string        `env:"TWITTER_CONSUMER_SECRET"`
	TwitterAPIURL         string        `env:"TWITTER_API_URL" envDefault:"https://api.twitter.com" validate:"url"`
	ProofFetchTimeout     time.Duration `env:"PROOF_FETCH_TIMEOUT" envDefault:"10s"`
}

// ReplicationConfig configures both replication roles.
type ReplicationConfig struct {
	// Secret is the password remote instances present as Basic auth "lookup:<secret>".
	Secret     string        `env:"REPLICATION_AUTH"`
	Hosts      []string      `env:"REPLICATION_HOSTS" envSeparator:","`
	CursorFile string        `env:"REPLICATION_CURSOR_FILE" envDefault:"replication.json" validate:"required"`
	Timeout    time.Duration `env:"REPLICATION_TIMEOUT" envDefault:"5s"`
}

// InstancesConfig configures the instance directory.
type InstancesConfig struct {
	Static  []string          `env:"INSTANCES" envSeparator:","`
	Aliases map[string]string `env:"INSTANCE_ALIASES" envSeparator:"," envKeyValSeparator:":"`
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	cfg, err := env.ParseAs[Server]()
	if err != nil {
		return Server{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Server) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Server) normalize() {
	c.Replication.Hosts = pkgstrings.DedupeAndTrim(c.Replication.Hosts)
	c.Instances.Static = pkgstrings.DedupeAndTrim(c.Instances.Static)
	aliases := make(map[string]string, len(c.Instances.Aliases))
	for k, v := range c.Instances.Aliases {
		aliases[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	c.Instances.Aliases = aliases
}
