package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/sirupsen/logrus"
)

// Prefix namespaces every environment key.
const Prefix = "PANTRY_"

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Store       string `env:"STORE" envDefault:"postgres"`
	PGDSN       string `env:"PG_DSN"`
	RedisURL    string `env:"REDIS_URL"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"pantry:"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	TokenSecret     string        `env:"TOKEN_SECRET,required,unset"`
	TokenIssuer     string        `env:"TOKEN_ISSUER" envDefault:"pantrykit"`
	AccessTTL       time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL      time.Duration `env:"REFRESH_TTL" envDefault:"336h"`
	VerificationTTL time.Duration `env:"VERIFICATION_TTL" envDefault:"48h"`
	ClockSkew       time.Duration `env:"CLOCK_SKEW" envDefault:"5s"`
	ReuseDetection  bool          `env:"REFRESH_REUSE_DETECTION" envDefault:"false"`

	VerificationGrace time.Duration `env:"VERIFICATION_GRACE" envDefault:"72h"`
	LockoutThreshold  int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutDuration   time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m"`
	DefaultRole       string        `env:"DEFAULT_ROLE" envDefault:"role_viewer"`

	OpTimeout        time.Duration `env:"OP_TIMEOUT" envDefault:"3s"`
	HashConcurrency  int           `env:"HASH_CONCURRENCY" envDefault:"0"`
	HashTimeout      time.Duration `env:"HASH_TIMEOUT" envDefault:"5s"`
	Argon2MemoryKiB  uint32        `env:"ARGON2_MEMORY_KIB" envDefault:"65536"`
	Argon2Iterations uint32        `env:"ARGON2_ITERATIONS" envDefault:"3"`
	Argon2Threads    uint8         `env:"ARGON2_THREADS" envDefault:"2"`
	RoleCacheSize    int           `env:"ROLE_CACHE_SIZE" envDefault:"1024"`

	TenantHeader     string `env:"TENANT_HEADER" envDefault:"X-Tenant-ID"`
	TenantHostSuffix string `env:"TENANT_FROM_HOST"`

	RateLimitPerSec float64 `env:"RATE_LIMIT_PER_SEC" envDefault:"5"`
	RateLimitBurst  int     `env:"RATE_LIMIT_BURST" envDefault:"10"`
	MaxBodyBytes    int64   `env:"MAX_BODY_BYTES" envDefault:"65536"`

	SweepSchedule  string        `env:"SWEEP_SCHEDULE" envDefault:"@every 1h"`
	SweepRetention time.Duration `env:"SWEEP_RETENTION" envDefault:"24h"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		logrus.WithError(err).Error("env.Parse error")
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.TokenSecret) < 32 {
		errs = append(errs, errors.New("TOKEN_SECRET must be at least 32 bytes"))
	}
	switch c.Store {
	case StorePostgres:
		if strings.TrimSpace(c.PGDSN) == "" {
			errs = append(errs, errors.New("PG_DSN is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.VerificationTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.AccessTTL >= c.RefreshTTL {
		errs = append(errs, errors.New("ACCESS_TTL must be shorter than REFRESH_TTL"))
	}
	if c.ClockSkew < 0 {
		errs = append(errs, errors.New("CLOCK_SKEW must not be negative"))
	}
	if c.LockoutThreshold <= 0 || c.LockoutDuration <= 0 {
		errs = append(errs, errors.New("lockout threshold and duration must be positive"))
	}
	if c.OpTimeout <= 0 {
		errs = append(errs, errors.New("OP_TIMEOUT must be positive"))
	}
	if c.Argon2MemoryKiB < 8*uint32(c.Argon2Threads) || c.Argon2Iterations == 0 || c.Argon2Threads == 0 {
		errs = append(errs, errors.New("argon2 parameters are out of range"))
	}
	if c.RateLimitPerSec <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}
