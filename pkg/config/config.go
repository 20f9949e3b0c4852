// Package config loads kernel settings from the environment, with an
// optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/execlayer/kernel/pkg/archive"
	"github.com/execlayer/kernel/pkg/observability"
)

const (
	ModeDemo       = "demo"
	ModeProduction = "production"

	SinkFile     = "file"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkMemory   = "memory"

	ApprovalsMemory = "memory"
	ApprovalsRedis  = "redis"

	// DefaultSigningSecret is only acceptable in demo mode.
	DefaultSigningSecret = "dev_secret_change_me"
)

// Config holds server configuration.
type Config struct {
	Mode          string `yaml:"mode"`
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	SigningSecret string `yaml:"signing_secret"`
	SigningKeyID  string `yaml:"signing_key_id"`

	AuditSink        string `yaml:"audit_sink"`
	AuditLogPath     string `yaml:"audit_log_path"`
	DatabaseURL      string `yaml:"database_url"`
	PolicyBundlePath string `yaml:"policy_bundle_path"`

	ApprovalStore string        `yaml:"approval_store"`
	RedisAddr     string        `yaml:"redis_addr"`
	ApprovalTTL   time.Duration `yaml:"approval_ttl"`

	Archive archive.Config `yaml:"archive"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
	OTelInsecure bool   `yaml:"otel_insecure"`
}

// Load loads configuration from environment variables. Unparseable
// numeric values fall back to their defaults with a warning.
func Load() *Config {
	return &Config{
		Mode:          strings.ToLower(getenv("EXECLAYER_MODE", ModeDemo)),
		Port:          getenv("PORT", "8080"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		LogFormat:     getenv("LOG_FORMAT", "text"),
		SigningSecret: getenv("SIGNING_SECRET", DefaultSigningSecret),
		SigningKeyID:  getenv("SIGNING_KEY_ID", "k1"),

		AuditSink:        strings.ToLower(getenv("AUDIT_SINK", SinkFile)),
		AuditLogPath:     getenv("AUDIT_LOG_PATH", "/tmp/execlayer_audit.log.jsonl"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		PolicyBundlePath: os.Getenv("POLICY_BUNDLE_PATH"),

		ApprovalStore: strings.ToLower(getenv("APPROVAL_STORE", ApprovalsMemory)),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		ApprovalTTL:   getDuration("APPROVAL_TTL", 24*time.Hour),

		Archive: archive.Config{
			Type:       archive.Type(strings.ToLower(getenv("ARCHIVE_TYPE", string(archive.TypeNone)))),
			Dir:        os.Getenv("ARCHIVE_DIR"),
			S3Bucket:   os.Getenv("ARCHIVE_S3_BUCKET"),
			S3Region:   os.Getenv("ARCHIVE_S3_REGION"),
			S3Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
			S3Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
			GCSBucket:  os.Getenv("ARCHIVE_GCS_BUCKET"),
			GCSPrefix:  os.Getenv("ARCHIVE_GCS_PREFIX"),
		},

		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 100),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenv("OTEL_ENDPOINT", "localhost:4317"),
		OTelInsecure: os.Getenv("OTEL_INSECURE") == "true",
	}
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	c.Mode = strings.ToLower(c.Mode)
	c.AuditSink = strings.ToLower(c.AuditSink)
	c.ApprovalStore = strings.ToLower(c.ApprovalStore)
	return nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeDemo:
	case ModeProduction:
		if c.SigningSecret == DefaultSigningSecret {
			errs = append(errs, errors.New("production mode requires SIGNING_SECRET to be set"))
		}
		if c.AuditSink == SinkMemory {
			errs = append(errs, errors.New("production mode requires a durable audit sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.SigningSecret == "" {
		errs = append(errs, errors.New("signing secret is empty"))
	}

	switch c.AuditSink {
	case SinkFile:
		if c.AuditLogPath == "" {
			errs = append(errs, errors.New("file audit sink requires AUDIT_LOG_PATH"))
		}
	case SinkSQLite, SinkPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%s audit sink requires DATABASE_URL", c.AuditSink))
		}
	case SinkMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown audit sink %q", c.AuditSink))
	}

	switch c.ApprovalStore {
	case ApprovalsMemory:
	case ApprovalsRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis approval store requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown approval store %q", c.ApprovalStore))
	}
	if c.ApprovalTTL <= 0 {
		errs = append(errs, errors.New("approval TTL must be positive"))
	}

	switch c.Archive.Type {
	case "", archive.TypeNone:
	case archive.TypeFS:
		if c.Archive.Dir == "" {
			errs = append(errs, errors.New("fs archive requires ARCHIVE_DIR"))
		}
	case archive.TypeS3:
		if c.Archive.S3Bucket == "" {
			errs = append(errs, errors.New("s3 archive requires ARCHIVE_S3_BUCKET"))
		}
	case archive.TypeGCS:
		if c.Archive.GCSBucket == "" {
			errs = append(errs, errors.New("gcs archive requires ARCHIVE_GCS_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive type %q", c.Archive.Type))
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel as a slog level.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// Demo reports whether the kernel runs in demo mode.
func (c *Config) Demo() bool { return c.Mode != ModeProduction }

// Observability maps the telemetry settings.
func (c *Config) Observability(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Environment = c.Mode
	oc.Enabled = c.OTelEnabled
	oc.OTLPEndpoint = c.OTelEndpoint
	oc.Insecure = c.OTelInsecure
	return oc
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid number, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return f
}
