package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/fundaudit/pkg/aggregate"
	"github.com/Mindburn-Labs/fundaudit/pkg/artifacts"
)

// ErrInvalidConfig wraps every configuration error.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Audit sink kinds.
const (
	SinkMemory   = "memory"
	SinkFile     = "file"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
)

// Config holds runtime configuration.
type Config struct {
	Actor       string `yaml:"actor"`
	RulesPath   string `yaml:"rules_path"`
	ProfilesDir string `yaml:"profiles_dir"`
	DataDir     string `yaml:"data_dir"`

	AuditSink   string `yaml:"audit_sink"`
	AuditPath   string `yaml:"audit_path"`
	DatabaseURL string `yaml:"database_url"`

	Thresholds aggregate.Thresholds `yaml:"thresholds"`

	Workers   int     `yaml:"workers"`
	RateLimit float64 `yaml:"rate_limit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	TokenSecret string `yaml:"-"`
	TokenIssuer string `yaml:"token_issuer"`

	Artifacts artifacts.StoreConfig `yaml:"artifacts"`
}

// Load reads configuration from environment variables, with defaults.
func Load() (*Config, error) {
	var errs []error
	dataDir := envOr("DATA_DIR", "data")
	cfg := &Config{
		Actor:       os.Getenv("FUNDAUDIT_ACTOR"),
		RulesPath:   os.Getenv("FUNDAUDIT_RULES"),
		ProfilesDir: os.Getenv("FUNDAUDIT_PROFILES"),
		DataDir:     dataDir,

		AuditSink:   strings.ToLower(os.Getenv("AUDIT_SINK")),
		AuditPath:   os.Getenv("AUDIT_PATH"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		Thresholds: aggregate.Thresholds{
			Min: envDecimal("GOVERNANCE_MIN_PROPORTION", "0.01", &errs),
			Max: envDecimal("GOVERNANCE_MAX_PROPORTION", "0.95", &errs),
		},

		Workers:   envInt("FUNDAUDIT_WORKERS", 4, &errs),
		RateLimit: envFloat("FUNDAUDIT_RATE_LIMIT", 0, &errs),

		LogLevel:  strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		LogFormat: strings.ToLower(envOr("LOG_FORMAT", "text")),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0, &errs),
		RedisPrefix:   envOr("REDIS_PREFIX", "fundaudit"),

		TokenSecret: os.Getenv("FUNDAUDIT_TOKEN_SECRET"),
		TokenIssuer: envOr("FUNDAUDIT_TOKEN_ISSUER", "fundaudit"),

		Artifacts: artifacts.StoreConfig{
			Type:       artifacts.StoreType(envOr("ARTIFACT_STORAGE_TYPE", string(artifacts.StoreTypeFS))),
			DataDir:    dataDir,
			S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			S3Region:   envOr("ARTIFACT_S3_REGION", os.Getenv("AWS_REGION")),
			S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
			GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
			GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
		},
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFile overlays a YAML file onto base. Keys absent from the file keep
// their base values.
func LoadFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	out := *base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	out.AuditSink = strings.ToLower(out.AuditSink)
	out.applyDefaults()
	return &out, nil
}

func (c *Config) applyDefaults() {
	if c.AuditSink == "" {
		c.AuditSink = SinkFile
		if c.DatabaseURL != "" {
			c.AuditSink = SinkPostgres
		}
	}
	if c.AuditPath == "" {
		switch c.AuditSink {
		case SinkFile:
			c.AuditPath = filepath.Join(c.DataDir, "audit.jsonl")
		case SinkSQLite:
			c.AuditPath = filepath.Join(c.DataDir, "audit.db")
		}
	}
	if c.Artifacts.DataDir == "" {
		c.Artifacts.DataDir = c.DataDir
	}
}

// Validate checks thresholds and sink settings.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.AuditSink {
	case SinkMemory, SinkFile, SinkSQLite:
	case SinkPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%w: DATABASE_URL is required for the postgres audit sink", ErrInvalidConfig))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown audit sink %q", ErrInvalidConfig, c.AuditSink))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.Workers))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: rate limit must not be negative", ErrInvalidConfig))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("%w: log format %q, want text or json", ErrInvalidConfig, c.LogFormat))
	}
	return errors.Join(errs...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err))
		return def
	}
	return n
}

func envFloat(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err))
		return def
	}
	return f
}

func envDecimal(key, def string, errs *[]error) decimal.Decimal {
	d, err := decimal.NewFromString(envOr(key, def))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err))
		return decimal.RequireFromString(def)
	}
	return d
}
