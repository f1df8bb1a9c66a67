// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/carevault/internal/archive"
	"github.com/onnwee/carevault/internal/keystore"
	"github.com/onnwee/carevault/internal/ratelimit"
	"github.com/onnwee/carevault/internal/stream"
)

// Ledger hash policies.
const (
	HashPolicyHMAC   = "hmac-sha256"
	HashPolicySHA256 = "sha256"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage. An empty DatabaseURL keeps the ledger in memory (development only).
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// JWT validation. The previous secret is accepted during a rotation.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Audit ledger chain
	LedgerSecret     string `koanf:"ledger_secret"`
	LedgerHashPolicy string `koanf:"ledger_hash_policy"`

	Keys       KeysConfig       `koanf:"keys"`
	RateLimit  ratelimit.Config `koanf:"ratelimit"`
	Stream     stream.Config    `koanf:"stream"`
	Archive    archive.Config   `koanf:"archive"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Jobs       JobsConfig       `koanf:"jobs"`
	RulesPath  string           `koanf:"compliance_rules_path"`

	// AllowedOrigins lists browser origins for CORS and the audit stream.
	AllowedOrigins []string `koanf:"allowed_origins"`

	configPath string
}

// KeysConfig configures the data key store and how its material is wrapped.
type KeysConfig struct {
	Algorithm  string `koanf:"algorithm"`
	SQLitePath string `koanf:"sqlite_path"`
	// MasterKey is a base64 encoded 32-byte key for local wrapping.
	MasterKey string `koanf:"master_key"`
	// Vault transit wrapping takes precedence over MasterKey when set.
	VaultAddr    string `koanf:"vault_addr"`
	VaultToken   string `koanf:"vault_token"`
	VaultKeyName string `koanf:"vault_key_name"`
}

// UseVault reports whether key material is wrapped by Vault transit.
func (k KeysConfig) UseVault() bool {
	return k.VaultAddr != ""
}

// MasterKeyBytes decodes MasterKey.
func (k KeysConfig) MasterKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(k.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	if len(key) != keystore.KeySize {
		return nil, fmt.Errorf("%w: decoded length %d, want %d", ErrInvalidMasterKey, len(key), keystore.KeySize)
	}
	return key, nil
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ExporterType string  `koanf:"exporter_type"`
	Endpoint     string  `koanf:"endpoint"`
	SamplingRate float64 `koanf:"sampling_rate"`
	Insecure     bool    `koanf:"insecure"`
}

// JobsConfig holds background job intervals.
type JobsConfig struct {
	IntegrityInterval time.Duration `koanf:"integrity_interval"`
	ArchiveInterval   time.Duration `koanf:"archive_interval"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL      = errors.New("DATABASE_URL is required in production")
	ErrMissingJWTSecret        = errors.New("JWT_SECRET is required")
	ErrMissingLedgerSecret     = errors.New("LEDGER_SECRET is required for the hmac-sha256 hash policy")
	ErrInvalidHashPolicy       = errors.New("LEDGER_HASH_POLICY must be hmac-sha256 or sha256")
	ErrMissingMasterKey        = errors.New("KEYSTORE_MASTER_KEY or VAULT_ADDR is required")
	ErrInvalidMasterKey        = errors.New("KEYSTORE_MASTER_KEY must be a base64 encoded 32-byte key")
	ErrMissingVaultToken       = errors.New("VAULT_TOKEN is required when VAULT_ADDR is set")
	ErrInvalidKeyAlgorithm     = errors.New("KEYSTORE_ALGORITHM must be aes-256-gcm or xchacha20-poly1305")
	ErrMissingArchiveBucket    = errors.New("ARCHIVE_BUCKET is required")
	ErrMissingArchiveEndpoint  = errors.New("ARCHIVE_ENDPOINT is required")
	ErrMissingArchiveAccessKey = errors.New("ARCHIVE_ACCESS_KEY_ID and ARCHIVE_SECRET_ACCESS_KEY are required")
	ErrInvalidPort             = errors.New("PORT must be a valid integer")
	ErrInvalidNumber           = errors.New("value must be a valid number")
	ErrInvalidDuration         = errors.New("value must be a valid duration")
	ErrNoConfigFile            = errors.New("no config file to watch")
)

// Default values for non-secret configuration.
const (
	DefaultPort              = 8080
	DefaultEnv               = "development"
	DefaultKeyAlgorithm      = string(keystore.AlgorithmAES256GCM)
	DefaultKeystorePath      = "carevault-keys.db"
	DefaultVaultKeyName      = "carevault"
	DefaultArchivePrefix     = "ledger"
	DefaultTracingExporter   = "otlp-http"
	DefaultSamplingRate      = 0.1
	DefaultIntegrityInterval = time.Hour
	DefaultArchiveInterval   = 15 * time.Minute
	DefaultSweepInterval     = time.Minute
)

// LoadDotEnv loads variables from a .env file without overriding variables
// already present in the environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"CAREVAULT_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidPort, err)
	}
	collect(err)

	rl, rlErrs := rateLimitFrom(k)
	loadErrs = append(loadErrs, rlErrs...)

	bufferSize, err := getEnvIntOrDefault("STREAM_BUFFER_SIZE", k.Int("stream.buffer_size"), stream.DefaultBufferSize)
	collect(err)
	maxSubs, err := getEnvIntOrDefault("STREAM_MAX_SUBSCRIBERS", k.Int("stream.max_subscribers"), stream.DefaultMaxSubscribers)
	collect(err)
	segmentSize, err := getEnvIntOrDefault("ARCHIVE_SEGMENT_SIZE", k.Int("archive.segment_size"), archive.DefaultSegmentSize)
	collect(err)
	samplingRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing.sampling_rate"), DefaultSamplingRate)
	collect(err)
	integrityEvery, err := getEnvDurationOrDefault("INTEGRITY_CHECK_INTERVAL", k.Duration("jobs.integrity_interval"), DefaultIntegrityInterval)
	collect(err)
	archiveEvery, err := getEnvDurationOrDefault("ARCHIVE_INTERVAL", k.Duration("jobs.archive_interval"), DefaultArchiveInterval)
	collect(err)
	sweepEvery, err := getEnvDurationOrDefault("RATE_LIMIT_SWEEP_INTERVAL", k.Duration("jobs.sweep_interval"), DefaultSweepInterval)
	collect(err)

	cfg := &Config{
		Port:              port,
		Env:               getEnvOrDefaultMulti([]string{"CAREVAULT_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:       getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:          getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:         getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret: getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		LedgerSecret:      getEnvOrKoanf("LEDGER_SECRET", k, "ledger_secret"),
		LedgerHashPolicy:  getEnvOrDefault("LEDGER_HASH_POLICY", k.String("ledger_hash_policy"), HashPolicyHMAC),
		Keys: KeysConfig{
			Algorithm:    getEnvOrDefault("KEYSTORE_ALGORITHM", k.String("keys.algorithm"), DefaultKeyAlgorithm),
			SQLitePath:   getEnvOrDefault("KEYSTORE_PATH", k.String("keys.sqlite_path"), DefaultKeystorePath),
			MasterKey:    getEnvOrKoanf("KEYSTORE_MASTER_KEY", k, "keys.master_key"),
			VaultAddr:    getEnvOrKoanf("VAULT_ADDR", k, "keys.vault_addr"),
			VaultToken:   getEnvOrKoanf("VAULT_TOKEN", k, "keys.vault_token"),
			VaultKeyName: getEnvOrDefault("VAULT_TRANSIT_KEY", k.String("keys.vault_key_name"), DefaultVaultKeyName),
		},
		RateLimit: rl,
		Stream: stream.Config{
			BufferSize:     bufferSize,
			MaxSubscribers: maxSubs,
		},
		Archive: archive.Config{
			Bucket:          getEnvOrKoanf("ARCHIVE_BUCKET", k, "archive.bucket"),
			Prefix:          getEnvOrDefault("ARCHIVE_PREFIX", k.String("archive.prefix"), DefaultArchivePrefix),
			Endpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive.endpoint"),
			Region:          getEnvOrKoanf("ARCHIVE_REGION", k, "archive.region"),
			AccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive.access_key_id"),
			SecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive.secret_access_key"),
			SegmentSize:     segmentSize,
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing.enabled"),
			ExporterType: getEnvOrDefault("OTEL_EXPORTER_TYPE", k.String("tracing.exporter_type"), DefaultTracingExporter),
			Endpoint:     getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "tracing.endpoint"),
			SamplingRate: samplingRate,
			Insecure:     getEnvBoolOrKoanf("TRACING_INSECURE", k, "tracing.insecure"),
		},
		Jobs: JobsConfig{
			IntegrityInterval: integrityEvery,
			ArchiveInterval:   archiveEvery,
			SweepInterval:     sweepEvery,
		},
		RulesPath:      getEnvOrKoanf("COMPLIANCE_RULES_PATH", k, "compliance_rules_path"),
		AllowedOrigins: getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "allowed_origins"),
		configPath:     configFilePath,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// rateLimitFrom builds the rate-limit section from koanf values and
// RATE_LIMIT_* environment overrides.
func rateLimitFrom(k *koanf.Koanf) (ratelimit.Config, []error) {
	def := ratelimit.DefaultConfig()
	var errs []error

	limit, err := getEnvIntOrDefault("RATE_LIMIT_LIMIT", k.Int("ratelimit.limit"), def.Limit)
	if err != nil {
		errs = append(errs, err)
	}
	window, err := getEnvDurationOrDefault("RATE_LIMIT_WINDOW", k.Duration("ratelimit.window"), def.Window)
	if err != nil {
		errs = append(errs, err)
	}
	idle, err := getEnvIntOrDefault("RATE_LIMIT_IDLE_FACTOR", k.Int("ratelimit.idle_factor"), def.IdleFactor)
	if err != nil {
		errs = append(errs, err)
	}

	whitelist := getEnvListOrKoanf("RATE_LIMIT_WHITELIST", k, "ratelimit.whitelist")

	return ratelimit.Config{
		Limit:      limit,
		Window:     window,
		Whitelist:  whitelist,
		IdleFactor: idle,
	}, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvBoolOrKoanf accepts true/1/yes/on and false/0/no/off. Unrecognised
// environment values fall back to the koanf value.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) bool {
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return k.Bool(koanfKey)
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidNumber)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses Go duration strings such as "90s" or "1h".
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", envKey, ErrInvalidDuration)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" && c.IsProduction() {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}

	switch c.LedgerHashPolicy {
	case HashPolicyHMAC:
		if c.LedgerSecret == "" {
			errs = append(errs, ErrMissingLedgerSecret)
		}
	case HashPolicySHA256:
	default:
		errs = append(errs, ErrInvalidHashPolicy)
	}

	if !keystore.Algorithm(c.Keys.Algorithm).Valid() {
		errs = append(errs, ErrInvalidKeyAlgorithm)
	}
	switch {
	case c.Keys.UseVault():
		if c.Keys.VaultToken == "" {
			errs = append(errs, ErrMissingVaultToken)
		}
	case c.Keys.MasterKey == "":
		errs = append(errs, ErrMissingMasterKey)
	default:
		if _, err := c.Keys.MasterKeyBytes(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, err)
	}

	// Archive configuration is optional. Only validate fields if any value is set.
	a := c.Archive
	if a.Bucket != "" || a.Endpoint != "" || a.AccessKeyID != "" || a.SecretAccessKey != "" {
		if a.Bucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if a.Endpoint == "" {
			errs = append(errs, ErrMissingArchiveEndpoint)
		}
		if a.AccessKeyID == "" || a.SecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveAccessKey)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      fmt.Sprintf("%d", c.Port),
		"env":                       c.Env,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"redis_url":                 maskDatabaseURL(c.RedisURL),
		"jwt_secret":                maskSecret(c.JWTSecret),
		"jwt_previous_secret":       maskSecret(c.JWTPreviousSecret),
		"ledger_secret":             maskSecret(c.LedgerSecret),
		"ledger_hash_policy":        c.LedgerHashPolicy,
		"keys.algorithm":            c.Keys.Algorithm,
		"keys.sqlite_path":          c.Keys.SQLitePath,
		"keys.master_key":           maskSecret(c.Keys.MasterKey),
		"keys.vault_addr":           c.Keys.VaultAddr,
		"keys.vault_token":          maskSecret(c.Keys.VaultToken),
		"ratelimit.limit":           fmt.Sprintf("%d", c.RateLimit.Limit),
		"ratelimit.window":          c.RateLimit.Window.String(),
		"ratelimit.whitelist":       fmt.Sprintf("%d entries", len(c.RateLimit.Whitelist)),
		"stream.buffer_size":        fmt.Sprintf("%d", c.Stream.BufferSize),
		"stream.max_subscribers":    fmt.Sprintf("%d", c.Stream.MaxSubscribers),
		"archive.bucket":            c.Archive.Bucket,
		"archive.endpoint":          c.Archive.Endpoint,
		"archive.access_key_id":     maskSecret(c.Archive.AccessKeyID),
		"archive.secret_access_key": maskSecret(c.Archive.SecretAccessKey),
		"tracing.enabled":           fmt.Sprintf("%t", c.Tracing.Enabled),
		"tracing.endpoint":          c.Tracing.Endpoint,
		"compliance_rules_path":     c.RulesPath,
		"allowed_origins":           strings.Join(c.AllowedOrigins, ","),
	}
}

// WatchRateLimit watches the config file and calls apply with the reloaded
// rate-limit section whenever the file changes. Environment overrides still
// take precedence. The returned function stops watching.
func WatchRateLimit(c *Config, logger *slog.Logger, apply func(ratelimit.Config) error) (func(), error) {
	if c.configPath == "" {
		return nil, ErrNoConfigFile
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := file.Provider(c.configPath)
	err := f.Watch(func(_ interface{}, err error) {
		if err != nil {
			logger.Warn("config watch error", "path", c.configPath, "error", err)
			return
		}
		k := koanf.New(".")
		if err := k.Load(f, yaml.Parser()); err != nil {
			logger.Warn("config reload failed", "path", c.configPath, "error", err)
			return
		}
		rl, errs := rateLimitFrom(k)
		if len(errs) > 0 {
			logger.Warn("rate limit reload rejected", "error", errors.Join(errs...))
			return
		}
		if err := apply(rl); err != nil {
			logger.Warn("rate limit reload rejected", "error", err)
			return
		}
		logger.Info("rate limit config reloaded",
			"limit", rl.Limit,
			"window", rl.Window.String(),
			"whitelist", len(rl.Whitelist))
	})
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", c.configPath, err)
	}
	return func() { _ = f.Unwatch() }, nil
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}

// getEnvListOrKoanf reads a comma-separated environment list, falling back to
// the koanf string slice at path.
func getEnvListOrKoanf(key string, k *koanf.Koanf, path string) []string {
	val := os.Getenv(key)
	if val == "" {
		return k.Strings(path)
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
