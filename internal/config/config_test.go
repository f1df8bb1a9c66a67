package config

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/carevault/internal/archive"
	"github.com/onnwee/carevault/internal/ratelimit"
)

var testMasterKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

var configEnvKeys = []string{
	"CAREVAULT_PORT", "PORT", "CAREVAULT_ENV", "ENV", "GO_ENV",
	"DATABASE_URL", "REDIS_URL", "JWT_SECRET", "JWT_PREVIOUS_SECRET",
	"LEDGER_SECRET", "LEDGER_HASH_POLICY",
	"KEYSTORE_ALGORITHM", "KEYSTORE_PATH", "KEYSTORE_MASTER_KEY",
	"VAULT_ADDR", "VAULT_TOKEN", "VAULT_TRANSIT_KEY",
	"RATE_LIMIT_LIMIT", "RATE_LIMIT_WINDOW", "RATE_LIMIT_IDLE_FACTOR", "RATE_LIMIT_WHITELIST",
	"STREAM_BUFFER_SIZE", "STREAM_MAX_SUBSCRIBERS",
	"ARCHIVE_BUCKET", "ARCHIVE_PREFIX", "ARCHIVE_ENDPOINT", "ARCHIVE_REGION",
	"ARCHIVE_ACCESS_KEY_ID", "ARCHIVE_SECRET_ACCESS_KEY", "ARCHIVE_SEGMENT_SIZE",
	"TRACING_ENABLED", "OTEL_EXPORTER_TYPE", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"TRACING_SAMPLE_RATE", "TRACING_INSECURE",
	"INTEGRITY_CHECK_INTERVAL", "ARCHIVE_INTERVAL", "RATE_LIMIT_SWEEP_INTERVAL",
	"COMPLIANCE_RULES_PATH", "CORS_ALLOWED_ORIGINS",
}

// clearEnv blanks every variable Load reads; empty values count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "jwt-secret-for-tests")
	t.Setenv("LEDGER_SECRET", "ledger-secret-for-tests")
	t.Setenv("KEYSTORE_MASTER_KEY", testMasterKey)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setValidEnv(t)

	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("Load() errors = %v", errs)
	}
	if cfg.Port != DefaultPort || cfg.Env != DefaultEnv {
		t.Errorf("port/env = %d/%s", cfg.Port, cfg.Env)
	}
	if cfg.LedgerHashPolicy != HashPolicyHMAC {
		t.Errorf("LedgerHashPolicy = %q, want %q", cfg.LedgerHashPolicy, HashPolicyHMAC)
	}
	if cfg.Keys.Algorithm != DefaultKeyAlgorithm || cfg.Keys.SQLitePath != DefaultKeystorePath {
		t.Errorf("keys = %+v", cfg.Keys)
	}
	def := ratelimit.DefaultConfig()
	if cfg.RateLimit.Limit != def.Limit || cfg.RateLimit.Window != def.Window {
		t.Errorf("ratelimit = %+v, want %+v", cfg.RateLimit, def)
	}
	if cfg.Jobs.IntegrityInterval != DefaultIntegrityInterval {
		t.Errorf("IntegrityInterval = %s", cfg.Jobs.IntegrityInterval)
	}
	if cfg.Archive.Prefix != DefaultArchivePrefix || cfg.Archive.Enabled() {
		t.Errorf("archive = %+v", cfg.Archive)
	}
}

func TestLoad_MissingMandatory(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr []error
	}{
		{
			name:    "no environment variables set",
			envVars: map[string]string{},
			wantErr: []error{ErrMissingJWTSecret, ErrMissingLedgerSecret, ErrMissingMasterKey},
		},
		{
			name: "production without database",
			envVars: map[string]string{
				"ENV":                 "production",
				"JWT_SECRET":          "jwt-secret-for-tests",
				"LEDGER_SECRET":       "ledger-secret-for-tests",
				"KEYSTORE_MASTER_KEY": testMasterKey,
			},
			wantErr: []error{ErrMissingDatabaseURL},
		},
		{
			name: "sha256 policy needs no ledger secret",
			envVars: map[string]string{
				"JWT_SECRET":          "jwt-secret-for-tests",
				"LEDGER_HASH_POLICY":  "sha256",
				"KEYSTORE_MASTER_KEY": testMasterKey,
			},
		},
		{
			name: "unknown hash policy",
			envVars: map[string]string{
				"JWT_SECRET":          "jwt-secret-for-tests",
				"LEDGER_HASH_POLICY":  "md5",
				"KEYSTORE_MASTER_KEY": testMasterKey,
			},
			wantErr: []error{ErrInvalidHashPolicy},
		},
		{
			name: "vault needs token",
			envVars: map[string]string{
				"JWT_SECRET":    "jwt-secret-for-tests",
				"LEDGER_SECRET": "ledger-secret-for-tests",
				"VAULT_ADDR":    "http://127.0.0.1:8200",
			},
			wantErr: []error{ErrMissingVaultToken},
		},
		{
			name: "short master key",
			envVars: map[string]string{
				"JWT_SECRET":          "jwt-secret-for-tests",
				"LEDGER_SECRET":       "ledger-secret-for-tests",
				"KEYSTORE_MASTER_KEY": base64.StdEncoding.EncodeToString([]byte("short")),
			},
			wantErr: []error{ErrInvalidMasterKey},
		},
		{
			name: "unknown key algorithm",
			envVars: map[string]string{
				"JWT_SECRET":          "jwt-secret-for-tests",
				"LEDGER_SECRET":       "ledger-secret-for-tests",
				"KEYSTORE_MASTER_KEY": testMasterKey,
				"KEYSTORE_ALGORITHM":  "des",
			},
			wantErr: []error{ErrInvalidKeyAlgorithm},
		},
		{
			name: "partial archive config",
			envVars: map[string]string{
				"JWT_SECRET":          "jwt-secret-for-tests",
				"LEDGER_SECRET":       "ledger-secret-for-tests",
				"KEYSTORE_MASTER_KEY": testMasterKey,
				"ARCHIVE_BUCKET":      "audit-archive",
			},
			wantErr: []error{ErrMissingArchiveEndpoint, ErrMissingArchiveAccessKey},
		},
		{
			name: "invalid rate limit",
			envVars: map[string]string{
				"JWT_SECRET":          "jwt-secret-for-tests",
				"LEDGER_SECRET":       "ledger-secret-for-tests",
				"KEYSTORE_MASTER_KEY": testMasterKey,
				"RATE_LIMIT_LIMIT":    "-1",
			},
			wantErr: []error{ratelimit.ErrInvalidConfig},
		},
		{
			name: "unparseable values",
			envVars: map[string]string{
				"JWT_SECRET":          "jwt-secret-for-tests",
				"LEDGER_SECRET":       "ledger-secret-for-tests",
				"KEYSTORE_MASTER_KEY": testMasterKey,
				"PORT":                "eighty",
				"RATE_LIMIT_WINDOW":   "soon",
			},
			// The unparsed window also fails rate limit validation.
			wantErr: []error{ErrInvalidPort, ErrInvalidDuration, ratelimit.ErrInvalidConfig},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			_, errs := Load("")
			if len(errs) != len(tt.wantErr) {
				t.Fatalf("Load() errors = %v, want %d errors", errs, len(tt.wantErr))
			}
			joined := errors.Join(errs...)
			for _, want := range tt.wantErr {
				if !errors.Is(joined, want) {
					t.Errorf("errors %v do not include %v", errs, want)
				}
			}
		})
	}
}

func writeConfigFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileWithEnvOverride(t *testing.T) {
	clearEnv(t)
	setValidEnv(t)
	path := writeConfigFile(t, t.TempDir(), `
port: 9090
env: staging
ratelimit:
  limit: 20
  window: 30s
  whitelist:
    - 10.0.0.1
stream:
  buffer_size: 64
archive:
  bucket: audit-archive
  endpoint: https://s3.example.com
  access_key_id: AKIAEXAMPLE
  secret_access_key: example-secret
jobs:
  integrity_interval: 10m
allowed_origins:
  - https://dashboard.example.org
`)
	t.Setenv("RATE_LIMIT_LIMIT", "40")
	t.Setenv("RATE_LIMIT_WHITELIST", "203.0.113.9, 198.51.100.2")

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("Load() errors = %v", errs)
	}
	if cfg.Port != 9090 || cfg.Env != "staging" {
		t.Errorf("port/env = %d/%s", cfg.Port, cfg.Env)
	}
	if cfg.RateLimit.Limit != 40 {
		t.Errorf("Limit = %d, want env override 40", cfg.RateLimit.Limit)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("Window = %s, want 30s", cfg.RateLimit.Window)
	}
	if got := strings.Join(cfg.RateLimit.Whitelist, ","); got != "203.0.113.9,198.51.100.2" {
		t.Errorf("Whitelist = %q", got)
	}
	if cfg.Stream.BufferSize != 64 {
		t.Errorf("BufferSize = %d, want 64", cfg.Stream.BufferSize)
	}
	if !cfg.Archive.Enabled() {
		t.Error("archive not enabled from file")
	}
	if cfg.Jobs.IntegrityInterval != 10*time.Minute {
		t.Errorf("IntegrityInterval = %s", cfg.Jobs.IntegrityInterval)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://dashboard.example.org" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	cfg, errs := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if cfg != nil || len(errs) != 1 {
		t.Fatalf("Load() = %v, %v; want nil config and one error", cfg, errs)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("JWT_PREVIOUS_SECRET=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv only sets variables that are absent, so unset rather than blank.
	os.Unsetenv("JWT_PREVIOUS_SECRET")
	t.Cleanup(func() { os.Unsetenv("JWT_PREVIOUS_SECRET") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("JWT_PREVIOUS_SECRET"); got != "from-dotenv" {
		t.Errorf("JWT_PREVIOUS_SECRET = %q", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("LoadDotEnv(missing) error = %v, want nil", err)
	}
}

func TestLogSummary_MasksSecrets(t *testing.T) {
	cfg := &Config{
		DatabaseURL:  "postgres://carevault:hunter2hunter2@db:5432/carevault",
		JWTSecret:    "super-secret-jwt-value",
		LedgerSecret: "abc",
		Keys:         KeysConfig{MasterKey: testMasterKey},
		Archive: archive.Config{
			AccessKeyID:     "AKIAEXAMPLE",
			SecretAccessKey: "example-secret",
		},
	}
	s := cfg.LogSummary()

	if got := s["database_url"]; got != "postgres://carevault:****@db:5432/carevault" {
		t.Errorf("database_url = %q", got)
	}
	if got := s["jwt_secret"]; got != "supe****" {
		t.Errorf("jwt_secret = %q", got)
	}
	if got := s["ledger_secret"]; got != "****" {
		t.Errorf("ledger_secret = %q", got)
	}
	if got := s["jwt_previous_secret"]; got != "<not set>" {
		t.Errorf("jwt_previous_secret = %q", got)
	}
	for k, v := range s {
		if strings.Contains(v, "hunter2") || strings.Contains(v, testMasterKey) || strings.Contains(v, "example-secret") {
			t.Errorf("%s leaks a secret: %q", k, v)
		}
	}
}

func TestWatchRateLimit(t *testing.T) {
	clearEnv(t)
	setValidEnv(t)
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "ratelimit:\n  limit: 10\n  window: 1m\n")

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("Load() errors = %v", errs)
	}

	var mu sync.Mutex
	var applied []ratelimit.Config
	reloaded := make(chan struct{}, 8)
	stop, err := WatchRateLimit(cfg, nil, func(c ratelimit.Config) error {
		mu.Lock()
		applied = append(applied, c)
		mu.Unlock()
		select {
		case reloaded <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WatchRateLimit() error = %v", err)
	}
	defer stop()

	writeConfigFile(t, dir, "ratelimit:\n  limit: 25\n  window: 2m\n")

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("rate limit config not reloaded")
	}
	mu.Lock()
	last := applied[len(applied)-1]
	mu.Unlock()
	if last.Limit != 25 || last.Window != 2*time.Minute {
		t.Errorf("reloaded config = %+v", last)
	}
}

func TestWatchRateLimit_NoFile(t *testing.T) {
	if _, err := WatchRateLimit(&Config{}, nil, nil); !errors.Is(err, ErrNoConfigFile) {
		t.Errorf("WatchRateLimit() error = %v, want ErrNoConfigFile", err)
	}
}
