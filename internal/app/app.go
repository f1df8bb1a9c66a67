// Package app assembles the trust core (ledger, key store, encryption engine
// and compliance reporter) from configuration. The API server and the admin
// CLI share it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/carevault/internal/compliance"
	"github.com/onnwee/carevault/internal/config"
	"github.com/onnwee/carevault/internal/encryption"
	"github.com/onnwee/carevault/internal/keystore"
	"github.com/onnwee/carevault/internal/ledger"
)

// ErrDatabaseRequired is returned when a caller needs a persistent ledger
// but no DATABASE_URL is configured.
var ErrDatabaseRequired = errors.New("DATABASE_URL is required")

// dbPingTimeout bounds the initial connectivity check.
const dbPingTimeout = 5 * time.Second

// Options controls what Open builds.
type Options struct {
	Logger *slog.Logger
	// Registerer receives component metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// RequireDatabase refuses the in-memory ledger fallback.
	RequireDatabase bool
}

// Core holds the assembled components. Close releases their resources.
type Core struct {
	DB       *sql.DB // nil when the ledger is in memory
	KeysDB   *sql.DB
	Ledger   *ledger.Ledger
	Keys     *keystore.Store
	Engine   *encryption.Engine
	Reporter *compliance.Reporter
	Stats    *compliance.Statistics

	closers []func() error
}

// Open builds the trust core. On error every resource opened so far is
// closed.
func Open(ctx context.Context, cfg *config.Config, opts Options) (_ *Core, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	core := &Core{}
	defer func() {
		if err != nil {
			_ = core.Close()
		}
	}()

	ledgerMetrics := ledger.NewMetrics()
	encMetrics := encryption.NewMetrics()
	compMetrics := compliance.NewMetrics()
	if opts.Registerer != nil {
		for _, r := range []interface{ Register(prometheus.Registerer) error }{ledgerMetrics, encMetrics, compMetrics} {
			if err := r.Register(opts.Registerer); err != nil {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
		}
	}

	store, err := core.openLedgerStore(ctx, cfg, logger, opts.RequireDatabase)
	if err != nil {
		return nil, err
	}
	hasher, err := NewHasher(cfg)
	if err != nil {
		return nil, err
	}
	core.Ledger = ledger.New(store, hasher,
		ledger.WithLogger(logger),
		ledger.WithMetrics(ledgerMetrics))

	if err := core.openKeyStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	core.Engine = encryption.NewEngine(core.Keys,
		encryption.WithAuditor(core.Ledger),
		encryption.WithLogger(logger),
		encryption.WithMetrics(encMetrics))

	reporterOpts := []compliance.Option{
		compliance.WithLogger(logger),
		compliance.WithMetrics(compMetrics),
	}
	if cfg.RulesPath != "" {
		rules, err := compliance.LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("load compliance rules: %w", err)
		}
		reporterOpts = append(reporterOpts, compliance.WithRules(rules))
	}
	core.Stats = compliance.NewStatistics()
	reporterOpts = append(reporterOpts, compliance.WithStatistics(core.Stats))
	core.Reporter, err = compliance.NewReporter(core.Ledger, reporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create compliance reporter: %w", err)
	}

	return core, nil
}

// PrimeStatistics subscribes the running rollups to new entries and counts
// the existing chain once. Call before serving traffic.
func (c *Core) PrimeStatistics(ctx context.Context) error {
	c.Ledger.AddNotifier(c.Stats)
	return c.Stats.Prime(ctx, c.Ledger)
}

// Close releases database handles in reverse order of opening.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

// NewHasher returns the chain hasher for the configured policy.
func NewHasher(cfg *config.Config) (ledger.Hasher, error) {
	switch cfg.LedgerHashPolicy {
	case config.HashPolicySHA256:
		return ledger.SHA256Chain{}, nil
	case config.HashPolicyHMAC, "":
		return ledger.NewHMACChain([]byte(cfg.LedgerSecret))
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidHashPolicy, cfg.LedgerHashPolicy)
	}
}

func (c *Core) openLedgerStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, requireDB bool) (ledger.Store, error) {
	if cfg.DatabaseURL == "" {
		if requireDB {
			return nil, ErrDatabaseRequired
		}
		logger.Warn("DATABASE_URL not set, audit ledger is in memory and will not survive a restart")
		return ledger.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	c.closers = append(c.closers, db.Close)

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	c.DB = db
	return ledger.NewPostgresStore(db, logger), nil
}

func (c *Core) openKeyStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	keysDB, err := keystore.OpenSQLite(cfg.Keys.SQLitePath)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, keysDB.Close)
	c.KeysDB = keysDB

	persister, err := keystore.NewSQLPersister(ctx, keysDB)
	if err != nil {
		return err
	}

	var wrapper keystore.Wrapper
	if cfg.Keys.UseVault() {
		client, err := keystore.NewVaultClient(cfg.Keys.VaultAddr, cfg.Keys.VaultToken)
		if err != nil {
			return err
		}
		wrapper, err = keystore.NewVaultTransitWrapper(client, cfg.Keys.VaultKeyName)
		if err != nil {
			return err
		}
		logger.Info("key wrapping via Vault transit", "addr", cfg.Keys.VaultAddr, "key", cfg.Keys.VaultKeyName)
	} else {
		master, err := cfg.Keys.MasterKeyBytes()
		if err != nil {
			return err
		}
		wrapper, err = keystore.NewLocalWrapper(master)
		if err != nil {
			return err
		}
	}

	c.Keys, err = keystore.Open(ctx, persister, wrapper,
		keystore.WithAlgorithm(keystore.Algorithm(cfg.Keys.Algorithm)),
		keystore.WithLogger(logger))
	return err
}
