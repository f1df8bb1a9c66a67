// Package cli implements ledgerctl, the operator tool for the audit ledger
// and key store.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/onnwee/carevault/internal/app"
	"github.com/onnwee/carevault/internal/auth"
	"github.com/onnwee/carevault/internal/config"
	"github.com/onnwee/carevault/internal/middleware"
)

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// Opener builds the trust core for a command.
type Opener func(ctx context.Context, opts *RootOptions) (*app.Core, error)

// RootOptions holds the global flags.
type RootOptions struct {
	ConfigPath string
	Format     string
	Actor      string
	Verbose    bool

	open Opener
}

// NewRootCommand creates the ledgerctl command tree. A nil opener loads
// configuration from the environment and requires DATABASE_URL.
func NewRootCommand(open Opener) *cobra.Command {
	if open == nil {
		open = OpenFromConfig
	}
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate the CareVault audit ledger and key store",
		Long: `ledgerctl verifies the audit ledger hash chain, rotates data keys and
produces compliance reports against the configured database.

Every state-changing command is itself recorded in the ledger under the
actor given by --actor.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Actor == "" {
				return NewExitError(ExitCommandError, "--actor is required when $USER is not set")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", os.Getenv("USER"), "operator identity recorded in the ledger")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newVerifyEntryCommand(opts))
	cmd.AddCommand(newRotateKeysCommand(opts))
	cmd.AddCommand(newKeyInfoCommand(opts))
	cmd.AddCommand(newReportCommand(opts))
	cmd.AddCommand(newViolationsCommand(opts))
	cmd.AddCommand(newSuspiciousCommand(opts))

	return cmd
}

// OpenFromConfig loads configuration the way the API server does and opens
// the trust core against the persistent ledger.
func OpenFromConfig(ctx context.Context, opts *RootOptions) (*app.Core, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load .env", err)
	}
	cfg, errs := config.Load(opts.ConfigPath)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", errs[0])
	}
	core, err := app.Open(ctx, cfg, app.Options{
		Logger:          opts.logger(),
		RequireDatabase: true,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	return core, nil
}

func (o *RootOptions) logger() *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withCore opens the core, runs fn with an operator context and closes it.
func (o *RootOptions) withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.Core, out printer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = middleware.SetActor(ctx, o.Actor, string(auth.RoleAdmin))

	core, err := o.open(ctx, o)
	if err != nil {
		return err
	}
	defer core.Close()

	return fn(ctx, core, printer{w: cmd.OutOrStdout(), json: o.Format == "json"})
}
