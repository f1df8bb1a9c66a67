package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/carevault/internal/app"
	"github.com/onnwee/carevault/internal/compliance"
)

// windowFlags are the --from/--to bounds shared by the report commands.
type windowFlags struct {
	from string
	to   string
}

func (f *windowFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "window start, RFC 3339 (default: --to minus 24h)")
	cmd.Flags().StringVar(&f.to, "to", "", "window end, RFC 3339 (default: now)")
}

func (f *windowFlags) window() (compliance.Window, error) {
	w := compliance.Window{To: time.Now().UTC()}
	if f.to != "" {
		t, err := time.Parse(time.RFC3339, f.to)
		if err != nil {
			return w, NewExitError(ExitCommandError, fmt.Sprintf("invalid --to %q: want RFC 3339", f.to))
		}
		w.To = t.UTC()
	}
	w.From = w.To.Add(-compliance.DefaultWindow)
	if f.from != "" {
		t, err := time.Parse(time.RFC3339, f.from)
		if err != nil {
			return w, NewExitError(ExitCommandError, fmt.Sprintf("invalid --from %q: want RFC 3339", f.from))
		}
		w.From = t.UTC()
	}
	if !w.From.Before(w.To) {
		return w, NewExitError(ExitCommandError, "--from must be before --to")
	}
	return w, nil
}

func newReportCommand(opts *RootOptions) *cobra.Command {
	var (
		reportType string
		wf         windowFlags
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Aggregate ledger events over a window",
		Long: `Produce a SUMMARY, PHI_ACCESS or SECURITY report over [--from, --to).

Examples:
  ledgerctl report --type phi_access --from 2026-01-01T00:00:00Z --to 2026-02-01T00:00:00Z
  ledgerctl report --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := compliance.ParseReportType(reportType)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --type", err)
			}
			w, err := wf.window()
			if err != nil {
				return err
			}
			return opts.withCore(cmd, func(ctx context.Context, core *app.Core, out printer) error {
				rep, err := core.Reporter.GenerateReport(ctx, w.From, w.To, typ)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to generate report", err)
				}
				return out.result(rep, func(w io.Writer) { printReport(w, rep) })
			})
		},
	}
	cmd.Flags().StringVar(&reportType, "type", string(compliance.ReportSummary), "report type (summary|phi_access|security)")
	wf.register(cmd)
	return cmd
}

func printReport(w io.Writer, rep *compliance.Report) {
	fmt.Fprintf(w, "%s report %s to %s\n", rep.Type,
		rep.Start.Format(time.RFC3339), rep.End.Format(time.RFC3339))
	fmt.Fprintf(w, "events:          %d\n", rep.TotalEvents)
	fmt.Fprintf(w, "unique actors:   %d\n", rep.UniqueActors)
	fmt.Fprintf(w, "unique patients: %d\n", rep.UniquePatients)
	printCounts(w, "by severity", rep.BySeverity)
	printCounts(w, "by type", rep.ByType)
	printCounts(w, "by day", rep.ByDay)
	if len(rep.TopActors) > 0 {
		fmt.Fprintln(w, "top actors:")
		for _, a := range rep.TopActors {
			fmt.Fprintf(w, "  %-24s %d\n", a.Actor, a.Count)
		}
	}
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-24s %d\n", k, counts[k])
	}
}

func newViolationsCommand(opts *RootOptions) *cobra.Command {
	var wf windowFlags
	cmd := &cobra.Command{
		Use:   "violations",
		Short: "Evaluate compliance rules over a window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wf.window()
			if err != nil {
				return err
			}
			return opts.withCore(cmd, func(ctx context.Context, core *app.Core, out printer) error {
				vs, err := core.Reporter.Violations(ctx, w)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to evaluate rules", err)
				}
				if vs == nil {
					vs = []compliance.Violation{}
				}
				return out.result(vs, func(out io.Writer) {
					if len(vs) == 0 {
						fmt.Fprintln(out, "No violations found.")
						return
					}
					for _, v := range vs {
						fmt.Fprintf(out, "seq %d %s [%s] %s: %s\n",
							v.Sequence, v.Timestamp.Format(time.RFC3339), v.RuleID, v.Actor, v.Description)
					}
				})
			})
		},
	}
	wf.register(cmd)
	return cmd
}

func newSuspiciousCommand(opts *RootOptions) *cobra.Command {
	var wf windowFlags
	cmd := &cobra.Command{
		Use:   "suspicious",
		Short: "Find actors exceeding activity thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wf.window()
			if err != nil {
				return err
			}
			return opts.withCore(cmd, func(ctx context.Context, core *app.Core, out printer) error {
				fs, err := core.Reporter.SuspiciousActivity(ctx, w)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to scan for suspicious activity", err)
				}
				if fs == nil {
					fs = []compliance.Finding{}
				}
				return out.result(fs, func(out io.Writer) {
					if len(fs) == 0 {
						fmt.Fprintln(out, "No suspicious activity found.")
						return
					}
					for _, f := range fs {
						fmt.Fprintf(out, "%s: %s made %d events within %s (seq %d-%d)\n",
							f.Threshold, f.Actor, f.Count, f.Window, f.FirstSequence, f.LastSequence)
					}
				})
			})
		},
	}
	wf.register(cmd)
	return cmd
}
