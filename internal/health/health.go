// Package health provides readiness checks for the server's dependencies.
package health

import (
	"context"
	"log/slog"
	"sort"
)

// Checker reports whether a dependency is usable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck implements Checker.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Named pairs a checker with the key reported in readiness responses.
type Named struct {
	Name    string
	Checker Checker
}

// Run executes every check and returns "ok" or "error" per name, and
// whether all checks passed. Failures are logged with their cause.
func Run(ctx context.Context, checks []Named) (map[string]string, bool) {
	results := make(map[string]string, len(checks))
	healthy := true
	for _, c := range checks {
		if err := c.Checker.HealthCheck(ctx); err != nil {
			results[c.Name] = "error"
			healthy = false
			slog.WarnContext(ctx, "health check failed", "check", c.Name, "error", err)
			continue
		}
		results[c.Name] = "ok"
	}
	return results, healthy
}

// Names returns the sorted check names.
func Names(checks []Named) []string {
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}
