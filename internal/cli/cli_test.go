package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/carevault/internal/app"
	"github.com/onnwee/carevault/internal/config"
	"github.com/onnwee/carevault/internal/ledger"
)

// newCore opens an in-memory core. Commands close the core they are given,
// so every test builds its own.
func newCore(t *testing.T) *app.Core {
	t.Helper()
	cfg := &config.Config{
		Env:              "development",
		LedgerHashPolicy: config.HashPolicySHA256,
		Keys: config.KeysConfig{
			Algorithm:  "aes-256-gcm",
			SQLitePath: filepath.Join(t.TempDir(), "keys.db"),
			MasterKey:  base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{9}, 32)),
		},
	}
	core, err := app.Open(context.Background(), cfg, app.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("app.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	return core
}

func staticOpener(core *app.Core) Opener {
	return func(context.Context, *RootOptions) (*app.Core, error) { return core, nil }
}

func execute(t *testing.T, core *app.Core, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(staticOpener(core))
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--actor", "ops-oncall"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func appendEvents(t *testing.T, l *ledger.Ledger, evs ...ledger.Event) {
	t.Helper()
	for _, ev := range evs {
		if _, err := l.Append(context.Background(), ev); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
}

func mustHead(t *testing.T, l *ledger.Ledger) ledger.Entry {
	t.Helper()
	head, ok, err := l.Head(context.Background())
	if err != nil || !ok {
		t.Fatalf("Head() = %v, %v", ok, err)
	}
	return head
}

func phiRead(actor, patient string) ledger.Event {
	return ledger.Event{
		Actor:       actor,
		Type:        ledger.EventPHIAccess,
		Severity:    ledger.SeverityInfo,
		Sensitivity: ledger.SensitivityPHI,
		PatientID:   patient,
		Details:     map[string]string{"justification": "treatment"},
	}
}

func TestRoot_InvalidFormat(t *testing.T) {
	_, err := execute(t, newCore(t), "--format", "yaml", "key-info")
	if err == nil || !strings.Contains(err.Error(), "invalid format") {
		t.Fatalf("execute() error = %v, want invalid format", err)
	}
	if code := GetExitCode(err); code != ExitCommandError {
		t.Errorf("exit code = %d, want %d", code, ExitCommandError)
	}
}

func TestVerify_Intact(t *testing.T) {
	core := newCore(t)
	appendEvents(t, core.Ledger, phiRead("dr-lee", "p-1"), phiRead("dr-lee", "p-2"))

	out, err := execute(t, core, "verify")
	if err != nil {
		t.Fatalf("verify error = %v", err)
	}
	if !strings.Contains(out, "INTACT") {
		t.Errorf("output = %q, want INTACT", out)
	}

	head := mustHead(t, core.Ledger)
	if head.EventType != ledger.EventIntegrityCheck || head.Actor != "ops-oncall" {
		t.Errorf("head = %s by %q, want INTEGRITY_CHECK by ops-oncall", head.EventType, head.Actor)
	}
}

// tamperingStore rewrites one entry's actor on read.
type tamperingStore struct {
	*ledger.MemoryStore
	seq uint64
}

func (s *tamperingStore) Get(ctx context.Context, seq uint64) (ledger.Entry, error) {
	e, err := s.MemoryStore.Get(ctx, seq)
	if err == nil && seq == s.seq {
		e.Actor = "mallory"
	}
	return e, err
}

func (s *tamperingStore) Scan(ctx context.Context, from uint64, fn func(*ledger.Entry) error) error {
	return s.MemoryStore.Scan(ctx, from, func(e *ledger.Entry) error {
		if e.Sequence != s.seq {
			return fn(e)
		}
		forged := *e
		forged.Actor = "mallory"
		return fn(&forged)
	})
}

func TestVerify_TamperingExitsWithFailure(t *testing.T) {
	store := &tamperingStore{MemoryStore: ledger.NewMemoryStore(), seq: 2}
	l := ledger.New(store, ledger.SHA256Chain{})
	appendEvents(t, l, phiRead("dr-lee", "p-1"), phiRead("dr-lee", "p-2"), phiRead("dr-lee", "p-3"))
	core := &app.Core{Ledger: l}

	out, err := execute(t, core, "--format", "json", "verify")
	if code := GetExitCode(err); code != ExitFailure {
		t.Fatalf("exit code = %d (%v), want %d", code, err, ExitFailure)
	}

	var report ledger.IntegrityReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v, output: %s", err, out)
	}
	if report.Intact || report.Tampered != 1 {
		t.Errorf("report intact=%v tampered=%d, want false/1", report.Intact, report.Tampered)
	}

	head := mustHead(t, l)
	if head.EventType != ledger.EventSecurityAlert || head.Severity != ledger.SeverityCritical {
		t.Errorf("head = %s %s, want CRITICAL SECURITY_ALERT", head.Severity, head.EventType)
	}
}

func TestVerifyEntry(t *testing.T) {
	store := &tamperingStore{MemoryStore: ledger.NewMemoryStore(), seq: 2}
	l := ledger.New(store, ledger.SHA256Chain{})
	appendEvents(t, l, phiRead("dr-lee", "p-1"), phiRead("dr-lee", "p-2"))

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
	}{
		{name: "valid", args: []string{"verify-entry", "1"}, wantCode: ExitSuccess, wantOut: "entry 1: VALID"},
		{name: "tampered", args: []string{"verify-entry", "2"}, wantCode: ExitFailure, wantOut: "entry 2: INVALID"},
		{name: "missing", args: []string{"verify-entry", "99"}, wantCode: ExitCommandError},
		{name: "not a number", args: []string{"verify-entry", "abc"}, wantCode: ExitCommandError},
		{name: "zero", args: []string{"verify-entry", "0"}, wantCode: ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, &app.Core{Ledger: l}, tt.args...)
			if code := GetExitCode(err); code != tt.wantCode {
				t.Errorf("exit code = %d (%v), want %d", code, err, tt.wantCode)
			}
			if tt.wantOut != "" && !strings.Contains(out, tt.wantOut) {
				t.Errorf("output = %q, want %q", out, tt.wantOut)
			}
		})
	}
}

func TestKeyInfoAndRotate(t *testing.T) {
	core := newCore(t)

	out, err := execute(t, core, "--format", "json", "rotate-keys")
	if err != nil {
		t.Fatalf("rotate-keys error = %v", err)
	}
	var info struct {
		ActiveVersion uint32 `json:"active_version"`
		TotalVersions int    `json:"total_versions"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode output: %v, output: %s", err, out)
	}
	if info.ActiveVersion != 2 || info.TotalVersions != 2 {
		t.Errorf("info = %+v, want active 2 of 2", info)
	}

	head := mustHead(t, core.Ledger)
	if head.EventType != ledger.EventKeyRotation || head.Actor != "ops-oncall" {
		t.Errorf("head = %s by %q, want KEY_ROTATION by ops-oncall", head.EventType, head.Actor)
	}

	out, err = execute(t, core, "key-info")
	if err != nil {
		t.Fatalf("key-info error = %v", err)
	}
	for _, want := range []string{"active version: 2", "v1 ", "v2 "} {
		if !strings.Contains(out, want) {
			t.Errorf("key-info output missing %q:\n%s", want, out)
		}
	}
}

func TestReport(t *testing.T) {
	core := newCore(t)
	appendEvents(t, core.Ledger,
		phiRead("dr-lee", "p-1"),
		phiRead("dr-kim", "p-2"),
		ledger.Event{Actor: "svc", Type: ledger.EventLogin, Severity: ledger.SeverityInfo, Sensitivity: ledger.SensitivityInternal},
	)
	to := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	out, err := execute(t, core, "--format", "json", "report", "--type", "phi_access", "--to", to)
	if err != nil {
		t.Fatalf("report error = %v", err)
	}
	var rep struct {
		Type           string `json:"type"`
		TotalEvents    int    `json:"total_events"`
		UniquePatients int    `json:"unique_patients"`
	}
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v, output: %s", err, out)
	}
	if rep.Type != "PHI_ACCESS" || rep.TotalEvents != 2 || rep.UniquePatients != 2 {
		t.Errorf("report = %+v, want PHI_ACCESS with 2 events over 2 patients", rep)
	}
}

func TestReport_BadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown type", args: []string{"report", "--type", "weekly"}},
		{name: "bad timestamp", args: []string{"report", "--from", "yesterday"}},
		{name: "inverted window", args: []string{"violations", "--from", "2026-02-01T00:00:00Z", "--to", "2026-01-01T00:00:00Z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, newCore(t), tt.args...)
			if code := GetExitCode(err); code != ExitCommandError {
				t.Errorf("exit code = %d (%v), want %d", code, err, ExitCommandError)
			}
		})
	}
}

func TestViolationsAndSuspicious_Empty(t *testing.T) {
	out, err := execute(t, newCore(t), "violations")
	if err != nil || !strings.Contains(out, "No violations found.") {
		t.Errorf("violations = %q, %v", out, err)
	}

	out, err = execute(t, newCore(t), "--format", "json", "suspicious")
	if err != nil || strings.TrimSpace(out) != "[]" {
		t.Errorf("suspicious = %q, %v; want []", out, err)
	}
}

func TestGetExitCode(t *testing.T) {
	wrapped := WrapExitError(ExitCommandError, "open", errors.New("refused"))
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", wrapped, ExitCommandError},
	}
	for _, tt := range tests {
		if got := GetExitCode(tt.err); got != tt.want {
			t.Errorf("GetExitCode(%s) = %d, want %d", tt.name, got, tt.want)
		}
	}
	if got := wrapped.Error(); got != "open: refused" {
		t.Errorf("Error() = %q, want %q", got, "open: refused")
	}
}
