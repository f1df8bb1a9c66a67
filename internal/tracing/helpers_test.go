package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return rec
}

func attrMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestStartDBSpan(t *testing.T) {
	tests := []struct {
		name      string
		start     func(context.Context, string, DBOperation) (context.Context, func(error))
		table     string
		operation DBOperation
		wantName  string
		system    string
	}{
		{"postgres insert", StartDBSpan, "audit_entries", DBOperationInsert, "insert audit_entries", "postgresql"},
		{"postgres query", StartDBSpan, "audit_entries", DBOperationQuery, "query audit_entries", "postgresql"},
		{"sqlite insert", StartSQLiteSpan, "key_versions", DBOperationInsert, "insert key_versions", "sqlite"},
		{"no table", StartDBSpan, "", DBOperationExec, "exec", "postgresql"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder(t)

			_, end := tt.start(context.Background(), tt.table, tt.operation)
			end(nil)

			spans := rec.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			span := spans[0]
			if span.Name() != tt.wantName {
				t.Errorf("span name = %q, want %q", span.Name(), tt.wantName)
			}

			attrs := attrMap(span.Attributes())
			if attrs["db.system"] != tt.system {
				t.Errorf("db.system = %q, want %q", attrs["db.system"], tt.system)
			}
			if attrs["db.operation"] != string(tt.operation) {
				t.Errorf("db.operation = %q, want %q", attrs["db.operation"], tt.operation)
			}
			table, hasTable := attrs["db.sql.table"]
			if tt.table == "" && hasTable {
				t.Error("unexpected db.sql.table attribute")
			}
			if tt.table != "" && table != tt.table {
				t.Errorf("db.sql.table = %q, want %q", table, tt.table)
			}
		})
	}
}

func TestStartSpan_RecordsError(t *testing.T) {
	rec := newRecorder(t)
	testErr := errors.New("chain broken")

	_, end := StartSpan(context.Background(), "ledger.verify_integrity", attribute.Int("entries", 3))
	end(testErr)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Status().Code.String(); got != "Error" {
		t.Errorf("status = %s, want Error", got)
	}
	if got := spans[0].Status().Description; got != testErr.Error() {
		t.Errorf("description = %q, want %q", got, testErr.Error())
	}
	if attrMap(spans[0].Attributes())["entries"] != "3" {
		t.Error("missing entries attribute")
	}
}

func TestStartSpan_Success(t *testing.T) {
	rec := newRecorder(t)

	_, end := StartSpan(context.Background(), "ledger.append")
	end(nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Status().Code.String(); got != "Unset" {
		t.Errorf("status = %s, want Unset", got)
	}
}

func TestAddEventAndAttributes(t *testing.T) {
	rec := newRecorder(t)

	ctx, end := StartSpan(context.Background(), "keys.rotate")
	AddEvent(ctx, "key_generated", attribute.Int("version", 2))
	SetAttributes(ctx, attribute.String("algorithm", "aes-256-gcm"))
	end(nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "key_generated" {
		t.Fatalf("events = %+v, want one key_generated event", events)
	}
	if attrMap(spans[0].Attributes())["algorithm"] != "aes-256-gcm" {
		t.Error("missing algorithm attribute")
	}
}
