package ledger

import (
	"context"
	"net/http"

	"github.com/onnwee/carevault/internal/middleware"
)

// SystemActor is recorded for events raised by the service itself rather
// than an authenticated caller.
const SystemActor = "system"

// EventFromContext fills actor and request ID from the request context.
// Fields already set on ev are kept.
func EventFromContext(ctx context.Context, ev Event) Event {
	if ev.Actor == "" {
		ev.Actor = middleware.GetActor(ctx)
	}
	if ev.RequestID == "" {
		ev.RequestID = middleware.GetRequestID(ctx)
	}
	return ev
}

// EventFromRequest is EventFromContext plus the client IP address.
func EventFromRequest(r *http.Request, ev Event) Event {
	ev = EventFromContext(r.Context(), ev)
	if ev.IPAddress == "" {
		ev.IPAddress = middleware.ClientIP(r)
	}
	return ev
}

// Record appends an event carrying the request metadata from ctx. Events
// without any actor are attributed to SystemActor. Audit is fail-closed: the
// returned error must abort the audited operation.
func (l *Ledger) Record(ctx context.Context, ev Event) (Entry, error) {
	ev = EventFromContext(ctx, ev)
	if ev.Actor == "" {
		ev.Actor = SystemActor
	}
	return l.Append(ctx, ev)
}
