package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hengadev/errsx"

	"github.com/onnwee/carevault/internal/ledger"
)

// parseFilter reads ledger filter criteria from the query string. Every
// invalid parameter is reported, keyed by parameter name.
//
//	actor, patient_id, event_type (repeatable or comma separated), severity,
//	min_severity, min_sensitivity, from, to (RFC 3339), phi_only, security_only
func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	errs := make(errsx.Map)
	f := ledger.Filter{
		Actor:     strings.TrimSpace(q.Get("actor")),
		PatientID: strings.TrimSpace(q.Get("patient_id")),
	}

	for _, raw := range q["event_type"] {
		for _, name := range strings.Split(raw, ",") {
			name = strings.ToUpper(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			t := ledger.EventType(name)
			if !ledger.ValidEventTypes[t] {
				errs.Set("event_type", "unknown event type "+name)
				continue
			}
			f.EventTypes = append(f.EventTypes, t)
		}
	}

	if v := q.Get("severity"); v != "" {
		s, err := ledger.ParseSeverity(v)
		if err != nil {
			errs.Set("severity", err)
		}
		f.Severity = s
	}
	if v := q.Get("min_severity"); v != "" {
		s, err := ledger.ParseSeverity(v)
		if err != nil {
			errs.Set("min_severity", err)
		}
		f.MinSeverity = s
	}
	if v := q.Get("min_sensitivity"); v != "" {
		s, err := ledger.ParseSensitivity(v)
		if err != nil {
			errs.Set("min_sensitivity", err)
		}
		f.MinSensitivity = s
	}

	f.From = parseTimeParam(q.Get("from"), "from", errs)
	f.To = parseTimeParam(q.Get("to"), "to", errs)
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		errs.Set("to", "must be after from")
	}

	f.PHIOnly = parseBoolParam(q.Get("phi_only"), "phi_only", errs)
	f.SecurityOnly = parseBoolParam(q.Get("security_only"), "security_only", errs)

	if !errs.IsEmpty() {
		return ledger.Filter{}, errs.AsError()
	}
	return f, nil
}

// parsePage reads cursor, limit and order (asc or desc).
func parsePage(r *http.Request) (ledger.PageRequest, error) {
	q := r.URL.Query()
	errs := make(errsx.Map)
	var p ledger.PageRequest

	if v := q.Get("cursor"); v != "" {
		c, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs.Set("cursor", "must be a sequence number")
		}
		p.Cursor = c
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > ledger.MaxPageSize {
			errs.Set("limit", "must be between 1 and "+strconv.Itoa(ledger.MaxPageSize))
		}
		p.Limit = n
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		p.Ascending = true
	default:
		errs.Set("order", "must be asc or desc")
	}

	if !errs.IsEmpty() {
		return ledger.PageRequest{}, errs.AsError()
	}
	return p, nil
}

// parseWindow reads the from/to range used by compliance endpoints. Missing
// bounds are left zero for the reporter to default.
func parseWindow(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	errs := make(errsx.Map)
	from = parseTimeParam(q.Get("from"), "from", errs)
	to = parseTimeParam(q.Get("to"), "to", errs)
	if !errs.IsEmpty() {
		return time.Time{}, time.Time{}, errs.AsError()
	}
	return from, to, nil
}

func parseTimeParam(v, name string, errs errsx.Map) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		errs.Set(name, "must be an RFC 3339 timestamp")
		return time.Time{}
	}
	return t.UTC()
}

func parseBoolParam(v, name string, errs errsx.Map) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		errs.Set(name, "must be true or false")
	}
	return b
}
