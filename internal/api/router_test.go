package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/carevault/internal/auth"
	"github.com/onnwee/carevault/internal/compliance"
	"github.com/onnwee/carevault/internal/encryption"
	"github.com/onnwee/carevault/internal/keystore"
	"github.com/onnwee/carevault/internal/ledger"
	"github.com/onnwee/carevault/internal/middleware"
	"github.com/onnwee/carevault/internal/ratelimit"
	"github.com/onnwee/carevault/internal/stream"
)

const testJWTSecret = "router-test-secret"

type testEnv struct {
	ledger  *ledger.Ledger
	limiter *ratelimit.Limiter
	handler http.Handler
}

func newTestEnv(t *testing.T, rl ratelimit.Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	l := ledger.New(ledger.NewMemoryStore(), ledger.SHA256Chain{})

	wrapper, err := keystore.NewLocalWrapper(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewLocalWrapper() error = %v", err)
	}
	keys, err := keystore.Open(ctx, keystore.NewMemoryPersister(), wrapper)
	if err != nil {
		t.Fatalf("keystore.Open() error = %v", err)
	}
	engine := encryption.NewEngine(keys, encryption.WithAuditor(l))

	now := time.Now()
	limiter, err := ratelimit.New(rl, ratelimit.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}

	broker := stream.NewBroker(stream.Config{BufferSize: 16, MaxSubscribers: 4})
	t.Cleanup(broker.Close)
	l.AddNotifier(broker)

	stats := compliance.NewStatistics()
	l.AddNotifier(stats)
	reporter, err := compliance.NewReporter(l, compliance.WithStatistics(stats))
	if err != nil {
		t.Fatalf("NewReporter() error = %v", err)
	}

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	return &testEnv{
		ledger:  l,
		limiter: limiter,
		handler: NewRouter(Services{
			Ledger:   l,
			Keys:     engine,
			Broker:   broker,
			Limiter:  limiter,
			Reporter: reporter,
			Tokens:   auth.NewJWTService(testJWTSecret, "", 0),
			Metrics:  metrics,
			Gatherer: reg,
		}),
	}
}

func defaultTestLimits() ratelimit.Config {
	return ratelimit.Config{Limit: 1000, Window: time.Minute}
}

func tokenFor(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	now := time.Now()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		Role: string(role),
		Type: auth.TokenTypeAccess,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.7:52100"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) record(t *testing.T, ev ledger.Event) ledger.Entry {
	t.Helper()
	entry, err := e.ledger.Append(context.Background(), ev)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return entry
}

// eventsOfType returns the committed entries of typ, oldest first.
func (e *testEnv) eventsOfType(t *testing.T, typ ledger.EventType) []ledger.Entry {
	t.Helper()
	page, err := e.ledger.Query(context.Background(),
		ledger.Filter{EventTypes: []ledger.EventType{typ}},
		ledger.PageRequest{Ascending: true, Limit: ledger.MaxPageSize})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	return page.Entries
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body: %v, body: %s", err, rr.Body.String())
	}
	return v
}

func phiAccess(actor, patient string) ledger.Event {
	return ledger.Event{
		Actor:       actor,
		Type:        ledger.EventPHIAccess,
		Severity:    ledger.SeverityInfo,
		Sensitivity: ledger.SensitivityPHI,
		PatientID:   patient,
		Details:     map[string]string{"justification": "treatment"},
	}
}

func TestRouter_PublicEndpoints(t *testing.T) {
	env := newTestEnv(t, defaultTestLimits())

	if rr := env.do(t, http.MethodGet, "/health", "", nil); rr.Code != http.StatusOK {
		t.Errorf("/health = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/ready", "", nil); rr.Code != http.StatusOK {
		t.Errorf("/ready = %d", rr.Code)
	}
	env.do(t, http.MethodGet, "/keys/info", tokenFor(t, "alice", auth.RoleAdmin), nil)
	rr := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `route="/keys/info"`) {
		t.Errorf("/metrics = %d, body missing route label:\n%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/patients", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown path = %d, want 404", rr.Code)
	}
	if resp := decodeBody[ErrorResponse](t, rr); resp.Error.Code != ErrCodeNotFound {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

func TestRouter_AuthenticationAndPermissions(t *testing.T) {
	env := newTestEnv(t, defaultTestLimits())

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"no token", http.MethodGet, "/audit/entries", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/audit/entries", "not-a-jwt", http.StatusUnauthorized},
		{"clinician cannot read audit", http.MethodGet, "/audit/entries", tokenFor(t, "dr-lee", auth.RoleClinician), http.StatusForbidden},
		{"officer reads audit", http.MethodGet, "/audit/entries", tokenFor(t, "olga", auth.RoleComplianceOfficer), http.StatusOK},
		{"officer cannot run integrity", http.MethodPost, "/audit/verify", tokenFor(t, "olga", auth.RoleComplianceOfficer), http.StatusForbidden},
		{"officer cannot rotate keys", http.MethodPost, "/keys/rotate", tokenFor(t, "olga", auth.RoleComplianceOfficer), http.StatusForbidden},
		{"service cannot read reports", http.MethodGet, "/compliance/statistics", tokenFor(t, "ingest", auth.RoleService), http.StatusForbidden},
		{"officer reads reports", http.MethodGet, "/compliance/statistics", tokenFor(t, "olga", auth.RoleComplianceOfficer), http.StatusOK},
	}
	denials := 0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, tt.token, nil)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d, body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
		if tt.wantStatus == http.StatusForbidden {
			denials++
		}
	}

	denied := env.eventsOfType(t, ledger.EventAccessDenied)
	if len(denied) != denials {
		t.Fatalf("ACCESS_DENIED entries = %d, want %d", len(denied), denials)
	}
	first := denied[0]
	if first.Actor != "dr-lee" || first.Details["permission"] != string(auth.PermAuditRead) {
		t.Errorf("first denial = %s %v", first.Actor, first.Details)
	}
	if first.Details["route"] != "GET /audit/entries" || first.IPAddress != "203.0.113.7" {
		t.Errorf("denial metadata = %v ip=%q", first.Details, first.IPAddress)
	}
	if first.RequestID == "" {
		t.Error("denial carries no request ID")
	}
}

func TestRouter_ListAndVerifyEntries(t *testing.T) {
	env := newTestEnv(t, defaultTestLimits())
	for i := 0; i < 3; i++ {
		env.record(t, phiAccess("dr-lee", "patient-1"))
	}
	env.record(t, phiAccess("dr-kim", "patient-2"))
	officer := tokenFor(t, "olga", auth.RoleComplianceOfficer)

	rr := env.do(t, http.MethodGet, "/audit/entries?actor=dr-lee&limit=2&order=asc", officer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", rr.Code, rr.Body.String())
	}
	page := decodeBody[ledger.Page](t, rr)
	if len(page.Entries) != 2 || !page.HasMore || page.Entries[0].Sequence != 1 {
		t.Fatalf("page = %+v", page)
	}

	rr = env.do(t, http.MethodGet, "/audit/entries?limit=0&from=yesterday", officer, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid params = %d", rr.Code)
	}
	resp := decodeBody[ErrorResponse](t, rr)
	if resp.Error.Fields["limit"] == "" || resp.Error.Fields["from"] == "" {
		t.Errorf("fields = %v", resp.Error.Fields)
	}

	rr = env.do(t, http.MethodGet, "/audit/entries/4/verify", officer, nil)
	if got := decodeBody[EntryVerification](t, rr); rr.Code != http.StatusOK || !got.Valid || got.Sequence != 4 {
		t.Errorf("verify 4 = %d %+v", rr.Code, got)
	}
	if rr := env.do(t, http.MethodGet, "/audit/entries/99/verify", officer, nil); rr.Code != http.StatusNotFound {
		t.Errorf("verify 99 = %d, want 404", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/audit/entries/abc/verify", officer, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("verify abc = %d, want 400", rr.Code)
	}
}

func TestRouter_AdminIntegrityCheck(t *testing.T) {
	env := newTestEnv(t, defaultTestLimits())
	env.record(t, phiAccess("dr-lee", "patient-1"))
	env.record(t, phiAccess("dr-lee", "patient-1"))

	rr := env.do(t, http.MethodPost, "/audit/verify", tokenFor(t, "root", auth.RoleAdmin), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify = %d: %s", rr.Code, rr.Body.String())
	}
	report := decodeBody[ledger.IntegrityReport](t, rr)
	if !report.Intact || report.Checked != 2 || report.HashPolicy != "sha256" {
		t.Errorf("report = %+v", report)
	}

	checks := env.eventsOfType(t, ledger.EventIntegrityCheck)
	if len(checks) != 1 || checks[0].Actor != "root" || checks[0].Details["checked"] != "2" {
		t.Errorf("INTEGRITY_CHECK entries = %+v", checks)
	}
}

func TestRouter_Keys(t *testing.T) {
	env := newTestEnv(t, defaultTestLimits())
	admin := tokenFor(t, "root", auth.RoleAdmin)

	rr := env.do(t, http.MethodGet, "/keys/info", admin, nil)
	info := decodeBody[keystore.Info](t, rr)
	if rr.Code != http.StatusOK || info.ActiveVersion != 1 || info.TotalVersions != 1 {
		t.Fatalf("info = %d %+v", rr.Code, info)
	}

	rr = env.do(t, http.MethodPost, "/keys/rotate", admin, nil)
	rotated := decodeBody[RotationResponse](t, rr)
	if rr.Code != http.StatusOK || rotated.ActiveVersion != 2 || rotated.Info.TotalVersions != 2 {
		t.Fatalf("rotate = %d %+v", rr.Code, rotated)
	}

	rotations := env.eventsOfType(t, ledger.EventKeyRotation)
	if len(rotations) != 1 || rotations[0].Actor != "root" || rotations[0].Details["active_version"] != "2" {
		t.Errorf("KEY_ROTATION entries = %+v", rotations)
	}
}

func TestRouter_RateLimitRejectsAndRecords(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{Limit: 2, Window: time.Minute})
	officer := tokenFor(t, "olga", auth.RoleComplianceOfficer)

	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodGet, "/audit/entries", officer, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i+1, rr.Code)
		}
		if rr.Header().Get(middleware.HeaderRateLimitLimit) != "2" {
			t.Errorf("X-RateLimit-Limit = %q", rr.Header().Get(middleware.HeaderRateLimitLimit))
		}
	}

	rr := env.do(t, http.MethodGet, "/audit/entries", officer, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", rr.Code)
	}
	body := decodeBody[map[string]string](t, rr)
	if body["error"] != "Too Many Requests" || body["message"] == "" {
		t.Errorf("429 body = %v", body)
	}
	if rr.Header().Get("Retry-After") == "" || rr.Header().Get(middleware.HeaderRateLimitRemaining) != "0" {
		t.Errorf("headers = %v", rr.Header())
	}

	limited := env.eventsOfType(t, ledger.EventRateLimitExceeded)
	if len(limited) != 1 || limited[0].Actor != "olga" || limited[0].Details["identity"] != "actor:olga" {
		t.Errorf("RATE_LIMIT_EXCEEDED entries = %+v", limited)
	}

	// Another actor has its own budget.
	if rr := env.do(t, http.MethodGet, "/audit/entries", tokenFor(t, "oscar", auth.RoleComplianceOfficer), nil); rr.Code != http.StatusOK {
		t.Errorf("other actor = %d", rr.Code)
	}
}

func TestRouter_FailedAuthenticationIsRateLimited(t *testing.T) {
	env := newTestEnv(t, ratelimit.Config{Limit: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		token := ""
		if i%2 == 1 {
			token = "guess-" + strconv.Itoa(i)
		}
		if rr := env.do(t, http.MethodGet, "/audit/entries", token, nil); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d, want 401", i+1, rr.Code)
		}
	}
	rr := env.do(t, http.MethodGet, "/audit/entries", "guess-final", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth attempt = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After on 429")
	}

	limited := env.eventsOfType(t, ledger.EventRateLimitExceeded)
	if len(limited) != 1 || limited[0].Actor != ledger.SystemActor || limited[0].Details["identity"] != "ip:203.0.113.7" {
		t.Errorf("RATE_LIMIT_EXCEEDED entries = %+v", limited)
	}

	// A valid token is charged to the actor, not the blocked address.
	officer := tokenFor(t, "olga", auth.RoleComplianceOfficer)
	if rr := env.do(t, http.MethodGet, "/audit/entries", officer, nil); rr.Code != http.StatusOK {
		t.Errorf("authenticated request = %d, want 200", rr.Code)
	}
}

func TestRouter_WhitelistRejectsUnstorableIdentity(t *testing.T) {
	env := newTestEnv(t, defaultTestLimits())
	admin := tokenFor(t, "root", auth.RoleAdmin)

	for _, path := range []string{"/ratelimit/whitelist/%FF", "/ratelimit/whitelist/ip:10.0.0.1%00"} {
		if rr := env.do(t, http.MethodDelete, path, admin, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("DELETE %s = %d, want 400", path, rr.Code)
		}
	}
	if rr := env.do(t, http.MethodGet, "/ratelimit/info/%C0", admin, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("info = %d, want 400", rr.Code)
	}
	wl := []string{"ok", "bad\x00"}
	if rr := env.do(t, http.MethodPut, "/ratelimit/config", admin, UpdateRateLimitRequest{Whitelist: &wl}); rr.Code != http.StatusBadRequest {
		t.Errorf("config with NUL identity = %d, want 400", rr.Code)
	}

	if changes := env.eventsOfType(t, ledger.EventConfigChange); len(changes) != 0 {
		t.Errorf("CONFIG_CHANGE entries = %d, want 0", len(changes))
	}
	if _, err := env.ledger.VerifyIntegrity(context.Background()); err != nil {
		t.Fatalf("VerifyIntegrity() error = %v", err)
	}
}

func TestRouter_RateLimitAdministration(t *testing.T) {
	env := newTestEnv(t, defaultTestLimits())
	admin := tokenFor(t, "root", auth.RoleAdmin)

	rr := env.do(t, http.MethodGet, "/ratelimit/config", admin, nil)
	cfg := decodeBody[RateLimitConfig](t, rr)
	if cfg.Limit != 1000 || cfg.Window != "1m0s" || cfg.Whitelist == nil {
		t.Fatalf("config = %+v", cfg)
	}

	window := "30s"
	limit := 50
	rr = env.do(t, http.MethodPut, "/ratelimit/config", admin, UpdateRateLimitRequest{Limit: &limit, Window: &window})
	cfg = decodeBody[RateLimitConfig](t, rr)
	if rr.Code != http.StatusOK || cfg.Limit != 50 || cfg.Window != "30s" {
		t.Fatalf("update = %d %+v", rr.Code, cfg)
	}
	if got := env.limiter.Config(); got.Limit != 50 || got.Window != 30*time.Second {
		t.Errorf("limiter config = %+v", got)
	}

	bad := "soon"
	if rr := env.do(t, http.MethodPut, "/ratelimit/config", admin, UpdateRateLimitRequest{Window: &bad}); rr.Code != http.StatusBadRequest {
		t.Errorf("bad window = %d", rr.Code)
	}
	zero := 0
	if rr := env.do(t, http.MethodPut, "/ratelimit/config", admin, UpdateRateLimitRequest{Limit: &zero}); rr.Code != http.StatusBadRequest {
		t.Errorf("zero limit = %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/ratelimit/whitelist", admin, WhitelistRequest{Identities: []string{" ip:10.0.0.9 ", ""}})
	cfg = decodeBody[RateLimitConfig](t, rr)
	if rr.Code != http.StatusOK || len(cfg.Whitelist) != 1 || cfg.Whitelist[0] != "ip:10.0.0.9" {
		t.Fatalf("whitelist add = %d %+v", rr.Code, cfg)
	}
	if rr := env.do(t, http.MethodPost, "/ratelimit/whitelist", admin, WhitelistRequest{}); rr.Code != http.StatusBadRequest {
		t.Errorf("empty whitelist add = %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/ratelimit/info/ip:10.0.0.9", admin, nil)
	info := decodeBody[ratelimit.Info](t, rr)
	if rr.Code != http.StatusOK || !info.Whitelisted {
		t.Errorf("info = %d %+v", rr.Code, info)
	}

	rr = env.do(t, http.MethodDelete, "/ratelimit/whitelist/ip:10.0.0.9", admin, nil)
	cfg = decodeBody[RateLimitConfig](t, rr)
	if rr.Code != http.StatusOK || len(cfg.Whitelist) != 0 {
		t.Errorf("whitelist remove = %d %+v", rr.Code, cfg)
	}

	changes := env.eventsOfType(t, ledger.EventConfigChange)
	if len(changes) != 3 {
		t.Fatalf("CONFIG_CHANGE entries = %d, want 3", len(changes))
	}
	if changes[0].Details["window"] != "30s" || changes[1].Details["action"] != "add" || changes[2].Details["action"] != "remove" {
		t.Errorf("changes = %v / %v / %v", changes[0].Details, changes[1].Details, changes[2].Details)
	}
}

func TestRouter_Compliance(t *testing.T) {
	env := newTestEnv(t, defaultTestLimits())
	env.record(t, phiAccess("dr-lee", "patient-1"))
	env.record(t, phiAccess("dr-kim", "patient-2"))
	officer := tokenFor(t, "olga", auth.RoleComplianceOfficer)

	rr := env.do(t, http.MethodGet, "/compliance/report?type=phi_access", officer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("report = %d: %s", rr.Code, rr.Body.String())
	}
	report := decodeBody[compliance.Report](t, rr)
	if report.Type != compliance.ReportPHIAccess || report.TotalEvents != 2 || report.UniquePatients != 2 {
		t.Errorf("report = %+v", report)
	}

	if rr := env.do(t, http.MethodGet, "/compliance/report?type=PDF", officer, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown type = %d", rr.Code)
	}
	from := time.Now().UTC().Format(time.RFC3339)
	to := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	if rr := env.do(t, http.MethodGet, "/compliance/violations?from="+from+"&to="+to, officer, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("inverted window = %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/compliance/violations", officer, nil)
	if v := decodeBody[ViolationsResponse](t, rr); rr.Code != http.StatusOK || v.Violations == nil {
		t.Errorf("violations = %d %+v", rr.Code, v)
	}
	rr = env.do(t, http.MethodGet, "/compliance/suspicious", officer, nil)
	if s := decodeBody[SuspiciousResponse](t, rr); rr.Code != http.StatusOK || s.Findings == nil {
		t.Errorf("suspicious = %d %+v", rr.Code, s)
	}

	rr = env.do(t, http.MethodGet, "/compliance/statistics", officer, nil)
	stats := decodeBody[compliance.Snapshot](t, rr)
	if stats.TotalEvents != 2 || stats.ByType[string(ledger.EventPHIAccess)] != 2 {
		t.Errorf("statistics = %+v", stats)
	}
}

func TestRouter_AuditStream(t *testing.T) {
	env := newTestEnv(t, defaultTestLimits())
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/audit/stream?min_severity=CRITICAL&access_token=" +
		tokenFor(t, "siem", auth.RoleService)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v (resp %v)", err, resp)
	}
	defer conn.Close()

	env.record(t, phiAccess("dr-lee", "patient-1"))
	alert := env.record(t, ledger.Event{
		Actor:       ledger.SystemActor,
		Type:        ledger.EventSecurityAlert,
		Severity:    ledger.SeverityCritical,
		Sensitivity: ledger.SensitivityConfidential,
		Details:     map[string]string{"reason": "test"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got ledger.Entry
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Sequence != alert.Sequence || got.EventType != ledger.EventSecurityAlert {
		t.Errorf("streamed entry = %d %s, want %d SECURITY_ALERT", got.Sequence, got.EventType, alert.Sequence)
	}
}

func TestRouter_AuditStreamRequiresPermission(t *testing.T) {
	env := newTestEnv(t, defaultTestLimits())
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/audit/stream?access_token=" +
		tokenFor(t, "dr-lee", auth.RoleClinician)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded for a clinician")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}
