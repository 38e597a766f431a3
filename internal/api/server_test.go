package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/lumencache-bridge/internal/audit"
	"github.com/nerrad567/lumencache-bridge/internal/bridges/lumencache"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/config"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/logging"
)

type fakeBridge struct {
	status  lumencache.HealthStatus
	devices []lumencache.Device
}

func (b *fakeBridge) Health() lumencache.HealthMessage {
	return lumencache.HealthMessage{Bridge: "lumencache-bridge", Status: b.status}
}

func (b *fakeBridge) Devices() []lumencache.Device { return b.devices }

type fakeDiscovery struct {
	mu      sync.Mutex
	state   lumencache.DiscoveryState
	report  *lumencache.DiscoveryReport
	starts  int
	lastCtx context.Context
	err     error
}

func (d *fakeDiscovery) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.state == lumencache.DiscoveryRunning {
		return lumencache.ErrDiscoveryRunning
	}
	d.starts++
	d.lastCtx = ctx
	d.state = lumencache.DiscoveryRunning
	return nil
}

func (d *fakeDiscovery) State() lumencache.DiscoveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDiscovery) LastReport() (lumencache.DiscoveryReport, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.report == nil {
		return lumencache.DiscoveryReport{}, false
	}
	return *d.report, true
}

type fakeAudit struct {
	mu      sync.Mutex
	filters []audit.Filter
	err     error
}

func (a *fakeAudit) Create(context.Context, *audit.Entry) error { return nil }

func (a *fakeAudit) List(_ context.Context, f audit.Filter) (*audit.ListResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filters = append(a.filters, f)
	if a.err != nil {
		return nil, a.err
	}
	addr := uint8(4)
	return &audit.ListResult{
		Entries: []audit.Entry{{ID: "aud-1", Action: audit.ActionAssignAddress, Adapter: "hall", Address: &addr}},
		Total:   1,
		Limit:   50,
	}, nil
}

type checkFunc func(context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type fixture struct {
	srv       *Server
	handler   http.Handler
	hall      *fakeBridge
	discovery *fakeDiscovery
	audit     *fakeAudit
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "json", Output: "discard"}, "test")
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	value := uint8(128)
	f := &fixture{
		hall: &fakeBridge{
			status: lumencache.HealthHealthy,
			devices: []lumencache.Device{
				{Address: 3, DeviceID: "lumencache-hall-3", SerialNumber: "00A1B2", Value: &value, Scenes: []uint8{}},
			},
		},
		discovery: &fakeDiscovery{},
		audit:     &fakeAudit{},
	}

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger: testLogger(),
		Adapters: []Adapter{
			{ID: "hall", Title: "Hall", Bridge: f.hall, Discovery: f.discovery},
			{ID: "garage", Bridge: &fakeBridge{status: lumencache.HealthDegraded}},
		},
		Audit:   f.audit,
		Checks:  map[string]HealthChecker{"database": checkFunc(func(context.Context) error { return nil })},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.srv = srv
	f.handler = srv.buildRouter()
	return f
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func TestNew_Validation(t *testing.T) {
	bridge := &fakeBridge{}
	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{}},
		{"adapter without bridge", Deps{Logger: testLogger(), Adapters: []Adapter{{ID: "a"}}}},
		{"adapter without id", Deps{Logger: testLogger(), Adapters: []Adapter{{Bridge: bridge}}}},
		{"duplicate adapter", Deps{Logger: testLogger(), Adapters: []Adapter{{ID: "a", Bridge: bridge}, {ID: "a", Bridge: bridge}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Status     string            `json:"status"`
		Version    string            `json:"version"`
		Components map[string]string `json:"components"`
		Adapters   map[string]string `json:"adapters"`
	}
	decode(t, rec, &body)

	// garage is degraded.
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Version != "test" || body.Components["database"] != "ok" {
		t.Errorf("body = %+v", body)
	}
	if body.Adapters["hall"] != "healthy" || body.Adapters["garage"] != "degraded" {
		t.Errorf("adapters = %v", body.Adapters)
	}
}

func TestHealth_ComponentFailure(t *testing.T) {
	srv, err := New(Deps{
		Logger:   testLogger(),
		Adapters: []Adapter{{ID: "hall", Bridge: &fakeBridge{status: lumencache.HealthHealthy}}},
		Checks: map[string]HealthChecker{
			"mqtt": checkFunc(func(context.Context) error { return errors.New("not connected") }),
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
	if comps := body["components"].(map[string]any); comps["mqtt"] != "not connected" {
		t.Errorf("components = %v", comps)
	}
}

func TestListAdapters(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/adapters")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Adapters []AdapterSummary `json:"adapters"`
		Count    int              `json:"count"`
	}
	decode(t, rec, &body)

	if body.Count != 2 || len(body.Adapters) != 2 {
		t.Fatalf("count = %d", body.Count)
	}
	if body.Adapters[0].ID != "hall" || body.Adapters[1].ID != "garage" {
		t.Errorf("order = %s, %s", body.Adapters[0].ID, body.Adapters[1].ID)
	}
	if body.Adapters[0].Devices != 1 || body.Adapters[0].Discovery != "idle" {
		t.Errorf("hall = %+v", body.Adapters[0])
	}
	if body.Adapters[1].Discovery != "idle" {
		t.Errorf("adapter without discovery = %q, want idle", body.Adapters[1].Discovery)
	}
}

func TestGetAdapter(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/adapters/hall")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var detail AdapterDetail
	decode(t, rec, &detail)
	if detail.Title != "Hall" || len(detail.Modules) != 1 || detail.Modules[0].SerialNumber != "00A1B2" {
		t.Errorf("detail = %+v", detail)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/adapters/attic")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown adapter status = %d, want 404", rec.Code)
	}
	var apiErr Error
	decode(t, rec, &apiErr)
	if apiErr.Code != ErrCodeNotFound {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestListDevices(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/adapters/hall/devices")
	var body struct {
		Devices []lumencache.Device `json:"devices"`
		Count   int                 `json:"count"`
	}
	decode(t, rec, &body)
	if body.Count != 1 || body.Devices[0].Value == nil || *body.Devices[0].Value != 128 {
		t.Errorf("body = %+v", body)
	}

	// A bridge with no modules still yields an array.
	rec = f.do(t, http.MethodGet, "/api/v1/adapters/garage/devices")
	if !strings.Contains(rec.Body.String(), `"devices":[]`) {
		t.Errorf("body = %s, want empty array", rec.Body.String())
	}
}

func TestDiscovery(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/adapters/hall/discovery")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", rec.Code)
	}
	if f.discovery.starts != 1 {
		t.Errorf("starts = %d, want 1", f.discovery.starts)
	}
	if f.discovery.lastCtx != f.srv.baseCtx {
		t.Error("discovery should run under the server context, not the request's")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/adapters/hall/discovery")
	if rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/adapters/hall/discovery")
	var status DiscoveryStatus
	decode(t, rec, &status)
	if status.State != "running" || status.LastReport != nil {
		t.Errorf("status = %+v", status)
	}

	f.discovery.mu.Lock()
	f.discovery.state = lumencache.DiscoveryIdle
	f.discovery.report = &lumencache.DiscoveryReport{Known: []uint8{3}, Assigned: []lumencache.Assignment{}}
	f.discovery.mu.Unlock()

	rec = f.do(t, http.MethodGet, "/api/v1/adapters/hall/discovery")
	status = DiscoveryStatus{}
	decode(t, rec, &status)
	if status.State != "idle" || status.LastReport == nil || len(status.LastReport.Known) != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestDiscovery_Errors(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodPost, "/api/v1/adapters/garage/discovery"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no discovery status = %d, want 503", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/adapters/garage/discovery"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no discovery GET status = %d, want 503", rec.Code)
	}

	f.discovery.mu.Lock()
	f.discovery.err = errors.New("link down")
	f.discovery.mu.Unlock()
	if rec := f.do(t, http.MethodPost, "/api/v1/adapters/hall/discovery"); rec.Code != http.StatusInternalServerError {
		t.Errorf("failed start status = %d, want 500", rec.Code)
	}
}

func TestAuditLogs(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/audit?adapter=hall&action=assign_address&limit=10&offset=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result audit.ListResult
	decode(t, rec, &result)
	if result.Total != 1 || result.Entries[0].ID != "aud-1" {
		t.Errorf("result = %+v", result)
	}

	got := f.audit.filters[0]
	want := audit.Filter{Action: "assign_address", Adapter: "hall", Limit: 10, Offset: 5}
	if got != want {
		t.Errorf("filter = %+v, want %+v", got, want)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/audit?limit=ten"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}

	f.audit.err = errors.New("disk")
	if rec := f.do(t, http.MethodGet, "/api/v1/audit"); rec.Code != http.StatusInternalServerError {
		t.Errorf("repo error status = %d, want 500", rec.Code)
	}
}

func TestAuditLogs_NotConfigured(t *testing.T) {
	srv, err := New(Deps{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	f := newFixture(t)
	h := f.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestNotFoundAndMethod(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/api/v1/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/health"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestStartClose(t *testing.T) {
	f := newFixture(t)

	if err := f.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/health", f.srv.Addr()))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := f.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx := f.srv.baseCtx
	if err := f.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("Close() should cancel the server context")
	}
}
