package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/runloop/internal/approvals"
	"github.com/haasonsaas/runloop/internal/auth"
	"github.com/haasonsaas/runloop/internal/engine"
	"github.com/haasonsaas/runloop/internal/memory"
	"github.com/haasonsaas/runloop/internal/observability"
	"github.com/haasonsaas/runloop/pkg/models"
)

// scriptTransport replays scripted responses in order; calls past the end
// return a plain completion.
type scriptTransport struct {
	mu        sync.Mutex
	responses []*engine.ModelResponse
	err       error
	calls     int
}

func (t *scriptTransport) Complete(_ context.Context, _ *engine.ModelRequest) (*engine.ModelResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.err != nil {
		return nil, t.err
	}
	if i := t.calls - 1; i < len(t.responses) {
		return t.responses[i], nil
	}
	return &engine.ModelResponse{Content: "done"}, nil
}

func (t *scriptTransport) Name() string { return "script" }

// testFixture is a gateway over an engine with in-memory stores and one
// registered agent named "helper".
type testFixture struct {
	server    *Server
	ts        *httptest.Server
	transport *scriptTransport
	provider  *memory.InMemoryProvider
	approvals approvals.Store
	authStore *auth.MemoryStore
	flow      *auth.Flow
	eng       *engine.Engine
	hub       *Hub
}

func newTestFixture(t *testing.T, transport *scriptTransport) *testFixture {
	t.Helper()
	if transport == nil {
		transport = &scriptTransport{}
	}
	f := &testFixture{
		transport: transport,
		provider:  memory.NewInMemoryProvider(),
		approvals: approvals.NewMemoryStore(),
		authStore: auth.NewMemoryStore(),
		hub:       NewHub(64),
	}
	f.flow = auth.NewFlow(f.authStore, nil)
	f.eng = engine.New(engine.Deps{
		Memory:    f.provider,
		Approvals: f.approvals,
		Auth:      f.flow,
		Sinks:     []engine.Sink{f.hub},
	}, nil)
	if err := f.eng.Agents().Register(&engine.Agent{
		Name:         "helper",
		Instructions: "be useful",
		Model:        "test-model",
		Transport:    transport,
	}); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(Config{
		Engine: f.eng,
		Hub:    f.hub,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.server = srv
	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)
	t.Cleanup(f.hub.Close)
	return f
}

func (f *testFixture) postJSON(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (f *testFixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

// apiError is the error envelope shape.
type apiError struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiError {
	t.Helper()
	var e apiError
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode error envelope: %v (body %s)", err, data)
	}
	return e
}

func TestNewServerRequiresEngine(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error for missing engine")
	}
}

func TestHealthz(t *testing.T) {
	f := newTestFixture(t, nil)

	resp, data := f.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var health struct {
		Status    string            `json:"status"`
		Providers map[string]string `json:"providers"`
	}
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	if health.Providers["memory"] != "ok" {
		t.Errorf("memory provider = %q, want ok", health.Providers["memory"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestFixture(t, nil)

	resp, data := f.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(data) == 0 {
		t.Error("expected a metrics exposition body")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newTestFixture(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/chat"},
		{http.MethodPost, "/approvals/pending"},
		{http.MethodPost, "/approvals/stream"},
		{http.MethodGet, "/auth/submit"},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(tt.method, f.ts.URL+tt.path, nil)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status = %d, want 405", tt.method, tt.path, resp.StatusCode)
		}
	}
}

func TestRunEventsEndpoint(t *testing.T) {
	timeline := observability.NewTimelineStore(8)
	transport := &scriptTransport{}

	f := &testFixture{
		transport: transport,
		provider:  memory.NewInMemoryProvider(),
		hub:       NewHub(64),
	}
	f.eng = engine.New(engine.Deps{
		Memory: f.provider,
		Sinks:  []engine.Sink{f.hub, timeline},
	}, nil)
	if err := f.eng.Agents().Register(&engine.Agent{
		Name:      "helper",
		Model:     "test-model",
		Transport: transport,
	}); err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(Config{
		Engine:   f.eng,
		Hub:      f.hub,
		Timeline: timeline,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.server = srv
	f.ts = httptest.NewServer(srv.Handler())
	defer f.ts.Close()

	result, err := f.eng.Run(context.Background(), &engine.RunRequest{
		AgentName: "helper",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, data := f.get(t, "/runs/"+result.RunID+"/events")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", resp.StatusCode, data)
	}
	if !strings.Contains(string(data), result.RunID) {
		t.Errorf("body missing run id: %s", data)
	}

	resp, _ = f.get(t, "/runs/nope/events")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run: status = %d, want 404", resp.StatusCode)
	}
}

func TestRunEventsWithoutTimeline(t *testing.T) {
	f := newTestFixture(t, nil)

	resp, _ := f.get(t, "/runs/some-run/events")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServerStartStop(t *testing.T) {
	f := newTestFixture(t, nil)

	srv, err := NewServer(Config{
		Addr:   "127.0.0.1:0",
		Engine: f.eng,
		Hub:    f.hub,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz after start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := http.Get("http://" + srv.Addr() + "/healthz"); err == nil {
		t.Error("expected connection error after Stop")
	}
}
