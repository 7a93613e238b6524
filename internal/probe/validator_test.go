package probe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// newBackend serves the given endpoints; paths in failing return 500,
// unknown paths return 404.
func newBackend(t *testing.T, failing map[string]bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing[r.URL.Path] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"connection_health_score": 87.5, "agent_confirmation_ready": true}`))
		case "/system-health", "/memory", "/stats", "/":
			w.Write([]byte(`{"status":"ok"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newValidator(t *testing.T, backend *httptest.Server, opts Options) *Validator {
	t.Helper()
	opts.BaseURL = backend.URL
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	return New(opts, testLogger())
}

func TestValidate_AllHealthy(t *testing.T) {
	v := newValidator(t, newBackend(t, nil), Options{})

	res := v.Validate(context.Background(), "live_claim")

	if res.HealthScore != 100 {
		t.Errorf("HealthScore = %v, want 100", res.HealthScore)
	}
	if !res.ValidationPassed {
		t.Error("ValidationPassed = false, want true")
	}
	if !res.ConfirmationAllowed {
		t.Error("ConfirmationAllowed = false, want true")
	}
	if !res.ConnectionFresh {
		t.Error("ConnectionFresh = false, want true")
	}
	if len(res.EndpointsValidated) != 3 {
		t.Errorf("EndpointsValidated = %v, want 3 endpoints", res.EndpointsValidated)
	}
	if res.CacheUsed {
		t.Error("CacheUsed = true on a fresh run")
	}
}

func TestValidate_TwoOfThreePasses(t *testing.T) {
	v := newValidator(t, newBackend(t, map[string]bool{"/memory": true}), Options{})

	res := v.Validate(context.Background(), "live_claim")

	if res.HealthScore < 66.0 || res.HealthScore > 67.0 {
		t.Errorf("HealthScore = %v, want ~66.7", res.HealthScore)
	}
	if !res.ValidationPassed {
		t.Error("ValidationPassed = false, want true at two-thirds")
	}
	if len(res.FailedEndpoints) != 1 {
		t.Fatalf("FailedEndpoints = %v, want 1", res.FailedEndpoints)
	}
	if res.FailedEndpoints[0].Endpoint != "/memory" {
		t.Errorf("failed endpoint = %q, want /memory", res.FailedEndpoints[0].Endpoint)
	}
}

func TestValidate_OneOfThreeFails(t *testing.T) {
	v := newValidator(t, newBackend(t, map[string]bool{"/memory": true, "/system-health": true}), Options{})

	res := v.Validate(context.Background(), "live_claim")

	if res.HealthScore < 33.0 || res.HealthScore > 34.0 {
		t.Errorf("HealthScore = %v, want ~33.3", res.HealthScore)
	}
	if res.ValidationPassed {
		t.Error("ValidationPassed = true, want false below threshold")
	}
	if res.ConfirmationAllowed {
		t.Error("ConfirmationAllowed = true, want false")
	}
}

func TestValidate_UnreachableBackendScoresZero(t *testing.T) {
	backend := newBackend(t, nil)
	backend.Close() // connection refused for every probe

	v := New(Options{BaseURL: backend.URL, Timeout: time.Second}, testLogger())
	res := v.Validate(context.Background(), "deployment")

	if res.HealthScore != 0 {
		t.Errorf("HealthScore = %v, want 0", res.HealthScore)
	}
	if res.ValidationPassed {
		t.Error("ValidationPassed = true, want false")
	}
	for _, fe := range res.FailedEndpoints {
		if fe.Status != StatusError {
			t.Errorf("endpoint %s status = %q, want error", fe.Endpoint, fe.Status)
		}
	}
}

func TestValidate_CachesPassingResults(t *testing.T) {
	v := newValidator(t, newBackend(t, nil), Options{CacheTTL: time.Minute})

	first := v.Validate(context.Background(), "live_claim")
	cached, ok := v.Cached("live_claim")
	if !ok {
		t.Fatal("expected cache hit within TTL")
	}
	if !cached.CacheUsed {
		t.Error("CacheUsed = false on cache hit")
	}
	if cached.ValidationPassed != first.ValidationPassed {
		t.Error("cached verdict differs from fresh verdict")
	}
	if cached.CacheAgeSeconds < 0 {
		t.Errorf("CacheAgeSeconds = %v, want >= 0", cached.CacheAgeSeconds)
	}
}

func TestValidate_FailingResultsNotCached(t *testing.T) {
	failing := map[string]bool{"/health": true, "/system-health": true, "/memory": true}
	v := newValidator(t, newBackend(t, failing), Options{CacheTTL: time.Minute})

	v.Validate(context.Background(), "live_claim")
	if _, ok := v.Cached("live_claim"); ok {
		t.Error("failing validation must not be cached")
	}
}

func TestCached_ExpiresAfterTTL(t *testing.T) {
	v := newValidator(t, newBackend(t, nil), Options{CacheTTL: 50 * time.Millisecond})

	v.Validate(context.Background(), "general")
	if _, ok := v.Cached("general"); !ok {
		t.Fatal("expected cache hit before expiry")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := v.Cached("general"); ok {
		t.Error("cache entry survived past its TTL")
	}
}

func TestForceFresh_BypassesCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	v := New(Options{BaseURL: srv.URL, Timeout: time.Second, CacheTTL: time.Minute}, testLogger())

	v.Validate(context.Background(), "general") // 2 endpoints
	before := hits.Load()

	v.ForceFresh(context.Background(), "general")
	if hits.Load() == before {
		t.Error("ForceFresh did not re-probe endpoints")
	}

	// And the fresh result replaces the cache entry.
	if _, ok := v.Cached("general"); !ok {
		t.Error("expected cache entry after forced validation passed")
	}
}

func TestValidate_AppendsAuditLogAlways(t *testing.T) {
	failing := map[string]bool{"/health": true, "/": true}
	v := newValidator(t, newBackend(t, failing), Options{})

	v.Validate(context.Background(), "general")
	v.Validate(context.Background(), "file_check")

	log := v.ValidationLog()
	if len(log) != 2 {
		t.Fatalf("validation log has %d entries, want 2", len(log))
	}
	if log[0].ActionType != "general" || log[1].ActionType != "file_check" {
		t.Errorf("log order wrong: %+v", log)
	}
	for _, entry := range log {
		if entry.ValidationPassed {
			t.Error("ValidationPassed = true for all-failing backend")
		}
	}
}

func TestValidationLog_Capped(t *testing.T) {
	v := newValidator(t, newBackend(t, nil), Options{LogCap: 5})

	for i := 0; i < 8; i++ {
		v.Validate(context.Background(), "general")
	}
	if got := len(v.ValidationLog()); got != 5 {
		t.Errorf("validation log has %d entries, want cap 5", got)
	}
}

func TestValidate_ExplicitEndpointsOverrideTable(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	v := New(Options{BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	res := v.Validate(context.Background(), "live_claim", "/custom")

	if len(res.EndpointsValidated) != 1 || res.EndpointsValidated[0] != "/custom" {
		t.Errorf("EndpointsValidated = %v, want [/custom]", res.EndpointsValidated)
	}
}

func TestEndpointsFor(t *testing.T) {
	tests := []struct {
		actionType string
		want       int
	}{
		{"live_claim", 3},
		{"api_check", 4},
		{"file_check", 2},
		{"unknown_action", 2}, // general set
	}
	for _, tt := range tests {
		if got := EndpointsFor(tt.actionType); len(got) != tt.want {
			t.Errorf("EndpointsFor(%q) = %v, want %d endpoints", tt.actionType, got, tt.want)
		}
	}
}
