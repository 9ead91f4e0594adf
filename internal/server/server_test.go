package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/solenko/gatewall/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		BotAPIBase:          "http://127.0.0.1:1", // never dialed in these tests
		PendingTTL:          time.Hour,
		PreCheckoutDeadline: time.Second,
		ReconcileInterval:   time.Minute,
		RevokeRetryAttempts: 1,
		AdminSecret:         "admin-secret",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/hook/:secret",
		"POST:/admin/tenants",
		"GET:/admin/tenants",
		"POST:/admin/tenants/:id/rotate",
		"POST:/admin/tenants/:id/plans",
		"POST:/admin/tenants/:id/resources",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestGatewayWebhookOnlyWithKey(t *testing.T) {
	s := newTestServer(t)
	for _, route := range s.router.Routes() {
		if route.Path == "/gateway/webhook" {
			t.Fatal("gateway webhook registered without a processor key")
		}
	}

	cfg := testConfig()
	cfg.StripeAPIKey = "sk_test_123"
	cfg.StripeWebhookSecret = "whsec_123"
	withKey, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	found := false
	for _, route := range withKey.Router().Routes() {
		if route.Method == "POST" && route.Path == "/gateway/webhook" {
			found = true
		}
	}
	if !found {
		t.Error("gateway webhook not registered with processor key set")
	}
}

// ---------------------------------------------------------------------------
// Admin auth
// ---------------------------------------------------------------------------

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/tenants", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/admin/tenants", nil)
	req.Header.Set("X-Admin-Secret", "admin-secret")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with admin secret, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Webhook edge
// ---------------------------------------------------------------------------

func TestUnknownHookSecretLooksLikeMissingRoute(t *testing.T) {
	s := newTestServer(t)

	hookW := httptest.NewRecorder()
	s.router.ServeHTTP(hookW, httptest.NewRequest("POST", "/hook/no-such-secret", nil))

	missW := httptest.NewRecorder()
	s.router.ServeHTTP(missW, httptest.NewRequest("POST", "/no/such/path", nil))

	if hookW.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown secret, got %d", hookW.Code)
	}
	if hookW.Body.String() != missW.Body.String() {
		t.Errorf("Unknown secret body %q differs from missing route body %q",
			hookW.Body.String(), missW.Body.String())
	}
}

func TestRequestIDHeaderSet(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}
