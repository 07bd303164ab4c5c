package ginmw_test

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/toolgate/toolgate"
	"github.com/toolgate/toolgate/keystore"
	"github.com/toolgate/toolgate/middleware/ginmw"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newGate(t *testing.T, cfg toolgate.GateConfig) (*toolgate.Gate, string) {
	t.Helper()
	store := keystore.NewStore()
	k, err := store.Create(keystore.CreateParams{Name: "mw", Credits: 100})
	if err != nil {
		t.Fatal(err)
	}
	gate, err := toolgate.NewGate(cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	return gate, k.Key
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })
	r.GET("/health", func(c *gin.Context) { c.String(200, "ok") })
	return r
}

func TestGate_AllowsValidKey(t *testing.T) {
	gate, key := newGate(t, toolgate.GateConfig{})
	router := newRouter(ginmw.Gate(gate, ginmw.KeyByBearer))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGate_DeniesUnknownKey(t *testing.T) {
	gate, _ := newGate(t, toolgate.GateConfig{})
	router := newRouter(ginmw.Gate(gate, ginmw.KeyByBearer))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set("Authorization", "Bearer tg_unknown")
	router.ServeHTTP(w, req)

	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGate_RateLimited(t *testing.T) {
	gate, key := newGate(t, toolgate.GateConfig{RateLimitPerMin: 2})
	router := newRouter(ginmw.Gate(gate, ginmw.KeyByBearer))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.Header.Set("Authorization", "Bearer "+key)
		router.ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	router.ServeHTTP(w, req)

	if w.Code != 429 {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestGate_ExcludePaths(t *testing.T) {
	gate, _ := newGate(t, toolgate.GateConfig{})
	router := newRouter(ginmw.GateWithConfig(ginmw.Config{
		Gate:         gate,
		KeyFunc:      ginmw.KeyByBearer,
		ExcludePaths: map[string]bool{"/health": true},
	}))

	// No key at all; health must still pass.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("health should bypass, got %d", w.Code)
	}
}

func TestGate_CustomDeniedHandler(t *testing.T) {
	gate, _ := newGate(t, toolgate.GateConfig{})
	customCalled := false
	router := newRouter(ginmw.GateWithConfig(ginmw.Config{
		Gate:    gate,
		KeyFunc: ginmw.KeyByBearer,
		DeniedHandler: func(c *gin.Context, d *toolgate.Decision) {
			customCalled = true
			c.AbortWithStatusJSON(418, gin.H{"reason": d.Reason})
		},
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	router.ServeHTTP(w, req)

	if !customCalled {
		t.Error("custom denied handler should be called")
	}
	if w.Code != 418 {
		t.Errorf("expected 418, got %d", w.Code)
	}
}

func TestGate_ReleasesConcurrency(t *testing.T) {
	gate, key := newGate(t, toolgate.GateConfig{
		Concurrency: toolgate.ConcurrencyConfig{MaxPerKey: 1},
	})
	router := newRouter(ginmw.Gate(gate, ginmw.KeyByBearer))

	// Sequential requests must not exhaust the single slot.
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.Header.Set("Authorization", "Bearer "+key)
		router.ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	if got := gate.Concurrency().InFlightKey(key); got != 0 {
		t.Errorf("in-flight after completion = %d, want 0", got)
	}
}
