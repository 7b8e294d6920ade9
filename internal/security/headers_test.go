package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func serve(middleware gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "ok")
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), httptest.NewRequest("GET", "/test", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
		"Permissions-Policy":     "geolocation=(), microphone=(), camera=()",
	}
	for header, expected := range want {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}

	// The CSP must stay compatible with the websocket endpoint.
	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "default-src 'none'") || !strings.Contains(csp, "wss:") {
		t.Errorf("CSP = %q, want none default with websocket connect-src", csp)
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		expectHeader   bool
	}{
		{"allowed origin", []string{"https://app.kudipeer.ng"}, "https://app.kudipeer.ng", true},
		{"wildcard allows all", []string{"*"}, "https://anything.example", true},
		{"disallowed origin", []string{"https://app.kudipeer.ng"}, "https://evil.example", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := serve(CORSMiddleware(tc.allowedOrigins), req)

			hasHeader := w.Header().Get("Access-Control-Allow-Origin") != ""
			if hasHeader != tc.expectHeader {
				t.Errorf("CORS header present = %v, want %v", hasHeader, tc.expectHeader)
			}
		})
	}
}

func TestCORSWildcardNeverAllowsCredentials(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://anything.example")
	w := serve(CORSMiddleware([]string{"*"}), req)

	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard origins must not advertise Allow-Credentials")
	}

	req = httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://app.kudipeer.ng")
	w = serve(CORSMiddleware([]string{"https://app.kudipeer.ng"}), req)

	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("explicit origins should allow credentials")
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "https://app.kudipeer.ng")
	w := serve(CORSMiddleware([]string{"*"}), req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if methods := w.Header().Get("Access-Control-Allow-Methods"); methods == "" {
		t.Error("Access-Control-Allow-Methods not set")
	}
	// The gateway identity headers must survive preflight.
	allowed := w.Header().Get("Access-Control-Allow-Headers")
	for _, h := range []string{"X-User-ID", "X-User-Role", "X-Request-ID"} {
		if !strings.Contains(allowed, h) {
			t.Errorf("Allow-Headers %q missing %s", allowed, h)
		}
	}
}
