package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func corsRequest(t *testing.T, allowedOrigins []string, method, origin string) *httptest.ResponseRecorder {
	t.Helper()

	handler := CORS(allowedOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(method, "/api/sessions", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCORSAllowedOrigin(t *testing.T) {
	rec := corsRequest(t, []string{"http://localhost:3000"}, http.MethodGet, "http://localhost:3000")

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q, want true for explicit origin", got)
	}
	headers := rec.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(headers, "Content-Type") || !strings.Contains(headers, "Authorization") {
		t.Errorf("Allow-Headers = %q", headers)
	}
	methods := rec.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(methods, "DELETE") || strings.Contains(methods, "POST") {
		t.Errorf("Allow-Methods = %q, want the methods the API serves", methods)
	}
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	rec := corsRequest(t, []string{"*"}, http.MethodGet, "http://evil.example.com")

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://evil.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Allow-Credentials = %q, want unset for wildcard match", got)
	}
}

func TestCORSDisallowedOrigin(t *testing.T) {
	rec := corsRequest(t, []string{"http://localhost:3000"}, http.MethodGet, "http://evil.example.com")

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want no CORS headers", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	rec := corsRequest(t, []string{"http://localhost:3000"}, http.MethodOptions, "http://localhost:3000")

	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("preflight body = %q, want empty", rec.Body.String())
	}
}
