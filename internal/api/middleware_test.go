package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codeguard/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoKeysAllowsRequests(t *testing.T) {
	handler := AuthMiddleware("X-API-Key", nil)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/submissions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	handler := AuthMiddleware("X-Service-Key", []string{"good-key", ""})(okHandler())

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"configured header", "X-Service-Key", "good-key", http.StatusOK},
		{"bearer token", "Authorization", "Bearer good-key", http.StatusOK},
		{"wrong key", "X-Service-Key", "bad-key", http.StatusUnauthorized},
		{"default header ignored", "X-API-Key", "good-key", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/submissions", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_RejectionBody(t *testing.T) {
	handler := RequestIDMiddleware(AuthMiddleware("", []string{"k"})(okHandler()))

	req := httptest.NewRequest(http.MethodPost, "/v1/submissions", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "AUTH_REQUIRED" || resp.RequestID != "req-123" {
		t.Errorf("got %+v", resp)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen == "" {
		t.Fatal("no request id in context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("header %q != context %q", rec.Header().Get("X-Request-ID"), seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "client-supplied" {
		t.Errorf("got %q, want client-supplied id", seen)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.Config{
		Window:      time.Minute,
		MaxRequests: 2,
		BasePenalty: 10 * time.Second,
		MaxPenalty:  time.Minute,
		IdleTTL:     time.Hour,
		Shards:      4,
	})
	if err != nil {
		t.Fatal(err)
	}
	handler := RateLimitMiddleware(limiter)(okHandler())

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/analyze", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Different source ports from one host share a budget.
	for _, addr := range []string{"10.0.0.1:1000", "10.0.0.1:1001"} {
		if rec := do(addr); rec.Code != http.StatusOK {
			t.Fatalf("%s: got status %d, want 200", addr, rec.Code)
		}
	}

	rec := do("10.0.0.1:1002")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "10" {
		t.Errorf("Retry-After = %q, want 10", rec.Header().Get("Retry-After"))
	}

	if rec := do("10.0.0.2:1000"); rec.Code != http.StatusOK {
		t.Errorf("other host: got status %d, want 200", rec.Code)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/submissions", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
}

func TestClientHost(t *testing.T) {
	tests := map[string]string{
		"10.1.2.3:5555":    "10.1.2.3",
		"[2001:db8::1]:80": "2001:db8::1",
		"no-port":          "no-port",
	}
	for in, want := range tests {
		if got := clientHost(in); got != want {
			t.Errorf("clientHost(%q) = %q, want %q", in, got, want)
		}
	}
}
