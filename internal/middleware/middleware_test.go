package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skillsync/internal/auth"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetUserID(r.Context())))
}

func TestAuth(t *testing.T) {
	signer := auth.NewSigner("test-secret-0123456789", "", time.Hour)
	good, err := signer.Sign("u1", "Ada")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	forged, _ := auth.NewSigner("other-secret-0123456789", "", time.Hour).Sign("u1", "Ada")
	h := Auth(auth.NewVerifier("test-secret-0123456789", ""))(http.HandlerFunc(okHandler))

	tests := []struct {
		name   string
		header string
		code   int
		body   string
	}{
		{"valid", "Bearer " + good, http.StatusOK, "u1"},
		{"lowercase scheme", "bearer " + good, http.StatusOK, "u1"},
		{"missing", "", http.StatusUnauthorized, `{"error":"unauthorized"}`},
		{"wrong scheme", "Basic " + good, http.StatusUnauthorized, `{"error":"unauthorized"}`},
		{"forged", "Bearer " + forged, http.StatusUnauthorized, `{"error":"unauthorized"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.code || w.Body.String() != tt.body {
				t.Fatalf("got %d %q, want %d %q", w.Code, w.Body.String(), tt.code, tt.body)
			}
		})
	}
}

func TestRateLimitPerIP(t *testing.T) {
	h := RateLimit(3, 100)(http.HandlerFunc(okHandler))
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[2] != http.StatusOK || codes[3] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}

	// another client is unaffected
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.8:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("other ip: %d", w.Code)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	h := RateLimit(100, 1)(http.HandlerFunc(okHandler))
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:1"
		req = req.WithContext(WithUserID(req.Context(), "u1"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != want {
			t.Fatalf("request %d: got %d want %d", i, w.Code, want)
		}
	}
}

func TestInternalOnly(t *testing.T) {
	h := InternalOnly("s3cret")(http.HandlerFunc(okHandler))
	tests := []struct {
		name   string
		remote string
		header map[string]string
		code   int
	}{
		{"loopback", "127.0.0.1:1234", nil, http.StatusOK},
		{"private", "10.1.2.3:1234", nil, http.StatusOK},
		{"public", "198.51.100.1:1234", nil, http.StatusForbidden},
		{"public with secret", "198.51.100.1:1234", map[string]string{"X-Internal-Secret": "s3cret"}, http.StatusOK},
		{"forwarded public", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Fatalf("got %d want %d", w.Code, tt.code)
			}
		})
	}
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "internal server error") {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("short"); got != "****" {
		t.Fatalf("short: %q", got)
	}
	if got := MaskToken("eyJhbGciOiJIUzI1NiJ9.payload"); got != "eyJhbGci***" {
		t.Fatalf("long: %q", got)
	}
}
