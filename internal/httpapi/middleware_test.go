package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"finllm.org/internal/obs"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	origWriter, origFlags := logger.Writer(), logger.Flags()
	var buf bytes.Buffer
	logger.SetFlags(0)
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetOutput(origWriter)
		logger.SetFlags(origFlags)
	})
	return &buf
}

func TestRateLimitReturnsCodedErrorPerClient(t *testing.T) {
	handler := RequestID(RateLimit(http.HandlerFunc(okHandler), 1, 1))

	call := func(remote, rid string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/delegate", nil)
		req.RemoteAddr = remote
		if rid != "" {
			req.Header.Set(requestIDHeader, rid)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := call("10.0.0.1:1234", ""); rr.Code != http.StatusOK {
		t.Fatalf("first call: got %d", rr.Code)
	}
	limited := call("10.0.0.1:5678", "agent-run-7")
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("second call: got %d, want 429", limited.Code)
	}
	secs, err := strconv.Atoi(limited.Header().Get("Retry-After"))
	if err != nil || secs < 1 {
		t.Fatalf("Retry-After = %q, want whole seconds >= 1", limited.Header().Get("Retry-After"))
	}

	var body struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(limited.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != "RATE_LIMITED" || body.Error == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.RequestID != "agent-run-7" {
		t.Fatalf("request_id = %q, want the inbound id", body.RequestID)
	}

	// Buckets are per client address.
	if rr := call("10.0.0.2:1234", ""); rr.Code != http.StatusOK {
		t.Fatalf("other client: got %d", rr.Code)
	}
}

func TestRateLimitKeysOnForwardedFor(t *testing.T) {
	handler := RateLimit(http.HandlerFunc(okHandler), 1, 1)
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/employee/me", nil)
		req.RemoteAddr = "10.9.9." + strconv.Itoa(i+1) + ":80"
		req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("call %d: got %d, want %d", i, rr.Code, want)
		}
	}
}

func TestRequestIDHonoursSaneInboundValue(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	cases := []struct {
		inbound string
		keepsIt bool
	}{
		{"req-123", true},
		{"", false},
		{"has space", false},
		{strings.Repeat("x", 65), false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		if tc.inbound != "" {
			req.Header.Set(requestIDHeader, tc.inbound)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		echoed := rr.Header().Get(requestIDHeader)
		if echoed == "" || echoed != seen {
			t.Fatalf("inbound %q: echoed %q, context %q", tc.inbound, echoed, seen)
		}
		if tc.keepsIt != (echoed == tc.inbound) {
			t.Fatalf("inbound %q: got id %q", tc.inbound, echoed)
		}
	}
}

func TestLoggingJSONRecordsResponse(t *testing.T) {
	buf := captureLog(t)

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"executed"}`))
	})))

	req := httptest.NewRequest(http.MethodPost, "/agent/execute", nil)
	req.Header.Set(requestIDHeader, "exec-42")
	req.Header.Set("User-Agent", "finllm-agent")
	req.RemoteAddr = "192.0.2.10:4242"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log is not one JSON line: %v (%q)", err, buf.String())
	}
	want := map[string]any{
		"msg":        "request_complete",
		"level":      "info",
		"request_id": "exec-42",
		"method":     http.MethodPost,
		"path":       "/agent/execute",
		"status":     float64(http.StatusAccepted),
		"bytes":      float64(len(`{"status":"executed"}`)),
		"remote_ip":  "192.0.2.10",
		"user_agent": "finllm-agent",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("%s = %v, want %v", k, entry[k], v)
		}
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatal("missing duration_ms")
	}
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	handler := CORS(SecurityHeaders(http.HandlerFunc(okHandler)))

	req := httptest.NewRequest(http.MethodOptions, "/auth/intent", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight: got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/employee/me", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" || rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing security headers: %v", rr.Header())
	}
}

func TestMaxBodyBytesRejectsOversizedBody(t *testing.T) {
	var readErr error
	handler := MaxBodyBytes(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = bytes.NewBuffer(nil).ReadFrom(r.Body)
	}), 8)

	req := httptest.NewRequest(http.MethodPost, "/agent/execute", strings.NewReader(`{"action":"transfer"}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var maxErr *http.MaxBytesError
	if readErr == nil || !errors.As(readErr, &maxErr) || maxErr.Limit != 8 {
		t.Fatalf("expected MaxBytesError with limit 8, got %v", readErr)
	}
}
