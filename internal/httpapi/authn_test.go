package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"valid":        {header: "Bearer abc.def", want: "abc.def", ok: true},
		"lowercase":    {header: "bearer abc", want: "abc", ok: true},
		"empty":        {header: "", ok: false},
		"basic scheme": {header: "Basic dXNlcjpwYXNz", ok: false},
		"no token":     {header: "Bearer   ", ok: false},
	}
	for name, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("%s: got %q, %v", name, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestAgentTokenRefusesAmbientCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/agent/execute", nil)
	req.Header.Set("Authorization", "Bearer agent")
	tok, err := agentToken(req)
	if err != nil || tok.Bearer() != "agent" {
		t.Fatalf("unexpected result %q, %v", tok.Bearer(), err)
	}

	withCookie := req.Clone(req.Context())
	withCookie.Header.Set("Cookie", "session=abc")
	if _, err := agentToken(withCookie); !errors.Is(err, errAmbientCredential) {
		t.Fatalf("expected errAmbientCredential, got %v", err)
	}

	withUser := req.Clone(req.Context())
	withUser.Header.Set(userTokenHeader, "user")
	if _, err := agentToken(withUser); !errors.Is(err, errAmbientCredential) {
		t.Fatalf("expected errAmbientCredential, got %v", err)
	}

	double := req.Clone(req.Context())
	double.Header.Add("Authorization", "Bearer other")
	if _, err := agentToken(double); !errors.Is(err, errAmbientCredential) {
		t.Fatalf("expected errAmbientCredential, got %v", err)
	}
}
