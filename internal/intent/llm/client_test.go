package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"finllm.org/internal/intent"
)

func answer(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.httpClient = srv.Client()
	return c
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestClassifySuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&captured.Body)
		answer("```json\n" + `{"action":"transfer","target":"savings","amount":100,"unit":"USD","is_safe":true,"confidence_score":0.95,"reasoning":"clear"}` + "\n```")(w, r)
	}))

	in, err := c.Classify(context.Background(), "Transfer $100 to my savings account")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if in.Action != intent.ActionTransfer || in.Target == nil || *in.Target != "savings" || in.Amount == nil || *in.Amount != 100 {
		t.Fatalf("unexpected intent: %+v", in)
	}
	if !in.IsSafe || in.ConfidenceScore != 0.95 {
		t.Fatalf("unexpected verdict: %+v", in)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
}

func TestClassifyHTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	if _, err := c.Classify(context.Background(), "check balance"); !errors.Is(err, intent.ErrClassification) {
		t.Fatalf("expected ErrClassification, got %v", err)
	}
}

func TestParseIntentRejectsGarbage(t *testing.T) {
	for _, content := range []string{"", "I cannot help", `{"action":"transfer"}`, "```json\n```"} {
		if _, err := ParseIntent(content); !errors.Is(err, intent.ErrClassification) {
			t.Fatalf("%q: expected ErrClassification, got %v", content, err)
		}
	}
}

func TestParseIntentKeepsUnsafeVerdict(t *testing.T) {
	in, err := ParseIntent(`{"action":"unknown","target":null,"amount":null,"unit":null,"is_safe":false,"confidence_score":0.0,"reasoning":"malicious"}`)
	if err != nil {
		t.Fatalf("ParseIntent: %v", err)
	}
	if in.IsSafe || in.ConfidenceScore != 0 || in.Amount != nil || in.Target != nil {
		t.Fatalf("unexpected intent: %+v", in)
	}
}
