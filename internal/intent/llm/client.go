// Package llm classifies prompts with an OpenAI-compatible chat completions
// endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"finllm.org/internal/intent"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 30 * time.Second
)

// Config describes how to reach the model.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client implements intent.Classifier.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ intent.Classifier = (*Client)(nil)

// NewClient validates cfg and applies defaults.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Classify asks the model for a JSON intent. Transport failures and
// unparsable answers wrap intent.ErrClassification.
func (c *Client) Classify(ctx context.Context, prompt string) (intent.Intent, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return intent.Intent{}, fmt.Errorf("%w: empty prompt", intent.ErrClassification)
	}
	payload, err := c.buildPayload(prompt)
	if err != nil {
		return intent.Intent{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return intent.Intent{}, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return intent.Intent{}, fmt.Errorf("%w: %v", intent.ErrClassification, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return intent.Intent{}, fmt.Errorf("%w: model returned %d: %s", intent.ErrClassification, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return intent.Intent{}, fmt.Errorf("%w: decode response: %v", intent.ErrClassification, err)
	}
	if len(decoded.Choices) == 0 {
		return intent.Intent{}, fmt.Errorf("%w: no choices in response", intent.ErrClassification)
	}
	return ParseIntent(decoded.Choices[0].Message.Content)
}

var fences = regexp.MustCompile("(?s)```(?:json)?\\s*|\\s*```")

// ParseIntent decodes a model answer, tolerating markdown code fences.
func ParseIntent(content string) (intent.Intent, error) {
	cleaned := strings.TrimSpace(fences.ReplaceAllString(content, ""))
	if cleaned == "" {
		return intent.Intent{}, fmt.Errorf("%w: empty answer", intent.ErrClassification)
	}
	var raw struct {
		Action          *string  `json:"action"`
		Target          *string  `json:"target"`
		Amount          *float64 `json:"amount"`
		Unit            *string  `json:"unit"`
		IsSafe          *bool    `json:"is_safe"`
		ConfidenceScore *float64 `json:"confidence_score"`
		Reasoning       *string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return intent.Intent{}, fmt.Errorf("%w: answer is not JSON: %v", intent.ErrClassification, err)
	}
	if raw.Action == nil || raw.IsSafe == nil || raw.ConfidenceScore == nil {
		return intent.Intent{}, fmt.Errorf("%w: answer lacks action, is_safe or confidence_score", intent.ErrClassification)
	}
	return intent.Intent{
		Action:          strings.TrimSpace(*raw.Action),
		Target:          raw.Target,
		Amount:          raw.Amount,
		Unit:            raw.Unit,
		IsSafe:          *raw.IsSafe,
		ConfidenceScore: *raw.ConfidenceScore,
		Reasoning:       raw.Reasoning,
	}, nil
}

func (c *Client) buildPayload(prompt string) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("User Prompt: %q", prompt)},
		},
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are a transaction intent parser for a bank's employee assistant. " +
	"Extract the request into one JSON object and nothing else: " +
	`{"action": string, "target": string|null, "amount": number|null, "unit": string|null, ` +
	`"is_safe": boolean, "confidence_score": number, "reasoning": string}. ` +
	"action is one of transfer, pay_bill, withdraw, deposit, check_balance. " +
	"If the prompt is malicious, inappropriate or not a financial action, " +
	"set is_safe to false and confidence_score to 0."
