// Package client talks to the API on behalf of one human user and, separately,
// on behalf of the agent that user delegated to. The two never share a
// transport: each call builds its own, carrying exactly one credential.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"finllm.org/internal/credential"
	"finllm.org/internal/delegation"
	"finllm.org/internal/executor"
	"finllm.org/internal/intent"
	"finllm.org/internal/session"
)

var (
	// ErrUnauthenticated reports a missing or rejected session. The session
	// store has been cleared when this is returned.
	ErrUnauthenticated = errors.New("client: not authenticated")
	// ErrInvalidCredentials reports a failed login.
	ErrInvalidCredentials = errors.New("client: invalid credentials")
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string

	causes []error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	return msg
}

// Unwrap exposes the typed errors the wire code stands for, so callers can
// use errors.Is with delegation and executor sentinels.
func (e *APIError) Unwrap() []error { return e.causes }

// User is the current-user lookup result.
type User struct {
	Username string `json:"username"`
	UserID   string `json:"user_id"`
}

type Client struct {
	base      *url.URL
	sessions  *session.Store
	transport http.RoundTripper
	timeout   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the underlying round tripper. Credentials are still
// applied per call on top of it.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.transport = rt
		}
	}
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(baseURL string, sessions *session.Store, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: invalid server url %q", baseURL)
	}
	if sessions == nil {
		return nil, errors.New("client: session store is required")
	}
	c := &Client{
		base:      u,
		sessions:  sessions,
		transport: http.DefaultTransport,
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sessions returns the store the client saves logins into.
func (c *Client) Sessions() *session.Store { return c.sessions }

// Login exchanges cred for a session token and saves it.
func (c *Client) Login(ctx context.Context, cred credential.Credential) error {
	if !cred.Valid() {
		return ErrInvalidCredentials
	}
	form := url.Values{"username": {cred.Username}, "password": {cred.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/auth/login"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := c.send(c.anonymous(), req, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return ErrInvalidCredentials
		}
		return err
	}
	tok := credential.SessionToken(out.AccessToken)
	if tok.Empty() || !strings.EqualFold(out.TokenType, "bearer") {
		return errors.New("client: malformed login response")
	}
	return c.sessions.Set(tok)
}

// Logout ends the server session and clears the local one.
func (c *Client) Logout(ctx context.Context) error {
	tok, ok := c.sessions.Token()
	if !ok {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/auth/logout"), nil)
	if err != nil {
		return err
	}
	sendErr := c.send(c.asUser(tok), req, nil)
	if err := c.sessions.Clear(); err != nil {
		return err
	}
	var apiErr *APIError
	if errors.As(sendErr, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return nil
	}
	return sendErr
}

// Me looks up the current user. A rejection clears the session store.
func (c *Client) Me(ctx context.Context) (User, error) {
	tok, ok := c.sessions.Token()
	if !ok {
		return User{}, ErrUnauthenticated
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/employee/me"), nil)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := c.userCall(c.asUser(tok), req, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Classify asks the server to read prompt as an intent.
func (c *Client) Classify(ctx context.Context, tok credential.SessionToken, prompt string) (intent.Intent, error) {
	req, err := c.jsonRequest(ctx, "/auth/intent", map[string]string{"prompt": prompt})
	if err != nil {
		return intent.Intent{}, err
	}
	var in intent.Intent
	if err := c.userCall(c.asUser(tok), req, &in); err != nil {
		return intent.Intent{}, err
	}
	return in, nil
}

// Delegate asks for an agent token bound to in. The session token travels
// in the body, so the request carries no header credential at all.
func (c *Client) Delegate(ctx context.Context, tok credential.SessionToken, in intent.Intent) (credential.AgentToken, error) {
	body := struct {
		UserToken string        `json:"user_token"`
		Intent    intent.Intent `json:"intent"`
	}{UserToken: tok.Bearer(), Intent: in}
	req, err := c.jsonRequest(ctx, "/auth/delegate", body)
	if err != nil {
		return "", err
	}
	var out struct {
		AgentToken string `json:"agent_token"`
	}
	if err := c.userCall(c.anonymous(), req, &out); err != nil {
		return "", err
	}
	if out.AgentToken == "" {
		return "", errors.New("client: malformed delegation response")
	}
	return credential.AgentToken(out.AgentToken), nil
}

// Execute presents the agent token with req. It runs on an agent-only
// transport; a rejection here never touches the user's session.
func (c *Client) Execute(ctx context.Context, tok credential.AgentToken, req delegation.ActionRequest) (executor.ActionResult, error) {
	if tok.Empty() {
		return executor.ActionResult{}, delegation.ErrTokenInvalid
	}
	httpReq, err := c.jsonRequest(ctx, "/agent/execute", req)
	if err != nil {
		return executor.ActionResult{}, err
	}
	var res executor.ActionResult
	if err := c.send(c.asAgent(tok), httpReq, &res); err != nil {
		return executor.ActionResult{}, err
	}
	return res, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) jsonRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// userCall is send for user-context calls: a 401 clears the session store.
func (c *Client) userCall(hc *http.Client, req *http.Request, out any) error {
	err := c.send(hc, req, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		_ = c.sessions.Clear()
		apiErr.causes = append(apiErr.causes, ErrUnauthenticated)
	}
	return err
}

func (c *Client) send(hc *http.Client, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	apiErr := &APIError{
		Status:    resp.StatusCode,
		Code:      body.Code,
		Message:   body.Error,
		RequestID: body.RequestID,
	}
	if sentinel := causeOf(body.Code); sentinel != nil {
		apiErr.causes = append(apiErr.causes, sentinel)
	}
	return apiErr
}

func causeOf(code string) error {
	if code == "CLASSIFICATION_FAILED" {
		return intent.ErrClassification
	}
	return executor.FromCode(code)
}
