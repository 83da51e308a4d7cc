package client

import (
	"net/http"

	"finllm.org/internal/credential"
)

// bearerTransport strips every ambient credential from a request and sets
// exactly one bearer, or none when token is empty.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Del("Authorization")
	r.Header.Del("Cookie")
	r.Header.Del("X-User-Token")
	if t.token != "" {
		r.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.base.RoundTrip(r)
}

// asUser builds a fresh user-context client. There is no cookie jar.
func (c *Client) asUser(tok credential.SessionToken) *http.Client {
	return c.httpClient(tok.Bearer())
}

// asAgent builds a fresh agent-context client carrying only tok.
func (c *Client) asAgent(tok credential.AgentToken) *http.Client {
	return c.httpClient(tok.Bearer())
}

func (c *Client) anonymous() *http.Client {
	return c.httpClient("")
}

func (c *Client) httpClient(token string) *http.Client {
	return &http.Client{
		Transport: bearerTransport{base: c.transport, token: token},
		Timeout:   c.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
