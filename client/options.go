package client

import "net/http"

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, for example to
// set a custom timeout or transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets a bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}
