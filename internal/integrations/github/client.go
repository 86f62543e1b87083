// Package github integrates with the GitHub App, REST and GraphQL APIs.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v41/github"
	"golang.org/x/oauth2"

	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/retry"
)

// ClientConfig holds endpoints and limits shared by the GitHub clients.
type ClientConfig struct {
	// APIURL is the REST base URL, e.g. https://api.github.com/.
	APIURL string
	// GraphQLURL is the GraphQL endpoint.
	GraphQLURL string
	// Timeout bounds every request.
	Timeout time.Duration
	// Retry applies to idempotent reads only.
	Retry retry.Policy
	// Transport is the base round tripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// DefaultClientConfig returns a configuration for github.com.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		APIURL:     "https://api.github.com/",
		GraphQLURL: "https://api.github.com/graphql",
		Timeout:    10 * time.Second,
		Retry:      retry.DefaultPolicy(),
	}
}

func (c ClientConfig) baseTransport() http.RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}

// httpClient returns an http.Client that authenticates with src.
func (c ClientConfig) httpClient(src oauth2.TokenSource) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: c.baseTransport()},
		Timeout:   c.Timeout,
	}
}

// restClient creates a go-github client pointed at the configured API URL.
func (c ClientConfig) restClient(hc *http.Client) (*gh.Client, error) {
	client := gh.NewClient(hc)
	if c.APIURL == "" {
		return client, nil
	}

	base := c.APIURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing github api url: %w", err)
	}
	client.BaseURL = u
	return client, nil
}

// staticToken returns a token source for an already minted token.
func staticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// classify converts a go-github failure into the error taxonomy. Transport
// errors and 5xx responses are retryable; 404 is NotFound; other statuses are
// permanent external failures.
func classify(resp *gh.Response, err error, op string) error {
	if err == nil {
		return nil
	}
	if errdefs.KindOf(err) != "" {
		return err
	}

	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	var ghErr *gh.ErrorResponse
	if status == 0 && errors.As(err, &ghErr) && ghErr.Response != nil {
		status = ghErr.Response.StatusCode
	}

	switch {
	case status == http.StatusNotFound:
		return errdefs.NotFound("%s: not found", op)
	case status == 0 || status >= 500 || status == http.StatusTooManyRequests:
		return errdefs.ExternalService(err, true, "%s failed", op)
	default:
		return errdefs.ExternalService(err, false, "%s returned HTTP %d", op, status)
	}
}

// contextWithTimeout bounds a call with the configured timeout.
func (c ClientConfig) contextWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}
