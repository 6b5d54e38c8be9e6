// Package federation performs outbound requests to remote servers: signed
// fetches of identity documents, signed delivery, and protocol detection.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"bayou/internal/domain"
)

const (
	ContentTypeActivityJSON = "application/activity+json"
	AcceptActivityJSON      = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	ContentTypeJSON         = "application/json"

	defaultTimeout  = 10 * time.Second
	maxDocumentSize = 1 << 20
	userAgent       = "bayou/1.0"
)

type Client struct {
	HTTP    *http.Client
	Timeout time.Duration
}

func NewClient(httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{HTTP: httpClient, Timeout: timeout}
}

// Fetch issues a GET signed by signer (when non-nil) and returns the body.
// Failures are *domain.FetchError.
func (c *Client) Fetch(ctx context.Context, rawURL, accept string, signer domain.RequestSigner) ([]byte, error) {
	target, err := parseRemoteURL(rawURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchInvalidUrl, rawURL, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	if signer != nil {
		if err := signer.SignRequest(req, nil); err != nil {
			return nil, domain.NewFetchError(domain.FetchRequestErr, rawURL, err)
		}
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchRequestErr, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, &domain.FetchError{Kind: domain.FetchIsTombstone, URL: rawURL, Status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.FetchError{Kind: domain.FetchRequestErr, URL: rawURL, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchRequestErr, rawURL, err)
	}
	if len(body) > maxDocumentSize {
		return nil, domain.NewFetchError(domain.FetchDeserializationErr, rawURL, errors.New("document too large"))
	}
	if isTombstone(body) {
		return nil, domain.NewFetchError(domain.FetchIsTombstone, rawURL, nil)
	}
	return body, nil
}

// Post delivers body to inbox signed by signer. Only 2xx counts as success.
func (c *Client) Post(ctx context.Context, inbox string, body []byte, signer domain.RequestSigner) error {
	target, err := parseRemoteURL(inbox)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return domain.NewFetchError(domain.FetchInvalidUrl, inbox, err)
	}
	req.Header.Set("Content-Type", ContentTypeActivityJSON)
	req.Header.Set("User-Agent", userAgent)
	if signer != nil {
		if err := signer.SignRequest(req, body); err != nil {
			return domain.NewFetchError(domain.FetchRequestErr, inbox, err)
		}
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return domain.NewFetchError(domain.FetchRequestErr, inbox, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.FetchError{Kind: domain.FetchRequestErr, URL: inbox, Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func parseRemoteURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchInvalidUrl, raw, err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, domain.NewFetchError(domain.FetchInvalidUrl, raw, fmt.Errorf("unsupported scheme %q", parsed.Scheme))
	}
	if parsed.Host == "" {
		return nil, domain.NewFetchError(domain.FetchInvalidUrl, raw, errors.New("missing host"))
	}
	return parsed, nil
}

func isTombstone(body []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Type == "Tombstone"
}
