// Package backend implements the dual-backend layer of the gateway: thin
// per-backend HTTP clients, the health monitor, and the router that decides
// which backend(s) serve each logical operation.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Source identifies which backend produced a response.
type Source string

const (
	SourceNode     Source = "nodejs"
	SourceJava     Source = "java"
	SourceCombined Source = "combined"
	SourceNone     Source = "none"
)

// sourceHeader tags outgoing requests so backends can attribute traffic.
const sourceHeader = "service-gateway"

// TokenHolder shares the current bearer token between the auth service and
// both backend clients.
type TokenHolder struct {
	v atomic.Value
}

// NewTokenHolder creates an empty token holder.
func NewTokenHolder() *TokenHolder {
	h := &TokenHolder{}
	h.v.Store("")
	return h
}

// Set stores the bearer token.
func (h *TokenHolder) Set(token string) { h.v.Store(token) }

// Get returns the current bearer token, or "" when logged out.
func (h *TokenHolder) Get() string {
	tok, _ := h.v.Load().(string)
	return tok
}

// Clear removes the bearer token.
func (h *TokenHolder) Clear() { h.v.Store("") }

// Client is a thin HTTP wrapper for one backend. It attaches auth and
// source headers and otherwise passes requests through: no retries, no
// timeout handling beyond the http.Client's own, and no error conversion.
// Callers decide fallback policy.
type Client struct {
	name       Source
	baseURL    string
	httpClient *http.Client
	tokens     *TokenHolder
}

// NewClient creates a client for the named backend. A nil httpClient gets a
// 30 second timeout default.
func NewClient(name Source, baseURL string, tokens *TokenHolder, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		name:       name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
	}
}

// Name returns the backend this client talks to.
func (c *Client) Name() Source { return c.name }

// BaseURL returns the backend's base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Do executes a request against the backend. A non-nil body is marshaled
// as JSON. Transport failures and non-2xx statuses propagate untouched.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Source", sourceHeader)

	if c.tokens != nil {
		if token := c.tokens.Get(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return c.httpClient.Do(req)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.Do(ctx, http.MethodPatch, path, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// DecodeJSON decodes a JSON response body into target, converting >=400
// statuses into errors carrying a truncated body excerpt.
func DecodeJSON(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if target == nil {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20)); err != nil {
			return fmt.Errorf("discard response body: %w", err)
		}
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
