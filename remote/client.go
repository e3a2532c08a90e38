// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote wraps the kiosk backend HTTP API. It attaches the bearer token,
// bounds every call with the client timeout, validates the response envelope and
// labels every failure with a kiosk.Kind. It never retries.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

// DefaultTimeout bounds every backend call
const DefaultTimeout = 15 * time.Second

// maxBodySize caps how much of a response body is read
const maxBodySize = 8 << 20

// Client talks to the kiosk backend
type Client struct {
	HTTP  *http.Client
	Token func(context.Context) (string, error) // current bearer token

	logger *slog.Logger

	mu      sync.RWMutex
	baseURL string
}

// NewClient creates a backend client. baseURL may be empty and set later with SetBaseURL.
func NewClient(baseURL string, tok func(ctx context.Context) (string, error), timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		HTTP:    &http.Client{Timeout: timeout},
		Token:   tok,
		logger:  slog.Default(),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// SetLogger replaces the client logger
func (c *Client) SetLogger(logger *slog.Logger) { c.logger = logger }

// SetBaseURL points the client at a backend
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// BaseURL returns the backend URL currently in use
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    []byte
	auth    bool
	headers map[string]string
}

func (r *request) op() string { return r.method + " " + r.path }

// do sends the request and decodes the envelope data into out (when out is not nil).
func (c *Client) do(ctx context.Context, r request, out any) error {
	base := c.BaseURL()
	if base == "" {
		return &kiosk.Error{Kind: kiosk.KindNetwork, Op: r.op(), Message: "backend URL not configured"}
	}
	target := base + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if r.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		httpReq.Header.Set(k, v)
	}
	if r.auth {
		if c.Token == nil {
			return &kiosk.Error{Kind: kiosk.KindAuth, Op: r.op(), Err: kiosk.ErrAuthUnavailable}
		}
		token, err := c.Token(ctx)
		if err != nil {
			return &kiosk.Error{Kind: kiosk.KindAuth, Op: r.op(), Message: "failed to get token", Err: err}
		}
		if token == "" {
			return &kiosk.Error{Kind: kiosk.KindAuth, Op: r.op(), Err: kiosk.ErrAuthUnavailable}
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		c.logger.Debug("Backend unreachable", "op", r.op(), "error", err)
		return &kiosk.Error{Kind: kiosk.KindNetwork, Op: r.op(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		// The connection died mid-response: the outcome is unknown.
		return &kiosk.Error{Kind: kiosk.KindNetwork, Op: r.op(), Status: resp.StatusCode, Err: err}
	}
	c.logger.Debug("Backend call", "op", r.op(), "status", resp.StatusCode, "duration", time.Since(started))

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		return &kiosk.Error{Kind: kind, Op: r.op(), Status: resp.StatusCode, Message: errorMessage(raw)}
	}

	var env kiosk.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &kiosk.Error{Kind: kiosk.KindMalformed, Op: r.op(), Status: resp.StatusCode, Message: "invalid envelope", Err: err}
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = "request rejected"
		}
		return &kiosk.Error{Kind: kiosk.KindClient, Op: r.op(), Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &kiosk.Error{Kind: kiosk.KindMalformed, Op: r.op(), Status: resp.StatusCode, Message: "missing data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &kiosk.Error{Kind: kiosk.KindMalformed, Op: r.op(), Status: resp.StatusCode, Message: "invalid data", Err: err}
	}
	return nil
}

// classifyStatus maps a non-2xx status to its failure kind.
func classifyStatus(status int) (kiosk.Kind, bool) {
	switch {
	case status >= 200 && status < 300:
		return kiosk.KindUnknown, false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return kiosk.KindAuth, true
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return kiosk.KindServer, true
	default:
		return kiosk.KindClient, true
	}
}

// errorMessage pulls the error text out of a failed response body
func errorMessage(raw []byte) string {
	var env kiosk.Envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		if env.Error != "" {
			return env.Error
		}
		if env.Message != "" {
			return env.Message
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func malformed(op string, err error) error {
	var ke *kiosk.Error
	if errors.As(err, &ke) {
		return err
	}
	return &kiosk.Error{Kind: kiosk.KindMalformed, Op: op, Message: "schema violation", Err: err}
}
