// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/backend"
)

const defaultClientTimeout = 2 * time.Minute

// Client talks to a running gateway's admin API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for address, which is either a host:port or
// a full http(s) URL.
func NewClient(address string) (*Client, error) {
	if address == "" {
		return nil, fmt.Errorf("admin address is required")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid admin address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("admin address scheme must be http or https, got: %s", u.Scheme)
	}
	return &Client{
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		httpClient: &http.Client{Timeout: defaultClientTimeout},
	}, nil
}

// Status fetches the gateway status report.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, APIPrefix+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RestartBackend restarts one backend and returns its resulting status.
func (c *Client) RestartBackend(ctx context.Context, name string) (*backend.Status, error) {
	var out backend.Status
	path := APIPrefix + "/backends/" + url.PathEscape(name) + "/restart"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InvalidateCache drops the cached responses of one backend, or all of
// them when name is empty.
func (c *Client) InvalidateCache(ctx context.Context, name string) (*InvalidateResponse, error) {
	path := APIPrefix + "/cache"
	if name != "" {
		path += "/" + url.PathEscape(name)
	}
	var out InvalidateResponse
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Clients lists the configured client identities.
func (c *Client) Clients(ctx context.Context) ([]ClientInfo, error) {
	var out []ClientInfo
	if err := c.do(ctx, http.MethodGet, APIPrefix+"/clients", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DryRun asks how a request would be decided.
func (c *Client) DryRun(ctx context.Context, req DryRunRequest) (*DryRunResult, error) {
	var out DryRunResult
	if err := c.do(ctx, http.MethodPost, APIPrefix+"/access/dry-run", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin API request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(respBody))
		return httperr.WithCode(fmt.Errorf("admin API returned status %d: %s", resp.StatusCode, msg), resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
