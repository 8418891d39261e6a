// Package registry implements the supervisor's narrow client for the
// external outbound registry (spec.md §4.C): a 3x-ui-style REST API that
// the supervisor publishes healthy SOCKS5 endpoints to.
//
// The registry is polyglot across deployments (spec.md §9,
// "registry heterogeneity"): the exact endpoint shapes, and even the
// response field carrying the outbound's identifier, vary by version. The
// client therefore probes a configured, ordered list of URL templates
// rather than hard-coding one route.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/oxblack/dnstt-fleet/internal/apperr"
)

// Entry is one outbound as reported by List.
type Entry struct {
	ID     string
	Remark string
}

// Client is a narrow, reauthenticating client for the outbound registry.
// It is process-global state as far as the supervisor is concerned: a
// single instance is shared, and the supervisor's own ordering guarantees
// (§5) serialize mutations on any given child — Client itself adds only
// the mutex needed to protect its own auth-state fields from concurrent
// Add/Remove/Reload calls.
type Client struct {
	apiURL   string
	username string
	password string

	loginPath   string
	addPaths    []string
	removePaths []string
	reloadPaths []string
	listPaths   []string

	retryCount int
	retryPause time.Duration

	httpClient *http.Client

	mu            sync.Mutex
	authenticated bool
	token         string
}

// Config carries everything Client needs from internal/config without
// creating an import-cycle back to it.
type Config struct {
	APIURL      string
	Username    string
	Password    string
	LoginPath   string
	AddPaths    []string
	RemovePaths []string
	ReloadPaths []string
	ListPaths   []string
	RetryCount  int
}

// New constructs a registry Client. retryPause is fixed at 1s per spec.md
// §4.C.2; it is a parameter only so tests can shorten it.
func New(cfg Config, retryPause time.Duration) *Client {
	if retryPause <= 0 {
		retryPause = time.Second
	}
	retryCount := cfg.RetryCount
	if retryCount <= 0 {
		retryCount = 3
	}
	return &Client{
		apiURL:      cfg.APIURL,
		username:    cfg.Username,
		password:    cfg.Password,
		loginPath:   cfg.LoginPath,
		addPaths:    cfg.AddPaths,
		removePaths: cfg.RemovePaths,
		reloadPaths: cfg.ReloadPaths,
		listPaths:   cfg.ListPaths,
		retryCount:  retryCount,
		retryPause:  retryPause,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type loginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

// login authenticates against the configured login endpoint.
func (c *Client) login(ctx context.Context) bool {
	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+c.loginPath, bytes.NewReader(body))
	if err != nil {
		slog.Error("registry login request build failed", "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("registry login transport error", "err", apperr.RedactSecret(err.Error(), c.password))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Error("registry login failed", "status", resp.StatusCode)
		return false
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		slog.Error("registry login response decode failed", "err", err)
		return false
	}
	c.token = lr.Token
	c.authenticated = true
	return true
}

// ensureAuthenticated authenticates on first use (spec.md §4.C.1, lazy auth).
func (c *Client) ensureAuthenticated(ctx context.Context) bool {
	if c.authenticated {
		return true
	}
	return c.login(ctx)
}

func (c *Client) authHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// AddSOCKS5 publishes a SOCKS5 outbound for host:port, returning its
// registry-assigned ID on success.
func (c *Client) AddSOCKS5(ctx context.Context, host string, port int, remark string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ensureAuthenticated(ctx) {
		slog.Error("cannot add outbound: not authenticated")
		return "", false
	}

	payload, _ := json.Marshal(map[string]any{
		"outbound": map[string]any{
			"protocol": "socks",
			"settings": map[string]any{
				"servers": []map[string]any{{"address": host, "port": port}},
			},
			"streamSettings": map[string]any{"network": "tcp"},
			"remark":         remark,
		},
		"remark": remark,
	})

	for attempt := 0; attempt < c.retryCount; attempt++ {
		for _, path := range c.addPaths {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(payload))
			if err != nil {
				continue
			}
			req.Header.Set("Content-Type", "application/json")
			c.authHeader(req)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				continue // transport error: fall through to the next endpoint candidate
			}
			id, ok := c.handleMutationResponse(ctx, resp, port)
			if ok {
				return id, true
			}
			if resp.StatusCode == http.StatusUnauthorized {
				break // reauth happened inside handleMutationResponse; retry the endpoint list
			}
		}
		if attempt < c.retryCount-1 {
			time.Sleep(c.retryPause)
		}
	}
	slog.Error("failed to add socks5 outbound after retries", "host", host, "port", port)
	return "", false
}

// handleMutationResponse extracts an identifier from a successful add
// response, or performs the single reauth-and-continue step on a 401.
func (c *Client) handleMutationResponse(ctx context.Context, resp *http.Response, port int) (string, bool) {
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var data map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&data)
		return extractID(data, port), true
	case resp.StatusCode == http.StatusUnauthorized:
		c.authenticated = false
		c.ensureAuthenticated(ctx)
		return "", false
	default:
		return "", false
	}
}

// extractID mirrors the original client's fallback chain
// (xui_client.py: data.get("id") or data.get("obj", {}).get("id") or
// str(port)): a top-level "id", then "obj.id", then the port number
// itself. A missing, null or empty id falls through to the next step, so a
// successful add always yields a non-empty registry_id for stopSSH's
// "if regID != ''" removal guard to act on.
func extractID(data map[string]any, port int) string {
	if id := data["id"]; id != nil && fmt.Sprint(id) != "" {
		return fmt.Sprint(id)
	}
	if obj, ok := data["obj"].(map[string]any); ok {
		if id := obj["id"]; id != nil && fmt.Sprint(id) != "" {
			return fmt.Sprint(id)
		}
	}
	return strconv.Itoa(port)
}

// Remove withdraws a registry entry. A 404-equivalent response is treated
// as success: idempotent removal (spec.md §4.C.2).
func (c *Client) Remove(ctx context.Context, registryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ensureAuthenticated(ctx) {
		slog.Error("cannot remove outbound: not authenticated")
		return false
	}

	for attempt := 0; attempt < c.retryCount; attempt++ {
		for _, tmpl := range c.removePaths {
			path := fmt.Sprintf(tmpl, registryID)
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.apiURL+path, nil)
			if err != nil {
				continue
			}
			c.authHeader(req)
			resp, err := c.httpClient.Do(req)
			if err != nil {
				continue
			}
			status := resp.StatusCode
			resp.Body.Close()
			switch {
			case status == http.StatusOK || status == http.StatusNoContent:
				return true
			case status == http.StatusNotFound:
				return true // already gone: not an error
			case status == http.StatusUnauthorized:
				c.authenticated = false
				c.ensureAuthenticated(ctx)
			}
		}
		if attempt < c.retryCount-1 {
			time.Sleep(c.retryPause)
		}
	}
	slog.Error("failed to remove outbound after retries", "registry_id", registryID)
	return false
}

// Reload asks the registry to re-read its configuration.
func (c *Client) Reload(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ensureAuthenticated(ctx) {
		slog.Error("cannot reload registry: not authenticated")
		return false
	}

	for attempt := 0; attempt < c.retryCount; attempt++ {
		for _, path := range c.reloadPaths {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, nil)
			if err != nil {
				continue
			}
			c.authHeader(req)
			resp, err := c.httpClient.Do(req)
			if err != nil {
				continue
			}
			status := resp.StatusCode
			resp.Body.Close()
			switch {
			case status == http.StatusOK || status == http.StatusNoContent:
				return true
			case status == http.StatusUnauthorized:
				c.authenticated = false
				c.ensureAuthenticated(ctx)
			}
		}
		if attempt < c.retryCount-1 {
			time.Sleep(c.retryPause)
		}
	}
	slog.Warn("failed to reload registry after retries")
	return false
}

// List returns every outbound currently known to the registry.
func (c *Client) List(ctx context.Context) ([]Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ensureAuthenticated(ctx) {
		return nil, false
	}

	for _, path := range c.listPaths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
		if err != nil {
			continue
		}
		c.authHeader(req)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			continue
		}
		var data map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		return parseOutbounds(data), true
	}
	return nil, false
}

func parseOutbounds(data map[string]any) []Entry {
	raw, _ := data["obj"].([]any)
	if raw == nil {
		raw, _ = data["data"].([]any)
	}
	if raw == nil {
		raw, _ = data["outbounds"].([]any)
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := fmt.Sprint(m["id"])
		remark, _ := m["remark"].(string)
		entries = append(entries, Entry{ID: id, Remark: remark})
	}
	return entries
}

// RemarkFor builds the deterministic outbound remark "DNSTT-<t>-SSH-<s>".
func RemarkFor(tunnelID, sshID int) string {
	return "DNSTT-" + strconv.Itoa(tunnelID) + "-SSH-" + strconv.Itoa(sshID)
}
