package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AdminClient talks to a running orchestrator's admin server. The admin
// surface is a local operational endpoint, so the timeout is short and
// an unreachable server is reported as such rather than as a generic
// request failure.
type AdminClient struct {
	baseURL string
	http    *http.Client
}

// NewAdminClient creates a client for the given server URL.
func NewAdminClient(baseURL string) *AdminClient {
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Get fetches path from the admin server and decodes the JSON response
// into result. A nil result discards the body after the status check.
func (c *AdminClient) Get(path string, result any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin server unreachable at %s (is the orchestrator running with admin enabled?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("admin server returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode admin response: %w", err)
	}
	return nil
}
