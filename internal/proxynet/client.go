// Package proxynet is the client for the residential proxy plane. The core
// only syncs the proxy inventory; traffic never flows through this service.
package proxynet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Proxy is one entry from the vendor inventory.
type Proxy struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"login"`
	Region   string `json:"region"`
}

// Client lists and rotates proxies on the vendor side.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxy plane request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("proxy plane status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// List returns the current proxy inventory.
func (c *Client) List(ctx context.Context) ([]Proxy, error) {
	var data struct {
		Proxies []Proxy `json:"proxies"`
	}
	if err := c.get(ctx, "/v1/proxies", &data); err != nil {
		return nil, err
	}
	return data.Proxies, nil
}

// Rotate requests a fresh exit IP for the given proxy.
func (c *Client) Rotate(ctx context.Context, proxyID string) error {
	var data struct {
		OK bool `json:"ok"`
	}
	if err := c.get(ctx, "/v1/proxies/"+proxyID+"/rotate", &data); err != nil {
		return err
	}
	if !data.OK {
		return fmt.Errorf("rotate %s rejected", proxyID)
	}
	return nil
}
