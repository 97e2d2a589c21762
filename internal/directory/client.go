package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client reads and writes the dispatcher address held by a directory server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the directory at baseURL ("host:port" or a full URL).
func NewClient(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" && !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, http: hc}
}

// Get returns the current address, or "" when none is registered.
func (c *Client) Get(ctx context.Context) (string, error) {
	return c.do(ctx, http.MethodGet, "/")
}

// Put replaces the registered address with PUT /{address}.
func (c *Client) Put(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return errors.New("address is required")
	}
	_, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(address))
	return err
}

// Delete clears the registered address.
func (c *Client) Delete(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, "/")
	return err
}

// WaitForAddress polls every interval until an address is registered or ctx is done. Lookup
// errors are treated like an empty directory.
func (c *Client) WaitForAddress(ctx context.Context, interval time.Duration) (string, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if addr, err := c.Get(ctx); err == nil && addr != "" {
			return addr, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for dispatcher address: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Register publishes address and returns a release func that clears it. Release only clears
// the directory if it still holds address, so a newer dispatcher is never unregistered.
func (c *Client) Register(ctx context.Context, address string) (func(context.Context) error, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("advertise address is required")
	}
	if err := c.Put(ctx, address); err != nil {
		return nil, fmt.Errorf("register address: %w", err)
	}
	release := func(ctx context.Context) error {
		current, err := c.Get(ctx)
		if err != nil {
			return fmt.Errorf("release address: %w", err)
		}
		if current != strings.TrimSpace(address) {
			return nil
		}
		if err := c.Delete(ctx); err != nil {
			return fmt.Errorf("release address: %w", err)
		}
		return nil
	}
	return release, nil
}

func (c *Client) do(ctx context.Context, method, path string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("directory url is not set")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory %s: %w", strings.ToLower(method), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("directory %s: status %d: %s", strings.ToLower(method), resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode directory response: %w", err)
	}
	if out.Address == nil {
		return "", nil
	}
	return *out.Address, nil
}
