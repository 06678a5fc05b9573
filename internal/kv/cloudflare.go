package kv

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/open115/bridge/internal/config"
	"github.com/open115/bridge/internal/retry"
)

const cloudflareAPIURL = "https://api.cloudflare.com/client/v4"

// Cloudflare is a Backend over the Cloudflare Workers KV REST API. Values are
// stored as bare strings; the API returns JSON-quoted bodies which are
// stripped on read.
type Cloudflare struct {
	httpClient  *http.Client
	apiURL      string
	accountID   string
	namespaceID string
	apiToken    string
}

func NewCloudflare(cfg config.CloudflareConfig) *Cloudflare {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = cloudflareAPIURL
	}

	return &Cloudflare{
		httpClient: &http.Client{
			// bounded so manager shutdown is never blocked by a hung call
			Timeout: 15 * time.Second,
		},
		apiURL:      strings.TrimSuffix(apiURL, "/"),
		accountID:   cfg.AccountID,
		namespaceID: cfg.NamespaceID,
		apiToken:    cfg.APIToken,
	}
}

func (c *Cloudflare) valueURL(key string) string {
	return fmt.Sprintf("%s/accounts/%s/storage/kv/namespaces/%s/values/%s",
		c.apiURL, c.accountID, c.namespaceID, url.PathEscape(key))
}

func (c *Cloudflare) Get(ctx context.Context, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.valueURL(key), nil)
	if err != nil {
		return "", fmt.Errorf("building KV get request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("KV get %s: %w", key, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	case res.StatusCode != http.StatusOK:
		return "", fmt.Errorf("KV get %s: %w", key, &retry.StatusError{StatusCode: res.StatusCode, URL: req.URL.String()})
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("reading KV value for %s: %w", key, err)
	}

	return strings.Trim(strings.TrimSpace(string(body)), `"`), nil
}

func (c *Cloudflare) Put(ctx context.Context, key, value string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.valueURL(key), strings.NewReader(value))
	if err != nil {
		return fmt.Errorf("building KV put request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "text/plain")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("KV put %s: %w", key, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("KV put %s: %w", key, &retry.StatusError{StatusCode: res.StatusCode, URL: req.URL.String()})
	}

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

func (c *Cloudflare) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
