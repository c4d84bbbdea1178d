// Package gamma is the typed client for the venue's market-metadata API and
// the companion data API serving user activity and holdings.
package gamma

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type Client struct {
	gammaHost  string
	dataHost   string
	httpClient *http.Client
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func (e *APIError) StatusCode() int { return e.Status }

func NewClient(httpClient *http.Client, gammaHost, dataHost string) *Client {
	if gammaHost == "" {
		gammaHost = "https://gamma-api.polymarket.com"
	}
	if dataHost == "" {
		dataHost = "https://data-api.polymarket.com"
	}
	return &Client{
		gammaHost:  strings.TrimRight(gammaHost, "/"),
		dataHost:   strings.TrimRight(dataHost, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) doRequest(ctx context.Context, host, path string, query url.Values) ([]byte, error) {
	fullURL := host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
