package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls the external AI enhancement provider. One HTTP call per job
// attempt; the caller bounds each attempt with a context deadline, and the
// client's own timeout is a backstop below the execution environment's
// deadline. The provider is opaque: image bytes never pass through here,
// only blob references.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type enhanceRequest struct {
	ImageRef string `json:"image_ref"`
	Tier     string `json:"tier"`
}

type enhanceResponse struct {
	ResultRef string `json:"result_ref"`
	Error     string `json:"error,omitempty"`
}

// Enhance submits one enhancement and returns the provider's result
// reference.
func (c *Client) Enhance(ctx context.Context, imageRef, tier string) (string, error) {
	body, err := json.Marshal(enhanceRequest{ImageRef: imageRef, Tier: tier})
	if err != nil {
		return "", fmt.Errorf("marshal enhance request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/enhance", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create enhance request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call enhancement provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("enhancement provider returned status %d", resp.StatusCode)
	}

	var out enhanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	if out.ResultRef == "" {
		return "", fmt.Errorf("provider returned no result: %s", out.Error)
	}
	return out.ResultRef, nil
}
