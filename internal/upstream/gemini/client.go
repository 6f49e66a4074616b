package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// Client issues generateContent calls against a Gemini-style backend.
type Client struct {
	endpoint   string
	userAgent  string
	httpClient *http.Client
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		endpoint:  endpoint,
		userAgent: fmt.Sprintf("GeminiCLI/0.1.5 (%s; %s)", runtime.GOOS, runtime.GOARCH),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// Generate performs a unary generateContent call.
// IMPORTANT: Caller MUST close resp.Body.
func (c *Client) Generate(ctx context.Context, model string, payload map[string]any, accessToken string) (*http.Response, error) {
	return c.post(ctx, model, "generateContent", "", payload, accessToken)
}

// Stream performs a streaming call with SSE framing.
// IMPORTANT: Caller MUST close resp.Body.
func (c *Client) Stream(ctx context.Context, model string, payload map[string]any, accessToken string) (*http.Response, error) {
	return c.post(ctx, model, "streamGenerateContent", "alt=sse", payload, accessToken)
}

func (c *Client) post(ctx context.Context, model, action, query string, payload map[string]any, accessToken string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/v1/models/%s:%s", c.endpoint, model, action)
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", action, err)
	}
	return resp, nil
}
