package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/household-assistant/internal/domain"
)

const (
	// DefaultBaseURL is the public Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"
	defaultVersion = "2023-06-01"
	defaultAgent   = "household-assistant/1.0"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithVersion sets the API version.
func WithVersion(version string) ClientOption {
	return func(c *Client) {
		c.version = version
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(agent string) ClientOption {
	return func(c *Client) {
		c.userAgent = agent
	}
}

// Client is a minimal HTTP client for the Anthropic Messages API.
// It is safe for concurrent use.
type Client struct {
	apiKey     string
	baseURL    string
	version    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a new Anthropic API client. An empty apiKey is accepted;
// the upstream rejects it on first use.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		version:    defaultVersion,
		userAgent:  defaultAgent,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateMessage sends a messages request.
//
// Non-200 responses are returned as *domain.APIError with the upstream status
// code set. Transport failures are returned wrapped and carry no status.
func (c *Client) CreateMessage(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if apiErr, err := ParseErrorResponse(respBody); err == nil && apiErr != nil {
			return nil, apiErr.ToCanonical(resp.StatusCode)
		}
		return nil, domain.NewAPIError(domain.ErrorTypeFromStatus(resp.StatusCode), strings.TrimSpace(string(respBody))).
			WithStatusCode(resp.StatusCode)
	}

	var result MessagesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &result, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.version)
	req.Header.Set("User-Agent", c.userAgent)
}
