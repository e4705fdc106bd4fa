// Package anthropic provides the wire types and HTTP client for the Anthropic
// Messages API.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/household-assistant/internal/domain"
)

// MessagesRequest represents an Anthropic Messages API request.
type MessagesRequest struct {
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	MaxTokens int            `json:"max_tokens"`
	System    SystemMessages `json:"system,omitempty"`
	Metadata  *Metadata      `json:"metadata,omitempty"`
}

// Message represents a message in the conversation.
type Message struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// TextMessage builds a message holding a single text part.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: ContentBlock{{Type: "text", Text: text}}}
}

// ContentBlock can be a string or array of content blocks.
type ContentBlock []ContentPart

// UnmarshalJSON handles both string and array content formats.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*c = ContentBlock{{Type: "text", Text: str}}
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = parts
	return nil
}

// String returns the concatenated text content.
func (c ContentBlock) String() string {
	var result string
	for _, part := range c {
		if part.Type == "text" || part.Type == "" {
			result += part.Text
		}
	}
	return result
}

// ContentPart represents a single content part in a message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SystemMessages represents the system prompt (can be string or array).
type SystemMessages []SystemBlock

// UnmarshalJSON handles both string and array system formats.
func (s *SystemMessages) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = SystemMessages{{Type: "text", Text: str}}
		return nil
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*s = blocks
	return nil
}

// SystemBlock represents a system message block.
type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Metadata represents request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessagesResponse represents an Anthropic Messages API response.
type MessagesResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []ResponseContent `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
	Usage      MessagesUsage     `json:"usage"`
}

// FirstText returns the first text-bearing content block.
func (r *MessagesResponse) FirstText() (string, bool) {
	for _, c := range r.Content {
		if c.Type == "text" {
			return c.Text, true
		}
	}
	return "", false
}

// ResponseContent represents content in a response.
type ResponseContent struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

// MessagesUsage represents token usage in the response.
type MessagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrorResponse represents an Anthropic API error.
type ErrorResponse struct {
	Type  string    `json:"type"`
	Error *APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ToCanonical converts the Anthropic error into a domain error carrying the
// HTTP status it arrived with.
func (e *APIError) ToCanonical(statusCode int) *domain.APIError {
	errType, ok := errorTypes[e.Type]
	if !ok {
		errType = domain.ErrorTypeFromStatus(statusCode)
	}
	return domain.NewAPIError(errType, e.Message).WithStatusCode(statusCode)
}

var errorTypes = map[string]domain.ErrorType{
	"invalid_request_error": domain.ErrorTypeInvalidRequest,
	"authentication_error":  domain.ErrorTypeAuthentication,
	"permission_error":      domain.ErrorTypePermission,
	"not_found_error":       domain.ErrorTypeNotFound,
	"rate_limit_error":      domain.ErrorTypeRateLimit,
	"overloaded_error":      domain.ErrorTypeOverloaded,
	"api_error":             domain.ErrorTypeServer,
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}
