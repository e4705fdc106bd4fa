package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the author side of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AssistantSpeaker is the speaker label carried by assistant replies.
const AssistantSpeaker = "assistant"

// ParseRole validates a wire role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// ConversationMessage is a single turn of the household conversation.
// Messages are never mutated once created; order is slice order.
type ConversationMessage struct {
	Role         Role
	Content      string
	SpeakerLabel string
	CreatedAt    time.Time
}

// NewUserMessage creates a user turn authored by speaker.
func NewUserMessage(speaker, content string) ConversationMessage {
	return ConversationMessage{
		Role:         RoleUser,
		Content:      content,
		SpeakerLabel: speaker,
		CreatedAt:    time.Now(),
	}
}

// NewAssistantMessage creates an assistant reply.
func NewAssistantMessage(content string) ConversationMessage {
	return ConversationMessage{
		Role:         RoleAssistant,
		Content:      content,
		SpeakerLabel: AssistantSpeaker,
		CreatedAt:    time.Now(),
	}
}

// SpeakerFromContent returns the member named by a leading "Name: " prefix,
// which is how the chat UI attributes user turns. Matching is
// case-insensitive and the canonical member spelling is returned.
// Returns "" when no member prefix is present.
func SpeakerFromContent(content string, members []string) string {
	name, _, ok := strings.Cut(content, ":")
	if !ok {
		return ""
	}
	name = strings.TrimSpace(name)
	for _, m := range members {
		if strings.EqualFold(m, name) {
			return m
		}
	}
	return ""
}

// FallbackReason classifies why a completion did not produce model text.
type FallbackReason string

const (
	ReasonServiceBusy         FallbackReason = "service_busy"
	ReasonAuthFailure         FallbackReason = "auth_failure"
	ReasonServerError         FallbackReason = "server_error"
	ReasonUnknown             FallbackReason = "unknown"
	ReasonAllRetriesExhausted FallbackReason = "all_retries_exhausted"
)

// Message returns the user-visible text substituted for the assistant reply.
func (r FallbackReason) Message() string {
	switch r {
	case ReasonServiceBusy:
		return "Service busy. Try again shortly."
	case ReasonAuthFailure:
		return "Authentication error."
	case ReasonServerError:
		return "Server error. Try again."
	case ReasonAllRetriesExhausted:
		return "Request failed."
	default:
		return "Error occurred. Try again."
	}
}

// EmptyResponseMessage is shown when the model answered without any text.
const EmptyResponseMessage = "Cannot process request."

// CompletionOutcome is the single result of a completion request: either the
// model's text or a fallback.
type CompletionOutcome struct {
	// Text is the generated reply, or the fallback message for fallbacks.
	Text string

	// Reason is empty for genuine model text.
	Reason FallbackReason

	// Attempts is the number of upstream calls made.
	Attempts int
}

// TextOutcome wraps model-generated text.
func TextOutcome(text string) CompletionOutcome {
	return CompletionOutcome{Text: text}
}

// FallbackOutcome builds a fallback with the reason's standard message.
func FallbackOutcome(reason FallbackReason) CompletionOutcome {
	return CompletionOutcome{Text: reason.Message(), Reason: reason}
}

// IsFallback reports whether the outcome is a synthesized reply.
func (o CompletionOutcome) IsFallback() bool {
	return o.Reason != ""
}

// Reply returns what the user sees. Fallbacks are indistinguishable from
// model text at this level.
func (o CompletionOutcome) Reply() string {
	return o.Text
}

// Kind returns "text" or the fallback reason, for logs and metrics.
func (o CompletionOutcome) Kind() string {
	if o.IsFallback() {
		return string(o.Reason)
	}
	return "text"
}
