// Package chat implements the /api/chat endpoint used by the household UI.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/household-assistant/internal/domain"
	"github.com/tjfontaine/household-assistant/internal/server"
)

const maxBodyBytes = 1 << 20

// invalidMessages is the only client-facing validation error.
const invalidMessages = "Invalid messages format"

// Completer produces the assistant reply for a conversation.
// *completion.Gateway satisfies it.
type Completer interface {
	CompleteDefault(ctx context.Context, conversation []domain.ConversationMessage) domain.CompletionOutcome
}

// Request is the body posted by the UI.
type Request struct {
	Messages json.RawMessage `json:"messages"`
}

// Message is one conversation entry on the wire. User and Timestamp are
// optional; the UI usually encodes the speaker as a "Name: " content prefix.
// Timestamp is informational and never rejects a message: an RFC 3339 string
// or Unix milliseconds are honored, anything else means "now".
type Message struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	User      string          `json:"user,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Response carries the assistant reply, genuine or fallback.
type Response struct {
	Content string `json:"content"`
}

// Handler serves the chat endpoint on top of a Completer.
type Handler struct {
	completer Completer
	members   []string
	logger    *slog.Logger
}

// NewHandler creates the chat handler. members are the names recognized as
// speaker prefixes.
func NewHandler(completer Completer, members []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		completer: completer,
		members:   members,
		logger:    logger,
	}
}

// HandleChat serves POST /api/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	requestID := server.GetRequestID(r.Context())

	conversation, err := h.decode(w, r)
	if err != nil {
		h.logger.Warn("invalid chat request",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusBadRequest, invalidMessages)
		return
	}

	if speaker := lastSpeaker(conversation); speaker != "" {
		server.AddLogField(r.Context(), "speaker", speaker)
	}

	outcome := h.completer.CompleteDefault(r.Context(), conversation)

	server.AddLogField(r.Context(), "outcome", outcome.Kind())
	server.AddLogField(r.Context(), "attempts", strconv.Itoa(outcome.Attempts))
	if outcome.IsFallback() {
		server.AddLogField(r.Context(), "fallback_reason", string(outcome.Reason))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Response{Content: outcome.Reply()}); err != nil {
		h.logger.Error("failed to write chat response",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) ([]domain.ConversationMessage, error) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if len(req.Messages) == 0 || string(req.Messages) == "null" {
		return nil, errors.New("messages is required")
	}

	var wire []Message
	if err := json.Unmarshal(req.Messages, &wire); err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	if len(wire) == 0 {
		return nil, errors.New("messages is empty")
	}

	conversation := make([]domain.ConversationMessage, 0, len(wire))
	for i, m := range wire {
		role, err := domain.ParseRole(m.Role)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		conversation = append(conversation, h.toConversationMessage(role, m))
	}
	return conversation, nil
}

func (h *Handler) toConversationMessage(role domain.Role, m Message) domain.ConversationMessage {
	msg := domain.ConversationMessage{
		Role:      role,
		Content:   m.Content,
		CreatedAt: parseTimestamp(m.Timestamp, time.Now()),
	}

	switch {
	case role == domain.RoleAssistant:
		msg.SpeakerLabel = domain.AssistantSpeaker
	case m.User != "":
		msg.SpeakerLabel = m.User
	default:
		msg.SpeakerLabel = domain.SpeakerFromContent(m.Content, h.members)
	}
	return msg
}

func lastSpeaker(conversation []domain.ConversationMessage) string {
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == domain.RoleUser {
			return conversation[i].SpeakerLabel
		}
	}
	return ""
}

func parseTimestamp(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) == 0 {
		return fallback
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		return fallback
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return fallback
}
