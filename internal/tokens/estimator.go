// Package tokens estimates prompt sizes for logging.
package tokens

import (
	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/household-assistant/internal/domain"
)

const (
	// Token overhead per message, matching the chat-format accounting
	// tiktoken users apply for cl100k models.
	tokensPerMessage = 3
	tokensPerRole    = 1

	charsPerToken = 4
)

// Estimator approximates how many input tokens a conversation will cost.
// Anthropic does not publish its tokenizer; cl100k_base is close enough to
// show growth of the unbounded conversation context.
type Estimator struct {
	codec tokenizer.Codec
}

// NewEstimator creates an estimator. If the cl100k codec cannot be loaded it
// falls back to a character heuristic.
func NewEstimator() *Estimator {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return &Estimator{}
	}
	return &Estimator{codec: codec}
}

// Estimate returns the approximate token count of system plus conversation.
// A nil Estimator uses the character heuristic.
func (e *Estimator) Estimate(system string, conversation []domain.ConversationMessage) int {
	total := 0
	if system != "" {
		total += tokensPerMessage + tokensPerRole + e.count(system)
	}
	for _, msg := range conversation {
		total += tokensPerMessage + tokensPerRole + e.count(msg.Content)
	}
	return total
}

func (e *Estimator) count(s string) int {
	if e == nil || e.codec == nil {
		return (len(s) + charsPerToken - 1) / charsPerToken
	}
	ids, _, err := e.codec.Encode(s)
	if err != nil {
		return (len(s) + charsPerToken - 1) / charsPerToken
	}
	return len(ids)
}
