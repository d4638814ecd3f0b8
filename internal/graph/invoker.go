package graph

import (
	"context"
	"time"
)

// Chat roles used when mapping stored messages to a model request.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one role/content pair of a model request context.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is what the core hands to the model-invocation
// collaborator. Transport details (providers, token counting, request
// shaping) live outside this package.
type GenerationRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
}

// Generation is the collaborator's reply plus its cost metrics.
type Generation struct {
	Text       string
	Latency    time.Duration
	TokensUsed int
	Cost       float64
}

// ModelInvoker generates a model response for a request context. It is
// expected to retry transient failures internally; an error returned
// here is terminal for the calling operation.
type ModelInvoker interface {
	Generate(ctx context.Context, req GenerationRequest) (*Generation, error)
}

// ToChatMessage maps a stored message onto a request role/content pair.
func ToChatMessage(m Message) ChatMessage {
	role := RoleAssistant
	if m.Sender == SenderUser {
		role = RoleUser
	}
	return ChatMessage{Role: role, Content: m.Text}
}

// BuildContext maps an ordered message sequence onto request pairs.
func BuildContext(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ToChatMessage(m))
	}
	return out
}
