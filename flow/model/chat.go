// Package model provides LLM integration adapters used by chat nodes.
package model

import (
	"context"
	"errors"
	"strings"
)

// ChatModel abstracts a chat-completion provider.
//
// Implementations convert Messages to the provider format, respect context
// cancellation and report token usage when the provider returns it.
type ChatModel interface {
	// Chat sends the conversation and returns the assistant reply.
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message is one turn of a conversation.
type Message struct {
	// Role is RoleSystem, RoleUser or RoleAssistant.
	Role string

	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOut is a provider reply.
type ChatOut struct {
	Text string

	// TokensUsed is the total of prompt and completion tokens, 0 when the
	// provider does not report usage.
	TokensUsed int
}

// ErrMissingAPIKey is returned by adapters constructed without a key.
var ErrMissingAPIKey = errors.New("API key is required")

// SplitSystem joins every system message into one prompt and returns the
// remaining conversation in order.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	var rest []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

// IsTransient reports whether err looks like a retryable provider failure.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "rate limit", "429", "500", "502", "503", "504"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
