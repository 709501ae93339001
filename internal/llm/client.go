// Package llm is the model access capability: text in, text out.
package llm

import (
	"context"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Client sends a conversation and returns the model's reply. Implementations
// ask for JSON output where the provider supports it.
type Client interface {
	Generate(ctx context.Context, msgs []Message) (string, error)
}

// split separates the system prompt from the turn history; providers that
// take the system prompt out of band use it.
func split(msgs []Message) (string, []Message) {
	var system string
	turns := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}
