package llm

import (
	"context"
	"fmt"

	"github.com/liushuangls/go-anthropic/v2"
)

const claudeMaxTokens = 2048

type ClaudeClient struct {
	client *anthropic.Client
	model  string
}

func NewClaudeClient(apiKey string, model string, baseURL string) *ClaudeClient {
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &ClaudeClient{
		client: anthropic.NewClient(apiKey, opts...),
		model:  model,
	}
}

func (c *ClaudeClient) Generate(ctx context.Context, msgs []Message) (string, error) {
	system, turns := split(msgs)
	req := anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		System:    system,
		MaxTokens: claudeMaxTokens,
	}
	for _, m := range turns {
		role := anthropic.RoleUser
		if m.Role == RoleAssistant {
			role = anthropic.RoleAssistant
		}
		req.Messages = append(req.Messages, anthropic.Message{
			Role:    role,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
		})
	}
	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Content) > 0 && resp.Content[0].Text != nil {
		return *resp.Content[0].Text, nil
	}
	return "", fmt.Errorf("no response content")
}
