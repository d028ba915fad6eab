package engine

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/marrowlabs/mnemo/core"
)

// AnthropicCompleter implements Completer over the Claude Messages API.
type AnthropicCompleter struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicCompleter creates a completer with the given client. Empty
// model and zero maxTokens fall back to claude-sonnet-4-20250514 and 4096.
func NewAnthropicCompleter(client *anthropic.Client, model string, maxTokens int64) *AnthropicCompleter {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &AnthropicCompleter{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Complete sends the ordered messages to Claude and returns the text
// reply. System messages go to the API's system channel; consecutive
// messages with the same role are coalesced, since merged memory tiers
// routinely produce adjacent user turns.
func (c *AnthropicCompleter) Complete(ctx context.Context, messages []core.Message) (string, error) {
	var system string
	var params []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case core.RoleUser:
			if n := len(params); n > 0 && params[n-1].Role == anthropic.MessageParamRoleUser {
				params[n-1].Content = append(params[n-1].Content, anthropic.NewTextBlock(m.Content))
				continue
			}
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case core.RoleAssistant:
			if n := len(params); n > 0 && params[n-1].Role == anthropic.MessageParamRoleAssistant {
				params[n-1].Content = append(params[n-1].Content, anthropic.NewTextBlock(m.Content))
				continue
			}
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  params,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
