package nodes

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/model"
)

const chatTimeout = 2 * time.Minute

// chatModel sends inputs.prompt, preceded by inputs.systemMessage, to the
// LLM chosen by inputs.provider and inputs.model. The API key comes from
// the node's credential field apiKey.
type chatModel struct {
	models  ModelFactory
	retries int
	delay   time.Duration
}

func (*chatModel) Metadata() flow.Metadata {
	return flow.Metadata{
		Name:        ChatModel,
		Label:       "Chat Model",
		Description: "Generates a reply with an LLM",
		Category:    "Chat Models",
		Type:        flow.NodeAction,
		Inputs: []flow.Param{
			{Name: "provider", Type: "options", Optional: true},
			{Name: "model", Type: "string", Optional: true},
			{Name: "systemMessage", Type: "string", Optional: true},
			{Name: "prompt", Type: "string"},
		},
		Outputs: []flow.Param{
			{Name: "text", Type: "string"},
			{Name: "tokens", Type: "number"},
		},
	}
}

// Policy implements flow.PolicyProvider.
func (*chatModel) Policy() flow.NodePolicy {
	return flow.NodePolicy{Timeout: chatTimeout}
}

func (c *chatModel) Invoke(ctx context.Context, in flow.Invocation) ([]flow.ExecutionData, error) {
	prompt := stringInput(in.Inputs, "prompt")
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	apiKey, _ := in.Credential["apiKey"].(string)
	if apiKey == "" {
		return nil, errors.New("credential field apiKey is required")
	}

	provider := stringInput(in.Inputs, "provider")
	if provider == "" {
		provider = "openai"
	}
	modelName := stringInput(in.Inputs, "model")

	m, err := c.models(ctx, provider, modelName, apiKey)
	if err != nil {
		return nil, err
	}
	defer closeModel(m)

	var messages []model.Message
	if system := stringInput(in.Inputs, "systemMessage"); system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	retrying := &model.Retrying{Model: m, MaxRetries: c.retries, Delay: c.delay}
	out, err := retrying.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}

	return []flow.ExecutionData{{
		"text":     out.Text,
		"tokens":   out.TokensUsed,
		"provider": provider,
		"model":    modelName,
	}}, nil
}
