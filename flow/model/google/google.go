// Package google adapts the Gemini API to model.ChatModel.
package google

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/flowrun/flow/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gemini-1.5-flash"

// generator sends one chat turn; it is the seam tests replace.
type generator interface {
	generate(ctx context.Context, system string, history []*genai.Content, prompt string) (*genai.GenerateContentResponse, error)
}

// ChatModel implements model.ChatModel on top of generative-ai-go. Earlier
// turns become the chat history; the last message is sent as the prompt.
type ChatModel struct {
	gen       generator
	closer    func() error
	modelName string
}

// NewChatModel creates a Gemini client for modelName. Call Close when done.
func NewChatModel(ctx context.Context, apiKey, modelName string) (*ChatModel, error) {
	if apiKey == "" {
		return nil, model.ErrMissingAPIKey
	}
	if modelName == "" {
		modelName = DefaultModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	return &ChatModel{
		gen:       &sdkGenerator{client: client, modelName: modelName},
		closer:    client.Close,
		modelName: modelName,
	}, nil
}

// Close releases the underlying client.
func (m *ChatModel) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	system, conversation := model.SplitSystem(messages)
	var prompt string
	if n := len(conversation); n > 0 {
		prompt = conversation[n-1].Content
		conversation = conversation[:n-1]
	}

	history := make([]*genai.Content, 0, len(conversation))
	for _, msg := range conversation {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}

	resp, err := m.gen.generate(ctx, system, history, prompt)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("gemini generate: %w", err)
	}
	return parseResponse(resp), nil
}

func parseResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	var out model.ChatOut
	if resp == nil {
		return out
	}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.Text += string(text)
		}
	}
	return out
}

type sdkGenerator struct {
	client    *genai.Client
	modelName string
}

func (g *sdkGenerator) generate(ctx context.Context, system string, history []*genai.Content, prompt string) (*genai.GenerateContentResponse, error) {
	gm := g.client.GenerativeModel(g.modelName)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	session := gm.StartChat()
	session.History = history
	return session.SendMessage(ctx, genai.Text(prompt))
}
