package google

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/dshills/flowrun/flow/model"
)

type fakeGenerator struct {
	system  string
	history []*genai.Content
	prompt  string
	resp    *genai.GenerateContentResponse
	err     error
}

func (f *fakeGenerator) generate(_ context.Context, system string, history []*genai.Content, prompt string) (*genai.GenerateContentResponse, error) {
	f.system, f.history, f.prompt = system, history, prompt
	return f.resp, f.err
}

func TestNewChatModel_RequiresKey(t *testing.T) {
	if _, err := NewChatModel(context.Background(), "", ""); !errors.Is(err, model.ErrMissingAPIKey) {
		t.Errorf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestChatModel_Chat(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("Bonjour"), genai.Text("!")}},
		}},
		UsageMetadata: &genai.UsageMetadata{TotalTokenCount: 12},
	}}
	m := &ChatModel{gen: gen, modelName: DefaultModel}

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "French only."},
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "salut"},
		{Role: model.RoleUser, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if out.Text != "Bonjour!" || out.TokensUsed != 12 {
		t.Errorf("out = %+v", out)
	}
	if gen.system != "French only." || gen.prompt != "hello" {
		t.Errorf("system %q prompt %q", gen.system, gen.prompt)
	}
	if len(gen.history) != 2 || gen.history[0].Role != "user" || gen.history[1].Role != "model" {
		t.Fatalf("history = %+v", gen.history)
	}
}

func TestChatModel_ChatError(t *testing.T) {
	cause := errors.New("quota exceeded")
	m := &ChatModel{gen: &fakeGenerator{err: cause}}

	if _, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}); !errors.Is(err, cause) {
		t.Errorf("err = %v, want wrapped cause", err)
	}
}

func TestParseResponse_Empty(t *testing.T) {
	if out := parseResponse(nil); out.Text != "" || out.TokensUsed != 0 {
		t.Errorf("nil response = %+v", out)
	}
	if out := parseResponse(&genai.GenerateContentResponse{}); out.Text != "" {
		t.Errorf("empty response = %+v", out)
	}
	if err := (&ChatModel{}).Close(); err != nil {
		t.Errorf("Close without client: %v", err)
	}
}
