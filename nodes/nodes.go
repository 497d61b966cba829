// Package nodes provides the built-in node implementations: triggers,
// webhooks, branching, data shaping, HTTP requests and LLM chat.
package nodes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/model"
	"github.com/dshills/flowrun/flow/model/anthropic"
	"github.com/dshills/flowrun/flow/model/google"
	"github.com/dshills/flowrun/flow/model/openai"
	"github.com/dshills/flowrun/log"
)

// Node names under which Register installs the built-ins.
const (
	ManualTrigger = "manualTrigger"
	CronTrigger   = "cronTrigger"
	Webhook       = "webhook"
	IfElse        = "ifElse"
	SetData       = "setData"
	HTTPRequest   = "httpRequest"
	ChatModel     = "chatModel"
)

// ModelFactory builds a chat model for a provider name.
type ModelFactory func(ctx context.Context, provider, modelName, apiKey string) (model.ChatModel, error)

type config struct {
	httpClient  *http.Client
	models      ModelFactory
	logger      log.Logger
	chatRetries int
	retryDelay  time.Duration
}

// Option configures the built-in nodes.
type Option func(*config)

// WithHTTPClient sets the client used by httpRequest.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

// WithModelFactory replaces the provider lookup used by chatModel.
func WithModelFactory(f ModelFactory) Option {
	return func(cfg *config) { cfg.models = f }
}

// WithLogger sets the logger used by listeners.
func WithLogger(l log.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

// WithChatRetries sets how often chatModel retries transient provider
// errors.
func WithChatRetries(n int, delay time.Duration) Option {
	return func(cfg *config) {
		cfg.chatRetries = n
		cfg.retryDelay = delay
	}
}

// Register installs every built-in node in reg.
func Register(reg *flow.Registry, opts ...Option) error {
	cfg := &config{
		httpClient:  &http.Client{},
		models:      DefaultModelFactory,
		logger:      log.Default,
		chatRetries: 2,
		retryDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	for _, d := range []flow.NodeDescriptor{
		manualTrigger{},
		&cronTrigger{logger: cfg.logger},
		webhook{},
		ifElse{},
		setData{},
		&httpRequest{client: cfg.httpClient},
		&chatModel{models: cfg.models, retries: cfg.chatRetries, delay: cfg.retryDelay},
	} {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// DefaultModelFactory supports the openai, anthropic and google providers.
func DefaultModelFactory(ctx context.Context, provider, modelName, apiKey string) (model.ChatModel, error) {
	var (
		m   model.ChatModel
		err error
	)
	switch strings.ToLower(provider) {
	case "", "openai":
		m, err = openai.NewChatModel(apiKey, modelName)
	case "anthropic", "claude":
		m, err = anthropic.NewChatModel(apiKey, modelName)
	case "google", "gemini":
		m, err = google.NewChatModel(ctx, apiKey, modelName)
	default:
		return nil, fmt.Errorf("unknown chat model provider %q", provider)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// closeModel releases provider clients that hold connections.
func closeModel(m model.ChatModel) {
	if c, ok := m.(io.Closer); ok {
		_ = c.Close()
	}
}

func copyInputs(inputs map[string]any) flow.ExecutionData {
	out := make(flow.ExecutionData, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out
}

func stringInput(inputs map[string]any, key string) string {
	switch v := inputs[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
