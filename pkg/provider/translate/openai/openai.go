// Package openai provides a translation provider backed directly by the
// OpenAI chat completions API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voxmirror/voxmirror/pkg/provider/translate"
)

const systemPrompt = "You are a professional dubbing translator. Translate the user's text " +
	"from %s to %s. Preserve the speaker's tone and register. Keep proper nouns " +
	"unchanged. Reply with ONLY the translated text, no explanations, no quotes."

// Compile-time assertion that Provider satisfies translate.Provider.
var _ translate.Provider = (*Provider)(nil)

// Provider implements translate.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a new OpenAI translation Provider.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Translate implements translate.Provider.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (*translate.Result, error) {
	if req.TargetLang == "" {
		return nil, translate.NewPermanentError("translate", fmt.Errorf("target language must not be empty"))
	}
	if req.Text == "" {
		return &translate.Result{}, nil
	}

	source := req.SourceLang
	if source == "" {
		source = "the detected source language"
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(fmt.Sprintf(systemPrompt, source, req.TargetLang)),
			oai.UserMessage(req.Text),
		},
		Temperature: param.NewOpt(0.2),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, translate.NewTransientError("completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, translate.NewTransientError("completion", fmt.Errorf("empty choices in response"))
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, translate.NewTransientError("completion", fmt.Errorf("empty translation"))
	}
	return &translate.Result{Text: text}, nil
}
