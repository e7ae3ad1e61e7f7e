// Package llm wraps the OpenAI-compatible chat API behind the small surface
// the chat core needs: plain completions, JSON-mode completions, and
// token-by-token streaming. A primary and an optional fallback provider are
// configured at process start and injected into components.
package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/korvo-chat/backend/internal/chaterr"
)

// ChatAPI captures the subset of the go-openai client the wrapper uses.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Client is the provider-facing interface components depend on.
type Client interface {
	// Complete returns the assistant text for a system+user prompt pair.
	Complete(ctx context.Context, system, user string) (string, error)
	// CompleteJSON forces JSON-mode output.
	CompleteJSON(ctx context.Context, system, user string) (string, error)
	// Stream delivers tokens to onToken as they arrive and returns the
	// concatenated text.
	Stream(ctx context.Context, system, user string, onToken func(string)) (string, error)
}

// Provider implements Client over one OpenAI-compatible endpoint.
type Provider struct {
	api     ChatAPI
	model   string
	timeout time.Duration
}

// Options configures a provider.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// New builds a provider from options. Timeout defaults to 30 s.
func New(opts Options) (*Provider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Provider{api: openai.NewClientWithConfig(cfg), model: opts.Model, timeout: timeout}, nil
}

// NewWithAPI builds a provider over an injected API (tests).
func NewWithAPI(api ChatAPI, model string, timeout time.Duration) *Provider {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Provider{api: api, model: model, timeout: timeout}
}

func (p *Provider) request(system, user string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
}

func (p *Provider) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.api.CreateChatCompletion(ctx, p.request(system, user))
	if err != nil {
		return "", chaterr.Wrap(chaterr.Unavailable, "assistant is unavailable", err)
	}
	if len(resp.Choices) == 0 {
		return "", chaterr.Wrap(chaterr.Unavailable, "assistant is unavailable", errors.New("empty choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *Provider) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req := p.request(system, user)
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	resp, err := p.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", chaterr.Wrap(chaterr.Unavailable, "assistant is unavailable", err)
	}
	if len(resp.Choices) == 0 {
		return "", chaterr.Wrap(chaterr.Unavailable, "assistant is unavailable", errors.New("empty choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *Provider) Stream(ctx context.Context, system, user string, onToken func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req := p.request(system, user)
	req.Stream = true
	stream, err := p.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", chaterr.Wrap(chaterr.Unavailable, "assistant is unavailable", err)
	}
	defer stream.Close()

	full := ""
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full, chaterr.Wrap(chaterr.Unavailable, "assistant stream interrupted", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		full += token
		if onToken != nil {
			onToken(token)
		}
	}
	return full, nil
}

// Failover tries the primary client and falls back on Unavailable errors.
type Failover struct {
	primary  Client
	fallback Client
}

// NewFailover wraps a primary and optional fallback. A nil fallback means
// no failover.
func NewFailover(primary, fallback Client) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

func (f *Failover) Complete(ctx context.Context, system, user string) (string, error) {
	out, err := f.primary.Complete(ctx, system, user)
	if err != nil && f.fallback != nil {
		slog.Warn("primary LLM failed, using fallback", "error", err)
		return f.fallback.Complete(ctx, system, user)
	}
	return out, err
}

func (f *Failover) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	out, err := f.primary.CompleteJSON(ctx, system, user)
	if err != nil && f.fallback != nil {
		slog.Warn("primary LLM failed, using fallback", "error", err)
		return f.fallback.CompleteJSON(ctx, system, user)
	}
	return out, err
}

func (f *Failover) Stream(ctx context.Context, system, user string, onToken func(string)) (string, error) {
	out, err := f.primary.Stream(ctx, system, user, onToken)
	if err != nil && out == "" && f.fallback != nil {
		slog.Warn("primary LLM stream failed, using fallback", "error", err)
		return f.fallback.Stream(ctx, system, user, onToken)
	}
	return out, err
}

// Disabled is the Client wired when no API key is configured. Every call
// fails, so assistant features degrade to an error reply instead of a
// nil-client crash.
type Disabled struct{}

var errDisabled = errors.New("no LLM provider configured")

func (Disabled) Complete(context.Context, string, string) (string, error)     { return "", errDisabled }
func (Disabled) CompleteJSON(context.Context, string, string) (string, error) { return "", errDisabled }
func (Disabled) Stream(context.Context, string, string, func(string)) (string, error) {
	return "", errDisabled
}

var _ Client = (*Provider)(nil)
var _ Client = (*Failover)(nil)
var _ Client = Disabled{}
