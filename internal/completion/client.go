package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultEndpoint = "https://api.groq.com/openai/v1"
	DefaultModel    = "llama-3.1-70b-versatile"
	DefaultTimeout  = 10 * time.Second

	DefaultTemperature float32 = 0.6
	DefaultMaxTokens   int     = 250
)

// ErrNotConfigured means the credential is absent or still a placeholder.
// Callers treat it as a switch to fallback mode, not as a failure.
var ErrNotConfigured = errors.New("completion credential not configured")

type Kind string

const (
	NetworkError Kind = "network"
	ServiceError Kind = "service"
)

// Error is the single normalised failure of a completion call.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("completion %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is one turn of history in wire form.
type Message struct {
	Role    string
	Content string
}

type Options struct {
	APIKey   string
	Endpoint string
	Model    string
	// Temperature nil means DefaultTemperature; an explicit 0 is honoured.
	Temperature *float32
	MaxTokens   int
	Timeout     time.Duration
}

// Client talks to any OpenAI-compatible chat completion endpoint.
type Client struct {
	client *openai.Client
	opts   Options
}

// CredentialConfigured reports whether key looks like a real credential.
func CredentialConfigured(key string) bool {
	k := strings.TrimSpace(key)
	if len(k) <= 10 {
		return false
	}
	l := strings.ToLower(k)
	return !strings.Contains(l, "replace") && !strings.Contains(l, "your")
}

func New(opts Options) (*Client, error) {
	if !CredentialConfigured(opts.APIKey) {
		return nil, ErrNotConfigured
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Temperature == nil {
		t := DefaultTemperature
		opts.Temperature = &t
	}
	if *opts.Temperature < 0 {
		return nil, fmt.Errorf("temperature must be >= 0, got %v", *opts.Temperature)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	cfg := openai.DefaultConfig(strings.TrimSpace(opts.APIKey))
	// go-openai appends the /chat/completions path itself.
	cfg.BaseURL = strings.TrimSuffix(strings.TrimRight(opts.Endpoint, "/"), "/chat/completions")
	return &Client{client: openai.NewClientWithConfig(cfg), opts: opts}, nil
}

func (c *Client) Model() string { return c.opts.Model }

// Complete sends the system prompt and the full history and returns the
// generated reply. It makes exactly one attempt.
func (c *Client) Complete(ctx context.Context, history []Message, systemPrompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		role := m.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	temperature := *c.opts.Temperature
	if temperature == 0 {
		// go-openai omits a zero temperature, which leaves the provider default.
		temperature = math.SmallestNonzeroFloat32
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   c.opts.MaxTokens,
	})
	if err != nil {
		return "", classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Kind: ServiceError, Err: errors.New("no choices")}
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", &Error{Kind: ServiceError, Err: errors.New("empty reply")}
	}
	return reply, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: ServiceError, Err: fmt.Errorf("timed out: %w", err)}
	}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var synErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &apiErr), errors.As(err, &reqErr):
		return &Error{Kind: ServiceError, Err: err}
	case errors.As(err, &synErr), errors.As(err, &typeErr):
		return &Error{Kind: ServiceError, Err: fmt.Errorf("malformed response: %w", err)}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &Error{Kind: NetworkError, Err: err}
	}
	return &Error{Kind: ServiceError, Err: err}
}
