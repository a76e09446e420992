package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ChatClient is the slice of the OpenAI client used here. Kept as an
// interface so tests can substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAITranslator converts chunks through any chat-completion model
// reachable over the OpenAI wire format. Ollama and compatible local
// runtimes work through a custom base URL.
type OpenAITranslator struct {
	client      ChatClient
	limiter     *rate.Limiter
	temperature float32
	timeout     time.Duration
}

// OpenAIOptions configures an OpenAITranslator.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	// RequestsPerMinute throttles calls across all sessions sharing
	// this translator. Zero disables throttling.
	RequestsPerMinute int
	Temperature       float64
	// Timeout bounds a single completion call. Zero means 120s.
	Timeout time.Duration
}

// NewOpenAITranslator builds a translator backed by the real client.
func NewOpenAITranslator(opts OpenAIOptions) (*OpenAITranslator, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("create translator: API key not set")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return NewOpenAITranslatorWithClient(openai.NewClientWithConfig(cfg), opts), nil
}

// NewOpenAITranslatorWithClient builds a translator around an existing
// client. Useful for testing.
func NewOpenAITranslatorWithClient(client ChatClient, opts OpenAIOptions) *OpenAITranslator {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), opts.RequestsPerMinute)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAITranslator{
		client:      client,
		limiter:     limiter,
		temperature: float32(opts.Temperature),
		timeout:     timeout,
	}
}

// Translate sends one chunk to the model and returns the converted
// content. The rate limiter is honoured before the call is made.
func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (*Result, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, NewError(ErrorCodeTimeout, "rate limiter wait interrupted", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: t.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: req.Chunk.ContentIn},
		},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, NewError(ErrorCodeEmptyOutput, "no choices in response", nil)
	}

	output := stripCodeFence(resp.Choices[0].Message.Content)
	if strings.TrimSpace(output) == "" {
		return nil, NewError(ErrorCodeEmptyOutput, "model returned empty content", nil)
	}

	return &Result{
		Output:     output,
		TokensUsed: resp.Usage.TotalTokens,
		Model:      req.Model,
	}, nil
}

func systemPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You convert %s source code to %s.\n", req.SourceLanguage, req.TargetLanguage)
	fmt.Fprintf(&b, "Conversion direction: %s. File: %s, stage: %s.\n", req.Direction, req.Chunk.FilePath, req.Chunk.Stage)
	b.WriteString("Return only the converted code, no commentary.\n")
	for _, hint := range req.Hints {
		fmt.Fprintf(&b, "Hint from a previous fix: %s\n", hint)
	}
	return b.String()
}

// stripCodeFence removes a surrounding markdown code fence if the
// model wrapped its answer in one.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return s
	}
	// Drop the opening fence line with its optional language tag.
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
