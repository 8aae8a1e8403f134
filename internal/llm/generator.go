package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/comigor/khitab/internal/config"
	"github.com/comigor/khitab/internal/logger"
	"github.com/sashabaranov/go-openai"
)

// Generation failures. ErrTimeout and ErrMalformedOutput both wrap
// ErrGenerationFailed, so errors.Is(err, ErrGenerationFailed) holds for all.
var (
	ErrGenerationFailed = errors.New("text generation failed")
	ErrTimeout          = fmt.Errorf("%w: timed out", ErrGenerationFailed)
	ErrMalformedOutput  = fmt.Errorf("%w: malformed output", ErrGenerationFailed)
)

// DefaultTimeout bounds one generation round trip when none is configured.
const DefaultTimeout = 60 * time.Second

// Turn is one prior exchange passed to the model as context.
type Turn struct {
	Role    string
	Content string
}

// Request is everything the model needs for one generation: the rules, the
// conversation so far and the new instruction.
type Request struct {
	System      string
	Context     []Turn
	Instruction string
}

// Generator produces text for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ChatGenerator implements Generator with a chat-completion client.
type ChatGenerator struct {
	client      Client
	model       string
	temperature float32
	timeout     time.Duration
}

// NewGenerator wraps client with the model settings of cfg.
func NewGenerator(client Client, cfg config.LLMConfig) *ChatGenerator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ChatGenerator{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     timeout,
	}
}

func roleFor(role string) string {
	switch role {
	case openai.ChatMessageRoleAssistant:
		return openai.ChatMessageRoleAssistant
	case openai.ChatMessageRoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

// Messages converts req to the chat-completion message list.
func (req Request) Messages() []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Context)+2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, turn := range req.Context {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: roleFor(turn.Role), Content: turn.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Instruction})
	return msgs
}

// Generate implements Generator. The call is bounded by the configured
// timeout even if ctx has no deadline.
func (g *ChatGenerator) Generate(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	started := time.Now()
	resp, err := g.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    req.Messages(),
		Temperature: g.temperature,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			logger.L.Warn("LLM call timed out", "timeout", g.timeout, "error", err)
			return "", fmt.Errorf("%w after %s: %w", ErrTimeout, g.timeout, err)
		}
		logger.L.Error("LLM call failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	logger.L.Debug("LLM response received", "duration", time.Since(started), "choices", len(resp.Choices))

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformedOutput)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", fmt.Errorf("%w: response blocked by content filter", ErrGenerationFailed)
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformedOutput)
	}
	return content, nil
}
