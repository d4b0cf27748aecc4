// Package genai generates conversational replies using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/evoluxrh/rhagent/internal/models"
)

// ErrNoChoicesReturned indicates the API returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ErrMissingAPIKey indicates no OpenAI API key was configured.
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")

// Generator produces a reply for an inbound message given the conversation
// history and the counterpart's classification.
type Generator interface {
	Generate(ctx context.Context, text string, history []models.Message, userType models.UserType) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChat adapts the OpenAI SDK client to chatService.
type openaiChat struct {
	client openai.Client
}

func (o *openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	// APIKey is the OpenAI API key. Falls back to OPENAI_API_KEY.
	APIKey string
	// Model overrides the default chat model.
	Model string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes a new GenAI client. The API key comes from the
// options or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI client missing API key")
		return nil, ErrMissingAPIKey
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "model", model)
	return &Client{chat: &openaiChat{client: cli}, model: model}, nil
}

// Generate produces a reply to text given the conversation history and the
// counterpart's classification.
func (c *Client) Generate(ctx context.Context, text string, history []models.Message, userType models.UserType) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	msgs = append(msgs, openai.SystemMessage(systemPrompt(userType)))
	for _, m := range history {
		if m.Sender == models.SenderAgent {
			msgs = append(msgs, openai.AssistantMessage(m.Body))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Body))
		}
	}
	msgs = append(msgs, openai.UserMessage(text))

	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: msgs,
	})
	if err != nil {
		slog.Error("GenAI completion failed", "error", err, "userType", userType)
		return "", fmt.Errorf("failed to generate reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("GenAI reply generated", "userType", userType, "historyLen", len(history), "replyLen", len(reply))
	return reply, nil
}

// systemPrompt builds the instruction prompt for the recruitment assistant,
// specialized by the counterpart's classification.
func systemPrompt(userType models.UserType) string {
	var b strings.Builder
	b.WriteString("Você é o assistente virtual da " + CompanyName + ", uma agência de recrutamento e seleção.\n")
	b.WriteString("Responda sempre em português, de forma acolhedora e objetiva.\n")
	b.WriteString("Nunca responda assuntos fora de recrutamento e RH.\n")
	switch userType {
	case models.UserTypeCompany:
		b.WriteString("O contato é uma EMPRESA interessada em contratar serviços de RH. ")
		b.WriteString("Não mostre vagas; informe que um especialista entrará em contato e peça para aguardar um atendente humano.\n")
	case models.UserTypeCandidate:
		b.WriteString("O contato é um CANDIDATO procurando oportunidades. ")
		b.WriteString("Oriente o cadastro pelo formulário: " + RegistrationLink + "\n")
	case models.UserTypeOther:
		b.WriteString("O contato tem dúvidas gerais. Responda brevemente e ofereça transferir para um atendente humano.\n")
	default:
		b.WriteString("O contato ainda não foi classificado. Pergunte se representa uma empresa, se procura vagas, ou se tem outras dúvidas.\n")
	}
	return b.String()
}

// Noop is a Generator that returns a fixed fallback reply. Used when no API
// key is configured.
type Noop struct{}

// Generate implements Generator with a static reply.
func (Noop) Generate(ctx context.Context, text string, history []models.Message, userType models.UserType) (string, error) {
	return FallbackReply(userType), nil
}
