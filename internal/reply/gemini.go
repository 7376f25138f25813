package reply

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"

	"github.com/skypro1111/voice-agent-service/internal/conversation"
)

const scopeName = "github.com/skypro1111/voice-agent-service/internal/reply"

var tracer = otel.Tracer(scopeName)

// contentGenerator is the subset of *genai.Models used by Gemini
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content,
		config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig contains Gemini reply generator configuration
type GeminiConfig struct {
	APIKey          string
	Model           string
	SystemPrompt    string
	MaxHistoryTurns int // 0 sends the full history
	Temperature     float32
	HTTPClient      *http.Client
}

// Gemini generates replies with a Gemini model. Calls block on the network,
// so sessions run it on the worker pool.
type Gemini struct {
	models contentGenerator
	config GeminiConfig
}

// NewGemini creates a Gemini API client
func NewGemini(ctx context.Context, config GeminiConfig) (*Gemini, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: config.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return newGemini(client.Models, config), nil
}

func newGemini(models contentGenerator, config GeminiConfig) *Gemini {
	return &Gemini{models: models, config: config}
}

func (g *Gemini) Generate(ctx context.Context, history []conversation.Turn, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "reply.gemini")
	defer span.End()

	contents := g.buildContents(history, text)
	span.SetAttributes(
		attribute.String("gen_ai.request.model", g.config.Model),
		attribute.Int("reply.history_turns", len(contents)),
	)

	resp, err := g.models.GenerateContent(ctx, g.config.Model, contents, g.generationConfig())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	reply := strings.TrimSpace(resp.Text())
	if reply == "" {
		span.SetStatus(codes.Error, ErrEmptyReply.Error())
		return "", ErrEmptyReply
	}

	return reply, nil
}

// buildContents maps the most recent turns onto Gemini roles.
// text is appended when the history does not already end with it.
func (g *Gemini) buildContents(history []conversation.Turn, text string) []*genai.Content {
	if n := g.config.MaxHistoryTurns; n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	// Gemini expects the conversation to open with a user turn
	for len(history) > 0 && history[0].Speaker == conversation.SpeakerAgent {
		history = history[1:]
	}

	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		var role genai.Role = genai.RoleUser
		if turn.Speaker == conversation.SpeakerAgent {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}

	last := len(history) - 1
	if last < 0 || history[last].Speaker != conversation.SpeakerUser || history[last].Text != text {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	return contents
}

func (g *Gemini) generationConfig() *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if g.config.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(g.config.SystemPrompt, genai.RoleUser)
	}
	if g.config.Temperature > 0 {
		temperature := g.config.Temperature
		config.Temperature = &temperature
	}
	return config
}
