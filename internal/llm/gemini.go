package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"gwi.com/chat-relay/internal/history"
	"gwi.com/chat-relay/internal/logger"
	"gwi.com/chat-relay/internal/metrics"
	"gwi.com/chat-relay/internal/store"
)

const defaultGeminiModel = "gemini-1.5-flash-latest"

type GeminiConfig struct {
	APIKey    string
	ChatModel string
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// Gemini is a Completer backed by the Gemini chat API. It has no thread
// concept and is only used by the replay and stateless strategies.
type Gemini struct {
	client  *genai.Client
	model   string
	metrics *metrics.Metrics
	log     *logger.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := cfg.ChatModel
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = defaultGeminiModel
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Gemini{client: client, model: model, metrics: cfg.Metrics, log: log.Component("gemini")}, nil
}

func (g *Gemini) Close() {
	if g.client == nil {
		return
	}
	if err := g.client.Close(); err != nil {
		g.log.Warn().Err(err).Msg("Error closing GenAI client")
	}
}

// geminiRequest is a context split the way the chat session wants it.
type geminiRequest struct {
	system  *genai.Content
	history []*genai.Content
	parts   []genai.Part
}

func geminiParts(m history.Message) []genai.Part {
	parts := []genai.Part{genai.Text(m.Content)}
	if m.Image != nil {
		format := strings.TrimPrefix(m.Image.MIMEType, "image/")
		parts = append(parts, genai.ImageData(format, m.Image.Data))
	}
	return parts
}

func toGeminiRequest(messages []history.Message) (geminiRequest, error) {
	var req geminiRequest
	if len(messages) == 0 {
		return req, fmt.Errorf("prompt history is empty for chat completion")
	}
	last := messages[len(messages)-1]
	if last.Role != store.RoleUser {
		return req, fmt.Errorf("last message in history is not from 'user', cannot proceed with chat completion")
	}

	var system []string
	for _, m := range messages[:len(messages)-1] {
		switch m.Role {
		case store.RoleSystem:
			system = append(system, m.Content)
		case store.RoleAssistant:
			req.history = append(req.history, &genai.Content{Role: "model", Parts: geminiParts(m)})
		default:
			req.history = append(req.history, &genai.Content{Role: "user", Parts: geminiParts(m)})
		}
	}
	if len(system) > 0 {
		req.system = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}
	req.parts = geminiParts(last)
	return req, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

func (g *Gemini) Complete(ctx context.Context, messages []history.Message) (reply string, err error) {
	start := time.Now()
	defer func() { g.metrics.RecordProviderCall("complete", time.Since(start), err) }()

	req, err := toGeminiRequest(messages)
	if err != nil {
		return "", err
	}

	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = req.system
	session := model.StartChat()
	session.History = req.history

	resp, err := session.SendMessage(ctx, req.parts...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		g.log.Warn().Msg("Gemini response was empty or had no text parts")
		return emptyReply, nil
	}
	return text, nil
}
