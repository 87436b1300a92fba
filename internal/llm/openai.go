package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"gwi.com/chat-relay/internal/history"
	"gwi.com/chat-relay/internal/logger"
	"gwi.com/chat-relay/internal/metrics"
	"gwi.com/chat-relay/internal/store"
)

const (
	defaultChatModel = openai.GPT4o
	emptyReply       = "(empty model response)"

	// latestMessageWindow bounds how far back LatestMessage looks for an
	// assistant message.
	latestMessageWindow = 20
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	ChatModel             string
	AssistantModel        string
	AssistantName         string
	AssistantInstructions string

	PollInterval time.Duration
	PollTimeout  time.Duration // zero polls until the run is terminal

	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// OpenAI implements Completer, ThreadProvider, Transcriber and Synthesizer
// on top of the OpenAI API.
type OpenAI struct {
	client  *openai.Client
	cfg     OpenAIConfig
	metrics *metrics.Metrics
	log     *logger.Logger
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModel
	}
	if cfg.AssistantModel == "" {
		cfg.AssistantModel = defaultChatModel
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientConfig),
		cfg:     cfg,
		metrics: cfg.Metrics,
		log:     log.Component("openai"),
	}, nil
}

func (o *OpenAI) observe(operation string, start time.Time, err error) {
	o.metrics.RecordProviderCall(operation, time.Since(start), err)
}

func chatRole(role store.Role) string {
	switch role {
	case store.RoleSystem:
		return openai.ChatMessageRoleSystem
	case store.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func toChatMessages(messages []history.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Role: chatRole(m.Role)}
		if m.Image == nil {
			msg.Content = m.Content
		} else {
			dataURL := fmt.Sprintf("data:%s;base64,%s", m.Image.MIMEType, base64.StdEncoding.EncodeToString(m.Image.Data))
			msg.MultiContent = []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: m.Content},
				{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURL, Detail: openai.ImageURLDetailAuto},
				},
			}
		}
		out = append(out, msg)
	}
	return out
}

func (o *OpenAI) Complete(ctx context.Context, messages []history.Message) (reply string, err error) {
	start := time.Now()
	defer func() { o.observe("complete", start, err) }()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.cfg.ChatModel,
		Messages: toChatMessages(messages),
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return emptyReply, nil
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return emptyReply, nil
	}
	return content, nil
}

func (o *OpenAI) CreateAssistant(ctx context.Context) (id string, err error) {
	start := time.Now()
	defer func() { o.observe("create_assistant", start, err) }()

	req := openai.AssistantRequest{Model: o.cfg.AssistantModel}
	if o.cfg.AssistantName != "" {
		req.Name = &o.cfg.AssistantName
	}
	if o.cfg.AssistantInstructions != "" {
		req.Instructions = &o.cfg.AssistantInstructions
	}
	assistant, err := o.client.CreateAssistant(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai create assistant failed: %w", err)
	}
	return assistant.ID, nil
}

func (o *OpenAI) CreateThread(ctx context.Context) (id string, err error) {
	start := time.Now()
	defer func() { o.observe("create_thread", start, err) }()

	thread, err := o.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("openai create thread failed: %w", err)
	}
	return thread.ID, nil
}

func (o *OpenAI) PostMessage(ctx context.Context, threadID, content string) (err error) {
	start := time.Now()
	defer func() { o.observe("post_message", start, err) }()

	_, err = o.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: content,
	})
	if err != nil {
		return fmt.Errorf("openai post message to thread %s failed: %w", threadID, err)
	}
	return nil
}

func (o *OpenAI) RunAndPoll(ctx context.Context, assistantID, threadID string) (status RunStatus, err error) {
	start := time.Now()
	defer func() { o.observe("run", start, err) }()

	run, err := o.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return "", fmt.Errorf("openai create run on thread %s failed: %w", threadID, err)
	}
	runID := run.ID

	var deadline <-chan time.Time
	if o.cfg.PollTimeout > 0 {
		timer := time.NewTimer(o.cfg.PollTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for !RunStatus(run.Status).Terminal() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			o.cancelRun(ctx, threadID, runID)
			return RunExpired, nil
		case <-ticker.C:
		}
		run, err = o.client.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			return "", fmt.Errorf("openai retrieve run %s failed: %w", runID, err)
		}
	}
	return RunStatus(run.Status), nil
}

// cancelRun stops a run the relay gave up on. The thread accepts no new
// messages while a run is active.
func (o *OpenAI) cancelRun(ctx context.Context, threadID, runID string) {
	if _, err := o.client.CancelRun(ctx, threadID, runID); err != nil {
		o.log.Warn().Err(err).Str("thread_id", threadID).Str("run_id", runID).Msg("failed to cancel abandoned run")
		return
	}
	o.log.Info().Str("thread_id", threadID).Str("run_id", runID).Msg("cancelled run after poll timeout")
}

func (o *OpenAI) LatestMessage(ctx context.Context, threadID string) (text string, err error) {
	start := time.Now()
	defer func() { o.observe("list_messages", start, err) }()

	limit := latestMessageWindow
	order := "desc"
	list, err := o.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return "", fmt.Errorf("openai list messages on thread %s failed: %w", threadID, err)
	}

	var latest *openai.Message
	for i := range list.Messages {
		if list.Messages[i].Role == openai.ChatMessageRoleAssistant {
			latest = &list.Messages[i]
			break
		}
	}
	if latest == nil {
		return "", fmt.Errorf("thread %s has no assistant message", threadID)
	}

	var b strings.Builder
	for _, part := range latest.Content {
		if part.Text != nil {
			b.WriteString(part.Text.Value)
		}
	}
	if b.Len() == 0 {
		return emptyReply, nil
	}
	return strings.TrimSpace(b.String()), nil
}

func (o *OpenAI) Transcribe(ctx context.Context, audioPath string) (text string, err error) {
	start := time.Now()
	defer func() { o.observe("transcribe", start, err) }()

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription failed: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (o *OpenAI) Synthesize(ctx context.Context, text string, w io.Writer) (err error) {
	start := time.Now()
	defer func() { o.observe("synthesize", start, err) }()

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: openai.TTSModel1HD,
		Input: text,
		Voice: openai.VoiceOnyx,
	})
	if err != nil {
		return fmt.Errorf("openai speech synthesis failed: %w", err)
	}
	defer resp.Close()

	if _, err := io.Copy(w, resp); err != nil {
		return fmt.Errorf("failed to read synthesized audio: %w", err)
	}
	return nil
}
