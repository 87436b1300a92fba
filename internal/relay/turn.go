package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gwi.com/chat-relay/internal/history"
	"gwi.com/chat-relay/internal/logger"
	"gwi.com/chat-relay/internal/media"
	"gwi.com/chat-relay/internal/metrics"
	"gwi.com/chat-relay/internal/store"
)

// User-facing texts. Raw provider output never reaches the user.
const (
	GreetingText         = "Hello! Send me any message."
	SessionStartedText   = "New conversation started. Send me a message."
	NotInitializedText   = "Please send /start to begin a conversation first."
	RepeatQuestionText   = "Please repeat the question."
	FailureText          = "Sorry, something went wrong. Please try again later."
	MediaFailureText     = "Sorry, I couldn't process that file. Please try again."
	VoiceUnsupportedText = "Voice messages are not supported here."
	UsageText            = "Send me a message, a voice note or a picture. Use /start to begin a new conversation."
)

const (
	imagePlaceholder = "[image]"
	maxImageBytes    = 20 << 20
)

func greeting(sess Session) string {
	if sess.DisplayName == "" {
		return GreetingText
	}
	return fmt.Sprintf("Hello, %s! Send me any message.", sess.DisplayName)
}

type Kind string

const (
	KindCommand Kind = "command"
	KindText    Kind = "text"
	KindVoice   Kind = "voice"
	KindImage   Kind = "image"
)

// Inbound is one message delivered by a chat transport.
type Inbound struct {
	Kind        Kind
	UserID      int64
	ChatID      int64
	DisplayName string
	// Text is the message text, or the caption for images.
	Text    string
	Command string
	FileID  string
}

// Outbound is the reply for one turn. AudioPath, when set, points at a
// scratch file that stays valid until Release is called.
type Outbound struct {
	Text      string
	AudioPath string
	release   func()
}

func (o Outbound) Release() {
	if o.release != nil {
		o.release()
	}
}

// FileFetcher downloads a transport-hosted file by id.
type FileFetcher interface {
	Fetch(ctx context.Context, fileID string) (io.ReadCloser, error)
}

const (
	outcomeOK             = "ok"
	outcomeNotInitialized = "not_initialized"
	outcomeRunFailed      = "run_failed"
	outcomeProviderError  = "provider_error"
	outcomeStorageError   = "storage_error"
	outcomeMediaError     = "media_error"
	outcomeCancelled      = "cancelled"
	outcomePanic          = "panic"
	outcomeError          = "error"
)

type TurnHandlerConfig struct {
	Strategy     string
	Orchestrator Orchestrator
	// Resolver loads session mappings. Nil means sessions carry no mapping
	// and the chat id alone keys the context.
	Resolver         *SessionResolver
	Media            *media.Pipeline
	Files            FileFetcher
	SerializePerUser bool
	Logger           *logger.Logger
	Metrics          *metrics.Metrics
}

// TurnHandler is the single boundary every turn passes through.
type TurnHandler struct {
	strategy string
	orch     Orchestrator
	resolver *SessionResolver
	media    *media.Pipeline
	files    FileFetcher
	locks    *userLocks
	log      *logger.Logger
	metrics  *metrics.Metrics
}

func NewTurnHandler(cfg TurnHandlerConfig) *TurnHandler {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	h := &TurnHandler{
		strategy: cfg.Strategy,
		orch:     cfg.Orchestrator,
		resolver: cfg.Resolver,
		media:    cfg.Media,
		files:    cfg.Files,
		log:      log.Component("turn"),
		metrics:  cfg.Metrics,
	}
	if cfg.SerializePerUser {
		h.locks = newUserLocks()
	}
	return h
}

// Handle runs one turn to completion. It never fails: every error becomes a
// user-visible notice and a log line.
func (h *TurnHandler) Handle(ctx context.Context, in Inbound) (out Outbound) {
	turnID := uuid.NewString()
	start := time.Now()
	done := h.metrics.TurnStarted()
	outcome := outcomeOK

	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Str("turn_id", turnID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("turn panicked")
			out.Release()
			out = Outbound{Text: FailureText}
			outcome = outcomePanic
		}
		done()
		h.metrics.RecordTurn(h.strategy, string(in.Kind), outcome, time.Since(start))
		h.log.LogTurn(turnID, in.UserID, in.ChatID, string(in.Kind), outcome, time.Since(start))
	}()

	if h.locks != nil {
		release, err := h.locks.acquire(ctx, in.UserID)
		if err != nil {
			outcome = outcomeCancelled
			return Outbound{Text: FailureText}
		}
		defer release()
	}

	var err error
	out, err = h.dispatch(ctx, in)
	if err != nil {
		text, class := h.classify(turnID, in, err)
		out.Release()
		out = Outbound{Text: text}
		outcome = class
	}
	return out
}

func (h *TurnHandler) dispatch(ctx context.Context, in Inbound) (Outbound, error) {
	switch in.Kind {
	case KindCommand:
		return h.command(ctx, in)
	case KindText:
		text, err := h.reply(ctx, in, Utterance{Text: in.Text})
		return Outbound{Text: text}, err
	case KindVoice:
		return h.voice(ctx, in)
	case KindImage:
		return h.image(ctx, in)
	}
	return Outbound{Text: UsageText}, nil
}

// NormalizeCommand strips the slash, any @bot suffix and arguments.
func NormalizeCommand(raw string) string {
	cmd := strings.TrimPrefix(strings.TrimSpace(raw), "/")
	if i := strings.IndexAny(cmd, " \t\n"); i >= 0 {
		cmd = cmd[:i]
	}
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func (h *TurnHandler) command(ctx context.Context, in Inbound) (Outbound, error) {
	switch NormalizeCommand(in.Command) {
	case "start", "reset":
		sess, err := h.resolve(ctx, in)
		if err != nil {
			return Outbound{}, err
		}
		text, err := h.orch.Start(ctx, sess)
		return Outbound{Text: text}, err
	}
	return Outbound{Text: UsageText}, nil
}

func (h *TurnHandler) resolve(ctx context.Context, in Inbound) (Session, error) {
	if h.resolver == nil {
		return Session{UserID: in.UserID, ChatID: in.ChatID, DisplayName: in.DisplayName}, nil
	}
	sess, err := h.resolver.Resolve(ctx, in.UserID, in.ChatID)
	if err != nil {
		return Session{}, err
	}
	sess.DisplayName = in.DisplayName
	return sess, nil
}

func (h *TurnHandler) reply(ctx context.Context, in Inbound, utt Utterance) (string, error) {
	sess, err := h.resolve(ctx, in)
	if err != nil {
		return "", err
	}
	return h.orch.Reply(ctx, sess, utt)
}

func (h *TurnHandler) fetch(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if h.files == nil {
		return nil, fmt.Errorf("%w: no file source configured", media.ErrTransient)
	}
	rc, err := h.files.Fetch(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch file %s: %v", media.ErrTransient, fileID, err)
	}
	return rc, nil
}

func (h *TurnHandler) voice(ctx context.Context, in Inbound) (Outbound, error) {
	if h.media == nil {
		return Outbound{Text: VoiceUnsupportedText}, nil
	}
	rc, err := h.fetch(ctx, in.FileID)
	if err != nil {
		return Outbound{}, err
	}
	text, err := h.media.Transcribe(ctx, rc)
	rc.Close()
	if err != nil {
		if errors.Is(err, media.ErrTransient) {
			return Outbound{}, err
		}
		return Outbound{}, &ProviderError{Op: "transcribe", Err: err}
	}

	reply, err := h.reply(ctx, in, Utterance{Text: text})
	if err != nil {
		return Outbound{}, err
	}

	out := Outbound{Text: reply}
	path, release, err := h.media.Synthesize(ctx, reply)
	if err != nil {
		// The text reply still goes out.
		h.log.Warn().Err(err).Int64("user_id", in.UserID).Msg("failed to synthesize audio reply")
		return out, nil
	}
	out.AudioPath = path
	out.release = release
	return out, nil
}

func (h *TurnHandler) image(ctx context.Context, in Inbound) (Outbound, error) {
	rc, err := h.fetch(ctx, in.FileID)
	if err != nil {
		return Outbound{}, err
	}
	data, err := io.ReadAll(io.LimitReader(rc, maxImageBytes+1))
	rc.Close()
	if err != nil {
		return Outbound{}, fmt.Errorf("%w: read image: %v", media.ErrTransient, err)
	}
	if len(data) > maxImageBytes {
		return Outbound{}, fmt.Errorf("%w: image %s exceeds %d bytes", media.ErrTransient, in.FileID, maxImageBytes)
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		text = imagePlaceholder
	}
	img := &history.Image{MIMEType: http.DetectContentType(data), Data: data}
	reply, err := h.reply(ctx, in, Utterance{Text: text, Image: img})
	return Outbound{Text: reply}, err
}

// classify maps a turn error to its notice and metric outcome, logging the
// cause.
func (h *TurnHandler) classify(turnID string, in Inbound, err error) (string, string) {
	var (
		runErr   *RunFailedError
		provErr  *ProviderError
		storeErr *store.StorageError
	)
	text, outcome, level, msg := FailureText, outcomeError, zerolog.ErrorLevel, "turn failed"
	switch {
	case errors.Is(err, ErrNotInitialized):
		text, outcome, level, msg = NotInitializedText, outcomeNotInitialized, zerolog.InfoLevel, "turn before session initiation"
	case errors.As(err, &runErr):
		text, outcome, level, msg = RepeatQuestionText, outcomeRunFailed, zerolog.WarnLevel, "run failed"
	case errors.As(err, &storeErr):
		outcome, msg = outcomeStorageError, "storage error"
	case errors.As(err, &provErr):
		outcome, msg = outcomeProviderError, "provider error"
	case errors.Is(err, media.ErrTransient):
		text, outcome, level, msg = MediaFailureText, outcomeMediaError, zerolog.WarnLevel, "media error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome, level, msg = outcomeCancelled, zerolog.WarnLevel, "turn cancelled"
	}

	h.log.Zerolog().WithLevel(level).
		Err(err).
		Str("turn_id", turnID).
		Int64("user_id", in.UserID).
		Int64("chat_id", in.ChatID).
		Str("kind", string(in.Kind)).
		Msg(msg)
	return text, outcome
}
