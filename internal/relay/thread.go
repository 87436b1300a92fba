package relay

import (
	"context"

	"gwi.com/chat-relay/internal/llm"
	"gwi.com/chat-relay/internal/logger"
	"gwi.com/chat-relay/internal/metrics"
	"gwi.com/chat-relay/internal/store"
)

// Thread keeps conversation state on the provider. The relay stores only
// the assistant and thread handles per user.
//
// A session moves NO_SESSION -> SESSION_READY on Start, and each Reply runs
// SESSION_READY -> RUN_PENDING -> RUN_COMPLETE | RUN_FAILED.
type Thread struct {
	provider llm.ThreadProvider
	resolver *SessionResolver
	journal  journal
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewThread builds the remote-thread strategy. messages may be nil; when set,
// completed turns are journaled to the local log for operators.
func NewThread(provider llm.ThreadProvider, resolver *SessionResolver, messages *store.Repository[store.MessageRecord], m *metrics.Metrics, log *logger.Logger) *Thread {
	if log == nil {
		log = logger.Nop()
	}
	return &Thread{
		provider: provider,
		resolver: resolver,
		journal:  journal{messages: messages},
		metrics:  m,
		log:      log.Component("thread"),
	}
}

// Start creates a fresh assistant and thread and replaces any handles the
// user had before. The old remote conversation is abandoned.
func (t *Thread) Start(ctx context.Context, sess Session) (string, error) {
	assistantID, err := t.provider.CreateAssistant(ctx)
	if err != nil {
		return "", &ProviderError{Op: "create_assistant", Err: err}
	}
	threadID, err := t.provider.CreateThread(ctx)
	if err != nil {
		return "", &ProviderError{Op: "create_thread", Err: err}
	}
	if _, err := t.resolver.Bind(ctx, sess.UserID, sess.ChatID, assistantID, threadID); err != nil {
		return "", err
	}
	t.log.Info().Int64("user_id", sess.UserID).Str("thread", threadID).Msg("session initiated")
	return SessionStartedText, nil
}

func (t *Thread) Reply(ctx context.Context, sess Session, utt Utterance) (string, error) {
	if !sess.Initialized() {
		return "", ErrNotInitialized
	}
	assistantID := sess.Mapping.AssistantHandle
	threadID := sess.Mapping.ThreadHandle

	if err := t.provider.PostMessage(ctx, threadID, utt.Text); err != nil {
		return "", &ProviderError{Op: "post_message", Err: err}
	}

	status, err := t.provider.RunAndPoll(ctx, assistantID, threadID)
	if err != nil {
		return "", &ProviderError{Op: "run", Err: err}
	}
	t.metrics.RecordRunStatus(string(status))
	if status != llm.RunCompleted {
		t.log.Warn().
			Int64("user_id", sess.UserID).
			Str("thread", threadID).
			Str("status", string(status)).
			Msg("run ended without completing")
		return "", &RunFailedError{Status: status}
	}

	reply, err := t.provider.LatestMessage(ctx, threadID)
	if err != nil {
		return "", &ProviderError{Op: "list_messages", Err: err}
	}

	// The provider owns the transcript; a failed journal write only loses
	// the local copy.
	if err := t.journal.append(ctx, sess, utt.Text, reply); err != nil {
		t.log.Warn().Err(err).Int64("user_id", sess.UserID).Msg("failed to journal thread turn")
	}
	return reply, nil
}
