// Package relay drives one conversational turn: it resolves the session,
// hands the utterance to a provider strategy and maps every failure to a
// single user-facing notice.
package relay

import (
	"context"
	"errors"
	"fmt"

	"gwi.com/chat-relay/internal/history"
	"gwi.com/chat-relay/internal/store"
)

// Utterance is the user's side of a turn after media has been resolved.
type Utterance struct {
	Text  string
	Image *history.Image
}

// Orchestrator is one strategy for producing replies.
type Orchestrator interface {
	// Start handles the session-initiation command and returns the text to
	// show the user.
	Start(ctx context.Context, sess Session) (string, error)
	Reply(ctx context.Context, sess Session, utt Utterance) (string, error)
}

// journal appends a completed turn to the message log, user first. A turn
// is stored as a pair or not at all.
type journal struct {
	messages *store.Repository[store.MessageRecord]
}

func (j journal) append(ctx context.Context, sess Session, userText, reply string) error {
	if j.messages == nil {
		return nil
	}
	user, err := j.messages.Add(ctx, store.MessageRecord{
		UserID:  sess.UserID,
		ChatID:  sess.ChatID,
		Role:    store.RoleUser,
		Content: userText,
	})
	if err != nil {
		return fmt.Errorf("failed to store user message: %w", err)
	}
	if _, err := j.messages.Add(ctx, store.MessageRecord{
		UserID:  sess.UserID,
		ChatID:  sess.ChatID,
		Role:    store.RoleAssistant,
		Content: reply,
	}); err != nil {
		err = fmt.Errorf("failed to store assistant message: %w", err)
		if delErr := j.messages.Delete(context.WithoutCancel(ctx), user.ID); delErr != nil {
			return errors.Join(err, fmt.Errorf("failed to remove unpaired user message %d: %w", user.ID, delErr))
		}
		return err
	}
	return nil
}
