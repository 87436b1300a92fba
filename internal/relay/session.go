package relay

import (
	"context"
	"errors"
	"fmt"

	"gwi.com/chat-relay/internal/logger"
	"gwi.com/chat-relay/internal/store"
)

// Session is the resolved per-turn context handed to an orchestrator.
// Mapping is nil until the user has initiated a remote-thread session.
type Session struct {
	UserID      int64
	ChatID      int64
	DisplayName string
	Mapping     *store.SessionMapping
}

func (s Session) Initialized() bool {
	return s.Mapping != nil
}

type SessionResolver struct {
	sessions *store.Repository[store.SessionMapping]
	log      *logger.Logger
}

func NewSessionResolver(sessions *store.Repository[store.SessionMapping], log *logger.Logger) *SessionResolver {
	if log == nil {
		log = logger.Nop()
	}
	return &SessionResolver{sessions: sessions, log: log.Component("session")}
}

func (r *SessionResolver) lookup(ctx context.Context, userID int64) (*store.SessionMapping, error) {
	rows, err := r.sessions.Filter(ctx, store.Fields{"user_id": userID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if len(rows) > 1 {
		r.log.Warn().Int64("user_id", userID).Int("rows", len(rows)).Msg("multiple session mappings for user, using the newest")
	}
	m := rows[len(rows)-1]
	return &m, nil
}

// Resolve loads the mapping for userID. A missing mapping is not an error;
// the returned Session is simply not initialized.
func (r *SessionResolver) Resolve(ctx context.Context, userID, chatID int64) (Session, error) {
	m, err := r.lookup(ctx, userID)
	if err != nil {
		return Session{}, fmt.Errorf("failed to resolve session for user %d: %w", userID, err)
	}
	return Session{UserID: userID, ChatID: chatID, Mapping: m}, nil
}

// Bind upserts the mapping for userID so that exactly one row holds the
// latest handles.
func (r *SessionResolver) Bind(ctx context.Context, userID, chatID int64, assistantHandle, threadHandle string) (*store.SessionMapping, error) {
	existing, err := r.lookup(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session for user %d: %w", userID, err)
	}

	if existing == nil {
		created, err := r.sessions.Add(ctx, store.SessionMapping{
			UserID:          userID,
			ChatID:          chatID,
			AssistantHandle: assistantHandle,
			ThreadHandle:    threadHandle,
		})
		if err == nil {
			r.log.Info().Int64("user_id", userID).Int64("chat_id", chatID).Msg("session mapping created")
			return &created, nil
		}
		if !errors.Is(err, store.ErrConstraint) {
			return nil, fmt.Errorf("failed to create session for user %d: %w", userID, err)
		}
		// A concurrent initiation won the insert; fall through and overwrite it.
		existing, err = r.lookup(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up session for user %d: %w", userID, err)
		}
		if existing == nil {
			return nil, fmt.Errorf("session for user %d vanished after constraint violation", userID)
		}
	}

	if err := r.sessions.Update(ctx, existing.ID, store.Fields{
		"chat_id":          chatID,
		"assistant_handle": assistantHandle,
		"thread_handle":    threadHandle,
	}); err != nil {
		return nil, fmt.Errorf("failed to update session for user %d: %w", userID, err)
	}
	existing.ChatID = chatID
	existing.AssistantHandle = assistantHandle
	existing.ThreadHandle = threadHandle
	r.log.Info().Int64("user_id", userID).Int64("chat_id", chatID).Msg("session mapping replaced")
	return existing, nil
}
