// Package history turns the persisted message log into the ordered message
// sequence handed to a provider.
package history

import (
	"context"
	"fmt"

	"gwi.com/chat-relay/internal/store"
)

// Image is an inline image attached to a user utterance.
type Image struct {
	MIMEType string
	Data     []byte
}

// Message is a provider-agnostic chat message.
type Message struct {
	Role    store.Role
	Content string
	Image   *Image
}

// Source is the slice of the message repository the assembler reads.
type Source interface {
	Latest(ctx context.Context, where store.Fields, limit int) ([]store.MessageRecord, error)
}

// Assembler builds provider context from a chat's history: the configured
// system directive followed by the newest rows up to the cap, oldest first.
type Assembler struct {
	source       Source
	systemPrompt string
	limit        int
}

// NewAssembler requires a positive history cap; unbounded replay is not
// supported.
func NewAssembler(source Source, systemPrompt string, limit int) (*Assembler, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be positive, got %d", limit)
	}
	return &Assembler{source: source, systemPrompt: systemPrompt, limit: limit}, nil
}

func (a *Assembler) SystemPrompt() string {
	return a.systemPrompt
}

// Assemble returns the context for chatID. An empty history still yields the
// system directive alone.
func (a *Assembler) Assemble(ctx context.Context, chatID int64) ([]Message, error) {
	rows, err := a.source.Latest(ctx, store.Fields{"chat_id": chatID}, a.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for chat %d: %w", chatID, err)
	}

	messages := make([]Message, 0, len(rows)+1)
	messages = append(messages, Message{Role: store.RoleSystem, Content: a.systemPrompt})
	for _, row := range rows {
		messages = append(messages, Message{Role: row.Role, Content: row.Content})
	}
	return messages, nil
}

// WithUtterance returns a copy of messages with the new user turn appended.
func WithUtterance(messages []Message, text string, image *Image) []Message {
	out := make([]Message, 0, len(messages)+1)
	out = append(out, messages...)
	return append(out, Message{Role: store.RoleUser, Content: text, Image: image})
}
