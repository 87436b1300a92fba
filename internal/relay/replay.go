package relay

import (
	"context"

	"gwi.com/chat-relay/internal/history"
	"gwi.com/chat-relay/internal/llm"
	"gwi.com/chat-relay/internal/logger"
	"gwi.com/chat-relay/internal/store"
)

// Replay sends the capped history plus the new utterance on every turn and
// persists both sides once the provider answers.
type Replay struct {
	completer llm.Completer
	assembler *history.Assembler
	journal   journal
	log       *logger.Logger
}

func NewReplay(completer llm.Completer, assembler *history.Assembler, messages *store.Repository[store.MessageRecord], log *logger.Logger) *Replay {
	if log == nil {
		log = logger.Nop()
	}
	return &Replay{
		completer: completer,
		assembler: assembler,
		journal:   journal{messages: messages},
		log:       log.Component("replay"),
	}
}

func (r *Replay) Start(ctx context.Context, sess Session) (string, error) {
	return greeting(sess), nil
}

func (r *Replay) Reply(ctx context.Context, sess Session, utt Utterance) (string, error) {
	messages, err := r.assembler.Assemble(ctx, sess.ChatID)
	if err != nil {
		return "", err
	}

	reply, err := r.completer.Complete(ctx, history.WithUtterance(messages, utt.Text, utt.Image))
	if err != nil {
		r.log.Error().Err(err).Int64("user_id", sess.UserID).Int64("chat_id", sess.ChatID).Msg("completion failed")
		return "", &ProviderError{Op: "complete", Err: err}
	}

	if err := r.journal.append(ctx, sess, utt.Text, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// Stateless answers each utterance on its own: system directive and user
// message only, nothing read or written.
type Stateless struct {
	completer    llm.Completer
	systemPrompt string
	log          *logger.Logger
}

func NewStateless(completer llm.Completer, systemPrompt string, log *logger.Logger) *Stateless {
	if log == nil {
		log = logger.Nop()
	}
	return &Stateless{completer: completer, systemPrompt: systemPrompt, log: log.Component("stateless")}
}

func (s *Stateless) Start(ctx context.Context, sess Session) (string, error) {
	return greeting(sess), nil
}

func (s *Stateless) Reply(ctx context.Context, sess Session, utt Utterance) (string, error) {
	messages := history.WithUtterance([]history.Message{{Role: store.RoleSystem, Content: s.systemPrompt}}, utt.Text, utt.Image)
	reply, err := s.completer.Complete(ctx, messages)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", sess.UserID).Int64("chat_id", sess.ChatID).Msg("completion failed")
		return "", &ProviderError{Op: "complete", Err: err}
	}
	return reply, nil
}
