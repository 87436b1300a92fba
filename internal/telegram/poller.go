package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	"gwi.com/chat-relay/internal/logger"
	"gwi.com/chat-relay/internal/relay"
)

const (
	longPollSeconds = 25
	retryDelay      = 3 * time.Second
)

// TurnHandler is the part of relay.TurnHandler the poller needs.
type TurnHandler interface {
	Handle(ctx context.Context, in relay.Inbound) relay.Outbound
}

// Poller pulls updates and runs each turn in its own goroutine, so a slow
// provider call for one user never holds up another.
type Poller struct {
	client  *Client
	handler TurnHandler
	log     *logger.Logger
	retry   time.Duration
	wg      sync.WaitGroup
}

func NewPoller(client *Client, handler TurnHandler, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.Nop()
	}
	return &Poller{client: client, handler: handler, log: log.Component("telegram"), retry: retryDelay}
}

// ToInbound maps an update to a relay turn. Updates the relay has no use
// for (stickers, edits, service messages) report false.
func ToInbound(u Update) (relay.Inbound, bool) {
	msg := u.Message
	if msg == nil {
		return relay.Inbound{}, false
	}

	in := relay.Inbound{UserID: msg.Chat.ID, ChatID: msg.Chat.ID}
	if msg.From != nil {
		in.UserID = msg.From.ID
		in.DisplayName = msg.From.FirstName
		if in.DisplayName == "" {
			in.DisplayName = msg.From.Username
		}
	}

	switch {
	case isCommand(msg):
		in.Kind = relay.KindCommand
		in.Command = msg.Text
	case msg.Voice != nil:
		in.Kind = relay.KindVoice
		in.FileID = msg.Voice.FileID
	case len(msg.Photo) > 0:
		// Sizes come smallest first.
		in.Kind = relay.KindImage
		in.FileID = msg.Photo[len(msg.Photo)-1].FileID
		in.Text = msg.Caption
	case strings.TrimSpace(msg.Text) != "":
		in.Kind = relay.KindText
		in.Text = msg.Text
	default:
		return relay.Inbound{}, false
	}
	return in, true
}

func isCommand(msg *Message) bool {
	for _, e := range msg.Entities {
		if e.Type == "bot_command" && e.Offset == 0 {
			return true
		}
	}
	return strings.HasPrefix(msg.Text, "/")
}

// Run drops any pending backlog, then polls until ctx is cancelled. It waits
// for in-flight turns before returning.
func (p *Poller) Run(ctx context.Context) error {
	for {
		err := p.client.DeleteWebhook(ctx, true)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		p.log.Warn().Err(err).Msg("deleteWebhook failed, retrying")
		if !p.wait(ctx) {
			return nil
		}
	}
	p.log.Info().Msg("Telegram polling started")

	var offset int64
	for ctx.Err() == nil {
		updates, err := p.client.GetUpdates(ctx, offset, longPollSeconds)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.log.Warn().Err(err).Msg("getUpdates failed, retrying")
			p.wait(ctx)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			in, ok := ToInbound(u)
			if !ok {
				continue
			}
			p.wg.Add(1)
			// Started turns run to completion even during shutdown.
			go p.serve(context.WithoutCancel(ctx), in)
		}
	}

	p.wg.Wait()
	p.log.Info().Msg("Telegram polling stopped")
	return nil
}

// wait sleeps for the retry delay and reports false if ctx ended first.
func (p *Poller) wait(ctx context.Context) bool {
	t := time.NewTimer(p.retry)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Poller) serve(ctx context.Context, in relay.Inbound) {
	defer p.wg.Done()

	out := p.handler.Handle(ctx, in)
	defer out.Release()

	if out.Text != "" {
		if err := p.client.SendMessage(ctx, in.ChatID, out.Text); err != nil {
			p.log.Error().Err(err).Int64("chat_id", in.ChatID).Msg("failed to send reply")
		}
	}
	if out.AudioPath != "" {
		if err := p.client.SendAudio(ctx, in.ChatID, out.AudioPath); err != nil {
			p.log.Error().Err(err).Int64("chat_id", in.ChatID).Msg("failed to send audio reply")
		}
	}
}
