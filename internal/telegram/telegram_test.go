package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gwi.com/chat-relay/internal/relay"
)

const testToken = "123:abc"

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, testToken, 2*time.Second)
}

func TestGetUpdates_ParsesMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot"+testToken+"/getUpdates" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["offset"] != float64(5) {
			t.Errorf("unexpected offset %v", req["offset"])
		}
		io.WriteString(w, `{"ok":true,"result":[{"update_id":5,"message":{"message_id":1,"from":{"id":9007199254740993,"first_name":"Ada"},"chat":{"id":-1001234567890},"date":1700000000,"text":"hello"}}]}`)
	})

	updates, err := c.GetUpdates(context.Background(), 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Message == nil {
		t.Fatalf("unexpected updates %#v", updates)
	}
	msg := updates[0].Message
	if msg.From.ID != 9007199254740993 || msg.Chat.ID != -1001234567890 || msg.Text != "hello" {
		t.Errorf("unexpected message %#v", msg)
	}
}

func TestCall_ReportsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	})

	err := c.SendMessage(context.Background(), 1, "hi")
	if err == nil || !strings.Contains(err.Error(), "Unauthorized") {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestSendMessage_TruncatesLongText(t *testing.T) {
	var got struct {
		ChatID int64  `json:"chat_id"`
		Text   string `json:"text"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"ok":true,"result":{"message_id":2,"chat":{"id":1},"date":0}}`)
	})

	if err := c.SendMessage(context.Background(), 77, strings.Repeat("é", maxMessageRunes+10)); err != nil {
		t.Fatal(err)
	}
	if got.ChatID != 77 {
		t.Errorf("unexpected chat id %d", got.ChatID)
	}
	if n := len([]rune(got.Text)); n != maxMessageRunes {
		t.Errorf("expected %d runes, got %d", maxMessageRunes, n)
	}
}

func TestFetch_DownloadsFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bot" + testToken + "/getFile":
			io.WriteString(w, `{"ok":true,"result":{"file_id":"f1","file_path":"voice/file_1.oga"}}`)
		case "/file/bot" + testToken + "/voice/file_1.oga":
			io.WriteString(w, "OggS-data")
		default:
			http.NotFound(w, r)
		}
	})

	rc, err := c.Fetch(context.Background(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "OggS-data" {
		t.Errorf("unexpected payload %q", data)
	}
}

func TestFetch_MissingFile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bot" + testToken + "/getFile":
			io.WriteString(w, `{"ok":true,"result":{"file_id":"f1","file_path":"gone.oga"}}`)
		default:
			http.NotFound(w, r)
		}
	})

	if _, err := c.Fetch(context.Background(), "f1"); err == nil {
		t.Fatal("expected error for 404 download")
	}
}

func TestSendAudio_Multipart(t *testing.T) {
	var chatID, fileName, content string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("expected multipart body: %v", err)
		}
		chatID = r.FormValue("chat_id")
		f, hdr, err := r.FormFile("audio")
		if err == nil {
			fileName = hdr.Filename
			data, _ := io.ReadAll(f)
			content = string(data)
		}
		io.WriteString(w, `{"ok":true,"result":{"message_id":3,"chat":{"id":1},"date":0}}`)
	})

	path := filepath.Join(t.TempDir(), "reply.mp3")
	os.WriteFile(path, []byte("ID3"), 0o600)

	if err := c.SendAudio(context.Background(), 55, path); err != nil {
		t.Fatal(err)
	}
	if chatID != "55" || fileName != "reply.mp3" || content != "ID3" {
		t.Errorf("unexpected upload chat=%q name=%q content=%q", chatID, fileName, content)
	}
}

func TestToInbound(t *testing.T) {
	from := &User{ID: 1, FirstName: "Ada"}
	cases := []struct {
		name string
		msg  *Message
		want relay.Inbound
		ok   bool
	}{
		{"nil message", nil, relay.Inbound{}, false},
		{"command", &Message{From: from, Chat: Chat{ID: 2}, Text: "/start", Entities: []MessageEntity{{Type: "bot_command", Length: 6}}},
			relay.Inbound{Kind: relay.KindCommand, UserID: 1, ChatID: 2, DisplayName: "Ada", Command: "/start"}, true},
		{"text", &Message{From: from, Chat: Chat{ID: 2}, Text: "hi"},
			relay.Inbound{Kind: relay.KindText, UserID: 1, ChatID: 2, DisplayName: "Ada", Text: "hi"}, true},
		{"voice", &Message{From: from, Chat: Chat{ID: 2}, Voice: &Voice{FileID: "v1"}},
			relay.Inbound{Kind: relay.KindVoice, UserID: 1, ChatID: 2, DisplayName: "Ada", FileID: "v1"}, true},
		{"photo picks largest", &Message{From: from, Chat: Chat{ID: 2}, Caption: "what?", Photo: []PhotoSize{{FileID: "small"}, {FileID: "large"}}},
			relay.Inbound{Kind: relay.KindImage, UserID: 1, ChatID: 2, DisplayName: "Ada", FileID: "large", Text: "what?"}, true},
		{"no sender falls back to chat", &Message{Chat: Chat{ID: 3}, Text: "hi"},
			relay.Inbound{Kind: relay.KindText, UserID: 3, ChatID: 3, Text: "hi"}, true},
		{"sticker ignored", &Message{From: from, Chat: Chat{ID: 2}}, relay.Inbound{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ToInbound(Update{UpdateID: 1, Message: tc.msg})
			if ok != tc.ok || got != tc.want {
				t.Fatalf("got (%+v, %v), want (%+v, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

type recordingHandler struct {
	calls int32
}

func (h *recordingHandler) Handle(ctx context.Context, in relay.Inbound) relay.Outbound {
	atomic.AddInt32(&h.calls, 1)
	return relay.Outbound{Text: "echo " + in.Text}
}

func TestPoller_RunDeliversReplies(t *testing.T) {
	var polls int32
	sent := make(chan string, 1)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bot" + testToken + "/deleteWebhook":
			io.WriteString(w, `{"ok":true,"result":true}`)
		case "/bot" + testToken + "/getUpdates":
			if atomic.AddInt32(&polls, 1) == 1 {
				io.WriteString(w, `{"ok":true,"result":[{"update_id":10,"message":{"message_id":1,"from":{"id":1,"first_name":"Ada"},"chat":{"id":2},"date":0,"text":"ping"}}]}`)
				return
			}
			time.Sleep(10 * time.Millisecond)
			io.WriteString(w, `{"ok":true,"result":[]}`)
		case "/bot" + testToken + "/sendMessage":
			var req struct {
				Text string `json:"text"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			sent <- req.Text
			io.WriteString(w, `{"ok":true,"result":{"message_id":2,"chat":{"id":2},"date":0}}`)
		default:
			http.NotFound(w, r)
		}
	})

	h := &recordingHandler{}
	p := NewPoller(c, h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case text := <-sent:
		if text != "echo ping" {
			t.Errorf("unexpected reply %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not sent")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	if atomic.LoadInt32(&h.calls) != 1 {
		t.Errorf("expected one handled turn, got %d", h.calls)
	}
}

func TestPoller_RetriesDeleteWebhook(t *testing.T) {
	var deletes, polls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bot" + testToken + "/deleteWebhook":
			if atomic.AddInt32(&deletes, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				io.WriteString(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
				return
			}
			io.WriteString(w, `{"ok":true,"result":true}`)
		case "/bot" + testToken + "/getUpdates":
			atomic.AddInt32(&polls, 1)
			time.Sleep(5 * time.Millisecond)
			io.WriteString(w, `{"ok":true,"result":[]}`)
		default:
			http.NotFound(w, r)
		}
	})

	p := NewPoller(c, &recordingHandler{}, nil)
	p.retry = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&polls) == 0 {
		select {
		case <-deadline:
			t.Fatal("polling never started after a failed deleteWebhook")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if n := atomic.LoadInt32(&deletes); n != 2 {
		t.Errorf("expected deleteWebhook to be retried once, got %d calls", n)
	}
}
