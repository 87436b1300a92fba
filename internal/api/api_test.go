package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gwi.com/chat-relay/internal/auth"
	"gwi.com/chat-relay/internal/metrics"
	"gwi.com/chat-relay/internal/relay"
	"gwi.com/chat-relay/internal/store"
)

const testSecret = "test-secret"

type fakeTurns struct {
	seen []relay.Inbound
}

func (f *fakeTurns) Handle(ctx context.Context, in relay.Inbound) relay.Outbound {
	f.seen = append(f.seen, in)
	if in.Kind == relay.KindCommand {
		return relay.Outbound{Text: relay.GreetingText}
	}
	return relay.Outbound{Text: "echo " + in.Text}
}

type testServer struct {
	handler  http.Handler
	turns    *fakeTurns
	messages *store.Repository[store.MessageRecord]
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	b, err := store.NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Init(context.Background(), store.Tables); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })

	turns := &fakeTurns{}
	messages := store.NewMessageRepository(b)
	h := NewAPIHandler(turns, messages, testSecret, nil)
	return testServer{handler: NewRouter(h, metrics.NewMetrics().Handler()), turns: turns, messages: messages}
}

func (s testServer) do(t *testing.T, method, path, body string, userID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != 0 {
		token, err := auth.GenerateJWT(testSecret, userID)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/health", "", 0)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/metrics", "", 0)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "relay_turns_in_flight") {
		t.Errorf("expected relay metrics in exposition output")
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodPost, "/api/turns", `{"text":"hi"}`, 0); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/turns", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestPostTurn(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/turns", `{"chat_id":7,"text":"2+2?"}`, 7)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reply != "echo 2+2?" {
		t.Errorf("unexpected reply %q", resp.Reply)
	}
	in := s.turns.seen[0]
	if in.Kind != relay.KindText || in.UserID != 7 || in.ChatID != 7 {
		t.Errorf("unexpected inbound %+v", in)
	}
}

func TestForeignChatIsForbidden(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodPost, "/api/turns", `{"chat_id":100,"text":"what did they say?"}`, 200); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a turn in another user's chat, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/sessions", `{"chat_id":100}`, 200); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a session in another user's chat, got %d", rec.Code)
	}
	if len(s.turns.seen) != 0 {
		t.Errorf("foreign chat requests must not reach the relay, got %+v", s.turns.seen)
	}
}

func TestPostTurn_Validation(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodPost, "/api/turns", `{"text":"  "}`, 7); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for blank text, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/turns", `{`, 7); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
	if len(s.turns.seen) != 0 {
		t.Errorf("invalid requests must not reach the relay")
	}
}

func TestCreateSession_DefaultsToPrivateChat(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/sessions", "", 12)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	in := s.turns.seen[0]
	if in.Kind != relay.KindCommand || in.Command != "/start" || in.ChatID != 12 {
		t.Errorf("unexpected inbound %+v", in)
	}
}

func TestListMessages_ScopedToCaller(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for _, m := range []store.MessageRecord{
		{UserID: 1, ChatID: 5, Role: store.RoleUser, Content: "mine 1"},
		{UserID: 2, ChatID: 5, Role: store.RoleUser, Content: "someone else"},
		{UserID: 1, ChatID: 5, Role: store.RoleAssistant, Content: "mine 2"},
		{UserID: 1, ChatID: 5, Role: store.RoleUser, Content: "mine 3"},
	} {
		if _, err := s.messages.Add(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	rec := s.do(t, http.MethodGet, "/api/chats/5/messages?limit=2", "", 1)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var got []store.MessageRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "mine 2" || got[1].Content != "mine 3" {
		t.Fatalf("unexpected transcript %+v", got)
	}

	if rec := s.do(t, http.MethodGet, "/api/chats/abc/messages", "", 1); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid chat id, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/chats/5/messages?limit=0", "", 1); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid limit, got %d", rec.Code)
	}
}

func TestListMessages_EmptyIsArray(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/chats/5/messages", "", 1)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty JSON array, got %q", rec.Body.String())
	}
}
