package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"gwi.com/chat-relay/internal/auth"
	"gwi.com/chat-relay/internal/logger"
	"gwi.com/chat-relay/internal/relay"
	"gwi.com/chat-relay/internal/store"
)

const (
	defaultTranscriptLimit = 50
	maxTranscriptLimit     = 500
)

type ctxKey string

const userIDKey ctxKey = "userID"

// TurnHandler is the relay boundary the HTTP surface drives.
type TurnHandler interface {
	Handle(ctx context.Context, in relay.Inbound) relay.Outbound
}

type APIHandler struct {
	turns     TurnHandler
	messages  *store.Repository[store.MessageRecord]
	jwtSecret string
	log       *logger.Logger
}

func NewAPIHandler(turns TurnHandler, messages *store.Repository[store.MessageRecord], jwtSecret string, log *logger.Logger) *APIHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &APIHandler{turns: turns, messages: messages, jwtSecret: jwtSecret, log: log.Component("api")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	return sonic.ConfigStd.NewDecoder(r.Body).Decode(v)
}

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		userID, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type SessionRequest struct {
	ChatID      *int64 `json:"chat_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type TurnRequest struct {
	ChatID *int64 `json:"chat_id,omitempty"`
	Text   string `json:"text"`
}

type TurnResponse struct {
	Reply string `json:"reply"`
}

// callerChat resolves the chat a request acts on. The HTTP surface only
// reaches the caller's private chat, whose id equals the user id as on
// Telegram. Any other chat id reports false.
func callerChat(chatID *int64, userID int64) (int64, bool) {
	if chatID != nil && *chatID != userID {
		return 0, false
	}
	return userID, true
}

// CreateSessionHandler initiates or resets the caller's conversation.
func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var req SessionRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := sonic.Unmarshal(body, &req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	chatID, ok := callerChat(req.ChatID, userID)
	if !ok {
		http.Error(w, "Chat does not belong to caller", http.StatusForbidden)
		return
	}

	out := h.turns.Handle(r.Context(), relay.Inbound{
		Kind:        relay.KindCommand,
		UserID:      userID,
		ChatID:      chatID,
		DisplayName: req.DisplayName,
		Command:     "/start",
	})
	defer out.Release()

	writeJSON(w, http.StatusCreated, TurnResponse{Reply: out.Text})
}

// PostTurnHandler runs one text turn. Failures are already mapped to a
// user-facing reply by the relay, so the status is always 200.
func (h *APIHandler) PostTurnHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var req TurnRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "Text is required", http.StatusBadRequest)
		return
	}

	chatID, ok := callerChat(req.ChatID, userID)
	if !ok {
		http.Error(w, "Chat does not belong to caller", http.StatusForbidden)
		return
	}

	out := h.turns.Handle(r.Context(), relay.Inbound{
		Kind:   relay.KindText,
		UserID: userID,
		ChatID: chatID,
		Text:   req.Text,
	})
	defer out.Release()

	writeJSON(w, http.StatusOK, TurnResponse{Reply: out.Text})
}

// ListMessagesHandler returns the caller's newest messages in a chat,
// oldest first.
func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}

	limit := defaultTranscriptLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxTranscriptLimit)
	}

	messages, err := h.messages.Latest(r.Context(), store.Fields{"chat_id": chatID, "user_id": userID}, limit)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Int64("chat_id", chatID).Msg("failed to list messages")
		http.Error(w, "Failed to list messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []store.MessageRecord{}
	}
	writeJSON(w, http.StatusOK, messages)
}
