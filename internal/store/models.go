package store

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageRecord is one turn of conversation history. Records are append-only.
type MessageRecord struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionMapping binds a user to provider-side assistant and thread handles.
// The handles are opaque; the relay never interprets them.
type SessionMapping struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	ChatID          int64     `json:"chat_id"`
	AssistantHandle string    `json:"assistant_handle"`
	ThreadHandle    string    `json:"thread_handle"`
	CreatedAt       time.Time `json:"created_at"`
}

var MessagesTable = Table{
	Name: "messages",
	Columns: []Column{
		{Name: "user_id", Type: Int},
		{Name: "chat_id", Type: Int},
		{Name: "role", Type: Text, Allowed: []string{string(RoleSystem), string(RoleUser), string(RoleAssistant)}},
		{Name: "content", Type: Text},
	},
	Indexes: []string{"chat_id"},
}

var UserChatTable = Table{
	Name: "user_chat",
	Columns: []Column{
		{Name: "user_id", Type: Int},
		{Name: "chat_id", Type: Int},
		{Name: "assistant_handle", Type: Text},
		{Name: "thread_handle", Type: Text},
	},
	Unique: "user_id",
}

// Tables lists every table the relay persists.
var Tables = []Table{MessagesTable, UserChatTable}

var messageSchema = Schema[MessageRecord]{
	Table: MessagesTable,
	Encode: func(m MessageRecord) Fields {
		return Fields{
			"user_id": m.UserID,
			"chat_id": m.ChatID,
			"role":    string(m.Role),
			"content": m.Content,
		}
	},
	Decode: func(r Row) (MessageRecord, error) {
		return MessageRecord{
			ID:        r.ID,
			UserID:    r.Int("user_id"),
			ChatID:    r.Int("chat_id"),
			Role:      Role(r.Text("role")),
			Content:   r.Text("content"),
			CreatedAt: r.CreatedAt,
		}, nil
	},
}

var sessionSchema = Schema[SessionMapping]{
	Table: UserChatTable,
	Encode: func(s SessionMapping) Fields {
		return Fields{
			"user_id":          s.UserID,
			"chat_id":          s.ChatID,
			"assistant_handle": s.AssistantHandle,
			"thread_handle":    s.ThreadHandle,
		}
	},
	Decode: func(r Row) (SessionMapping, error) {
		return SessionMapping{
			ID:              r.ID,
			UserID:          r.Int("user_id"),
			ChatID:          r.Int("chat_id"),
			AssistantHandle: r.Text("assistant_handle"),
			ThreadHandle:    r.Text("thread_handle"),
			CreatedAt:       r.CreatedAt,
		}, nil
	},
}

// NewMessageRepository returns the repository for the append-only message log.
func NewMessageRepository(b Backend, opts ...Option) *Repository[MessageRecord] {
	return NewRepository(b, messageSchema, opts...)
}

// NewSessionRepository returns the repository for user to thread mappings.
func NewSessionRepository(b Backend, opts ...Option) *Repository[SessionMapping] {
	return NewRepository(b, sessionSchema, opts...)
}
