// Package telegram is a small Telegram Bot API client and the long-poll loop
// that feeds updates into the relay.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const maxMessageRunes = 4096

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type,omitempty"`
}

type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type Message struct {
	MessageID int64           `json:"message_id"`
	From      *User           `json:"from,omitempty"`
	Chat      Chat            `json:"chat"`
	Date      int64           `json:"date"`
	Text      string          `json:"text,omitempty"`
	Caption   string          `json:"caption,omitempty"`
	Entities  []MessageEntity `json:"entities,omitempty"`
	Voice     *Voice          `json:"voice,omitempty"`
	Photo     []PhotoSize     `json:"photo,omitempty"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Client talks to one bot. Requests are JSON bodies encoded with sonic.
type Client struct {
	apiBase    string
	fileBase   string
	httpClient *http.Client
}

// NewClient creates a client for token against baseURL
// (e.g. "https://api.telegram.org"). requestTimeout must exceed the long-poll
// timeout used with GetUpdates.
func NewClient(baseURL, token string, requestTimeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		apiBase:    baseURL + "/bot" + token,
		fileBase:   baseURL + "/file/bot" + token,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

func decode[T any](method string, resp *http.Response) (T, error) {
	var out apiResponse[T]
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return out.Result, fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if err := sonic.Unmarshal(body, &out); err != nil {
		return out.Result, fmt.Errorf("failed to parse %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		return out.Result, fmt.Errorf("telegram %s failed: %d %s", method, out.ErrorCode, out.Description)
	}
	return out.Result, nil
}

func call[T any](ctx context.Context, c *Client, method string, payload any) (T, error) {
	var zero T
	body, err := sonic.Marshal(payload)
	if err != nil {
		return zero, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()
	return decode[T](method, resp)
}

// GetUpdates long-polls for new messages starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	return call[[]Update](ctx, c, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message"},
	})
}

func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	_, err := call[bool](ctx, c, "deleteWebhook", map[string]any{"drop_pending_updates": dropPending})
	return err
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := call[Message](ctx, c, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    truncate(text, maxMessageRunes),
	})
	return err
}

func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	return call[File](ctx, c, "getFile", map[string]any{"file_id": fileID})
}

// Fetch resolves fileID and opens its content. The caller closes the reader.
func (c *Client) Fetch(ctx context.Context, fileID string) (io.ReadCloser, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("telegram returned no path for file %s", fileID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileBase+"/"+f.FilePath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram file download failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("telegram file download returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// SendAudio uploads the file at path as an audio message.
func (c *Client) SendAudio(ctx context.Context, chatID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open audio %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", fmt.Sprint(chatID)); err != nil {
		return err
	}
	part, err := w.CreateFormFile("audio", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to read audio %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/sendAudio", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendAudio request failed: %w", err)
	}
	defer resp.Body.Close()
	_, err = decode[Message]("sendAudio", resp)
	return err
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}
