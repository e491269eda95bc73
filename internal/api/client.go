package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fitchat/internal/auth"
	"fitchat/internal/models"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxErrorBody = 512

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps authentication failures to models.ErrNotAuthenticated.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return models.ErrNotAuthenticated
	}
	if e.Code == http.StatusNotFound {
		return models.ErrNotFound
	}
	return nil
}

type Config struct {
	BaseURL           string
	NotificationsPath string
	Timeout           time.Duration
}

// Client talks to the REST side of the backend.
type Client struct {
	baseURL           string
	notificationsPath string
	session           *auth.Session
	http              *http.Client
}

func New(cfg Config, session *auth.Session) *Client {
	if cfg.NotificationsPath == "" {
		cfg.NotificationsPath = "/api/notifications/"
	}
	return &Client{
		baseURL:           strings.TrimSuffix(cfg.BaseURL, "/"),
		notificationsPath: cfg.NotificationsPath,
		session:           session,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     session.Jar(),
		},
	}
}

// GetUsers returns the users a conversation can be started with.
func (c *Client) GetUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.do(ctx, http.MethodGet, "/chat/get-users/", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetChats returns the conversation list. Entries that cannot be decoded
// are skipped; callers still have to check Conversation.Valid.
func (c *Client) GetChats(ctx context.Context) ([]models.Conversation, error) {
	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/chat/get-chats/", nil, &raw); err != nil {
		return nil, err
	}

	chats := make([]models.Conversation, 0, len(raw))
	for _, r := range raw {
		var conv models.Conversation
		if err := json.Unmarshal(r, &conv); err != nil {
			slog.Debug("skipping undecodable conversation", "error", err)
			continue
		}
		chats = append(chats, conv)
	}
	return chats, nil
}

func (c *Client) CreateChat(ctx context.Context, userID int64) (models.Conversation, error) {
	var conv models.Conversation
	body := struct {
		UserID int64 `json:"user_id"`
	}{userID}
	if err := c.do(ctx, http.MethodPost, "/chat/create-chat/", body, &conv); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (c *Client) ListAiChats(ctx context.Context) ([]models.AiChatSession, error) {
	var sessions []models.AiChatSession
	if err := c.do(ctx, http.MethodGet, "/api/ai-tutor/", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) CreateAiChat(ctx context.Context) (models.AiChatSession, error) {
	var session models.AiChatSession
	// The endpoint takes no body.
	if err := c.do(ctx, http.MethodPost, "/api/ai-tutor/", nil, &session); err != nil {
		return models.AiChatSession{}, err
	}
	return session, nil
}

func (c *Client) GetAiChatHistory(ctx context.Context, id int64) (models.AiChatHistory, error) {
	var history models.AiChatHistory
	path := "/api/ai-tutor/" + strconv.FormatInt(id, 10) + "/chat_history/"
	if err := c.do(ctx, http.MethodGet, path, nil, &history); err != nil {
		return models.AiChatHistory{}, err
	}
	return history, nil
}

// SendAiMessage posts a user message to a tutor session. The response body
// is only an acknowledgement and is discarded.
func (c *Client) SendAiMessage(ctx context.Context, id int64, message string) error {
	path := "/api/ai-tutor/" + strconv.FormatInt(id, 10) + "/send_message/"
	body := struct {
		Message string `json:"message"`
	}{message}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) GetNotifications(ctx context.Context) ([]models.Notification, error) {
	var notifications []models.Notification
	if err := c.do(ctx, http.MethodGet, c.notificationsPath, nil, &notifications); err != nil {
		return nil, err
	}
	return notifications, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Django checks the Referer on secure state-changing requests.
	req.Header.Set("Referer", c.baseURL+"/")
	c.session.Decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
		if errors.Is(statusErr, models.ErrNotAuthenticated) {
			c.session.SetAuthenticated(false)
		}
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}
