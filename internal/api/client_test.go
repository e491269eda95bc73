package api

import (
	"context"
	"errors"
	"fitchat/internal/auth"
	"fitchat/internal/models"
	"fitchat/internal/stubs"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, sessionID, csrf string) (*Client, *stubs.Backend, *auth.Session) {
	backend := stubs.NewBackend()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	session, err := auth.NewSession(auth.Config{
		BaseURL:   srv.URL,
		SessionID: sessionID,
		CSRFToken: csrf,
	})
	require.NoError(t, err)

	return New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, session), backend, session
}

func TestClient_Chat(t *testing.T) {
	client, backend, _ := setup(t, stubs.SessionID, stubs.CSRFToken)
	ctx := context.Background()

	users, err := client.GetUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, stubs.Users, users)

	backend.AddChat(stubs.Users[1])
	backend.AddRawChat(`{"id": 900, "other_user": null, "last_message": "hey"}`)
	backend.AddRawChat(`"not an object"`)

	chats, err := client.GetChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2, "undecodable entries are skipped")
	assert.True(t, chats[0].Valid())
	assert.Equal(t, "bob", chats[0].OtherUser.Username)
	assert.False(t, chats[1].Valid())
	assert.Equal(t, "hey", chats[1].LastMessage.Body)

	conv, err := client.CreateChat(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, conv.OtherUser)
	assert.Equal(t, "charlie", conv.OtherUser.Username)
	assert.Equal(t, 1, backend.Requests("POST /chat/create-chat/"))
}

func TestClient_AiTutor(t *testing.T) {
	client, backend, _ := setup(t, stubs.SessionID, stubs.CSRFToken)
	ctx := context.Background()

	session, err := client.CreateAiChat(ctx)
	require.NoError(t, err)
	assert.True(t, session.IsAI)

	sessions, err := client.ListAiChats(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, session.ID, sessions[0].ID)

	require.NoError(t, client.SendAiMessage(ctx, session.ID, "plan my week"))

	history, err := client.GetAiChatHistory(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, history.UserMessages, 1)
	require.Len(t, history.AIResponses, 1)
	assert.Equal(t, "plan my week", history.UserMessages[0].Message)

	_, err = client.GetAiChatHistory(ctx, 9999)
	require.ErrorIs(t, err, models.ErrNotFound)

	backend.FailNext("POST /api/ai-tutor/"+strconv.FormatInt(session.ID, 10)+"/send_message/", http.StatusInternalServerError)
	err = client.SendAiMessage(ctx, session.ID, "again")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
}

func TestClient_CreateAiChatEmptyBody(t *testing.T) {
	type seen struct {
		body        string
		contentType string
		csrf        string
	}
	requests := make(chan seen, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		requests <- seen{
			body:        string(data),
			contentType: r.Header.Get("Content-Type"),
			csrf:        r.Header.Get(auth.CSRFHeader),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id": 7, "chat_id": "ai-7", "is_ai": true}`)
	}))
	defer srv.Close()

	session, err := auth.NewSession(auth.Config{
		BaseURL:   srv.URL,
		SessionID: stubs.SessionID,
		CSRFToken: stubs.CSRFToken,
	})
	require.NoError(t, err)
	client := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, session)

	created, err := client.CreateAiChat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), created.ID)

	req := <-requests
	assert.Empty(t, req.body)
	assert.Empty(t, req.contentType)
	assert.Equal(t, stubs.CSRFToken, req.csrf)
}

func TestClient_Notifications(t *testing.T) {
	client, backend, _ := setup(t, stubs.SessionID, stubs.CSRFToken)

	backend.AddNotification(models.Notification{ID: 1, Message: "new PR!", Read: false})
	backend.AddNotification(models.Notification{ID: 2, Message: "goal met", Read: true})

	list, err := client.GetNotifications(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].Read)
	assert.True(t, list[1].Read)
}

func TestClient_Auth(t *testing.T) {
	t.Run("MissingSession", func(t *testing.T) {
		client, _, session := setup(t, "", stubs.CSRFToken)
		session.SetAuthenticated(true)

		_, err := client.GetUsers(context.Background())
		require.ErrorIs(t, err, models.ErrNotAuthenticated)
		assert.False(t, session.Authenticated(), "auth failure flips the session state")
	})

	t.Run("MissingCSRF", func(t *testing.T) {
		client, backend, _ := setup(t, stubs.SessionID, "")

		_, err := client.GetUsers(context.Background())
		require.NoError(t, err, "safe requests need no CSRF token")

		_, err = client.CreateChat(context.Background(), 2)
		require.ErrorIs(t, err, models.ErrNotAuthenticated)
		assert.Equal(t, 1, backend.Requests("POST /chat/create-chat/"))
	})
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Method: "GET", Path: "/chat/get-chats/", Code: 502, Body: "bad gateway"}
	assert.Equal(t, "GET /chat/get-chats/: status 502: bad gateway", err.Error())
	assert.NoError(t, err.Unwrap())

	err = &StatusError{Method: "GET", Path: "/x/", Code: 401}
	assert.Equal(t, "GET /x/: status 401", err.Error())
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}
