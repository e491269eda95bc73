package tutor

import (
	"context"
	"errors"
	"fitchat/internal/api"
	"fitchat/internal/auth"
	"fitchat/internal/cache"
	"fitchat/internal/models"
	"fitchat/internal/stubs"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAuth bool

func (a staticAuth) Authenticated() bool { return bool(a) }

type recorder struct {
	mu      sync.Mutex
	errs    []error
	updates [][]models.AiMessage
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) onUpdate(_ int64, msgs []models.AiMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, msgs)
}

func (r *recorder) reported() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error{}, r.errs...)
}

func (r *recorder) allUpdates() [][]models.AiMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.AiMessage{}, r.updates...)
}

func setupBackend(t *testing.T, authenticated bool) (*Manager, *stubs.Backend, *recorder) {
	backend := stubs.NewBackend()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	session, err := auth.NewSession(auth.Config{
		BaseURL:   srv.URL,
		SessionID: stubs.SessionID,
		CSRFToken: stubs.CSRFToken,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rec := &recorder{}
	m := New(Config{
		API:      api.New(api.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, session),
		Auth:     staticAuth(authenticated),
		Cache:    cache.New(ctx, time.Minute),
		OnError:  rec.onError,
		OnUpdate: rec.onUpdate,
	})
	return m, backend, rec
}

func sendPath(id int64) string {
	return "POST /api/ai-tutor/" + strconv.FormatInt(id, 10) + "/send_message/"
}

func TestManager_SelectAndSend(t *testing.T) {
	m, backend, rec := setupBackend(t, true)
	ctx := context.Background()

	session := backend.AddAiSession(models.AiChatHistory{
		UserMessages: []models.AiUserMessage{{ID: 1, Message: "hi", CreatedAt: t0}},
		AIResponses:  []models.AiResponse{{ID: 2, Response: "hello", CreatedAt: t0.Add(time.Second)}},
	})

	require.NoError(t, m.FetchAiChats(ctx))
	require.Len(t, m.Chats(), 1)

	require.NoError(t, m.SelectAiChat(ctx, session.ID))
	assert.Equal(t, session.ID, m.Selected())

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hello", msgs[1].Body)
	assert.Equal(t, models.SenderAI, msgs[1].Sender)

	t.Run("Blank", func(t *testing.T) {
		err := m.SendAiMessage(ctx, "   ")
		require.ErrorIs(t, err, models.ErrEmptyMessage)
		assert.Equal(t, 0, backend.Requests(sendPath(session.ID)))
		assert.Len(t, m.Messages(), 2)
	})

	t.Run("Success", func(t *testing.T) {
		require.NoError(t, m.SendAiMessage(ctx, "plan my week"))
		assert.Equal(t, 1, backend.Requests(sendPath(session.ID)))

		msgs := m.Messages()
		require.Len(t, msgs, 4)
		assert.Equal(t, "plan my week", msgs[2].Body)
		assert.False(t, msgs[2].Pending)
		assert.Equal(t, models.SenderAI, msgs[3].Sender)
		assert.Contains(t, msgs[3].HTML, "<strong>plan my week</strong>")
		for _, msg := range msgs {
			assert.NotContains(t, msg.ID, "tmp-", "temporary ids are replaced by server ids")
		}

		updates := rec.allUpdates()
		require.NotEmpty(t, updates)
		var sawPending bool
		for _, u := range updates {
			for _, msg := range u {
				if msg.Pending && msg.Body == "plan my week" {
					sawPending = true
				}
			}
		}
		assert.True(t, sawPending, "message is shown before the server confirms it")
	})

	t.Run("Rollback", func(t *testing.T) {
		before := m.Messages()
		backend.FailNext(sendPath(session.ID), http.StatusInternalServerError)

		err := m.SendAiMessage(ctx, "this will fail")
		require.Error(t, err)
		assert.Equal(t, before, m.Messages())
		require.NotEmpty(t, rec.reported())
	})

	t.Run("NoSession", func(t *testing.T) {
		m.Deselect()
		require.ErrorIs(t, m.SendAiMessage(ctx, "hello?"), models.ErrNoSession)
		assert.Empty(t, m.Messages())
	})
}

func TestManager_CreateAiChat(t *testing.T) {
	t.Run("Authenticated", func(t *testing.T) {
		m, backend, _ := setupBackend(t, true)

		session, err := m.CreateAiChat(context.Background())
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, session.ID, m.Selected())
		assert.Len(t, m.Chats(), 1)
		assert.Empty(t, m.Messages())
		assert.Equal(t, 1, backend.Requests("POST /api/ai-tutor/"))
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		m, backend, rec := setupBackend(t, false)

		session, err := m.CreateAiChat(context.Background())
		require.ErrorIs(t, err, models.ErrNotAuthenticated)
		assert.Nil(t, session)
		assert.Equal(t, 0, backend.Requests("POST /api/ai-tutor/"))
		assert.Len(t, rec.reported(), 1)
	})

	t.Run("ServerError", func(t *testing.T) {
		m, backend, _ := setupBackend(t, true)
		backend.FailNext("POST /api/ai-tutor/", http.StatusBadGateway)

		session, err := m.CreateAiChat(context.Background())
		require.Error(t, err)
		assert.Nil(t, session)
		assert.Zero(t, m.Selected())
	})
}

func TestManager_Unauthenticated(t *testing.T) {
	m, backend, _ := setupBackend(t, false)

	require.NoError(t, m.FetchAiChats(context.Background()))
	assert.Empty(t, m.Chats())
	assert.Zero(t, m.Selected())
	assert.Equal(t, 0, backend.Requests("GET /api/ai-tutor/"))
}

func TestManager_HandleAuthChange(t *testing.T) {
	m, backend, _ := setupBackend(t, true)
	ctx := context.Background()

	session := backend.AddAiSession(models.AiChatHistory{
		UserMessages: []models.AiUserMessage{{ID: 1, Message: "hi", CreatedAt: t0}},
	})
	require.NoError(t, m.FetchAiChats(ctx))
	require.NoError(t, m.SelectAiChat(ctx, session.ID))
	require.NotEmpty(t, m.Messages())

	m.HandleAuthChange(true)
	assert.Equal(t, session.ID, m.Selected())

	m.HandleAuthChange(false)
	assert.Empty(t, m.Chats())
	assert.Empty(t, m.Messages())
	assert.Zero(t, m.Selected())
}

// blockingAPI holds history requests for one session until released. With
// listRelease set, session list requests are held the same way.
type blockingAPI struct {
	histories map[int64]models.AiChatHistory
	blockID   int64
	started   chan struct{}
	release   chan struct{}

	sessions    []models.AiChatSession
	listStarted chan struct{}
	listRelease chan struct{}
}

func (a *blockingAPI) ListAiChats(context.Context) ([]models.AiChatSession, error) {
	if a.listRelease != nil {
		close(a.listStarted)
		<-a.listRelease
	}
	return a.sessions, nil
}

func (a *blockingAPI) CreateAiChat(context.Context) (models.AiChatSession, error) {
	return models.AiChatSession{}, errors.New("not supported")
}

func (a *blockingAPI) GetAiChatHistory(ctx context.Context, id int64) (models.AiChatHistory, error) {
	if id == a.blockID {
		close(a.started)
		select {
		case <-a.release:
		case <-ctx.Done():
			return models.AiChatHistory{}, ctx.Err()
		}
	}
	return a.histories[id], nil
}

func (a *blockingAPI) SendAiMessage(context.Context, int64, string) error {
	return nil
}

func TestManager_StaleHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := &blockingAPI{
		histories: map[int64]models.AiChatHistory{
			1: {UserMessages: []models.AiUserMessage{{ID: 1, Message: "from session one", CreatedAt: t0}}},
			2: {UserMessages: []models.AiUserMessage{{ID: 2, Message: "from session two", CreatedAt: t0}}},
		},
		blockID: 1,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := New(Config{
		API:   fake,
		Auth:  staticAuth(true),
		Cache: cache.New(ctx, time.Minute),
	})

	done := make(chan error, 1)
	go func() {
		done <- m.SelectAiChat(ctx, 1)
	}()
	<-fake.started

	require.NoError(t, m.SelectAiChat(ctx, 2))
	close(fake.release)
	require.NoError(t, <-done)

	assert.Equal(t, int64(2), m.Selected())
	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "from session two", msgs[0].Body)
}

func TestManager_StaleSessionList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := &blockingAPI{
		sessions:    []models.AiChatSession{{ID: 1, ChatID: "ai-1", IsAI: true}},
		listStarted: make(chan struct{}),
		listRelease: make(chan struct{}),
	}
	c := cache.New(ctx, time.Minute)
	m := New(Config{
		API:   fake,
		Auth:  staticAuth(true),
		Cache: c,
	})

	done := make(chan error, 1)
	go func() {
		done <- m.FetchAiChats(ctx)
	}()
	<-fake.listStarted

	m.HandleAuthChange(false)
	close(fake.listRelease)
	require.NoError(t, <-done)

	assert.Empty(t, m.Chats(), "sessions fetched before the logout stay cleared")
	_, cached := c.Get(cache.KeyAiChats)
	assert.False(t, cached)
}
