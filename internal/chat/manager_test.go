package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fitchat/internal/api"
	"fitchat/internal/auth"
	"fitchat/internal/cache"
	"fitchat/internal/models"
	"fitchat/internal/stubs"
	"fitchat/internal/ws"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func setup(t *testing.T) (*Manager, *stubs.Backend) {
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

	m := New(ctx, Config{
		API:          api.New(api.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, session),
		Dialer:       ws.NewDialer(session.Jar(), srv.URL, time.Second),
		Cache:        cache.New(ctx, time.Minute),
		WSURL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Self:         models.UserRef{ID: stubs.Me.ID, Username: stubs.Me.Username},
		HistoryLimit: 50,
	})
	t.Cleanup(func() {
		_ = m.Close()
	})
	return m, backend
}

func TestManager_LoadConversations(t *testing.T) {
	m, backend := setup(t)
	ctx := context.Background()

	bob := backend.AddChat(stubs.Users[1])
	backend.AddRawChat(`{"id": 2, "other_user": null}`)

	require.NoError(t, m.LoadConversations(ctx))
	convs := m.Conversations()
	require.Len(t, convs, 1, "conversations without a peer are dropped")
	assert.Equal(t, bob.ID, convs[0].ID)
	assert.Equal(t, "bob", convs[0].OtherUser.Username)

	backend.FailNext("GET /chat/get-chats/", http.StatusInternalServerError)
	require.Error(t, m.LoadConversations(ctx))
	assert.Equal(t, convs, m.Conversations(), "a failed refresh keeps the last list")

	require.NoError(t, m.LoadUsers(ctx))
	assert.Equal(t, stubs.Users, m.Users())
}

func TestManager_SingleSocket(t *testing.T) {
	m, backend := setup(t)
	ctx := context.Background()

	a := backend.AddChat(stubs.Users[1])
	b := backend.AddChat(stubs.Users[2])

	sent, err := m.Send("nobody listens")
	require.NoError(t, err)
	assert.False(t, sent, "sending without a socket is a no-op")

	require.NoError(t, m.SelectConversation(ctx, a.ID))
	require.Eventually(t, func() bool {
		return backend.OpenSockets(a.ID) == 1 && m.State() == ws.StateConnected
	}, waitFor, tick)

	require.NoError(t, m.SelectConversation(ctx, b.ID))
	require.Eventually(t, func() bool {
		return backend.OpenSockets(a.ID) == 0 && backend.OpenSockets(b.ID) == 1
	}, waitFor, tick)
	assert.Equal(t, b.ID, m.Selected())
	assert.Equal(t, ws.StateConnected, m.State())

	require.NoError(t, m.Close())
	require.Eventually(t, func() bool {
		return backend.OpenSockets(b.ID) == 0
	}, waitFor, tick)
	assert.ErrorIs(t, m.SelectConversation(ctx, a.ID), ErrClosed)
}

func TestManager_ReplacedSocketFrames(t *testing.T) {
	m, backend := setup(t)
	ctx := context.Background()

	a := backend.AddChat(stubs.Users[1])
	b := backend.AddChat(stubs.Users[2])

	require.NoError(t, m.SelectConversation(ctx, a.ID))
	require.Eventually(t, func() bool {
		return m.State() == ws.StateConnected
	}, waitFor, tick)

	m.mu.RLock()
	old := &stream{m: m, generation: m.generation, conversationID: a.ID}
	m.mu.RUnlock()

	require.NoError(t, m.SelectConversation(ctx, b.ID))
	require.Eventually(t, func() bool {
		return m.State() == ws.StateConnected && backend.OpenSockets(b.ID) == 1
	}, waitFor, tick)

	// Events still queued on A's socket after the switch.
	frame, err := json.Marshal(models.InboundFrame{Message: &models.Message{
		ID:     99,
		Sender: models.UserRef{ID: 2, Username: "bob"},
		Body:   "late frame from a",
	}})
	require.NoError(t, err)
	old.OnFrame(frame)
	old.OnClose(errors.New("connection reset"))
	backend.Push(a.ID, stubs.Users[1], "pushed on a")

	backend.Push(b.ID, stubs.Users[2], "pushed on b")
	require.Eventually(t, func() bool {
		return len(m.Messages()) > 0
	}, waitFor, tick)
	// Let anything else in flight land.
	time.Sleep(50 * time.Millisecond)

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "pushed on b", msgs[0].Body)
	assert.Equal(t, b.ID, m.Selected())
	assert.Equal(t, ws.StateConnected, m.State(), "a close on the old socket does not touch the new one")
}

func TestManager_SendAndReceive(t *testing.T) {
	m, backend := setup(t)
	ctx := context.Background()

	conv := backend.AddChat(stubs.Users[1])
	require.NoError(t, m.SelectConversation(ctx, conv.ID))
	require.Eventually(t, func() bool {
		return m.State() == ws.StateConnected
	}, waitFor, tick)

	t.Run("Blank", func(t *testing.T) {
		sent, err := m.Send("  \n ")
		require.NoError(t, err)
		assert.False(t, sent)
		assert.Empty(t, m.Messages())
	})

	t.Run("Echo", func(t *testing.T) {
		sent, err := m.Send("  leg day?  ")
		require.NoError(t, err)
		require.True(t, sent)

		require.Eventually(t, func() bool {
			msgs := m.Messages()
			return len(msgs) == 1 && !msgs[0].Pending && msgs[0].ID != 0
		}, waitFor, tick)

		msg := m.Messages()[0]
		assert.Equal(t, "leg day?", msg.Body)
		assert.True(t, msg.Sender.Is(models.UserRef{ID: stubs.Me.ID}))
	})

	t.Run("Inbound", func(t *testing.T) {
		before := backend.Requests("GET /chat/get-chats/")
		backend.Push(conv.ID, stubs.Users[1], "<b>always</b>")

		require.Eventually(t, func() bool {
			return len(m.Messages()) == 2
		}, waitFor, tick)
		msg := m.Messages()[1]
		assert.Equal(t, "always", msg.Body)
		assert.Equal(t, "bob", msg.Sender.Username)

		require.Eventually(t, func() bool {
			return backend.Requests("GET /chat/get-chats/") > before
		}, waitFor, tick, "a message from a peer refreshes the list")
	})
}

func TestManager_CreateConversation(t *testing.T) {
	m, backend := setup(t)
	ctx := context.Background()

	release := backend.HoldCreates()

	var wg sync.WaitGroup
	results := make([]models.Conversation, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.CreateConversation(ctx, 4)
		}()
	}

	require.Eventually(t, func() bool {
		return backend.Requests("POST /chat/create-chat/") == 1
	}, waitFor, tick)
	// Give the second call time to join the first one.
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].ID, results[1].ID)
	assert.Equal(t, 1, backend.Requests("POST /chat/create-chat/"))

	convs := m.Conversations()
	count := 0
	for _, c := range convs {
		if c.ID == results[0].ID {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, results[0].ID, m.Selected())

	// Creating it again reuses the selected conversation.
	again, err := m.CreateConversation(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, results[0].ID, again.ID)
	assert.Len(t, m.Conversations(), len(convs))

	require.Eventually(t, func() bool {
		return backend.OpenSockets(again.ID) == 1
	}, waitFor, tick)
}

// heldChats reads the conversation list right away but returns it only
// when released.
type heldChats struct {
	API
	fetched chan struct{}
	release chan struct{}
}

func (h *heldChats) GetChats(ctx context.Context) ([]models.Conversation, error) {
	list, err := h.API.GetChats(ctx)
	close(h.fetched)
	<-h.release
	return list, err
}

func TestManager_CreateConversationDuringRefresh(t *testing.T) {
	m, backend := setup(t)
	ctx := context.Background()

	bob := backend.AddChat(stubs.Users[1])

	held := &heldChats{API: m.cfg.API, fetched: make(chan struct{}), release: make(chan struct{})}
	m.cfg.API = held

	done := make(chan error, 1)
	go func() {
		done <- m.LoadConversations(ctx)
	}()
	<-held.fetched

	conv, err := m.CreateConversation(ctx, stubs.Users[2].ID)
	require.NoError(t, err)

	close(held.release)
	require.NoError(t, <-done)

	ids := func() []int64 {
		var ids []int64
		for _, c := range m.Conversations() {
			ids = append(ids, c.ID)
		}
		return ids
	}
	assert.Equal(t, []int64{conv.ID}, ids(), "the list fetched before the create is dropped")
	assert.Equal(t, conv.ID, m.Selected())
	_, cached := m.cfg.Cache.Get(cache.KeyChats)
	assert.False(t, cached, "the stale list is not cached either")

	m.cfg.API = held.API
	require.NoError(t, m.LoadConversations(ctx))
	assert.ElementsMatch(t, []int64{bob.ID, conv.ID}, ids())
}

func TestManager_CreateConversationError(t *testing.T) {
	m, backend := setup(t)

	var reported []error
	m.cfg.OnError = func(err error) { reported = append(reported, err) }

	backend.FailNext("POST /chat/create-chat/", http.StatusBadRequest)
	_, err := m.CreateConversation(context.Background(), 2)
	require.Error(t, err)
	assert.Len(t, reported, 1)
	assert.Empty(t, m.Conversations())
	assert.Zero(t, m.Selected())
}

func TestManager_Restore(t *testing.T) {
	m, _ := setup(t)

	store := &memStore{convs: []models.Conversation{
		{ID: 7, OtherUser: &models.User{ID: 2, Username: "bob"}},
		{ID: 8},
	}}
	m.cfg.Store = store

	require.NoError(t, m.Restore())
	convs := m.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, int64(7), convs[0].ID)

	require.NoError(t, m.LoadConversations(context.Background()))
	assert.Empty(t, m.Conversations())
	assert.Empty(t, store.convs, "the snapshot follows the server list")
}

type memStore struct {
	mu    sync.Mutex
	convs []models.Conversation
}

func (s *memStore) SaveConversations(convs []models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = slices.Clone(convs)
	return nil
}

func (s *memStore) ListConversations() ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.convs), nil
}
