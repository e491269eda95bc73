package tutor

import (
	"context"
	"errors"
	"fitchat/internal/cache"
	"fitchat/internal/models"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type API interface {
	ListAiChats(ctx context.Context) ([]models.AiChatSession, error)
	CreateAiChat(ctx context.Context) (models.AiChatSession, error)
	GetAiChatHistory(ctx context.Context, id int64) (models.AiChatHistory, error)
	SendAiMessage(ctx context.Context, id int64, message string) error
}

type Authenticator interface {
	Authenticated() bool
}

// Snapshotter persists the last good session list for warm starts.
type Snapshotter interface {
	SaveAiSessions(sessions []models.AiChatSession) error
	ListAiSessions() ([]models.AiChatSession, error)
}

type Config struct {
	API   API
	Auth  Authenticator
	Cache *cache.QueryCache

	// Optional.
	Store     Snapshotter
	OnError   func(err error)
	OnUpdate  func(sessionID int64, messages []models.AiMessage)
	NewTempID func() string
	Now       func() time.Time
}

type pendingMessage struct {
	sessionID int64
	msg       models.AiMessage
}

// Manager tracks the tutor sessions of the user and the merged history of
// the selected one.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	chats    []models.AiChatSession
	selected int64
	messages []models.AiMessage
	pending  map[string]pendingMessage

	// epoch changes on every selection change; history responses fetched
	// under an older epoch are dropped.
	epoch uint64
	// fetchSeq orders history fetches of the same epoch, applied is the
	// newest one already applied.
	fetchSeq uint64
	applied  uint64
	// listSeq and listApplied do the same for session list loads; a reset
	// counts as the newest load.
	listSeq     uint64
	listApplied uint64
}

func New(cfg Config) *Manager {
	if cfg.NewTempID == nil {
		cfg.NewTempID = func() string { return "tmp-" + uuid.NewString() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:     cfg,
		pending: make(map[string]pendingMessage),
	}
}

// Restore seeds the session list from the snapshot store.
func (m *Manager) Restore() error {
	if m.cfg.Store == nil || !m.cfg.Auth.Authenticated() {
		return nil
	}
	sessions, err := m.cfg.Store.ListAiSessions()
	if err != nil {
		return fmt.Errorf("failed to restore tutor sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chats == nil {
		m.chats = sessions
	}
	return nil
}

// FetchAiChats reloads the session list. Without an authenticated session
// it makes no request and clears all tutor state instead.
func (m *Manager) FetchAiChats(ctx context.Context) error {
	if !m.cfg.Auth.Authenticated() {
		m.reset()
		return nil
	}

	m.mu.Lock()
	m.listSeq++
	seq := m.listSeq
	m.mu.Unlock()

	sessions, err := cache.FetchAs(ctx, m.cfg.Cache, cache.KeyAiChats, m.cfg.API.ListAiChats)
	if err != nil {
		err = fmt.Errorf("failed to load tutor sessions: %w", err)
		m.report(err)
		return err
	}

	m.mu.Lock()
	if seq <= m.listApplied {
		m.mu.Unlock()
		slog.Debug("dropping stale tutor session list", "seq", seq)
		return nil
	}
	m.listApplied = seq
	m.chats = slices.Clone(sessions)
	m.mu.Unlock()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.SaveAiSessions(sessions); err != nil {
			slog.Warn("failed to save tutor session snapshot", "error", err)
		}
	}
	return nil
}

// SelectAiChat makes id the active session and loads its history.
func (m *Manager) SelectAiChat(ctx context.Context, id int64) error {
	m.mu.Lock()
	m.epoch++
	m.selected = id
	m.messages = nil
	m.mu.Unlock()

	return m.FetchAiChatHistory(ctx, id)
}

// Deselect clears the active session without any request.
func (m *Manager) Deselect() {
	m.mu.Lock()
	m.epoch++
	m.selected = 0
	m.messages = nil
	m.mu.Unlock()

	m.notify(0, nil)
}

// FetchAiChatHistory loads and merges the history of session id. The result
// is applied only if id is still selected and no newer fetch landed first.
func (m *Manager) FetchAiChatHistory(ctx context.Context, id int64) error {
	m.mu.Lock()
	epoch := m.epoch
	m.fetchSeq++
	seq := m.fetchSeq
	m.mu.Unlock()

	history, err := cache.FetchAs(ctx, m.cfg.Cache, cache.AiHistoryKey(id), func(ctx context.Context) (models.AiChatHistory, error) {
		return m.cfg.API.GetAiChatHistory(ctx, id)
	})
	if err != nil {
		err = fmt.Errorf("failed to load tutor history %d: %w", id, err)
		m.report(err)
		return err
	}

	merged := MergeHistory(history)

	m.mu.Lock()
	if m.epoch != epoch || m.selected != id || seq < m.applied {
		m.mu.Unlock()
		slog.Debug("discarding stale tutor history", "session_id", id)
		return nil
	}
	m.applied = seq
	for _, p := range m.pending {
		if p.sessionID == id {
			merged = append(merged, p.msg)
		}
	}
	slices.SortStableFunc(merged, compareMessages)
	m.messages = merged
	snapshot := slices.Clone(merged)
	m.mu.Unlock()

	m.notify(id, snapshot)
	return nil
}

// CreateAiChat opens a new tutor session, refreshes the list and selects it.
// It returns nil on any failure.
func (m *Manager) CreateAiChat(ctx context.Context) (*models.AiChatSession, error) {
	if !m.cfg.Auth.Authenticated() {
		err := fmt.Errorf("failed to create tutor session: %w", models.ErrNotAuthenticated)
		m.report(err)
		return nil, err
	}

	session, err := m.cfg.API.CreateAiChat(ctx)
	if err != nil {
		err = fmt.Errorf("failed to create tutor session: %w", err)
		m.report(err)
		return nil, err
	}

	m.cfg.Cache.Invalidate(cache.KeyAiChats)
	if err := m.FetchAiChats(ctx); err != nil {
		return nil, err
	}
	if err := m.SelectAiChat(ctx, session.ID); err != nil {
		return nil, err
	}
	return &session, nil
}

// SendAiMessage shows text right away as a pending user message, posts it
// and then reloads the history. A failed post removes the pending message.
func (m *Manager) SendAiMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	m.mu.Lock()
	id := m.selected
	if id == 0 {
		m.mu.Unlock()
		return models.ErrNoSession
	}
	if text == "" {
		m.mu.Unlock()
		return models.ErrEmptyMessage
	}

	msg := models.AiMessage{
		ID:        m.cfg.NewTempID(),
		Body:      text,
		CreatedAt: m.cfg.Now(),
		Sender:    models.SenderUser,
		Pending:   true,
	}
	m.messages = append(m.messages, msg)
	m.pending[msg.ID] = pendingMessage{sessionID: id, msg: msg}
	snapshot := slices.Clone(m.messages)
	m.mu.Unlock()

	m.notify(id, snapshot)

	err := m.cfg.API.SendAiMessage(ctx, id, text)

	m.mu.Lock()
	delete(m.pending, msg.ID)
	if err != nil {
		m.messages = slices.DeleteFunc(m.messages, func(x models.AiMessage) bool {
			return x.Pending && x.ID == msg.ID
		})
	} else {
		for i := range m.messages {
			if m.messages[i].ID == msg.ID {
				m.messages[i].Pending = false
			}
		}
	}
	selected := m.selected
	snapshot = slices.Clone(m.messages)
	m.mu.Unlock()

	if err != nil {
		if selected == id {
			m.notify(id, snapshot)
		}
		err = fmt.Errorf("failed to send tutor message: %w", err)
		m.report(err)
		return err
	}

	m.cfg.Cache.Invalidate(cache.AiHistoryKey(id))
	if selected != id {
		return nil
	}
	// The send went through; a failed reload is reported but not returned.
	_ = m.FetchAiChatHistory(ctx, id)
	return nil
}

// HandleAuthChange clears all tutor state when the session is lost.
func (m *Manager) HandleAuthChange(authenticated bool) {
	if authenticated {
		return
	}
	m.reset()
}

func (m *Manager) Chats() []models.AiChatSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.chats)
}

// Selected returns the active session id, 0 when none is selected.
func (m *Manager) Selected() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selected
}

func (m *Manager) Messages() []models.AiMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.messages)
}

func (m *Manager) reset() {
	m.mu.Lock()
	m.epoch++
	m.listSeq++
	m.listApplied = m.listSeq
	m.chats = nil
	m.selected = 0
	m.messages = nil
	clear(m.pending)
	m.mu.Unlock()

	m.cfg.Cache.Invalidate(cache.KeyAiChats)
	m.cfg.Cache.InvalidatePrefix(cache.AiHistoryPrefix)
}

func (m *Manager) notify(sessionID int64, messages []models.AiMessage) {
	if m.cfg.OnUpdate != nil {
		m.cfg.OnUpdate(sessionID, messages)
	}
}

func (m *Manager) report(err error) {
	if errors.Is(err, context.Canceled) {
		slog.Debug("tutor operation canceled", "error", err)
		return
	}
	slog.Error("tutor error", "error", err)
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}
