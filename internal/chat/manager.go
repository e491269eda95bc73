package chat

import (
	"context"
	"errors"
	"fitchat/internal/cache"
	"fitchat/internal/content"
	"fitchat/internal/models"
	"fitchat/internal/ws"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const refreshTimeout = 10 * time.Second

var ErrClosed = errors.New("chat manager closed")

type API interface {
	GetUsers(ctx context.Context) ([]models.User, error)
	GetChats(ctx context.Context) ([]models.Conversation, error)
	CreateChat(ctx context.Context, userID int64) (models.Conversation, error)
}

// Snapshotter persists the last good conversation list for warm starts.
type Snapshotter interface {
	SaveConversations(conversations []models.Conversation) error
	ListConversations() ([]models.Conversation, error)
}

type Config struct {
	API          API
	Dialer       ws.Dialer
	Cache        *cache.QueryCache
	WSURL        string
	Self         models.UserRef
	HistoryLimit int

	// Optional.
	Store     Snapshotter
	OnError   func(err error)
	OnMessage func(conversationID int64, msg models.Message)
	OnState   func(conversationID int64, state ws.State)
	NewTempID func() string
	Now       func() time.Time
}

// Manager owns the conversation list, the selected conversation and the one
// socket that belongs to it.
type Manager struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	// switchMu serializes socket replacement so at most one socket is live.
	switchMu sync.Mutex

	mu            sync.RWMutex
	conversations []models.Conversation
	users         []models.User
	selected      int64
	generation    uint64
	conn          *ws.Connection
	state         ws.State
	history       *History
	closed        bool

	// listSeq numbers conversation list loads. A load is applied only when
	// nothing newer (a later load or a created conversation) landed first.
	listSeq     uint64
	listApplied uint64

	creates singleflight.Group
	wg      sync.WaitGroup
}

func New(ctx context.Context, cfg Config) *Manager {
	if cfg.NewTempID == nil {
		cfg.NewTempID = func() string { return "tmp-" + uuid.NewString() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		state:   ws.StateIdle,
		history: NewHistory(cfg.HistoryLimit),
	}
}

// Restore seeds the conversation list from the snapshot store. It does
// nothing when a list was already loaded.
func (m *Manager) Restore() error {
	if m.cfg.Store == nil {
		return nil
	}
	convs, err := m.cfg.Store.ListConversations()
	if err != nil {
		return fmt.Errorf("failed to restore conversations: %w", err)
	}
	convs = validConversations(convs)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversations != nil {
		return nil
	}
	m.conversations = convs
	if _, ok := m.cfg.Cache.Get(cache.KeyChats); !ok {
		m.cfg.Cache.Set(cache.KeyChats, convs)
	}
	return nil
}

// LoadConversations refetches the conversation list. On failure the
// current list is kept. A list that was requested before a newer one was
// applied is dropped.
func (m *Manager) LoadConversations(ctx context.Context) error {
	m.mu.Lock()
	m.listSeq++
	seq := m.listSeq
	m.mu.Unlock()

	convs, err := cache.FetchAs(ctx, m.cfg.Cache, cache.KeyChats, func(ctx context.Context) ([]models.Conversation, error) {
		list, err := m.cfg.API.GetChats(ctx)
		if err != nil {
			return nil, err
		}
		return validConversations(list), nil
	})
	if err != nil {
		err = fmt.Errorf("failed to load conversations: %w", err)
		m.report(err)
		return err
	}

	m.mu.Lock()
	if seq <= m.listApplied {
		m.mu.Unlock()
		slog.Debug("dropping stale conversation list", "seq", seq)
		return nil
	}
	m.listApplied = seq
	m.conversations = slices.Clone(convs)
	m.mu.Unlock()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.SaveConversations(convs); err != nil {
			slog.Warn("failed to save conversation snapshot", "error", err)
		}
	}
	return nil
}

// LoadUsers fetches the users a new conversation can be started with.
func (m *Manager) LoadUsers(ctx context.Context) error {
	users, err := cache.FetchAs(ctx, m.cfg.Cache, cache.KeyUsers, m.cfg.API.GetUsers)
	if err != nil {
		err = fmt.Errorf("failed to load users: %w", err)
		m.report(err)
		return err
	}

	m.mu.Lock()
	m.users = slices.Clone(users)
	m.mu.Unlock()
	return nil
}

// SelectConversation makes id the active conversation: the buffer is
// cleared, the previous socket is closed and a new one is opened.
func (m *Manager) SelectConversation(ctx context.Context, id int64) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.generation++
	gen := m.generation
	old := m.conn
	m.conn = nil
	m.selected = id
	m.state = ws.StateIdle
	m.history.Clear()
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Debug("error closing previous socket", "url", old.URL(), "error", err)
		}
	}

	conn := ws.NewConnection(m.cfg.Dialer, ws.ChatURL(m.cfg.WSURL, id), &stream{
		m:              m,
		generation:     gen,
		conversationID: id,
	})

	m.mu.Lock()
	if m.generation != gen {
		// Close ran while the old socket was shutting down.
		m.mu.Unlock()
		return ErrClosed
	}
	m.conn = conn
	m.state = ws.StateConnecting
	m.mu.Unlock()
	m.notifyState(id, ws.StateConnecting)

	if err := conn.Open(ctx); err != nil {
		if errors.Is(err, ws.ErrClosed) {
			return ErrClosed
		}
		err = fmt.Errorf("failed to connect to conversation %d: %w", id, err)
		m.report(err)
		return err
	}
	return nil
}

// CreateConversation starts (or reopens) a conversation with peerUserID and
// selects it. Concurrent calls for the same peer share one request.
func (m *Manager) CreateConversation(ctx context.Context, peerUserID int64) (models.Conversation, error) {
	v, err, _ := m.creates.Do(strconv.FormatInt(peerUserID, 10), func() (any, error) {
		return m.cfg.API.CreateChat(ctx, peerUserID)
	})
	if err != nil {
		err = fmt.Errorf("failed to create conversation with user %d: %w", peerUserID, err)
		m.report(err)
		return models.Conversation{}, err
	}
	conv := v.(models.Conversation)

	m.mu.Lock()
	if conv.Valid() && !slices.ContainsFunc(m.conversations, func(c models.Conversation) bool { return c.ID == conv.ID }) {
		m.conversations = append([]models.Conversation{conv}, m.conversations...)
	}
	active := m.selected == conv.ID && (m.state == ws.StateConnecting || m.state == ws.StateConnected)
	// Loads already in flight saw the list without conv.
	m.cfg.Cache.Invalidate(cache.KeyChats)
	m.listSeq++
	m.listApplied = m.listSeq
	m.mu.Unlock()

	if active {
		return conv, nil
	}
	if err := m.SelectConversation(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// Send posts draft on the socket of the selected conversation. Empty drafts
// and sends without an open socket are silently ignored (false, nil).
func (m *Manager) Send(draft string) (bool, error) {
	body := strings.TrimSpace(draft)
	if body == "" {
		return false, nil
	}

	m.mu.Lock()
	conn := m.conn
	if conn == nil || m.state != ws.StateConnected {
		m.mu.Unlock()
		return false, nil
	}
	gen := m.generation
	conversationID := m.selected
	pending := models.Message{
		TempID:  m.cfg.NewTempID(),
		Sender:  m.cfg.Self,
		Body:    content.Sanitize(body),
		Created: m.cfg.Now(),
		Pending: true,
	}
	m.history.Append(pending)
	m.mu.Unlock()

	if m.cfg.OnMessage != nil {
		m.cfg.OnMessage(conversationID, pending)
	}

	if err := conn.Send(models.OutboundFrame{Body: body}); err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.history.Remove(pending.TempID)
		}
		m.mu.Unlock()

		if errors.Is(err, ws.ErrNotConnected) {
			return false, nil
		}
		err = fmt.Errorf("failed to send message: %w", err)
		m.report(err)
		return false, err
	}
	return true, nil
}

func (m *Manager) Conversations() []models.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.conversations)
}

func (m *Manager) Users() []models.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.users)
}

// Self is the local user.
func (m *Manager) Self() models.UserRef {
	return m.cfg.Self
}

// Selected returns the active conversation id, 0 when none is selected.
func (m *Manager) Selected() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selected
}

func (m *Manager) State() ws.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Messages() []models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.All()
}

// Recent returns up to n of the newest buffered messages, oldest first.
func (m *Manager) Recent(n int) []models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.Last(n)
}

// Close closes the socket and waits for background refreshes to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.generation++
	conn := m.conn
	m.conn = nil
	m.state = ws.StateIdle
	m.mu.Unlock()

	m.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	return err
}

// refreshAsync reloads the conversation list in the background so unread
// counts and ordering follow incoming messages.
func (m *Manager) refreshAsync() {
	m.mu.RLock()
	closed := m.closed
	if !closed {
		m.wg.Add(1)
	}
	m.mu.RUnlock()
	if closed {
		return
	}

	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, refreshTimeout)
		defer cancel()
		_ = m.LoadConversations(ctx)
	}()
}

func (m *Manager) report(err error) {
	if errors.Is(err, context.Canceled) {
		slog.Debug("chat operation canceled", "error", err)
		return
	}
	slog.Error("chat error", "error", err)
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

func (m *Manager) notifyState(conversationID int64, state ws.State) {
	if m.cfg.OnState != nil {
		m.cfg.OnState(conversationID, state)
	}
}

func validConversations(list []models.Conversation) []models.Conversation {
	valid := make([]models.Conversation, 0, len(list))
	for _, c := range list {
		if !c.Valid() {
			slog.Debug("dropping malformed conversation", "id", c.ID)
			continue
		}
		valid = append(valid, c)
	}
	return valid
}
