package stubs

import (
	"encoding/json"
	"fitchat/internal/models"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type failure struct {
	code int
}

// Backend is an in-memory stand-in for the chat and tutor REST + WebSocket
// API. It authenticates requests with the stub session cookie and checks
// the CSRF header on state-changing requests.
type Backend struct {
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu            sync.Mutex
	now           func() time.Time
	nextID        int64
	chats         map[int64]*stubChat
	chatOrder     []int64
	rawChats      []json.RawMessage
	aiSessions    []models.AiChatSession
	aiHistory     map[int64]*models.AiChatHistory
	notifications []models.Notification
	failures      map[string]failure
	requests      map[string]int
	createGate    chan struct{}
}

type stubChat struct {
	conv    models.Conversation
	sockets map[*websocket.Conn]bool
	writeMu sync.Mutex
}

func NewBackend() *Backend {
	b := &Backend{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now:       time.Now,
		nextID:    100,
		chats:     make(map[int64]*stubChat),
		aiHistory: make(map[int64]*models.AiChatHistory),
		failures:  make(map[string]failure),
		requests:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat/get-users/{$}", b.requireSession(b.usersHandler))
	mux.HandleFunc("GET /chat/get-chats/{$}", b.requireSession(b.chatsHandler))
	mux.HandleFunc("POST /chat/create-chat/{$}", b.requireSession(b.createChatHandler))
	mux.HandleFunc("GET /ws/chat/{id}/{$}", b.requireSession(b.socketHandler))
	mux.HandleFunc("GET /api/ai-tutor/{$}", b.requireSession(b.aiChatsHandler))
	mux.HandleFunc("POST /api/ai-tutor/{$}", b.requireSession(b.createAiChatHandler))
	mux.HandleFunc("GET /api/ai-tutor/{id}/chat_history/{$}", b.requireSession(b.aiHistoryHandler))
	mux.HandleFunc("POST /api/ai-tutor/{id}/send_message/{$}", b.requireSession(b.aiSendHandler))
	mux.HandleFunc("GET /api/notifications/{$}", b.requireSession(b.notificationsHandler))
	b.mux = mux

	return b
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

// AddChat registers a conversation between Me and the peer.
func (b *Backend) AddChat(peer models.User) models.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addChatLocked(peer)
}

// AddRawChat appends a verbatim entry to the get-chats response.
func (b *Backend) AddRawChat(raw string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rawChats = append(b.rawChats, json.RawMessage(raw))
}

func (b *Backend) AddNotification(n models.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, n)
}

// AddAiSession registers a tutor session with the given history.
func (b *Backend) AddAiSession(history models.AiChatHistory) models.AiChatSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addAiSessionLocked(history)
}

// FailNext makes the next request matching "METHOD path" fail with code.
func (b *Backend) FailNext(pattern string, code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[pattern] = failure{code: code}
}

// HoldCreates blocks create-chat requests until the returned func is called.
func (b *Backend) HoldCreates() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.createGate = gate
	b.mu.Unlock()
	return func() { close(gate) }
}

// Requests returns how many requests matched "METHOD path".
func (b *Backend) Requests(pattern string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[pattern]
}

// OpenSockets returns the number of live sockets on a conversation.
func (b *Backend) OpenSockets(chatID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.chats[chatID]
	if !ok {
		return 0
	}
	return len(c.sockets)
}

// Push delivers a message from sender to every socket of the conversation.
func (b *Backend) Push(chatID int64, sender models.User, body string) {
	b.mu.Lock()
	c, ok := b.chats[chatID]
	if !ok {
		b.mu.Unlock()
		return
	}
	msg := b.newMessageLocked(c, sender, body)
	b.mu.Unlock()

	b.broadcast(c, msg)
}

func (b *Backend) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pattern := r.Method + " " + r.URL.Path

		b.mu.Lock()
		b.requests[pattern]++
		f, failing := b.failures[pattern]
		delete(b.failures, pattern)
		b.mu.Unlock()

		if failing {
			http.Error(w, http.StatusText(f.code), f.code)
			return
		}

		cookie, err := r.Cookie("sessionid")
		if err != nil || cookie.Value != SessionID {
			http.Error(w, `{"detail":"Authentication credentials were not provided."}`, http.StatusForbidden)
			return
		}

		if r.Method == http.MethodPost {
			csrf, err := r.Cookie("csrftoken")
			if err != nil || csrf.Value == "" || r.Header.Get("X-CSRFToken") != csrf.Value {
				http.Error(w, `{"detail":"CSRF Failed"}`, http.StatusForbidden)
				return
			}
		}

		next(w, r)
	}
}

func (b *Backend) usersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Users)
}

func (b *Backend) chatsHandler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	list := make([]any, 0, len(b.chatOrder)+len(b.rawChats))
	for _, id := range b.chatOrder {
		list = append(list, b.chats[id].conv)
	}
	for _, raw := range b.rawChats {
		list = append(list, raw)
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, list)
}

func (b *Backend) createChatHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	peer, ok := findUser(req.UserID)
	if !ok {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	b.mu.Lock()
	gate := b.createGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	conv, exists := b.findChatLocked(peer.ID)
	if !exists {
		conv = b.addChatLocked(peer)
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, conv)
}

func (b *Backend) socketHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid chat id", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	c, ok := b.chats[id]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	b.mu.Lock()
	c.sockets[conn] = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(c.sockets, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var in models.OutboundFrame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		if in.Body == "" {
			continue
		}

		b.mu.Lock()
		msg := b.newMessageLocked(c, Me, in.Body)
		b.mu.Unlock()

		b.broadcast(c, msg)
	}
}

func (b *Backend) aiChatsHandler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	sessions := append([]models.AiChatSession{}, b.aiSessions...)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, sessions)
}

func (b *Backend) createAiChatHandler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	session := b.addAiSessionLocked(models.AiChatHistory{})
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, session)
}

func (b *Backend) aiHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	h, ok := b.aiHistory[id]
	var history models.AiChatHistory
	if ok {
		history = models.AiChatHistory{
			UserMessages: append([]models.AiUserMessage{}, h.UserMessages...),
			AIResponses:  append([]models.AiResponse{}, h.AIResponses...),
		}
	}
	b.mu.Unlock()

	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (b *Backend) aiSendHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	h, ok := b.aiHistory[id]
	if ok {
		now := b.now()
		b.nextID++
		h.UserMessages = append(h.UserMessages, models.AiUserMessage{ID: b.nextID, Message: req.Message, CreatedAt: now})
		b.nextID++
		h.AIResponses = append(h.AIResponses, models.AiResponse{ID: b.nextID, Response: "Coach says: **" + req.Message + "**", CreatedAt: now.Add(time.Millisecond)})
	}
	b.mu.Unlock()

	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Backend) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	list := append([]models.Notification{}, b.notifications...)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, list)
}

func (b *Backend) broadcast(c *stubChat, msg models.Message) {
	b.mu.Lock()
	sockets := make([]*websocket.Conn, 0, len(c.sockets))
	for s := range c.sockets {
		sockets = append(sockets, s)
	}
	b.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, s := range sockets {
		if err := s.WriteJSON(models.InboundFrame{Message: &msg}); err != nil {
			log.Printf("error writing frame: %v", err)
		}
	}
}

func (b *Backend) addChatLocked(peer models.User) models.Conversation {
	b.nextID++
	conv := models.Conversation{
		ID:           b.nextID,
		Participants: []models.User{Me, peer},
		OtherUser:    &peer,
		Created:      b.now(),
	}
	b.chats[conv.ID] = &stubChat{conv: conv, sockets: make(map[*websocket.Conn]bool)}
	b.chatOrder = append(b.chatOrder, conv.ID)
	return conv
}

func (b *Backend) findChatLocked(peerID int64) (models.Conversation, bool) {
	for _, id := range b.chatOrder {
		c := b.chats[id]
		if c.conv.OtherUser != nil && c.conv.OtherUser.ID == peerID {
			return c.conv, true
		}
	}
	return models.Conversation{}, false
}

func (b *Backend) addAiSessionLocked(history models.AiChatHistory) models.AiChatSession {
	b.nextID++
	session := models.AiChatSession{
		ID:        b.nextID,
		ChatID:    "ai-" + strconv.FormatInt(b.nextID, 10),
		CreatedAt: b.now(),
		IsAI:      true,
	}
	b.aiSessions = append(b.aiSessions, session)
	b.aiHistory[session.ID] = &history
	return session
}

func (b *Backend) newMessageLocked(c *stubChat, sender models.User, body string) models.Message {
	b.nextID++
	msg := models.Message{
		ID:      b.nextID,
		Sender:  models.UserRef{ID: sender.ID, Username: sender.Username},
		Body:    body,
		Created: b.now(),
	}
	c.conv.LastMessage = models.MessageSummary{Body: body, Created: msg.Created}
	if sender.ID != Me.ID {
		c.conv.UnreadCount++
	}
	return msg
}

func findUser(id int64) (models.User, bool) {
	for _, u := range Users {
		if u.ID == id {
			return u, true
		}
	}
	return models.User{}, false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
