package notify

import (
	"context"
	"fitchat/internal/cache"
	"fitchat/internal/models"
	"fmt"
	"log/slog"
	"sync"
)

// CountUnread counts the entries for which read reports false.
func CountUnread[T any](list []T, read func(T) bool) int {
	n := 0
	for _, v := range list {
		if !read(v) {
			n++
		}
	}
	return n
}

// UnreadMessages counts messages from other users that are not read yet.
func UnreadMessages(list []models.Message, self models.UserRef) int {
	return CountUnread(list, func(m models.Message) bool { return m.IsRead || m.Sender.Is(self) })
}

func UnreadNotifications(list []models.Notification) int {
	return CountUnread(list, func(n models.Notification) bool { return n.Read })
}

// UnreadConversations sums the server side unread counters of a
// conversation list.
func UnreadConversations(list []models.Conversation) int {
	n := 0
	for _, c := range list {
		if c.UnreadCount > 0 {
			n += c.UnreadCount
		}
	}
	return n
}

type API interface {
	GetNotifications(ctx context.Context) ([]models.Notification, error)
}

// Conversations provides the conversation list the chat side loaded last.
type Conversations interface {
	Conversations() []models.Conversation
}

// Badges are the counters shown next to the navigation entries.
type Badges struct {
	Messages      int
	Notifications int
}

// Total is the single number shown when the counters are not split.
func (b Badges) Total() int {
	return b.Messages + b.Notifications
}

// Aggregator derives badge counts from the lists fetched last. The query
// cache only coalesces refreshes; counts do not drop when an entry expires
// or is invalidated.
type Aggregator struct {
	api           API
	cache         *cache.QueryCache
	conversations Conversations

	mu            sync.Mutex
	notifications []models.Notification
}

func New(api API, c *cache.QueryCache, conversations Conversations) *Aggregator {
	return &Aggregator{api: api, cache: c, conversations: conversations}
}

// Refresh reloads the notification list.
func (a *Aggregator) Refresh(ctx context.Context) error {
	list, err := cache.FetchAs(ctx, a.cache, cache.KeyNotifications, a.api.GetNotifications)
	if err != nil {
		slog.Warn("failed to refresh notifications", "error", err)
		return fmt.Errorf("failed to refresh notifications: %w", err)
	}

	a.mu.Lock()
	a.notifications = list
	a.mu.Unlock()
	return nil
}

// Badges counts unread entries in whatever was fetched last. Lists that were
// never fetched count as zero.
func (a *Aggregator) Badges() Badges {
	var b Badges
	if a.conversations != nil {
		b.Messages = UnreadConversations(a.conversations.Conversations())
	}
	a.mu.Lock()
	b.Notifications = UnreadNotifications(a.notifications)
	a.mu.Unlock()
	return b
}
