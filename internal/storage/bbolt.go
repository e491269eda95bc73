package storage

import (
	"errors"
	"fitchat/internal/models"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketAiSessions    = []byte("ai_sessions")
	bucketMessages      = []byte("messages")
	bucketSelections    = []byte("selections")
)

const (
	SelectionConversation = "conversation"
	SelectionAiSession    = "ai_session"
)

// BboltStorage keeps the last good server state on disk so the client can
// show it before the first refresh completes.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketAiSessions, bucketMessages, bucketSelections} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SaveConversations replaces the stored conversation list.
func (s *BboltStorage) SaveConversations(conversations []models.Conversation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := recreateBucket(tx, bucketConversations)
		if err != nil {
			return err
		}
		for i, c := range conversations {
			dbConv := &DBConversation{
				ID:          c.ID,
				Position:    i,
				Created:     toMillis(c.Created),
				LastBody:    c.LastMessage.Body,
				LastCreated: toMillis(c.LastMessage.Created),
				UnreadCount: c.UnreadCount,
			}
			for _, p := range c.Participants {
				dbConv.Participants = append(dbConv.Participants, DBUser{ID: p.ID, Username: p.Username})
			}
			if c.OtherUser != nil {
				dbConv.OtherUser = &DBUser{ID: c.OtherUser.ID, Username: c.OtherUser.Username}
			}
			if err := put(b, dbConv); err != nil {
				return fmt.Errorf("failed to put conversation %d: %w", c.ID, err)
			}
		}
		return nil
	})
}

// ListConversations returns the stored conversation list in saved order.
func (s *BboltStorage) ListConversations() ([]models.Conversation, error) {
	var stored []DBConversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			stored = append(stored, dbConv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(stored, func(a, b DBConversation) int { return a.Position - b.Position })

	conversations := make([]models.Conversation, 0, len(stored))
	for _, c := range stored {
		conv := models.Conversation{
			ID:      c.ID,
			Created: fromMillis(c.Created),
			LastMessage: models.MessageSummary{
				Body:    c.LastBody,
				Created: fromMillis(c.LastCreated),
			},
			UnreadCount: c.UnreadCount,
		}
		for _, p := range c.Participants {
			conv.Participants = append(conv.Participants, models.User{ID: p.ID, Username: p.Username})
		}
		if c.OtherUser != nil {
			conv.OtherUser = &models.User{ID: c.OtherUser.ID, Username: c.OtherUser.Username}
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// SaveAiSessions replaces the stored tutor session list.
func (s *BboltStorage) SaveAiSessions(sessions []models.AiChatSession) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := recreateBucket(tx, bucketAiSessions)
		if err != nil {
			return err
		}
		for i, session := range sessions {
			dbSession := &DBAiSession{
				ID:        session.ID,
				Position:  i,
				ChatID:    session.ChatID,
				CreatedAt: toMillis(session.CreatedAt),
				IsAI:      session.IsAI,
			}
			if err := put(b, dbSession); err != nil {
				return fmt.Errorf("failed to put tutor session %d: %w", session.ID, err)
			}
		}
		return nil
	})
}

// ListAiSessions returns the stored tutor sessions in saved order.
func (s *BboltStorage) ListAiSessions() ([]models.AiChatSession, error) {
	var stored []DBAiSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAiSessions).ForEach(func(k, v []byte) error {
			var dbSession DBAiSession
			if err := dbSession.UnmarshalBinary(v); err != nil {
				return err
			}
			stored = append(stored, dbSession)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(stored, func(a, b DBAiSession) int { return a.Position - b.Position })

	sessions := make([]models.AiChatSession, 0, len(stored))
	for _, ds := range stored {
		sessions = append(sessions, models.AiChatSession{
			ID:        ds.ID,
			ChatID:    ds.ChatID,
			CreatedAt: fromMillis(ds.CreatedAt),
			IsAI:      ds.IsAI,
		})
	}
	return sessions, nil
}

// UpsertMessage saves a confirmed direct message under its conversation.
func (s *BboltStorage) UpsertMessage(conversationID int64, message models.Message) error {
	if message.ID == 0 {
		return errors.New("message missing server id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(idKey(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMessage := &DBMessage{
			ID:             message.ID,
			ConversationID: conversationID,
			SenderID:       message.Sender.ID,
			SenderName:     message.Sender.Username,
			Body:           message.Body,
			Created:        toMillis(message.Created),
			IsRead:         message.IsRead,
		}
		if err := put(chatBucket, dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
}

// ListMessages returns up to limit most recent stored messages of a
// conversation, oldest first.
func (s *BboltStorage) ListMessages(conversationID int64, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket(idKey(conversationID))
		if chatBucket == nil {
			return nil // No messages for this conversation
		}

		c := chatBucket.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(messages) < limit); k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:      dbMsg.ID,
				Sender:  models.UserRef{ID: dbMsg.SenderID, Username: dbMsg.SenderName},
				Body:    dbMsg.Body,
				Created: fromMillis(dbMsg.Created),
				IsRead:  dbMsg.IsRead,
			})
		}
		return nil
	})
	slices.Reverse(messages)
	return messages, err
}

// SaveSelection remembers the id that was open under name.
func (s *BboltStorage) SaveSelection(name string, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSelections)
		if id == 0 {
			return b.Delete([]byte(name))
		}
		return put(b, &DBSelection{Name: name, ID: id})
	})
}

// Selection returns the remembered id, 0 when nothing was saved.
func (s *BboltStorage) Selection(name string) (int64, error) {
	var sel DBSelection
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSelections).Get([]byte(name))
		if data == nil {
			return nil
		}
		return sel.UnmarshalBinary(data)
	})
	return sel.ID, err
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

func recreateBucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to clear bucket %s: %w", name, err)
	}
	return tx.CreateBucket(name)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
