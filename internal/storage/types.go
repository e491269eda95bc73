package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

type DBUser struct {
	ID       int64  `msgpack:"id"`
	Username string `msgpack:"username"`
}

type DBConversation struct {
	ID           int64    `msgpack:"id"`
	Position     int      `msgpack:"position"`
	Participants []DBUser `msgpack:"participants"`
	OtherUser    *DBUser  `msgpack:"otherUser"`
	Created      int64    `msgpack:"created"`
	LastBody     string   `msgpack:"lastBody"`
	LastCreated  int64    `msgpack:"lastCreated"`
	UnreadCount  int      `msgpack:"unreadCount"`
}

func (c *DBConversation) Key() []byte {
	return idKey(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBAiSession struct {
	ID        int64  `msgpack:"id"`
	Position  int    `msgpack:"position"`
	ChatID    string `msgpack:"chatId"`
	CreatedAt int64  `msgpack:"createdAt"`
	IsAI      bool   `msgpack:"isAi"`
}

func (s *DBAiSession) Key() []byte {
	return idKey(s.ID)
}

func (s *DBAiSession) MarshalBinary() (data []byte, err error) {
	type alias DBAiSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBAiSession) UnmarshalBinary(data []byte) error {
	type alias DBAiSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

type DBMessage struct {
	ID             int64  `msgpack:"id"`
	ConversationID int64  `msgpack:"conversationId"`
	SenderID       int64  `msgpack:"senderId"`
	SenderName     string `msgpack:"senderName"`
	Body           string `msgpack:"body"`
	Created        int64  `msgpack:"created"`
	IsRead         bool   `msgpack:"isRead"`
}

func (m *DBMessage) Key() []byte {
	return idKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBSelection remembers what was open when the client last ran.
type DBSelection struct {
	Name string `msgpack:"name"`
	ID   int64  `msgpack:"id"`
}

func (s *DBSelection) Key() []byte {
	return []byte(s.Name)
}

func (s *DBSelection) MarshalBinary() (data []byte, err error) {
	type alias DBSelection
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSelection) UnmarshalBinary(data []byte) error {
	type alias DBSelection
	return msgpack.Unmarshal(data, (*alias)(s))
}
