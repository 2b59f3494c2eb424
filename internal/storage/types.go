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

type DBMessage struct {
	ID          string         `msgpack:"id"`
	SenderID    string         `msgpack:"senderId"`
	ReceiverID  string         `msgpack:"receiverId"`
	Body        string         `msgpack:"body"`
	CreatedAt   int64          `msgpack:"createdAt"` // Unix nanoseconds
	IsRead      bool           `msgpack:"isRead"`
	Attachments []DBAttachment `msgpack:"attachments"`
}

type DBAttachment struct {
	ID        string `msgpack:"id"`
	MessageID string `msgpack:"messageId"`
	FileName  string `msgpack:"fileName"`
	Path      string `msgpack:"path"`
	Size      int64  `msgpack:"size"`
	MimeType  string `msgpack:"mimeType"`
}

// Key orders messages by creation time within a conversation bucket, with the
// id appended so two messages created in the same nanosecond cannot collide.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, []byte(m.ID)...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message row from its id: the conversation bucket it
// lives in and its ordered key within that bucket.
type DBMessageRef struct {
	ID              string `msgpack:"id"`
	ConversationKey string `msgpack:"conversationKey"`
	MessageKey      []byte `msgpack:"messageKey"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.ID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}
