package models

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConversationClosed = errors.New("conversation closed")
	ErrStale              = errors.New("stale conversation generation")
)

const tempIDPrefix = "tmp-"

// NewTempID generates a session-unique id for an optimistic message.
// Temp ids are distinguishable from canonical ids by prefix.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was locally generated by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// ConversationKey identifies one two-party conversation as an unordered pair.
type ConversationKey struct {
	SelfID         string
	CounterpartyID string
}

// String returns the canonical form of the key: both ids sorted, so that
// (a,b) and (b,a) map to the same conversation.
func (k ConversationKey) String() string {
	ids := []string{k.SelfID, k.CounterpartyID}
	sort.Strings(ids)
	return "dm_" + ids[0] + "_" + ids[1]
}

// Involves reports whether the sender/receiver pair belongs to this key.
func (k ConversationKey) Involves(senderID, receiverID string) bool {
	a, b := k.SelfID, k.CounterpartyID
	return (senderID == a && receiverID == b) || (senderID == b && receiverID == a)
}

// Message is one direct message. ID is either a canonical id assigned by the
// backend or a temp id generated locally for an optimistic entry.
type Message struct {
	ID          string       `json:"id" msgpack:"id"`
	SenderID    string       `json:"senderId" msgpack:"senderId"`
	ReceiverID  string       `json:"receiverId" msgpack:"receiverId"`
	Body        string       `json:"body" msgpack:"body"`
	CreatedAt   time.Time    `json:"createdAt" msgpack:"createdAt"`
	IsRead      bool         `json:"isRead" msgpack:"isRead"`
	Attachments []Attachment `json:"attachments,omitempty" msgpack:"attachments"`
}

// IsTemp reports whether the message is an unconfirmed optimistic entry.
func (m Message) IsTemp() bool {
	return IsTempID(m.ID)
}

type Attachment struct {
	ID        string `json:"id" msgpack:"id"`
	MessageID string `json:"messageId" msgpack:"messageId"`
	FileName  string `json:"fileName" msgpack:"fileName"`
	Path      string `json:"path" msgpack:"path"`
	Size      int64  `json:"size" msgpack:"size"`
	MimeType  string `json:"mimeType" msgpack:"mimeType"`
}

// Draft is the user's composed input, returned intact on a failed send so it
// can be restored to the input box.
type Draft struct {
	Body  string
	Files []DraftFile
}

// DraftFile is a to-be-uploaded attachment payload.
type DraftFile struct {
	Name    string
	Content []byte
}

// Relation names for push events, matching the backend's tables.
const (
	RelationMessages    = "messages"
	RelationAttachments = "attachments"
	RelationReadState   = "read_state"
)

type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
)

// PushEvent is one raw event from the backend push channel. Delivery is
// at-least-once and unordered across relations; consumers must be idempotent.
type PushEvent struct {
	Relation   string      `msgpack:"relation"`
	Kind       EventKind   `msgpack:"kind"`
	Message    *Message    `msgpack:"message,omitempty"`
	Attachment *Attachment `msgpack:"attachment,omitempty"`
}
