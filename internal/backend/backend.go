// Package backend declares the remote backend surface the sync engine
// depends on. The engine treats these as black boxes: a production build
// points them at the hosted data platform, tests and the demo binary use the
// local implementation.
package backend

import (
	"context"
	"io"
	"time"

	"parley/internal/models"
)

// Querier is the backend query interface for messages and read state.
type Querier interface {
	// MessagesBetween fetches all messages of one conversation with nested
	// attachments, ordered by creation time.
	MessagesBetween(ctx context.Context, key models.ConversationKey) ([]models.Message, error)

	// MessageByID fetches one message with nested attachments.
	MessageByID(ctx context.Context, id string) (models.Message, error)

	// InsertMessage persists a message row.
	InsertMessage(ctx context.Context, msg models.Message) error

	// InsertAttachment persists an attachment row for an existing message.
	InsertAttachment(ctx context.Context, att models.Attachment) error

	// MarkRead marks all messages addressed to selfID from counterpartyID
	// as read.
	MarkRead(ctx context.Context, selfID, counterpartyID string) error

	// CountUnread counts unread messages addressed to selfID, scoped to one
	// counterparty when counterpartyID is non-empty.
	CountUnread(ctx context.Context, selfID, counterpartyID string) (int, error)
}

// ObjectStore is the backend object-storage interface.
type ObjectStore interface {
	// SignURL issues a time-limited access URL for a stored object path and
	// returns it together with its validity window.
	SignURL(ctx context.Context, path string) (url string, validity time.Duration, err error)

	// Download fetches the raw bytes of a stored object.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Upload stores content and returns the assigned object path.
	Upload(ctx context.Context, content []byte) (path string, err error)
}
