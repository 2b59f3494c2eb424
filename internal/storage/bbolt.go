package storage

import (
	"fmt"
	"time"

	"parley/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("messages")
	bucketMsgIndex = []byte("message_index")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMsgIndex); err != nil {
			return err
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

func toDBMessage(m models.Message) DBMessage {
	dbMsg := DBMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt.UnixNano(),
		IsRead:     m.IsRead,
	}
	if len(m.Attachments) > 0 {
		dbMsg.Attachments = make([]DBAttachment, len(m.Attachments))
		for i, a := range m.Attachments {
			dbMsg.Attachments[i] = DBAttachment(a)
		}
	}
	return dbMsg
}

func fromDBMessage(dbMsg DBMessage) models.Message {
	msg := models.Message{
		ID:         dbMsg.ID,
		SenderID:   dbMsg.SenderID,
		ReceiverID: dbMsg.ReceiverID,
		Body:       dbMsg.Body,
		CreatedAt:  time.Unix(0, dbMsg.CreatedAt),
		IsRead:     dbMsg.IsRead,
	}
	if len(dbMsg.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(dbMsg.Attachments))
		for i, a := range dbMsg.Attachments {
			msg.Attachments[i] = models.Attachment(a)
		}
	}
	return msg
}

// InsertMessage saves a message row and indexes it by id. Re-inserting the
// same id merges attachment lists instead of duplicating the row.
func (s *BboltStorage) InsertMessage(message models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if message.ID == "" {
			return fmt.Errorf("message missing id")
		}

		key := models.ConversationKey{SelfID: message.SenderID, CounterpartyID: message.ReceiverID}

		index := tx.Bucket(bucketMsgIndex)
		if data := index.Get([]byte(message.ID)); data != nil {
			var ref DBMessageRef
			if err := ref.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal message ref: %w", err)
			}
			return mergeAttachments(tx, ref, message.Attachments)
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(key.String()))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMsg := toDBMessage(message)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{
			ID:              message.ID,
			ConversationKey: key.String(),
			MessageKey:      dbMsg.Key(),
		}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message ref: %w", err)
		}
		return index.Put(ref.Key(), refData)
	})
}

// InsertAttachment appends an attachment row to its owning message,
// deduplicating by attachment id. The message must already exist.
func (s *BboltStorage) InsertAttachment(att models.Attachment) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketMsgIndex)
		data := index.Get([]byte(att.MessageID))
		if data == nil {
			return fmt.Errorf("message %s: %w", att.MessageID, models.ErrNotFound)
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal message ref: %w", err)
		}
		return mergeAttachments(tx, ref, []models.Attachment{att})
	})
}

func mergeAttachments(tx *bbolt.Tx, ref DBMessageRef, atts []models.Attachment) error {
	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationKey))
	if convBucket == nil {
		return fmt.Errorf("conversation %s: %w", ref.ConversationKey, models.ErrNotFound)
	}
	data := convBucket.Get(ref.MessageKey)
	if data == nil {
		return fmt.Errorf("message %s: %w", ref.ID, models.ErrNotFound)
	}

	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	changed := false
	for _, att := range atts {
		exists := false
		for _, have := range dbMsg.Attachments {
			if have.ID == att.ID {
				exists = true
				break
			}
		}
		if !exists {
			dbMsg.Attachments = append(dbMsg.Attachments, DBAttachment(att))
			changed = true
		}
	}
	if !changed {
		return nil
	}

	newData, err := dbMsg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return convBucket.Put(ref.MessageKey, newData)
}

// MessagesBetween returns all messages of one conversation ordered by
// creation time.
func (s *BboltStorage) MessagesBetween(key models.ConversationKey) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(key.String()))
		if convBucket == nil {
			return nil // No messages for this conversation
		}
		return convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, fromDBMessage(dbMsg))
			return nil
		})
	})
	return messages, err
}

// MessageByID fetches one message row with its nested attachments.
func (s *BboltStorage) MessageByID(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMsgIndex).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal message ref: %w", err)
		}
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationKey))
		if convBucket == nil {
			return fmt.Errorf("conversation %s: %w", ref.ConversationKey, models.ErrNotFound)
		}
		msgData := convBucket.Get(ref.MessageKey)
		if msgData == nil {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(msgData); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msg = fromDBMessage(dbMsg)
		return nil
	})
	return msg, err
}

// MarkRead flips IsRead on every message addressed to selfID from
// counterpartyID and returns the ids that changed.
func (s *BboltStorage) MarkRead(selfID, counterpartyID string) ([]string, error) {
	key := models.ConversationKey{SelfID: selfID, CounterpartyID: counterpartyID}
	var changed []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(key.String()))
		if convBucket == nil {
			return nil
		}
		// Collect first, write after: bbolt forbids mutating a bucket
		// while iterating it.
		type update struct {
			key  []byte
			data []byte
			id   string
		}
		var updates []update
		err := convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ReceiverID != selfID || dbMsg.IsRead {
				return nil
			}
			dbMsg.IsRead = true
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			key := make([]byte, len(k))
			copy(key, k)
			updates = append(updates, update{key: key, data: data, id: dbMsg.ID})
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range updates {
			if err := convBucket.Put(u.key, u.data); err != nil {
				return err
			}
			changed = append(changed, u.id)
		}
		return nil
	})
	return changed, err
}

// CountUnread counts unread messages addressed to selfID. With a non-empty
// counterpartyID the count is scoped to that conversation, otherwise it spans
// all conversations. Counts are always derived from the rows, never cached.
func (s *BboltStorage) CountUnread(selfID, counterpartyID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		main := tx.Bucket(bucketMessages)

		countBucket := func(b *bbolt.Bucket) error {
			return b.ForEach(func(k, v []byte) error {
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(v); err != nil {
					return err
				}
				if dbMsg.ReceiverID == selfID && !dbMsg.IsRead {
					count++
				}
				return nil
			})
		}

		if counterpartyID != "" {
			key := models.ConversationKey{SelfID: selfID, CounterpartyID: counterpartyID}
			b := main.Bucket([]byte(key.String()))
			if b == nil {
				return nil
			}
			return countBucket(b)
		}

		return main.ForEachBucket(func(name []byte) error {
			return countBucket(main.Bucket(name))
		})
	})
	return count, err
}
