// Package conversation holds the in-memory message list of the one open
// conversation and reconciles it against optimistic sends and push events.
package conversation

import (
	"sync"
	"time"

	"parley/internal/models"
)

const DefaultTolerance = 5 * time.Second

// ChangeKind tells observers what a store mutation did to the list, without
// exposing its content. The scroll controller keys off this.
type ChangeKind int

const (
	// ChangeInitial is a full list replacement on first load.
	ChangeInitial ChangeKind = iota
	// ChangeOptimistic is a locally composed message appended on send.
	ChangeOptimistic
	// ChangeOrganic is a remotely originated message appended by
	// reconciliation.
	ChangeOrganic
	// ChangeMerge is an in-place update: temp replaced by canonical, or
	// attachments merged into an existing message. List length is unchanged
	// or shrinks (orphan cleanup), never grows.
	ChangeMerge
	// ChangeRollback is an optimistic message removed after a failed send.
	ChangeRollback
)

type Change struct {
	Kind  ChangeKind
	Count int // messages in the store after the mutation
}

// Store owns the ordered, deduplicated message list. It is the single writer:
// both the local send path and the realtime event path mutate the list only
// through its methods, each a transition of the immediately preceding state.
type Store struct {
	Key       models.ConversationKey
	Tolerance time.Duration

	OnChange func(Change)

	messages []models.Message
	now      func() time.Time
	mux      sync.Mutex
}

type Config struct {
	Key       models.ConversationKey
	Tolerance time.Duration
	OnChange  func(Change)
}

func New(config Config) *Store {
	tolerance := config.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Store{
		Key:       config.Key,
		Tolerance: tolerance,
		OnChange:  config.OnChange,
		now:       time.Now,
	}
}

// LoadInitial replaces the store content with the result of a full fetch,
// deduplicating messages by id and attachments by id within each message.
func (s *Store) LoadInitial(messages []models.Message) {
	s.mux.Lock()
	defer s.mux.Unlock()

	seen := make(map[string]int, len(messages))
	list := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		msg.Attachments = dedupAttachments(msg.Attachments)
		if i, ok := seen[msg.ID]; ok {
			list[i] = mergeMessage(list[i], msg)
			continue
		}
		seen[msg.ID] = len(list)
		list = append(list, msg)
	}
	s.messages = list

	s.notify(ChangeInitial)
}

// AppendOptimistic appends a message in temp state for a just-sent draft and
// returns the temp id so the send path can roll it back on failure.
func (s *Store) AppendOptimistic(body string) string {
	s.mux.Lock()
	defer s.mux.Unlock()

	msg := models.Message{
		ID:         models.NewTempID(),
		SenderID:   s.Key.SelfID,
		ReceiverID: s.Key.CounterpartyID,
		Body:       body,
		CreatedAt:  s.now(),
	}
	s.messages = append(s.messages, msg)

	s.notify(ChangeOptimistic)
	return msg.ID
}

// RollbackOptimistic removes a temp message after a failed send. It reports
// whether the entry was still present.
func (s *Store) RollbackOptimistic(tempID string) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	for i, msg := range s.messages {
		if msg.ID == tempID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.notify(ChangeRollback)
			return true
		}
	}
	return false
}

// ApplyIncoming reconciles one canonical message into the store. It is
// idempotent under at-least-once delivery and correct under reordering:
//
//  1. A message with the same canonical id is merged in place.
//  2. Otherwise a temp message with the same sender/receiver signature
//     created within the tolerance window is replaced at its index, so the
//     list length does not change.
//  3. Otherwise the message is appended and orphaned temp messages with the
//     same signature older than the tolerance window are dropped.
func (s *Store) ApplyIncoming(canonical models.Message) {
	s.mux.Lock()
	defer s.mux.Unlock()

	canonical.Attachments = dedupAttachments(canonical.Attachments)

	// 1. Repeated delivery of a known message.
	for i, msg := range s.messages {
		if msg.ID == canonical.ID {
			s.messages[i] = mergeMessage(msg, canonical)
			s.notify(ChangeMerge)
			return
		}
	}

	// 2. Confirmation of an optimistic send.
	for i, msg := range s.messages {
		if !msg.IsTemp() || !sameSignature(msg, canonical) {
			continue
		}
		if absDelta(canonical.CreatedAt, msg.CreatedAt) < s.Tolerance {
			s.messages[i] = canonical
			s.notify(ChangeMerge)
			return
		}
	}

	// 3. Organic message from elsewhere.
	s.messages = append(s.messages, canonical)
	s.dropOrphans(canonical)
	s.notify(ChangeOrganic)
}

// ApplyAttachment merges an attachment event into its owning message. When
// the owning message is not in the store yet (the event raced ahead of the
// message insert), it reports needFetch so the caller re-fetches the full
// canonical message instead of trusting the partial payload.
func (s *Store) ApplyAttachment(att models.Attachment) (needFetch bool) {
	s.mux.Lock()
	defer s.mux.Unlock()

	for i, msg := range s.messages {
		if msg.ID != att.MessageID {
			continue
		}
		for _, have := range msg.Attachments {
			if have.ID == att.ID {
				return false // duplicate delivery
			}
		}
		s.messages[i].Attachments = append(s.messages[i].Attachments, att)
		s.notify(ChangeMerge)
		return false
	}
	return true
}

// Messages returns a copy of the current list.
func (s *Store) Messages() []models.Message {
	s.mux.Lock()
	defer s.mux.Unlock()

	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.messages)
}

// dropOrphans removes temp messages sharing the canonical message's signature
// whose age exceeds the tolerance window. These are optimistic entries whose
// confirmation never arrived; they must not linger once newer traffic for the
// same pair proves the channel is live.
func (s *Store) dropOrphans(canonical models.Message) {
	now := s.now()
	kept := s.messages[:0]
	for _, msg := range s.messages {
		if msg.IsTemp() && sameSignature(msg, canonical) && now.Sub(msg.CreatedAt) > s.Tolerance {
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
}

func (s *Store) notify(kind ChangeKind) {
	if s.OnChange != nil {
		s.OnChange(Change{Kind: kind, Count: len(s.messages)})
	}
}

// mergeMessage merges a redelivered canonical message into the stored one:
// canonical fields win, attachment lists are unioned by id.
func mergeMessage(have, incoming models.Message) models.Message {
	merged := incoming
	merged.Attachments = make([]models.Attachment, len(have.Attachments), len(have.Attachments)+len(incoming.Attachments))
	copy(merged.Attachments, have.Attachments)
	for _, att := range incoming.Attachments {
		exists := false
		for _, existing := range merged.Attachments {
			if existing.ID == att.ID {
				exists = true
				break
			}
		}
		if !exists {
			merged.Attachments = append(merged.Attachments, att)
		}
	}
	return merged
}

func dedupAttachments(atts []models.Attachment) []models.Attachment {
	if len(atts) < 2 {
		return atts
	}
	seen := make(map[string]bool, len(atts))
	out := atts[:0]
	for _, att := range atts {
		if seen[att.ID] {
			continue
		}
		seen[att.ID] = true
		out = append(out, att)
	}
	return out
}

func sameSignature(a, b models.Message) bool {
	return a.SenderID == b.SenderID && a.ReceiverID == b.ReceiverID
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
