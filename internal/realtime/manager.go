// Package realtime owns the push-event channels for the currently open
// conversation and routes raw events toward the reconciliation engine.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"parley/internal/models"
)

// Filter is a server-side subscription filter on one relation. Empty fields
// match everything.
type Filter struct {
	Relation   string `msgpack:"relation"`
	SenderID   string `msgpack:"senderId,omitempty"`
	ReceiverID string `msgpack:"receiverId,omitempty"`
}

// Feed is a raw event source. Implementations deliver events at-least-once
// with no ordering guarantee across relations; the returned channel closes
// when ctx ends.
type Feed interface {
	Subscribe(ctx context.Context, filter Filter) (<-chan models.PushEvent, error)
}

// Events are the routing targets for decoded events. Attachment events are
// delivered unfiltered; the reconciliation engine filters them downstream.
type Events struct {
	OnMessage    func(models.Message)
	OnAttachment func(models.Attachment)
	OnReadState  func()
}

// Handle represents one open set of subscriptions.
type Handle struct {
	generation uint64
	cancel     context.CancelFunc
}

// Manager opens and closes the event streams for one conversation key.
// Exactly one handle is live at a time; opening a new one supersedes the
// previous generation, and every delivery is checked against the live
// generation before it reaches a routing target.
type Manager struct {
	feed Feed

	mu         sync.Mutex
	generation uint64
	current    *Handle
}

func NewManager(feed Feed) *Manager {
	return &Manager{feed: feed}
}

// Open subscribes to the three streams scoped to the conversation: inserts
// where the counterparty is sender, inserts where self is sender (covering
// the same account acting from a second surface), and inserts on the
// attachment relation. A previously open handle is implicitly closed.
func (m *Manager) Open(ctx context.Context, key models.ConversationKey, events Events) (*Handle, error) {
	m.mu.Lock()
	if m.current != nil {
		m.current.cancel()
		m.current = nil
	}
	m.generation++
	gen := m.generation
	subCtx, cancel := context.WithCancel(ctx)
	handle := &Handle{generation: gen, cancel: cancel}
	m.current = handle
	m.mu.Unlock()

	filters := []Filter{
		{Relation: models.RelationMessages, SenderID: key.CounterpartyID, ReceiverID: key.SelfID},
		{Relation: models.RelationMessages, SenderID: key.SelfID, ReceiverID: key.CounterpartyID},
		{Relation: models.RelationAttachments},
	}

	for _, filter := range filters {
		ch, err := m.feed.Subscribe(subCtx, filter)
		if err != nil {
			cancel()
			m.mu.Lock()
			if m.current == handle {
				m.current = nil
			}
			m.mu.Unlock()
			return nil, err
		}
		go m.pump(ch, gen, key, events)
	}

	return handle, nil
}

// Close tears down the handle's subscriptions. Closing a superseded handle is
// a no-op.
func (m *Manager) Close(handle *Handle) {
	if handle == nil {
		return
	}
	handle.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == handle {
		m.current = nil
	}
}

func (m *Manager) live(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.generation == gen
}

func (m *Manager) pump(ch <-chan models.PushEvent, gen uint64, key models.ConversationKey, events Events) {
	for ev := range ch {
		// A conversation switch may have superseded this subscription while
		// the event was in flight; its result must be discarded.
		if !m.live(gen) {
			return
		}
		m.route(ev, key, events)
	}
}

func (m *Manager) route(ev models.PushEvent, key models.ConversationKey, events Events) {
	switch ev.Relation {
	case models.RelationMessages:
		if ev.Message == nil {
			slog.Warn("message event without payload", "kind", ev.Kind)
			return
		}
		if !key.Involves(ev.Message.SenderID, ev.Message.ReceiverID) {
			return
		}
		if events.OnMessage != nil {
			events.OnMessage(*ev.Message)
		}
		if events.OnReadState != nil && ev.Message.ReceiverID == key.SelfID {
			// Only inserts addressed to self change the unread count.
			events.OnReadState()
		}

	case models.RelationAttachments:
		if ev.Attachment == nil {
			slog.Warn("attachment event without payload", "kind", ev.Kind)
			return
		}
		if events.OnAttachment != nil {
			events.OnAttachment(*ev.Attachment)
		}

	case models.RelationReadState:
		if events.OnReadState != nil {
			events.OnReadState()
		}
	}
}
