package local

import (
	"context"
	"log/slog"
	"sync"

	"parley/internal/models"
	"parley/internal/realtime"
)

const recentEvents = 64

// Hub fans push events out to subscribers. It keeps a bounded replay buffer
// that is flushed to every new subscriber, which makes delivery at-least-once
// by construction: a resubscribing client sees recent events again and must
// deduplicate.
type Hub struct {
	mu     sync.Mutex
	subs   map[*hubSub]struct{}
	recent []models.PushEvent
}

type hubSub struct {
	filter realtime.Filter
	ch     chan models.PushEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*hubSub]struct{})}
}

func (h *Hub) subscribe(filter realtime.Filter) *hubSub {
	sub := &hubSub{filter: filter, ch: make(chan models.PushEvent, 256)}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}

	// Replay the recent buffer so a late or reconnecting subscriber does not
	// miss events published just before it attached.
	for _, ev := range h.recent {
		if matches(sub.filter, ev) {
			sub.ch <- ev
		}
	}
	return sub
}

func (h *Hub) unsubscribe(sub *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Publish records the event and delivers it to every matching subscriber.
func (h *Hub) Publish(ev models.PushEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent = append(h.recent, ev)
	if len(h.recent) > recentEvents {
		h.recent = h.recent[len(h.recent)-recentEvents:]
	}

	for sub := range h.subs {
		if !matches(sub.filter, ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// A stalled subscriber loses the event now but sees it again on
			// resubscription via the replay buffer.
			slog.Warn("dropping push event for stalled subscriber", "relation", ev.Relation)
		}
	}
}

// Redeliver republishes the last n events. Test hook for exercising
// at-least-once consumers.
func (h *Hub) Redeliver(n int) {
	h.mu.Lock()
	start := len(h.recent) - n
	if start < 0 {
		start = 0
	}
	batch := append([]models.PushEvent(nil), h.recent[start:]...)
	h.mu.Unlock()

	for _, ev := range batch {
		h.Publish(ev)
	}
}

func matches(filter realtime.Filter, ev models.PushEvent) bool {
	if filter.Relation != ev.Relation {
		return false
	}
	if filter.SenderID != "" && (ev.Message == nil || ev.Message.SenderID != filter.SenderID) {
		return false
	}
	if filter.ReceiverID != "" && (ev.Message == nil || ev.Message.ReceiverID != filter.ReceiverID) {
		return false
	}
	return true
}

// Feed returns an in-process realtime.Feed over the hub, used by tests and
// anything else running in the same process as the backend.
func (h *Hub) Feed() realtime.Feed {
	return &hubFeed{hub: h}
}

type hubFeed struct {
	hub *Hub
}

func (f *hubFeed) Subscribe(ctx context.Context, filter realtime.Filter) (<-chan models.PushEvent, error) {
	sub := f.hub.subscribe(filter)
	go func() {
		<-ctx.Done()
		f.hub.unsubscribe(sub)
	}()
	return sub.ch, nil
}
