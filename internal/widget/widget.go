// Package widget is the controller of the direct-messaging widget: it owns
// the open/collapsed state machine, the one live conversation, the send
// protocol, and the teardown of every per-conversation resource.
package widget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parley/internal/backend"
	"parley/internal/content"
	"parley/internal/conversation"
	"parley/internal/models"
	"parley/internal/realtime"
	"parley/internal/signedurl"
	"parley/internal/unread"
	"parley/internal/viewport"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

// State is the widget's explicit UI state. Conversation keys are passed into
// every operation rather than read from ambient globals.
type State int

const (
	StateCollapsed State = iota
	StateSelector
	StateOpen
)

// SendResult reports the outcome of a send. On failure RestoredDraft carries
// the user's input back so it can be placed into the compose box for retry.
type SendResult struct {
	TempID        string
	MessageID     string
	RestoredDraft *models.Draft
}

type Config struct {
	SelfID  string
	Querier backend.Querier
	Objects backend.ObjectStore
	Feed    realtime.Feed

	Tolerance       time.Duration
	SignValidity    time.Duration
	SignMargin      time.Duration
	PollInterval    time.Duration
	ScrollThreshold int

	// OnScroll receives the scroll decision for every store change.
	OnScroll func(viewport.Decision)
}

type Controller struct {
	selfID  string
	querier backend.Querier
	objects backend.ObjectStore

	subs     *realtime.Manager
	counts   *unread.Maintainer
	scroll   *viewport.Controller
	onScroll func(viewport.Decision)

	tolerance    time.Duration
	signValidity time.Duration
	signMargin   time.Duration

	mu         sync.Mutex
	state      State
	generation uint64
	key        models.ConversationKey
	store      *conversation.Store
	urls       *signedurl.Cache
	handle     *realtime.Handle
	cancelConv context.CancelFunc
}

func NewController(config Config) *Controller {
	c := &Controller{
		selfID:       config.SelfID,
		querier:      config.Querier,
		objects:      config.Objects,
		subs:         realtime.NewManager(config.Feed),
		scroll:       viewport.NewController(config.ScrollThreshold),
		onScroll:     config.OnScroll,
		tolerance:    config.Tolerance,
		signValidity: config.SignValidity,
		signMargin:   config.SignMargin,
		state:        StateCollapsed,
	}
	c.counts = unread.NewMaintainer(unread.Config{
		Querier:      config.Querier,
		SelfID:       config.SelfID,
		PollInterval: config.PollInterval,
	})
	return c
}

// Run drives the unread maintainer's poll loop until ctx ends. The loop is
// independent of which conversation is open; it serves the collapsed and
// selector states too.
func (c *Controller) Run(ctx context.Context) error {
	return c.counts.Run(ctx)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ShowSelector puts the widget into counterparty-selection view without
// touching an open conversation's resources.
func (c *Controller) ShowSelector() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCollapsed {
		c.state = StateSelector
	}
}

// Open makes counterpartyID's conversation the active one, tearing down
// whatever was open before. Every asynchronous continuation started here is
// tagged with the new generation and re-checks it before mutating anything.
func (c *Controller) Open(ctx context.Context, counterpartyID string) error {
	key := models.ConversationKey{SelfID: c.selfID, CounterpartyID: counterpartyID}

	c.mu.Lock()
	c.teardownLocked()
	c.generation++
	gen := c.generation

	convCtx, cancel := context.WithCancel(context.Background())
	c.cancelConv = cancel

	urls, err := signedurl.NewCache(convCtx, signedurl.Config{
		Objects:  c.objects,
		Validity: c.signValidity,
		Margin:   c.signMargin,
	})
	if err != nil {
		cancel()
		c.cancelConv = nil
		c.mu.Unlock()
		return err
	}

	store := conversation.New(conversation.Config{
		Key:       key,
		Tolerance: c.tolerance,
		OnChange: func(change conversation.Change) {
			decision := c.scroll.Observe(change)
			if c.onScroll != nil {
				c.onScroll(decision)
			}
		},
	})

	c.key = key
	c.store = store
	c.urls = urls
	c.state = StateOpen
	c.mu.Unlock()

	c.counts.SetCounterparty(counterpartyID)

	// Initial load. If the user switches away while the fetch is in flight,
	// the result is discarded on arrival.
	messages, err := c.querier.MessagesBetween(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if !c.live(gen) {
		return models.ErrStale
	}
	store.LoadInitial(messages)

	handle, err := c.subs.Open(convCtx, key, realtime.Events{
		OnMessage: func(msg models.Message) {
			if !c.live(gen) {
				return
			}
			store.ApplyIncoming(msg)
		},
		OnAttachment: func(att models.Attachment) {
			if !c.live(gen) {
				return
			}
			if store.ApplyAttachment(att) {
				c.refetch(convCtx, gen, store, att.MessageID)
			}
		},
		OnReadState: func() {
			c.counts.Invalidate()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open push subscriptions: %w", err)
	}

	c.mu.Lock()
	if c.generation == gen {
		c.handle = handle
	} else {
		c.mu.Unlock()
		c.subs.Close(handle)
		return models.ErrStale
	}
	c.mu.Unlock()

	// Opening the conversation reads it.
	if err := c.querier.MarkRead(ctx, key.SelfID, key.CounterpartyID); err != nil {
		slog.Warn("failed to mark conversation read", "counterparty", counterpartyID, "error", err)
	}
	c.counts.Invalidate()

	return nil
}

// Close collapses the widget and releases every per-conversation resource:
// subscriptions, the signed-URL cache and its fallback blobs, the store.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.generation++
	c.state = StateCollapsed
	c.counts.SetCounterparty("")
}

func (c *Controller) teardownLocked() {
	if c.cancelConv != nil {
		c.cancelConv()
		c.cancelConv = nil
	}
	if c.handle != nil {
		c.subs.Close(c.handle)
		c.handle = nil
	}
	if c.urls != nil {
		c.urls.Clear()
		c.urls = nil
	}
	c.store = nil
}

func (c *Controller) live(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.generation == gen
}

// refetch pulls the full canonical message after an attachment event arrived
// for a message the store has not seen, then reconciles it. The partial event
// payload is never trusted as message content.
func (c *Controller) refetch(ctx context.Context, gen uint64, store *conversation.Store, messageID string) {
	msg, err := c.querier.MessageByID(ctx, messageID)
	if err != nil {
		// The attachment event may have raced the message insert at the
		// backend too; the message's own insert event will carry it later.
		slog.Warn("failed to fetch message for attachment event", "message_id", messageID, "error", err)
		return
	}
	if !c.live(gen) {
		return
	}
	if !store.Key.Involves(msg.SenderID, msg.ReceiverID) {
		return // attachment stream is unfiltered; this one belongs elsewhere
	}
	store.ApplyIncoming(msg)
}

// Send runs the outbound protocol: the optimistic entry appears in the store
// synchronously, then the message row and its attachments are persisted. On
// any persistence failure the optimistic entry is rolled back and the draft
// is handed back for retry. The optimistic entry stays visible until the
// confirmation event replaces it in place.
func (c *Controller) Send(ctx context.Context, draft models.Draft) (SendResult, error) {
	c.mu.Lock()
	if c.state != StateOpen || c.store == nil {
		c.mu.Unlock()
		return SendResult{}, models.ErrConversationClosed
	}
	gen := c.generation
	key := c.key
	store := c.store
	c.mu.Unlock()

	body := content.Sanitize(draft.Body)
	tempID := store.AppendOptimistic(body)

	fail := func(step string, err error) (SendResult, error) {
		if c.live(gen) {
			store.RollbackOptimistic(tempID)
		}
		restored := draft
		return SendResult{RestoredDraft: &restored}, fmt.Errorf("%s: %w", step, err)
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		SenderID:   key.SelfID,
		ReceiverID: key.CounterpartyID,
		Body:       body,
		CreatedAt:  time.Now(),
	}
	if err := c.querier.InsertMessage(ctx, msg); err != nil {
		return fail("failed to persist message", err)
	}

	// Attachments upload sequentially; their metadata rows follow the upload.
	for _, file := range draft.Files {
		path, err := c.objects.Upload(ctx, file.Content)
		if err != nil {
			return fail("failed to upload attachment", err)
		}

		att := models.Attachment{
			ID:        uuid.NewString(),
			MessageID: msg.ID,
			FileName:  file.Name,
			Path:      path,
			Size:      int64(len(file.Content)),
			MimeType:  sniffMime(file.Content),
		}
		if err := c.querier.InsertAttachment(ctx, att); err != nil {
			return fail("failed to persist attachment", err)
		}
	}

	return SendResult{TempID: tempID, MessageID: msg.ID}, nil
}

// Messages returns the reconciled list for rendering.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.Messages()
}

// AttachmentURL resolves an attachment path through the signed-URL cache.
func (c *Controller) AttachmentURL(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	urls := c.urls
	c.mu.Unlock()
	if urls == nil {
		return "", models.ErrConversationClosed
	}
	return urls.Get(ctx, path)
}

// SetScrollOffset forwards the renderer's scroll position to the controller.
func (c *Controller) SetScrollOffset(fromBottom int) {
	c.scroll.SetOffset(fromBottom)
}

// Unread returns the last derived unread counts.
func (c *Controller) Unread() unread.Counts {
	return c.counts.Counts()
}

// RefreshUnread forces a synchronous recount.
func (c *Controller) RefreshUnread(ctx context.Context) error {
	return c.counts.Refresh(ctx)
}

func sniffMime(content []byte) string {
	if kind, err := filetype.Match(content); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return "application/octet-stream"
}
