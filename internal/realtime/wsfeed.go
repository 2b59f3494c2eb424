package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// WSFeed implements Feed over a websocket push endpoint. Frames are
// msgpack-encoded PushEvents; the subscription filter is sent as the first
// frame after connect. Mid-session disconnects are re-dialed with exponential
// backoff until the subscription context ends; the server may redeliver
// recent events after a reconnect, which downstream consumers tolerate.
type WSFeed struct {
	URL    string
	Dialer *websocket.Dialer
}

func NewWSFeed(url string) *WSFeed {
	return &WSFeed{
		URL:    url,
		Dialer: websocket.DefaultDialer,
	}
}

func (f *WSFeed) Subscribe(ctx context.Context, filter Filter) (<-chan models.PushEvent, error) {
	conn, err := f.dial(ctx, filter)
	if err != nil {
		return nil, err
	}

	ch := make(chan models.PushEvent, 32)
	go f.readLoop(ctx, conn, filter, ch)
	return ch, nil
}

func (f *WSFeed) dial(ctx context.Context, filter Filter) (*websocket.Conn, error) {
	conn, resp, err := f.Dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial push feed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	data, err := msgpack.Marshal(filter)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to marshal subscription filter: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send subscription filter: %w", err)
	}
	return conn, nil
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn, filter Filter, ch chan<- models.PushEvent) {
	defer close(ch)

	// Unblock reads when the subscription is torn down. The watcher captures
	// its own connection; the loop variable is reassigned on reconnect and
	// every replacement connection gets a watcher of its own in redial.
	watchTeardown(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			slog.Warn("push feed disconnected, reconnecting", "relation", filter.Relation, "error", err)
			conn, err = f.redial(ctx, filter)
			if err != nil {
				slog.Error("push feed reconnect abandoned", "relation", filter.Relation, "error", err)
				return
			}
			continue
		}

		var ev models.PushEvent
		if err := msgpack.Unmarshal(data, &ev); err != nil {
			slog.Warn("dropping undecodable push event", "relation", filter.Relation, "error", err)
			continue
		}

		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (f *WSFeed) redial(ctx context.Context, filter Filter) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // retry until the subscription is superseded

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = f.dial(ctx, filter)
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}

	watchTeardown(ctx, conn)
	return conn, nil
}

func watchTeardown(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
}
