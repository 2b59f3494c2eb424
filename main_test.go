package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parley/internal/backend/local"
	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/realtime"
	"parley/internal/storage"
	"parley/internal/widget"

	"github.com/stretchr/testify/require"
)

type testStack struct {
	backend *local.Backend
	server  *httptest.Server
	feedURL string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	dir := t.TempDir()

	bbStorage, err := storage.NewBboltStorage(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bbStorage.Close() })

	files, err := filestore.NewLocalFileStore(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	backend, err := local.New(local.Config{
		Storage:      bbStorage,
		Files:        files,
		SignSecret:   "integration-secret",
		SignValidity: time.Hour,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(local.NewServer(backend).Mux())
	t.Cleanup(srv.Close)

	// Signed URLs must point at this ephemeral server.
	backend.SetBaseURL(srv.URL)

	return &testStack{
		backend: backend,
		server:  srv,
		feedURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed",
	}
}

func (s *testStack) newWidget(t *testing.T, selfID string) *widget.Controller {
	t.Helper()
	return widget.NewController(widget.Config{
		SelfID:       selfID,
		Querier:      s.backend,
		Objects:      s.backend,
		Feed:         realtime.NewWSFeed(s.feedURL),
		Tolerance:    5 * time.Second,
		SignValidity: time.Hour,
		SignMargin:   10 * time.Minute,
	})
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func TestIntegration_SendConfirmAndRedeliver(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	alice := stack.newWidget(t, "alice")
	require.NoError(t, alice.Open(ctx, "bob"))
	defer alice.Close()

	result, err := alice.Send(ctx, models.Draft{Body: "Hola"})
	require.NoError(t, err)

	// The optimistic entry is replaced in place once the push event for the
	// persisted row makes it back over the websocket.
	eventually(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].ID == result.MessageID
	}, "optimistic entry was not confirmed")

	// At-least-once: redeliver everything; the store must not grow.
	stack.backend.Hub().Redeliver(8)
	time.Sleep(50 * time.Millisecond)

	msgs := alice.Messages()
	require.Len(t, msgs, 1, "redelivery duplicated the message")
	require.Equal(t, "Hola", msgs[0].Body)
}

func TestIntegration_SecondSurfaceSameIdentity(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	// Two sessions under the same identity, both looking at bob.
	sessionA := stack.newWidget(t, "alice")
	sessionB := stack.newWidget(t, "alice")
	require.NoError(t, sessionA.Open(ctx, "bob"))
	defer sessionA.Close()
	require.NoError(t, sessionB.Open(ctx, "bob"))
	defer sessionB.Close()

	_, err := sessionA.Send(ctx, models.Draft{Body: "from surface A"})
	require.NoError(t, err)

	// Session B hears about it on the self-is-sender stream: exactly one
	// copy, not zero, not two.
	eventually(t, func() bool { return len(sessionB.Messages()) == 1 }, "second surface did not receive the message")
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sessionB.Messages(), 1)
	require.Equal(t, "from surface A", sessionB.Messages()[0].Body)
}

func TestIntegration_AttachmentFlow(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	alice := stack.newWidget(t, "alice")
	bob := stack.newWidget(t, "bob")
	require.NoError(t, alice.Open(ctx, "bob"))
	defer alice.Close()
	require.NoError(t, bob.Open(ctx, "alice"))
	defer bob.Close()

	pngContent := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, []byte("pixels")...)
	result, err := alice.Send(ctx, models.Draft{
		Body:  "see attached",
		Files: []models.DraftFile{{Name: "pic.png", Content: pngContent}},
	})
	require.NoError(t, err)

	// Bob's store converges on one message with exactly one attachment,
	// whether the attachment event or the message event arrived first.
	eventually(t, func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && len(msgs[0].Attachments) == 1
	}, "attachment did not converge on the receiving side")

	got := bob.Messages()[0]
	require.Equal(t, result.MessageID, got.ID)
	require.Equal(t, "image/png", got.Attachments[0].MimeType)

	// The signed URL resolves to the uploaded bytes over plain HTTP.
	url, err := bob.AttachmentURL(ctx, got.Attachments[0].Path)
	require.NoError(t, err)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, pngContent, body)
}

func TestIntegration_UnreadLifecycle(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	bob := stack.newWidget(t, "bob")
	require.NoError(t, bob.Open(ctx, "alice"))
	_, err := bob.Send(ctx, models.Draft{Body: "are you there?"})
	require.NoError(t, err)
	bob.Close()

	alice := stack.newWidget(t, "alice")
	require.NoError(t, alice.RefreshUnread(ctx))
	require.Equal(t, 1, alice.Unread().Total, "unread count must reflect the stored row")

	// Opening the conversation reads it; the re-derived count drops to zero.
	require.NoError(t, alice.Open(ctx, "bob"))
	defer alice.Close()
	require.NoError(t, alice.RefreshUnread(ctx))
	require.Equal(t, 0, alice.Unread().Total)
}
