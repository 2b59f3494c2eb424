// Package local is a self-contained reference backend: bbolt persistence,
// content-addressed object storage with HMAC-signed access URLs, and a
// websocket push feed. The demo binary and the integration tests run the sync
// engine against it.
package local

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"time"

	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/storage"
)

type Backend struct {
	storage *storage.BboltStorage
	files   filestore.FileStore
	hub     *Hub

	baseURL      string
	signSecret   []byte
	signValidity time.Duration

	now func() time.Time
}

type Config struct {
	Storage      *storage.BboltStorage
	Files        filestore.FileStore
	BaseURL      string
	SignSecret   string
	SignValidity time.Duration
}

func New(config Config) (*Backend, error) {
	if config.SignSecret == "" {
		return nil, fmt.Errorf("sign secret is required")
	}
	validity := config.SignValidity
	if validity <= 0 {
		validity = time.Hour
	}
	return &Backend{
		storage:      config.Storage,
		files:        config.Files,
		hub:          NewHub(),
		baseURL:      config.BaseURL,
		signSecret:   []byte(config.SignSecret),
		signValidity: validity,
		now:          time.Now,
	}, nil
}

// Hub exposes the push-event hub for the feed handler and in-process feeds.
func (b *Backend) Hub() *Hub {
	return b.hub
}

// SetBaseURL sets the host signed URLs point at. Needed when the listener
// address is only known after the server has started.
func (b *Backend) SetBaseURL(baseURL string) {
	b.baseURL = baseURL
}

// Querier

func (b *Backend) MessagesBetween(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	return b.storage.MessagesBetween(key)
}

func (b *Backend) MessageByID(ctx context.Context, id string) (models.Message, error) {
	return b.storage.MessageByID(id)
}

func (b *Backend) InsertMessage(ctx context.Context, msg models.Message) error {
	if err := b.storage.InsertMessage(msg); err != nil {
		return err
	}
	b.hub.Publish(models.PushEvent{
		Relation: models.RelationMessages,
		Kind:     models.EventInsert,
		Message:  &msg,
	})
	return nil
}

func (b *Backend) InsertAttachment(ctx context.Context, att models.Attachment) error {
	if err := b.storage.InsertAttachment(att); err != nil {
		return err
	}
	b.hub.Publish(models.PushEvent{
		Relation:   models.RelationAttachments,
		Kind:       models.EventInsert,
		Attachment: &att,
	})
	return nil
}

func (b *Backend) MarkRead(ctx context.Context, selfID, counterpartyID string) error {
	changed, err := b.storage.MarkRead(selfID, counterpartyID)
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		b.hub.Publish(models.PushEvent{
			Relation: models.RelationReadState,
			Kind:     models.EventUpdate,
		})
	}
	return nil
}

func (b *Backend) CountUnread(ctx context.Context, selfID, counterpartyID string) (int, error) {
	return b.storage.CountUnread(selfID, counterpartyID)
}

// ObjectStore

func (b *Backend) Upload(ctx context.Context, content []byte) (string, error) {
	info, err := b.files.Save(content)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

func (b *Backend) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	return b.files.Get(path)
}

// SignURL issues a time-limited access URL for an object path. The signature
// covers the path and the expiry instant, in the same HMAC style the rest of
// the system signs its tokens with.
func (b *Backend) SignURL(ctx context.Context, path string) (string, time.Duration, error) {
	expires := b.now().Add(b.signValidity).Unix()
	url := fmt.Sprintf("%s/objects/%s?expires=%d&sig=%s",
		b.baseURL, path, expires, b.sign(path, expires))
	return url, b.signValidity, nil
}

// VerifySignature checks an object access signature and that it has not
// expired yet.
func (b *Backend) VerifySignature(path string, expiresStr, sig string) error {
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry: %w", err)
	}
	if b.now().Unix() > expires {
		return fmt.Errorf("signed url expired")
	}
	if !hmac.Equal([]byte(b.sign(path, expires)), []byte(sig)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (b *Backend) sign(path string, expires int64) string {
	h := hmac.New(sha512.New, b.signSecret)
	h.Write([]byte(path + ":" + strconv.FormatInt(expires, 10)))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
