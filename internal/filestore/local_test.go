package filestore

import (
	"bytes"
	"io"
	"testing"
)

func TestLocalFileStore(t *testing.T) {
	store, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFileStore failed: %v", err)
	}

	pngContent := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, []byte("fake image data")...)

	info, err := store.Save(pngContent)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if info.Size != int64(len(pngContent)) {
		t.Errorf("expected size %d, got %d", len(pngContent), info.Size)
	}
	if info.MimeType != "image/png" {
		t.Errorf("expected sniffed mime image/png, got %s", info.MimeType)
	}

	t.Run("Idempotent", func(t *testing.T) {
		again, err := store.Save(pngContent)
		if err != nil {
			t.Fatalf("second Save failed: %v", err)
		}
		if again.Path != info.Path {
			t.Errorf("content-addressed path changed: %s vs %s", info.Path, again.Path)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rc, err := store.Get(info.Path)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		defer func() { _ = rc.Close() }()

		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if !bytes.Equal(got, pngContent) {
			t.Error("content mismatch")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := store.Get("no-such-object"); err == nil {
			t.Error("expected error for missing object")
		}
	})

	t.Run("UnknownMime", func(t *testing.T) {
		info, err := store.Save([]byte("just text"))
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if info.MimeType != "application/octet-stream" {
			t.Errorf("expected octet-stream fallback, got %s", info.MimeType)
		}
	})
}
