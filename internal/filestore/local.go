package filestore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"
	"golang.org/x/crypto/blake2b"
)

// LocalFileStore implements FileStore using the local filesystem. Objects are
// content-addressed: the path is the hex blake2b hash of the content.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) getPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash)
}

func (s *LocalFileStore) Save(content []byte) (ObjectInfo, error) {
	sum := blake2b.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	mimeType := "application/octet-stream"
	if kind, err := filetype.Match(content); err == nil && kind != filetype.Unknown {
		mimeType = kind.MIME.Value
	}

	info := ObjectInfo{
		Path:     hash,
		Size:     int64(len(content)),
		MimeType: mimeType,
	}

	path := s.getPath(hash)

	// Idempotency check
	if _, err := os.Stat(path); err == nil {
		return info, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temporary file first
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(content)); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	// Atomically rename
	if err := os.Rename(tmp.Name(), path); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to rename file: %w", err)
	}

	return info, nil
}

func (s *LocalFileStore) Get(path string) (io.ReadCloser, error) {
	f, err := os.Open(s.getPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", path, err)
	}
	return f, nil
}
