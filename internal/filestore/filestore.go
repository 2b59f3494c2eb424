package filestore

import (
	"io"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path     string
	Size     int64
	MimeType string
}

// FileStore is an interface for storing and retrieving objects by path.
type FileStore interface {
	// Save stores the content and returns its info. The path is derived from
	// a content hash, so Save is idempotent: saving the same bytes twice
	// yields the same path and writes once.
	Save(content []byte) (ObjectInfo, error)

	// Get retrieves the object content for the given path.
	Get(path string) (io.ReadCloser, error)
}
