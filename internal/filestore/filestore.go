package filestore

import (
	"io"

	"palaver/internal/models"
)

// FileInfo describes a stored blob. ID is the hex blake2b-256 digest of the
// content, so identical uploads share one blob.
type FileInfo struct {
	ID       string
	MimeType string
	Size     int64
	Type     models.AttachmentType
}

// FileStore stores attachment blobs addressed by content digest.
type FileStore interface {
	// Put stores the stream and returns its descriptor. Re-uploading
	// identical content is a no-op returning the same ID.
	Put(r io.Reader) (FileInfo, error)

	// Get opens the blob for the given ID.
	Get(id string) (io.ReadCloser, error)
}
