package filestore

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"
	"golang.org/x/crypto/blake2b"

	"palaver/internal/models"
)

// Local stores blobs on the local filesystem, fanned out by the first two
// digest characters to keep directories small.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &Local{root: root}, nil
}

func (s *Local) path(id string) string {
	if len(id) < 2 {
		return filepath.Join(s.root, id)
	}
	return filepath.Join(s.root, id[:2], id)
}

// Put streams the content to a temp file while hashing it, sniffs the type
// from the first bytes, then renames the temp file into its content-addressed
// place. The rename makes the write atomic; a concurrent identical upload
// just wins the race to the same name.
func (s *Local) Put(r io.Reader) (FileInfo, error) {
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return FileInfo{}, err
	}

	head := make([]byte, 262)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return FileInfo{}, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]

	w := io.MultiWriter(tmp, hasher)
	size := int64(n)
	if _, err := w.Write(head); err != nil {
		return FileInfo{}, fmt.Errorf("failed to write data: %w", err)
	}
	copied, err := io.Copy(w, r)
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to write data: %w", err)
	}
	size += copied

	if err := tmp.Close(); err != nil {
		return FileInfo{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	info := FileInfo{
		ID:       hex.EncodeToString(hasher.Sum(nil)),
		MimeType: "application/octet-stream",
		Size:     size,
		Type:     models.AttachmentTypeFile,
	}
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		info.MimeType = kind.MIME.Value
		if filetype.IsImage(head) {
			info.Type = models.AttachmentTypeImage
		}
	}

	path := s.path(info.ID)
	if _, err := os.Stat(path); err == nil {
		return info, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return FileInfo{}, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return FileInfo{}, fmt.Errorf("failed to place blob: %w", err)
	}
	return info, nil
}

func (s *Local) Get(id string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", id, err)
	}
	return f, nil
}
