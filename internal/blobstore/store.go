// Package blobstore implements content-addressed storage of attachment
// bodies, keyed by the SHA-1 digest of their raw content.
package blobstore

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"syncbase/pkg/model"
)

// ErrNotFound is returned by Open when no blob exists for the given key.
var ErrNotFound = errors.New("blobstore: not found")

// Store owns a directory of "<hex sha1>.blob" files and a sibling temp
// directory used by BlobWriter and StoreBlob to write atomically via a
// temp file + rename.
type Store struct {
	dir    string
	tmpDir string
}

// Open opens (creating if necessary) a blob store rooted at dir.
func Open(dir string) (*Store, error) {
	tmpDir := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create dirs: %w", err)
	}
	return &Store{dir: dir, tmpDir: tmpDir}, nil
}

// PathFor is pure: the same bytes always hash to the same key, and the
// same key always maps to the same path. This is what makes storage of
// duplicate attachment content automatically deduplicated.
func (s *Store) PathFor(key model.BlobKey) string {
	return filepath.Join(s.dir, hex.EncodeToString(key[:])+".blob")
}

// StoreBlob writes data under its content hash and returns the key and
// length. If a blob with that key already exists, the existing file is
// left untouched (first writer wins) and no error is returned.
func (s *Store) StoreBlob(data []byte) (model.BlobKey, int64, error) {
	key := model.BlobKey(sha1.Sum(data))
	target := s.PathFor(key)
	if _, err := os.Stat(target); err == nil {
		return key, int64(len(data)), nil
	}

	tmp, err := os.CreateTemp(s.tmpDir, "blob-*")
	if err != nil {
		return model.BlobKey{}, 0, fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return model.BlobKey{}, 0, fmt.Errorf("blobstore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return model.BlobKey{}, 0, fmt.Errorf("blobstore: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		// Someone else's write raced us to the same content: their file is
		// canonical, ours is redundant.
		if _, statErr := os.Stat(target); statErr == nil {
			os.Remove(tmpPath)
			return key, int64(len(data)), nil
		}
		os.Remove(tmpPath)
		return model.BlobKey{}, 0, fmt.Errorf("blobstore: rename: %w", err)
	}
	return key, int64(len(data)), nil
}

// OpenBlob returns a reader for the blob with the given key, or
// ErrNotFound.
func (s *Store) OpenBlob(key model.BlobKey) (io.ReadCloser, error) {
	f, err := os.Open(s.PathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// NewWriter starts a streaming BlobWriter backed by this store's temp
// directory.
func (s *Store) NewWriter() (*Writer, error) {
	return newWriter(s)
}
