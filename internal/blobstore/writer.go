package blobstore

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"hash"
	"os"

	"syncbase/pkg/model"
)

// Writer is a streaming builder for a blob: Append incrementally updates
// SHA-1 (the storage key) and MD5 (the wire digest CouchDB-compatible
// peers expect on attachment stubs) digests as bytes arrive, without
// buffering the whole attachment in memory.
//
// A Writer owns its temp file exclusively until Install moves it into the
// store; Cancel unlinks the temp file instead.
type Writer struct {
	store   *Store
	file    *os.File
	sha1    hash.Hash
	md5     hash.Hash
	length  int64
	sha1Key model.BlobKey
	md5Sum  [16]byte
	done    bool
}

func newWriter(s *Store) (*Writer, error) {
	f, err := os.CreateTemp(s.tmpDir, "blobwriter-*")
	if err != nil {
		return nil, fmt.Errorf("blobstore: create temp: %w", err)
	}
	return &Writer{
		store: s,
		file:  f,
		sha1:  sha1.New(),
		md5:   md5.New(),
	}, nil
}

// Append writes another chunk of the attachment body.
func (w *Writer) Append(p []byte) error {
	if w.done {
		return fmt.Errorf("blobstore: writer already finished")
	}
	if _, err := w.file.Write(p); err != nil {
		return fmt.Errorf("blobstore: write: %w", err)
	}
	w.sha1.Write(p)
	w.md5.Write(p)
	w.length += int64(len(p))
	return nil
}

// Length returns the number of bytes appended so far.
func (w *Writer) Length() int64 { return w.length }

// Finish closes the temp file and freezes the computed digests. Append
// must not be called after Finish.
func (w *Writer) Finish() error {
	if w.done {
		return nil
	}
	w.done = true
	copy(w.sha1Key[:], w.sha1.Sum(nil))
	copy(w.md5Sum[:], w.md5.Sum(nil))
	return w.file.Close()
}

// SHA1Key returns the content's SHA-1 digest; valid only after Finish.
func (w *Writer) SHA1Key() model.BlobKey { return w.sha1Key }

// MD5Digest returns the content's MD5 digest; valid only after Finish.
func (w *Writer) MD5Digest() [16]byte { return w.md5Sum }

// Install moves the temp file into the store under its content hash and
// returns the final key. If the target already exists (another writer
// won the race for identical content), the temp file is discarded and
// the existing file is treated as canonical.
func (w *Writer) Install() (model.BlobKey, error) {
	if !w.done {
		if err := w.Finish(); err != nil {
			return model.BlobKey{}, err
		}
	}
	target := w.store.PathFor(w.sha1Key)
	if _, err := os.Stat(target); err == nil {
		os.Remove(w.file.Name())
		return w.sha1Key, nil
	}
	if err := os.Rename(w.file.Name(), target); err != nil {
		if _, statErr := os.Stat(target); statErr == nil {
			os.Remove(w.file.Name())
			return w.sha1Key, nil
		}
		return model.BlobKey{}, fmt.Errorf("blobstore: install: %w", err)
	}
	return w.sha1Key, nil
}

// Cancel discards the writer's temp file without installing it.
func (w *Writer) Cancel() error {
	if !w.done {
		w.file.Close()
		w.done = true
	}
	return os.Remove(w.file.Name())
}
