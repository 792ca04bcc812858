package model

import "fmt"

// Encoding is the transport/storage encoding of an attachment body.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingGZIP
)

// BlobKey is the SHA-1 digest of an attachment's raw (decoded) content.
// Files in the blob store are named by the lowercase hex encoding of the
// key.
type BlobKey [20]byte

// AttachmentRef is the stub CouchDB-style documents carry under
// `_attachments[name]`, pointing at content stored out-of-line in the
// blob store.
type AttachmentRef struct {
	Name          string
	ContentType   string
	Length        int64
	EncodedLength int64
	Encoding      Encoding
	RevPos        int
	BlobKey       BlobKey
}

// Validate checks the invariants from the data model: encoding=None implies
// encodedLength=0; encoding=GZIP implies encodedLength>0 whenever
// length>0; revpos>0.
func (a AttachmentRef) Validate() error {
	if a.RevPos <= 0 {
		return fmt.Errorf("model: attachment %q has non-positive revpos %d", a.Name, a.RevPos)
	}
	switch a.Encoding {
	case EncodingNone:
		if a.EncodedLength != 0 {
			return fmt.Errorf("model: attachment %q has encoding=None but encodedLength=%d", a.Name, a.EncodedLength)
		}
	case EncodingGZIP:
		if a.Length > 0 && a.EncodedLength <= 0 {
			return fmt.Errorf("model: attachment %q has encoding=GZIP but encodedLength=%d", a.Name, a.EncodedLength)
		}
	default:
		return fmt.Errorf("model: attachment %q has unknown encoding %d", a.Name, a.Encoding)
	}
	return nil
}
