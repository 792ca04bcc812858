package changefeed

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"sort"

	"syncbase/internal/blobstore"
	"syncbase/pkg/model"
)

// AttachmentData is one attachment body recovered from a multipart/related
// document response, keyed by the attachment name the document referred to.
type AttachmentData struct {
	Digest string // "md5-<base64>", CouchDB-style
	Length int64
	Key    model.BlobKey
}

// MultipartDocReader parses a `multipart/related` response into a JSON
// document plus its inline attachments, streaming each attachment part
// directly into the blob store instead of buffering it in memory.
//
// The first part is always the JSON document. Every subsequent part
// corresponds to an entry under the document's "_attachments" map whose
// "follows" flag is true; that flag is cleared and the stub amended with
// "digest" and "length" once the part's body has been fully written to
// the blob store.
type MultipartDocReader struct {
	store *blobstore.Store
}

// NewMultipartDocReader creates a reader that installs attachment bodies
// into store.
func NewMultipartDocReader(store *blobstore.Store) *MultipartDocReader {
	return &MultipartDocReader{store: store}
}

// Result is the outcome of parsing one multipart/related document body.
type Result struct {
	Doc         map[string]interface{}
	Attachments map[string]AttachmentData
}

// Read parses body, whose Content-Type must be the multipart/related
// header value from the response (needed to recover the boundary).
func (r *MultipartDocReader) Read(body io.Reader, contentType string) (*Result, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("changefeed: parse content-type: %w", err)
	}
	if mediaType != "multipart/related" {
		return nil, fmt.Errorf("changefeed: expected multipart/related, got %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("changefeed: multipart/related response missing boundary")
	}

	mr := multipart.NewReader(body, boundary)

	part, err := mr.NextPart()
	if err != nil {
		return nil, fmt.Errorf("changefeed: read first part: %w", err)
	}
	var doc map[string]interface{}
	if err := json.NewDecoder(part).Decode(&doc); err != nil {
		return nil, fmt.Errorf("changefeed: decode document part: %w", err)
	}

	attachments, _ := doc["_attachments"].(map[string]interface{})
	byFollowsOrder := followingAttachmentNames(attachments)

	result := &Result{Doc: doc, Attachments: map[string]AttachmentData{}}

	idx := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("changefeed: read part %d: %w", idx, err)
		}
		if idx >= len(byFollowsOrder) {
			return nil, fmt.Errorf("changefeed: more attachment parts than follows:true stubs")
		}
		name := byFollowsOrder[idx]
		idx++

		w, err := r.store.NewWriter()
		if err != nil {
			part.Close()
			return nil, fmt.Errorf("changefeed: new blob writer: %w", err)
		}
		if _, err := io.Copy(writerAppender{w}, part); err != nil {
			w.Cancel()
			return nil, fmt.Errorf("changefeed: stream attachment %q: %w", name, err)
		}
		if err := w.Finish(); err != nil {
			w.Cancel()
			return nil, fmt.Errorf("changefeed: finish attachment %q: %w", name, err)
		}
		key, err := w.Install()
		if err != nil {
			return nil, fmt.Errorf("changefeed: install attachment %q: %w", name, err)
		}

		md5Sum := w.MD5Digest()
		digest := "md5-" + base64.StdEncoding.EncodeToString(md5Sum[:])
		stub, _ := attachments[name].(map[string]interface{})
		if stub == nil {
			stub = map[string]interface{}{}
		}
		stub["follows"] = false
		stub["digest"] = digest
		stub["length"] = w.Length()
		attachments[name] = stub

		result.Attachments[name] = AttachmentData{Digest: digest, Length: w.Length(), Key: key}
	}

	if idx != len(byFollowsOrder) {
		return nil, fmt.Errorf("changefeed: expected %d attachment parts, got %d", len(byFollowsOrder), idx)
	}

	return result, nil
}

// followingAttachmentNames returns the names of attachments whose
// "follows" field is true, in ascending order — the order
// CouchDB-compatible peers emit multipart parts in.
func followingAttachmentNames(attachments map[string]interface{}) []string {
	var names []string
	for name, v := range attachments {
		stub, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if follows, _ := stub["follows"].(bool); follows {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// writerAppender adapts blobstore.Writer.Append to io.Writer for io.Copy.
type writerAppender struct{ w *blobstore.Writer }

func (a writerAppender) Write(p []byte) (int, error) {
	if err := a.w.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
