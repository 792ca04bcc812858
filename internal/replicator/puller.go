package replicator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"syncbase/internal/blobstore"
	"syncbase/internal/changefeed"
	"syncbase/pkg/model"
)

// pullStrategy discovers candidate revisions by consuming the remote
// `_changes` feed and, per batch, fetches each missing revision's body
// (JSON or multipart/related) and ForceInserts it locally.
type pullStrategy struct{}

func (p *pullStrategy) replicate(ctx context.Context, core *ReplicationCore) error {
	mode := changefeed.ModeNormal
	if core.opts.Continuous {
		mode = changefeed.ModeLongPoll
	}
	header, err := core.buildHeader(nil)
	if err != nil {
		return err
	}
	feed := changefeed.New(core.opts.Transport, core.opts.RemoteURL, changefeed.Options{
		Mode:         mode,
		Since:        core.LastSequence(),
		Filter:       core.opts.Filter,
		FilterParams: core.opts.FilterParams,
		Header:       header,
	}, func(ctx context.Context, entry model.ChangeEntry) error {
		return core.handlePullEntry(ctx, entry)
	})
	return feed.Run(ctx)
}

// handlePullEntry diffs one change record's candidate revisions against
// what is already stored locally and queues whichever are missing.
func (core *ReplicationCore) handlePullEntry(ctx context.Context, entry model.ChangeEntry) error {
	if len(entry.Revs) == 0 {
		return nil
	}
	missing, err := core.opts.LocalStore.RevsDiff(ctx, map[string][]string{entry.DocID: entry.Revs})
	if err != nil {
		return fmt.Errorf("replicator: revs diff: %w", err)
	}
	for _, revID := range missing[entry.DocID] {
		core.enqueue(RevisionRef{DocID: entry.DocID, RevID: revID, Seq: entry.Seq})
	}
	return nil
}

// fetchedRevision pairs one fetched revision body with the RevisionRef it
// came from, so a fetch failure can be attributed after the fact.
type fetchedRevision struct {
	ref     RevisionRef
	rev     model.Revision
	history model.RevisionHistory
}

func (p *pullStrategy) processBatch(ctx context.Context, core *ReplicationCore, batch []RevisionRef) {
	if len(batch) == 0 {
		return
	}
	var maxSeq int64
	ok := true

	// Every revision body is fetched over the network before any local
	// transaction opens; a store must never hold a transaction across a
	// suspension point like an HTTP round trip.
	fetched := make([]fetchedRevision, 0, len(batch))
	for _, ref := range batch {
		if ref.Seq > maxSeq {
			maxSeq = ref.Seq
		}
		rev, history, err := core.fetchRevision(ctx, ref)
		if err != nil {
			log.Printf("replicator: pull %s/%s failed: %v", ref.DocID, ref.RevID, err)
			core.recordRevisionFailure(ref, err)
			ok = false
			continue
		}
		fetched = append(fetched, fetchedRevision{ref: ref, rev: rev, history: history})
	}

	if len(fetched) > 0 {
		tx, err := core.opts.LocalStore.BeginTransaction(ctx)
		if err != nil {
			core.recordBatchFailure(batch, fmt.Errorf("replicator: begin transaction: %w", err))
			return
		}
		for _, f := range fetched {
			if err := core.opts.LocalStore.ForceInsert(ctx, f.rev, f.history); err != nil {
				log.Printf("replicator: store %s/%s failed: %v", f.ref.DocID, f.ref.RevID, err)
				core.recordRevisionFailure(f.ref, err)
				ok = false
			}
		}
		if err := tx.EndTransaction(true); err != nil {
			core.recordBatchFailure(batch, fmt.Errorf("replicator: commit: %w", err))
			return
		}
	}

	if !ok {
		// A failure inside the batch means the checkpoint must not advance
		// past it; the failed revision is retried on the next pass since it
		// is still outside RevsDiff's known set.
		core.finishBatch(len(batch), 0)
		return
	}
	core.finishBatch(len(batch), maxSeq)
}

// fetchRevision GETs one specific revision with history and attachments,
// handling both the multipart/related and plain-JSON response shapes.
func (core *ReplicationCore) fetchRevision(ctx context.Context, ref RevisionRef) (model.Revision, model.RevisionHistory, error) {
	header, err := core.buildHeader(http.Header{"Accept": []string{"multipart/related, application/json"}})
	if err != nil {
		return model.Revision{}, nil, err
	}
	u := core.opts.RemoteURL + "/" + url.PathEscape(ref.DocID) +
		"?rev=" + url.QueryEscape(ref.RevID) + "&revs=true&attachments=true"

	resp, err := core.opts.Transport.Do(ctx, http.MethodGet, u, header, nil)
	if err != nil {
		return model.Revision{}, nil, fmt.Errorf("replicator: fetch %s/%s: %w", ref.DocID, ref.RevID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return model.Revision{}, nil, fmt.Errorf("replicator: fetch %s/%s: status %d: %s", ref.DocID, ref.RevID, resp.StatusCode, string(body))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/related") {
		result, err := changefeed.NewMultipartDocReader(core.opts.BlobStore).Read(resp.Body, contentType)
		if err != nil {
			return model.Revision{}, nil, err
		}
		return buildRevisionFromDoc(result.Doc, result.Attachments, ref.Seq, core.opts.BlobStore)
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return model.Revision{}, nil, fmt.Errorf("replicator: decode %s/%s: %w", ref.DocID, ref.RevID, err)
	}
	return buildRevisionFromDoc(doc, nil, ref.Seq, core.opts.BlobStore)
}

func buildRevisionFromDoc(doc map[string]interface{}, attachmentData map[string]changefeed.AttachmentData, seq int64, store *blobstore.Store) (model.Revision, model.RevisionHistory, error) {
	docID, _ := doc["_id"].(string)
	revID, _ := doc["_rev"].(string)
	deleted, _ := doc["_deleted"].(bool)
	if docID == "" || revID == "" {
		return model.Revision{}, nil, fmt.Errorf("replicator: fetched document is missing _id/_rev")
	}

	history := parseRevisionsHistory(doc["_revisions"], revID)

	var attachments map[string]model.AttachmentRef
	if raw, ok := doc["_attachments"].(map[string]interface{}); ok && len(raw) > 0 {
		attachments = make(map[string]model.AttachmentRef, len(raw))
		for name, v := range raw {
			stub, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			ref, err := attachmentRefFromStub(name, stub, attachmentData[name], store)
			if err != nil {
				return model.Revision{}, nil, err
			}
			attachments[name] = ref
		}
	}

	body := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if strings.HasPrefix(k, "_") {
			continue
		}
		body[k] = v
	}

	return model.Revision{
		DocID:       docID,
		RevID:       revID,
		Sequence:    seq,
		Deleted:     deleted,
		Body:        body,
		Attachments: attachments,
	}, history, nil
}

// parseRevisionsHistory reads a CouchDB-style {"start":N,"ids":[...]}
// `_revisions` field into an ordered ancestor list, most recent first.
// The revision itself (ids[0], equal to currentRevID) is left out, so the
// first entry is its parent. A missing or malformed field yields an empty
// history.
func parseRevisionsHistory(raw interface{}, currentRevID string) model.RevisionHistory {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	startF, _ := m["start"].(float64)
	idsRaw, _ := m["ids"].([]interface{})
	start := int(startF)

	history := make(model.RevisionHistory, 0, len(idsRaw))
	for i, idRaw := range idsRaw {
		id, _ := idRaw.(string)
		revID := model.NewRevID(start-i, id)
		if revID == currentRevID {
			continue
		}
		history = append(history, revID)
	}
	return history
}

// attachmentRefFromStub resolves one `_attachments` stub into a stored
// AttachmentRef: data already recovered from a multipart part takes
// priority, otherwise an inline base64 "data" field (CouchDB's shape for
// a JSON-negotiated attachments=true response) is decoded and stored.
func attachmentRefFromStub(name string, stub map[string]interface{}, data changefeed.AttachmentData, store *blobstore.Store) (model.AttachmentRef, error) {
	contentType, _ := stub["content_type"].(string)
	revposF, _ := stub["revpos"].(float64)

	if data.Length > 0 || data.Key != (model.BlobKey{}) {
		return model.AttachmentRef{
			Name:        name,
			ContentType: contentType,
			Length:      data.Length,
			RevPos:      int(revposF),
			BlobKey:     data.Key,
		}, nil
	}

	inline, _ := stub["data"].(string)
	if inline == "" {
		return model.AttachmentRef{}, fmt.Errorf("replicator: attachment %q has neither a multipart body nor inline data", name)
	}
	raw, err := base64.StdEncoding.DecodeString(inline)
	if err != nil {
		return model.AttachmentRef{}, fmt.Errorf("replicator: attachment %q: decode inline data: %w", name, err)
	}
	key, length, err := store.StoreBlob(raw)
	if err != nil {
		return model.AttachmentRef{}, fmt.Errorf("replicator: attachment %q: store: %w", name, err)
	}
	return model.AttachmentRef{
		Name:        name,
		ContentType: contentType,
		Length:      length,
		RevPos:      int(revposF),
		BlobKey:     key,
	}, nil
}
