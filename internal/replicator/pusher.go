package replicator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"

	"syncbase/internal/localstore"
	"syncbase/pkg/model"
)

// errRevisionConflict marks an upload rejected by the remote as a
// conflict: remote wins, the revision is skipped rather than retried or
// counted as a failure.
var errRevisionConflict = errors.New("replicator: remote conflict")

// pushStrategy discovers candidate revisions by paging through the local
// ChangesSince cursor and, per batch, diffs against the remote via
// `_revs_diff` before uploading whatever it reports missing.
type pushStrategy struct{}

func (p *pushStrategy) replicate(ctx context.Context, core *ReplicationCore) error {
	since, err := strconv.ParseInt(core.LastSequence(), 10, 64)
	if err != nil {
		since = 0
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := core.opts.LocalStore.ChangesSince(ctx, since, localstore.ChangesOptions{Limit: pushPageSize})
		if err != nil {
			return fmt.Errorf("replicator: changes since: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			for _, rev := range e.Revs {
				core.enqueue(RevisionRef{DocID: e.DocID, RevID: rev, Seq: e.Seq})
			}
			if e.Seq > since {
				since = e.Seq
			}
		}
		if len(entries) < pushPageSize {
			return nil
		}
	}
}

func (p *pushStrategy) processBatch(ctx context.Context, core *ReplicationCore, batch []RevisionRef) {
	if len(batch) == 0 {
		return
	}

	var docIDs []string
	seenDoc := map[string]bool{}
	revsMap := map[string][]string{}
	var maxSeq int64
	for _, ref := range batch {
		if !seenDoc[ref.DocID] {
			seenDoc[ref.DocID] = true
			docIDs = append(docIDs, ref.DocID)
		}
		revsMap[ref.DocID] = append(revsMap[ref.DocID], ref.RevID)
		if ref.Seq > maxSeq {
			maxSeq = ref.Seq
		}
	}

	missing, err := core.remoteRevsDiff(ctx, revsMap)
	if err != nil {
		core.recordBatchFailure(batch, err)
		return
	}

	revs, err := core.opts.LocalStore.DocumentsWithIDs(ctx, docIDs)
	if err != nil {
		core.recordBatchFailure(batch, err)
		return
	}
	byDocID := make(map[string]model.Revision, len(revs))
	for _, r := range revs {
		byDocID[r.DocID] = r
	}

	var toSend []model.Revision
	for _, docID := range docIDs {
		wantRevs := missing[docID]
		if len(wantRevs) == 0 {
			continue
		}
		rev, ok := byDocID[docID]
		if !ok || !containsString(wantRevs, rev.RevID) {
			// Either the doc vanished locally or the remote is missing an
			// ancestor that is no longer this doc's local winner; nothing
			// to upload for it from this batch.
			continue
		}
		toSend = append(toSend, rev)
	}

	if len(toSend) == 0 {
		core.finishBatch(len(batch), maxSeq)
		return
	}
	if core.uploadRevisions(ctx, toSend) {
		core.finishBatch(len(batch), maxSeq)
		return
	}
	// One or more revisions genuinely failed (not merely conflicted); the
	// checkpoint must not advance past this batch so the failed revision
	// is retried on the next pass, once RevsDiff reports it missing again.
	core.finishBatch(len(batch), 0)
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (core *ReplicationCore) remoteRevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	payload, err := json.Marshal(revs)
	if err != nil {
		return nil, fmt.Errorf("replicator: encode revs_diff: %w", err)
	}
	header, err := core.buildHeader(http.Header{"Content-Type": []string{"application/json"}})
	if err != nil {
		return nil, err
	}
	resp, err := core.opts.Transport.Do(ctx, http.MethodPost, core.opts.RemoteURL+"/_revs_diff", header, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("replicator: revs_diff: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("replicator: revs_diff: status %d: %s", resp.StatusCode, string(body))
	}
	var result map[string]struct {
		Missing []string `json:"missing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("replicator: decode revs_diff: %w", err)
	}
	out := make(map[string][]string, len(result))
	for docID, v := range result {
		out[docID] = v.Missing
	}
	return out, nil
}

// uploadRevisions uploads every rev, routing attachment-bearing revisions
// through a per-document multipart PUT and the rest through one shared
// `_bulk_docs` call. It reports whether every revision either succeeded
// or lost to a remote conflict (skip, not failure); a false return means
// at least one revision genuinely failed and was recorded individually.
func (core *ReplicationCore) uploadRevisions(ctx context.Context, revs []model.Revision) bool {
	ok := true
	var plain []model.Revision
	for _, r := range revs {
		if len(r.Attachments) == 0 {
			plain = append(plain, r)
			continue
		}
		if err := core.uploadWithAttachments(ctx, r); err != nil {
			if errors.Is(err, errRevisionConflict) {
				log.Printf("replicator: push %s/%s: remote conflict, skipping", r.DocID, r.RevID)
				continue
			}
			core.recordRevisionFailure(RevisionRef{DocID: r.DocID, RevID: r.RevID, Seq: r.Sequence}, err)
			ok = false
		}
	}
	if len(plain) > 0 && !core.bulkDocs(ctx, plain) {
		ok = false
	}
	return ok
}

// bulkDocs uploads revisions without attachments in one `_bulk_docs`
// call. Ancestor history is not resent: LocalStore exposes only a
// document's current winner, not its full revision chain, so pushed
// documents carry new_edits=false with just their current revId. A
// per-document "conflict" entry in the response is remote-wins and is
// skipped rather than counted as a failure; any other per-document error
// is recorded against that revision alone.
func (core *ReplicationCore) bulkDocs(ctx context.Context, revs []model.Revision) bool {
	docs := make([]map[string]interface{}, 0, len(revs))
	byDocID := make(map[string]model.Revision, len(revs))
	for _, r := range revs {
		doc := make(map[string]interface{}, len(r.Body)+2)
		for k, v := range r.Body {
			doc[k] = v
		}
		doc["_id"] = r.DocID
		doc["_rev"] = r.RevID
		if r.Deleted {
			doc["_deleted"] = true
		}
		docs = append(docs, doc)
		byDocID[r.DocID] = r
	}
	payload, err := json.Marshal(map[string]interface{}{"docs": docs, "new_edits": false})
	if err != nil {
		core.recordRevisionFailures(revs, fmt.Errorf("replicator: encode bulk_docs: %w", err))
		return false
	}
	header, err := core.buildHeader(http.Header{"Content-Type": []string{"application/json"}})
	if err != nil {
		core.recordRevisionFailures(revs, err)
		return false
	}
	resp, err := core.opts.Transport.Do(ctx, http.MethodPost, core.opts.RemoteURL+"/_bulk_docs", header, bytes.NewReader(payload))
	if err != nil {
		core.recordRevisionFailures(revs, fmt.Errorf("replicator: bulk_docs: %w", err))
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		core.recordRevisionFailures(revs, fmt.Errorf("replicator: bulk_docs: status %d: %s", resp.StatusCode, string(body)))
		return false
	}

	var results []struct {
		ID     string `json:"id"`
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &results); err != nil {
		core.recordRevisionFailures(revs, fmt.Errorf("replicator: decode bulk_docs: %w", err))
		return false
	}

	ok := true
	for _, res := range results {
		if res.Error == "" {
			continue
		}
		if res.Error == "conflict" {
			log.Printf("replicator: push %s: remote conflict, skipping", res.ID)
			continue
		}
		ok = false
		if r, known := byDocID[res.ID]; known {
			core.recordRevisionFailure(RevisionRef{DocID: r.DocID, RevID: r.RevID, Seq: r.Sequence},
				fmt.Errorf("%s: %s", res.Error, res.Reason))
		} else {
			core.recordError(fmt.Errorf("replicator: bulk_docs %s: %s: %s", res.ID, res.Error, res.Reason))
		}
	}
	return ok
}

// uploadWithAttachments PUTs a single revision as multipart/related,
// streaming each attachment body straight out of the blob store.
func (core *ReplicationCore) uploadWithAttachments(ctx context.Context, rev model.Revision) error {
	doc := make(map[string]interface{}, len(rev.Body)+3)
	for k, v := range rev.Body {
		doc[k] = v
	}
	doc["_id"] = rev.DocID
	doc["_rev"] = rev.RevID
	if rev.Deleted {
		doc["_deleted"] = true
	}

	names := make([]string, 0, len(rev.Attachments))
	for name := range rev.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)

	stubs := make(map[string]interface{}, len(names))
	for _, name := range names {
		ref := rev.Attachments[name]
		stubs[name] = map[string]interface{}{
			"content_type": ref.ContentType,
			"length":       ref.Length,
			"revpos":       ref.RevPos,
			"follows":      true,
		}
	}
	if len(stubs) > 0 {
		doc["_attachments"] = stubs
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		defer mw.Close()

		docPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json"}})
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := json.NewEncoder(docPart).Encode(doc); err != nil {
			pw.CloseWithError(err)
			return
		}
		for _, name := range names {
			ref := rev.Attachments[name]
			part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {ref.ContentType}})
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			blob, err := core.opts.BlobStore.OpenBlob(ref.BlobKey)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(part, blob)
			blob.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
	}()

	header, err := core.buildHeader(http.Header{"Content-Type": []string{"multipart/related; boundary=" + mw.Boundary()}})
	if err != nil {
		return err
	}
	u := core.opts.RemoteURL + "/" + url.PathEscape(rev.DocID) + "?new_edits=false"
	resp, err := core.opts.Transport.Do(ctx, http.MethodPut, u, header, pr)
	if err != nil {
		return fmt.Errorf("replicator: put %s: %w", rev.DocID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		return errRevisionConflict
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("replicator: put %s: status %d: %s", rev.DocID, resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
