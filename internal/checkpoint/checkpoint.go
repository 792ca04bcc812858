// Package checkpoint fetches, caches, and saves a `_local/<id>` sequence
// marker on a remote CouchDB-compatible peer.
package checkpoint

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"syncbase/internal/transport"
	"syncbase/pkg/model"
)

// ID derives the stable checkpoint document id for a (localUUID,
// remoteURL, direction) triple: the hex SHA-1 of
// "<localUUID>\n<remoteURL>\n<push?1:0>". It is pure and stable across
// process restarts.
func ID(localUUID, remoteURL string, push bool) string {
	dir := "0"
	if push {
		dir = "1"
	}
	sum := sha1.Sum([]byte(localUUID + "\n" + remoteURL + "\n" + dir))
	return hex.EncodeToString(sum[:])
}

// Checkpoint owns the remote `_local/<id>` document for one replication
// direction. Its rev is exclusively owned by the ReplicationCore that
// created it; losing track of it forces a Refresh before the next Save.
type Checkpoint struct {
	transport transport.Transport
	remoteURL string // e.g. "https://host/db" (no trailing slash)
	id        string
	header    http.Header

	mu      sync.Mutex
	rev     string
	extra   map[string]interface{}
	saving  bool
	overdue bool
	nextSeq string
}

// New creates a Checkpoint for the given remote database URL and
// checkpoint id. header carries auth headers (e.g. cookies are handled by
// the transport's jar; header is for anything additional, like a bearer
// token) applied to every request.
func New(t transport.Transport, remoteURL, id string, header http.Header) *Checkpoint {
	return &Checkpoint{
		transport: t,
		remoteURL: strings.TrimRight(remoteURL, "/"),
		id:        id,
		header:    header,
	}
}

func (c *Checkpoint) url() string {
	return c.remoteURL + "/_local/" + c.id
}

// Fetch retrieves the current lastSequence and rev from the remote. It
// returns model.ErrCheckpointMissing if the remote has no `_local` doc
// yet (a fresh replication), which callers should treat as "start from
// sequence zero", not as a failure.
func (c *Checkpoint) Fetch(ctx context.Context) (lastSequence string, err error) {
	resp, err := c.transport.Do(ctx, http.MethodGet, c.url(), c.header, nil)
	if err != nil {
		return "", fmt.Errorf("checkpoint: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.mu.Lock()
		c.rev = ""
		c.extra = nil
		c.mu.Unlock()
		return "", model.ErrCheckpointMissing
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("checkpoint: fetch: unexpected status %d", resp.StatusCode)
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("checkpoint: fetch: decode: %w", err)
	}

	rev, _ := doc["_rev"].(string)
	seq, _ := doc["lastSequence"].(string)
	delete(doc, "_rev")
	delete(doc, "lastSequence")
	delete(doc, "_id")

	c.mu.Lock()
	c.rev = rev
	c.extra = doc
	c.mu.Unlock()

	return seq, nil
}

// Refresh re-GETs the remote doc to reacquire its current rev after a 409
// on save indicates ours is stale. It discards the previously cached
// lastSequence in favor of whatever the caller passes to the next Save.
func (c *Checkpoint) Refresh(ctx context.Context) error {
	_, err := c.Fetch(ctx)
	if err == model.ErrCheckpointMissing {
		return nil
	}
	return err
}

// Save persists lastSequence to the remote. At most one PUT is ever in
// flight: a Save call issued while one is already running just records
// lastSequence as overdue and returns immediately; the running save
// will re-save with the latest overdue value once it completes.
func (c *Checkpoint) Save(ctx context.Context, lastSequence string) error {
	c.mu.Lock()
	if c.saving {
		c.overdue = true
		c.nextSeq = lastSequence
		c.mu.Unlock()
		return nil
	}
	c.saving = true
	c.mu.Unlock()

	seq := lastSequence
	for {
		err := c.putOnce(ctx, seq)

		c.mu.Lock()
		if err != nil {
			c.saving = false
			c.overdue = false
			c.mu.Unlock()
			return err
		}
		if c.overdue {
			seq = c.nextSeq
			c.overdue = false
			c.mu.Unlock()
			continue
		}
		c.saving = false
		c.mu.Unlock()
		return nil
	}
}

// putOnce issues a single PUT, handling 404 (drop rev, retry once) and
// 409 (refresh rev via GET, retry once) inline.
func (c *Checkpoint) putOnce(ctx context.Context, lastSequence string) error {
	for attempt := 0; attempt < 2; attempt++ {
		status, rev, err := c.putRequest(ctx, lastSequence)
		if err != nil {
			return err
		}
		switch {
		case status/100 == 2:
			c.mu.Lock()
			c.rev = rev
			c.mu.Unlock()
			return nil
		case status == http.StatusNotFound:
			c.mu.Lock()
			c.rev = ""
			c.mu.Unlock()
			continue
		case status == http.StatusConflict:
			if err := c.Refresh(ctx); err != nil {
				return err
			}
			continue
		default:
			return fmt.Errorf("checkpoint: save: unexpected status %d", status)
		}
	}
	return fmt.Errorf("checkpoint: save: gave up after retries")
}

func (c *Checkpoint) putRequest(ctx context.Context, lastSequence string) (status int, rev string, err error) {
	c.mu.Lock()
	body := map[string]interface{}{}
	for k, v := range c.extra {
		body[k] = v
	}
	body["lastSequence"] = lastSequence
	if c.rev != "" {
		body["_rev"] = c.rev
	}
	c.mu.Unlock()

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, "", fmt.Errorf("checkpoint: encode: %w", err)
	}

	header := cloneHeader(c.header)
	header.Set("Content-Type", "application/json")

	resp, err := c.transport.Do(ctx, http.MethodPut, c.url(), header, strings.NewReader(string(payload)))
	if err != nil {
		return 0, "", fmt.Errorf("checkpoint: save: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 == 2 {
		var result struct {
			Rev string `json:"rev"`
		}
		json.Unmarshal(respBody, &result)
		return resp.StatusCode, result.Rev, nil
	}
	return resp.StatusCode, "", nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h)+1)
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
