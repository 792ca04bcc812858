package replicator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"syncbase/internal/authz"
	"syncbase/internal/backoff"
	"syncbase/internal/batcher"
	"syncbase/internal/blobstore"
	"syncbase/internal/checkpoint"
	"syncbase/internal/localstore"
	"syncbase/internal/transport"
	"syncbase/pkg/model"
)

// Options configures one ReplicationCore. RemoteURL, LocalStore, Transport
// and BlobStore are required; the other fields are optional.
type Options struct {
	// RemoteURL is the remote database root, e.g. "https://host/db" (no
	// trailing slash, no path beyond the database name).
	RemoteURL string

	LocalStore localstore.LocalStore
	Transport  transport.Transport
	BlobStore  *blobstore.Store
	Authorizer authz.Authorizer

	// Continuous keeps the replication running (long-poll for Pull,
	// periodic re-scan for Push) instead of stopping once caught up.
	Continuous bool
	// CreateTarget PUTs the remote database into existence on a Push
	// whose first checkpoint fetch comes back 404.
	CreateTarget bool

	Filter       string
	FilterParams map[string]interface{}
}

// strategy is the direction-specific half of a ReplicationCore: how
// candidate revisions are discovered (replicate) and how a batch of them
// is fetched-and-stored or diffed-and-uploaded (processBatch).
type strategy interface {
	replicate(ctx context.Context, core *ReplicationCore) error
	processBatch(ctx context.Context, core *ReplicationCore, batch []RevisionRef)
}

// ReplicationCore drives one replication session against one remote
// database in one direction. Create one with NewPuller or NewPusher.
type ReplicationCore struct {
	opts      Options
	direction Direction
	strategy  strategy

	sessionID    string
	checkpointID string
	checkpoint   *checkpoint.Checkpoint

	inbox   *batcher.Batcher[RevisionRef]
	backoff *backoff.Backoff

	mu         sync.Mutex
	running    bool
	online     bool
	activeWork int
	lastSeq    string
	lastErr    error
	runCtx     context.Context
	cancel     context.CancelFunc
	stoppedCh  chan struct{}
	saveTimer  *time.Timer

	revisionsFailed int64
}

// NewPuller creates a ReplicationCore that pulls remote changes into
// opts.LocalStore.
func NewPuller(opts Options) (*ReplicationCore, error) {
	return newCore(Pull, opts)
}

// NewPusher creates a ReplicationCore that pushes local changes to the
// remote database.
func NewPusher(opts Options) (*ReplicationCore, error) {
	return newCore(Push, opts)
}

func newCore(dir Direction, opts Options) (*ReplicationCore, error) {
	if opts.RemoteURL == "" {
		return nil, fmt.Errorf("replicator: RemoteURL is required")
	}
	if opts.LocalStore == nil {
		return nil, fmt.Errorf("replicator: LocalStore is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("replicator: Transport is required")
	}
	if opts.BlobStore == nil {
		return nil, fmt.Errorf("replicator: BlobStore is required")
	}
	remoteURL, err := applyQueryAuthorizer(&opts)
	if err != nil {
		return nil, err
	}
	opts.RemoteURL = strings.TrimRight(remoteURL, "/")

	core := &ReplicationCore{
		opts:      opts,
		direction: dir,
		backoff:   backoff.New(0, 0),
	}
	if dir == Pull {
		core.strategy = &pullStrategy{}
	} else {
		core.strategy = &pushStrategy{}
	}
	core.inbox = batcher.New(inboxCapacity, inboxDelay, func(batch []RevisionRef) {
		core.strategy.processBatch(core.workCtx(), core, batch)
	})
	return core, nil
}

// applyQueryAuthorizer inspects RemoteURL for a "persona" or
// "facebookAccessToken"+"email" query parameter, registers the matching
// cookie-based Authorizer in place of whatever opts.Authorizer already
// held, and returns RemoteURL with its query string stripped: a query
// string of this kind is a way of smuggling one-shot login credentials
// into the URL, and sync gateways choke on it if it survives onto actual
// replication requests.
func applyQueryAuthorizer(opts *Options) (string, error) {
	u, err := url.Parse(opts.RemoteURL)
	if err != nil {
		return "", fmt.Errorf("replicator: parse RemoteURL: %w", err)
	}
	if u.RawQuery == "" {
		return opts.RemoteURL, nil
	}
	q := u.Query()

	if assertion := q.Get("persona"); assertion != "" {
		opts.Authorizer = authz.NewPersonaAuthorizer(assertion)
	} else if token := q.Get("facebookAccessToken"); token != "" {
		opts.Authorizer = authz.NewFacebookAuthorizer(token, q.Get("email"))
	}

	u.RawQuery = ""
	return u.String(), nil
}

// Direction reports whether this core pulls or pushes.
func (core *ReplicationCore) Direction() Direction { return core.direction }

// State returns the replication's current lifecycle state.
func (core *ReplicationCore) State() State {
	core.mu.Lock()
	defer core.mu.Unlock()
	return deriveState(core.running, core.online, core.activeWork)
}

// LastSequence returns the highest sequence this replication has completed
// so far. It reaches the remote checkpoint through the debounced save, so
// it can run ahead of what the checkpoint holds.
func (core *ReplicationCore) LastSequence() string {
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.lastSeq == "" {
		return "0"
	}
	return core.lastSeq
}

// LastError returns the most recent error observed, or nil.
func (core *ReplicationCore) LastError() error {
	core.mu.Lock()
	defer core.mu.Unlock()
	return core.lastErr
}

// RevisionsFailed counts revisions that could not be fetched, stored, or
// uploaded since this core was created.
func (core *ReplicationCore) RevisionsFailed() int64 {
	return atomic.LoadInt64(&core.revisionsFailed)
}

// Start runs the startup sequence (session registration, authentication,
// checkpoint negotiation) and, on success, launches the replication loop
// on its own goroutine. It returns once startup completes or fails; it
// does not block for the lifetime of the replication.
func (core *ReplicationCore) Start(ctx context.Context) error {
	core.mu.Lock()
	if core.running {
		core.mu.Unlock()
		return fmt.Errorf("replicator: already running")
	}
	core.mu.Unlock()

	core.sessionID = uuid.NewString()
	if err := core.opts.LocalStore.AddActiveReplication(ctx, core.sessionID); err != nil {
		return fmt.Errorf("replicator: register session: %w", err)
	}

	if err := core.ensureAuthenticated(ctx); err != nil {
		core.opts.LocalStore.ForgetReplication(ctx, core.sessionID)
		return err
	}

	privateUUID, err := core.opts.LocalStore.PrivateUUID(ctx)
	if err != nil {
		core.opts.LocalStore.ForgetReplication(ctx, core.sessionID)
		return fmt.Errorf("replicator: private uuid: %w", err)
	}
	core.checkpointID = checkpoint.ID(privateUUID, core.opts.RemoteURL, core.direction == Push)

	header, err := core.buildHeader(nil)
	if err != nil {
		core.opts.LocalStore.ForgetReplication(ctx, core.sessionID)
		return err
	}
	core.checkpoint = checkpoint.New(core.opts.Transport, core.opts.RemoteURL, core.checkpointID, header)

	if err := core.fetchRemoteCheckpointDoc(ctx); err != nil {
		core.opts.LocalStore.ForgetReplication(ctx, core.sessionID)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	core.mu.Lock()
	core.running = true
	core.online = true
	core.runCtx = runCtx
	core.cancel = cancel
	core.stoppedCh = make(chan struct{})
	core.mu.Unlock()

	go core.beginReplicating(runCtx)
	return nil
}

// Stop cancels any in-flight work, waits for the replication loop to
// settle into STOPPED, and persists the final checkpoint.
func (core *ReplicationCore) Stop() {
	core.mu.Lock()
	if !core.running {
		core.mu.Unlock()
		return
	}
	cancel := core.cancel
	stopped := core.stoppedCh
	core.mu.Unlock()

	core.inbox.Clear()
	cancel()
	<-stopped
}

// GoOffline pauses the replication loop without tearing down its
// session; the next GoOnline resumes from the last committed sequence.
func (core *ReplicationCore) GoOffline() {
	core.mu.Lock()
	core.online = false
	core.mu.Unlock()
}

// GoOnline resumes a replication paused with GoOffline.
func (core *ReplicationCore) GoOnline() {
	core.mu.Lock()
	core.online = true
	core.mu.Unlock()
}

func (core *ReplicationCore) workCtx() context.Context {
	core.mu.Lock()
	ctx := core.runCtx
	core.mu.Unlock()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func (core *ReplicationCore) isOnline() bool {
	core.mu.Lock()
	defer core.mu.Unlock()
	return core.online
}

// beginReplicating is the replication loop: alternate between
// strategy.replicate (one discovery pass) and, for continuous
// replications, a pause before the next pass. A non-continuous
// replication stops the first time replicate returns without error.
func (core *ReplicationCore) beginReplicating(ctx context.Context) {
	defer close(core.stoppedCh)
	for {
		if ctx.Err() != nil {
			core.finish()
			return
		}
		if !core.isOnline() {
			if !core.waitOnline(ctx) {
				core.finish()
				return
			}
			continue
		}

		err := core.strategy.replicate(ctx, core)
		core.inbox.Flush()

		if ctx.Err() != nil {
			core.finish()
			return
		}
		if err != nil {
			core.recordError(err)
			if !core.opts.Continuous {
				core.finish()
				return
			}
			if !core.sleep(ctx, core.backoff.Next()) {
				core.finish()
				return
			}
			continue
		}
		core.backoff.Reset()

		if !core.isOnline() {
			continue // interrupted by GoOffline mid-pass; wait for resume
		}
		if !core.opts.Continuous {
			core.finish()
			return
		}
		if !core.sleep(ctx, pollInterval) {
			core.finish()
			return
		}
	}
}

func (core *ReplicationCore) waitOnline(ctx context.Context) bool {
	ticker := time.NewTicker(offlinePollInterval)
	defer ticker.Stop()
	for {
		if core.isOnline() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (core *ReplicationCore) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// finish persists the final checkpoint synchronously, unregisters the
// session, and marks the core stopped.
func (core *ReplicationCore) finish() {
	core.mu.Lock()
	if core.saveTimer != nil {
		core.saveTimer.Stop()
		core.saveTimer = nil
	}
	seq := core.lastSeq
	core.running = false
	core.mu.Unlock()

	core.persistLocalSequence(context.Background(), seq)
	if core.checkpoint != nil {
		if err := core.checkpoint.Save(context.Background(), seq); err != nil {
			log.Printf("replicator: %s %s: final checkpoint save failed: %v", core.direction, core.opts.RemoteURL, err)
		}
	}
	if err := core.opts.LocalStore.ForgetReplication(context.Background(), core.sessionID); err != nil {
		log.Printf("replicator: %s %s: forget replication failed: %v", core.direction, core.opts.RemoteURL, err)
	}
}

func (core *ReplicationCore) recordError(err error) {
	core.mu.Lock()
	core.lastErr = err
	core.mu.Unlock()
	log.Printf("replicator: %s %s: %v", core.direction, core.opts.RemoteURL, err)
}

func (core *ReplicationCore) recordRevisionFailure(ref RevisionRef, err error) {
	atomic.AddInt64(&core.revisionsFailed, 1)
	core.recordError(fmt.Errorf("%s/%s: %w", ref.DocID, ref.RevID, err))
}

// recordRevisionFailures records err against every rev individually,
// without failing the surrounding batch as a whole.
func (core *ReplicationCore) recordRevisionFailures(revs []model.Revision, err error) {
	for _, r := range revs {
		core.recordRevisionFailure(RevisionRef{DocID: r.DocID, RevID: r.RevID, Seq: r.Sequence}, err)
	}
}

func (core *ReplicationCore) recordBatchFailure(batch []RevisionRef, err error) {
	for range batch {
		atomic.AddInt64(&core.revisionsFailed, 1)
	}
	core.recordError(err)
	core.finishBatch(len(batch), 0)
}

// finishBatch decrements the in-flight work counter by n and, if
// advanceToSeq is positive, advances the checkpoint's lastSequence and
// schedules a debounced save.
func (core *ReplicationCore) finishBatch(n int, advanceToSeq int64) {
	core.mu.Lock()
	core.activeWork -= n
	if core.activeWork < 0 {
		core.activeWork = 0
	}
	core.mu.Unlock()
	if advanceToSeq > 0 {
		core.setLastSequenceIfHigher(advanceToSeq)
		core.scheduleCheckpointSave()
	}
}

func (core *ReplicationCore) enqueue(ref RevisionRef) {
	core.mu.Lock()
	core.activeWork++
	core.mu.Unlock()
	core.inbox.Queue(ref)
}

func (core *ReplicationCore) setLastSequence(seq string) {
	core.mu.Lock()
	if seq == "" {
		seq = "0"
	}
	core.lastSeq = seq
	core.mu.Unlock()
}

func (core *ReplicationCore) setLastSequenceIfHigher(seq int64) {
	core.mu.Lock()
	defer core.mu.Unlock()
	cur, _ := strconv.ParseInt(core.lastSeq, 10, 64)
	if seq > cur {
		core.lastSeq = strconv.FormatInt(seq, 10)
	}
}

// scheduleCheckpointSave arms a single debounced save; a save already
// pending absorbs later calls instead of stacking timers.
func (core *ReplicationCore) scheduleCheckpointSave() {
	core.mu.Lock()
	if core.saveTimer != nil {
		core.mu.Unlock()
		return
	}
	core.saveTimer = time.AfterFunc(checkpointSaveDelay, func() {
		core.mu.Lock()
		core.saveTimer = nil
		seq := core.lastSeq
		core.mu.Unlock()
		core.persistLocalSequence(context.Background(), seq)
		if err := core.checkpoint.Save(context.Background(), seq); err != nil {
			log.Printf("replicator: %s %s: checkpoint save failed: %v", core.direction, core.opts.RemoteURL, err)
		}
	})
	core.mu.Unlock()
}

// persistLocalSequence caches lastSequence under this replication's
// checkpoint id so a restart can skip the remote round trip when the
// cached value already agrees with the remote.
func (core *ReplicationCore) persistLocalSequence(ctx context.Context, seq string) {
	if err := core.opts.LocalStore.SetLastSequence(ctx, seq, core.checkpointID, core.direction == Push); err != nil {
		log.Printf("replicator: %s %s: cache local sequence failed: %v", core.direction, core.opts.RemoteURL, err)
	}
}

// buildHeader clones extra (if any) and applies the configured
// Authorizer on top of it — a no-op for cookie-based auth, which relies
// on the transport's jar instead of a header.
func (core *ReplicationCore) buildHeader(extra http.Header) (http.Header, error) {
	h := http.Header{}
	for k, vs := range extra {
		h[k] = append([]string(nil), vs...)
	}
	if core.opts.Authorizer != nil {
		if err := core.opts.Authorizer.Authorize(h); err != nil {
			return nil, fmt.Errorf("replicator: authorize: %w", err)
		}
	}
	return h, nil
}

func (core *ReplicationCore) ensureAuthenticated(ctx context.Context) error {
	if core.opts.Authorizer == nil || !core.opts.Authorizer.UsesCookieBasedLogin() {
		return nil
	}
	loggedIn, err := core.checkSession(ctx)
	if err != nil {
		return err
	}
	if loggedIn {
		return nil
	}
	return core.login(ctx)
}

func (core *ReplicationCore) checkSession(ctx context.Context) (bool, error) {
	header, err := core.buildHeader(nil)
	if err != nil {
		return false, err
	}
	resp, err := core.opts.Transport.Do(ctx, http.MethodGet, core.siteRoot()+"/_session", header, nil)
	if err != nil {
		return false, fmt.Errorf("replicator: check session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return false, nil
	}
	var body struct {
		UserCtx struct {
			Name string `json:"name"`
		} `json:"userCtx"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("replicator: decode session: %w", err)
	}
	return body.UserCtx.Name != "", nil
}

func (core *ReplicationCore) login(ctx context.Context) error {
	params := core.opts.Authorizer.LoginParametersForSite(core.opts.RemoteURL)
	path := core.opts.Authorizer.LoginPathForSite(core.opts.RemoteURL)
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("replicator: encode login params: %w", err)
	}
	header, err := core.buildHeader(http.Header{"Content-Type": []string{"application/json"}})
	if err != nil {
		return err
	}
	resp, err := core.opts.Transport.Do(ctx, http.MethodPost, core.opts.RemoteURL+path, header, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("replicator: login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("replicator: login: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// siteRoot strips the database name off RemoteURL to reach the server
// root, where `_session` and login endpoints live.
func (core *ReplicationCore) siteRoot() string {
	u, err := url.Parse(core.opts.RemoteURL)
	if err != nil {
		return core.opts.RemoteURL
	}
	path := strings.TrimRight(u.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		u.Path = ""
	} else {
		u.Path = path[:idx]
	}
	return u.Scheme + "://" + u.Host + u.Path
}

// fetchRemoteCheckpointDoc fetches the remote `_local/<id>` doc and
// initializes lastSequence from it, falling back to the locally cached
// value (and, for a Push with CreateTarget, creating the remote
// database) when the remote has no checkpoint yet.
func (core *ReplicationCore) fetchRemoteCheckpointDoc(ctx context.Context) error {
	localCached, _ := core.opts.LocalStore.LastSequenceFor(ctx, core.checkpointID)

	remoteSeq, err := core.checkpoint.Fetch(ctx)
	switch {
	case err == model.ErrCheckpointMissing:
		if core.direction == Push && core.opts.CreateTarget {
			if err := core.maybeCreateRemoteDB(ctx); err != nil {
				return err
			}
		}
		core.setLastSequence(localCached)
		return nil
	case err != nil:
		return err
	}

	if localCached != "" && localCached != remoteSeq {
		log.Printf("replicator: %s %s: local checkpoint %q disagrees with remote %q for %s, resetting to 0",
			core.direction, core.opts.RemoteURL, localCached, remoteSeq, core.checkpointID)
		core.setLastSequence("0")
		return nil
	}
	core.setLastSequence(remoteSeq)
	return nil
}

func (core *ReplicationCore) maybeCreateRemoteDB(ctx context.Context) error {
	header, err := core.buildHeader(nil)
	if err != nil {
		return err
	}
	resp, err := core.opts.Transport.Do(ctx, http.MethodPut, core.opts.RemoteURL, header, nil)
	if err != nil {
		return fmt.Errorf("replicator: create target: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusPreconditionFailed {
		return nil
	}
	return fmt.Errorf("replicator: create target: unexpected status %d", resp.StatusCode)
}
