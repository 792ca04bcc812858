// Package memstore is an in-memory localstore.LocalStore used by this
// module's own tests and by any embedder that wants a zero-dependency
// starting point before wiring a real backend.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"syncbase/internal/localstore"
	"syncbase/pkg/model"
)

var _ localstore.LocalStore = (*Store)(nil)

// Store is a LocalStore backed entirely by in-process maps. It is safe
// for concurrent use.
type Store struct {
	mu sync.Mutex

	uuid   string
	closed bool

	nextSeq int64
	// revisions holds every revision ever force-inserted, keyed by docID
	// then revID, so RevsDiff can answer "do you have this revId" without
	// needing a full history walk.
	revisions map[string]map[string]model.Revision
	// leaves holds, per docID, the set of revIDs with no known descendant
	// locally — the candidate set Winner and the all_docs-style change
	// feed draw from.
	leaves map[string]map[string]bool

	log []model.ChangeEntry

	checkpoints map[string]string
	active      map[string]bool
}

// New creates an empty Store with a freshly generated private UUID.
func New() *Store {
	return &Store{
		uuid:        uuid.NewString(),
		revisions:   map[string]map[string]model.Revision{},
		leaves:      map[string]map[string]bool{},
		checkpoints: map[string]string{},
		active:      map[string]bool{},
	}
}

func (s *Store) LastSequenceNumber(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, model.ErrClosed
	}
	return s.nextSeq, nil
}

func (s *Store) LastSequenceFor(ctx context.Context, checkpointID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", model.ErrClosed
	}
	return s.checkpoints[checkpointID], nil
}

func (s *Store) SetLastSequence(ctx context.Context, seq, checkpointID string, isPush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrClosed
	}
	s.checkpoints[checkpointID] = seq
	return nil
}

func (s *Store) PrivateUUID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", model.ErrClosed
	}
	return s.uuid, nil
}

func (s *Store) DocumentsWithIDs(ctx context.Context, docIDs []string) ([]model.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, model.ErrClosed
	}

	var out []model.Revision
	for _, id := range docIDs {
		leafSet := s.leaves[id]
		if len(leafSet) == 0 {
			continue
		}
		var candidates []model.Revision
		for revID := range leafSet {
			candidates = append(candidates, s.revisions[id][revID])
		}
		out = append(out, model.Winner(candidates))
	}
	return out, nil
}

func (s *Store) RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, model.ErrClosed
	}

	missing := map[string][]string{}
	for docID, revIDs := range revs {
		known := s.revisions[docID]
		var need []string
		for _, revID := range revIDs {
			if known == nil {
				need = append(need, revID)
				continue
			}
			if _, ok := known[revID]; !ok {
				need = append(need, revID)
			}
		}
		if len(need) > 0 {
			missing[docID] = need
		}
	}
	return missing, nil
}

func (s *Store) ForceInsert(ctx context.Context, rev model.Revision, history model.RevisionHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrClosed
	}

	if s.revisions[rev.DocID] == nil {
		s.revisions[rev.DocID] = map[string]model.Revision{}
		s.leaves[rev.DocID] = map[string]bool{}
	}
	if _, exists := s.revisions[rev.DocID][rev.RevID]; exists {
		return nil // already have this exact revision; ForceInsert is idempotent
	}

	s.nextSeq++
	rev.Sequence = s.nextSeq
	s.revisions[rev.DocID][rev.RevID] = rev
	s.leaves[rev.DocID][rev.RevID] = true

	if len(history) > 0 {
		parent := history[0]
		delete(s.leaves[rev.DocID], parent)
	}

	entry := model.ChangeEntry{Seq: rev.Sequence, DocID: rev.DocID, Deleted: rev.Deleted}
	for revID := range s.leaves[rev.DocID] {
		entry.Revs = append(entry.Revs, revID)
	}
	sort.Strings(entry.Revs)
	s.log = append(s.log, entry)

	return nil
}

func (s *Store) ChangesSince(ctx context.Context, since int64, opts localstore.ChangesOptions) ([]model.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, model.ErrClosed
	}

	var out []model.ChangeEntry
	for _, entry := range s.log {
		if entry.Seq <= since {
			continue
		}
		if !opts.IncludeConflicts && len(entry.Revs) > 1 {
			winner := model.Winner(s.revisionsFor(entry.DocID, entry.Revs))
			entry = model.ChangeEntry{Seq: entry.Seq, DocID: entry.DocID, Deleted: entry.Deleted, Revs: []string{winner.RevID}}
		}
		out = append(out, entry)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) revisionsFor(docID string, revIDs []string) []model.Revision {
	revs := make([]model.Revision, 0, len(revIDs))
	for _, id := range revIDs {
		revs = append(revs, s.revisions[docID][id])
	}
	return revs
}

func (s *Store) BeginTransaction(ctx context.Context) (localstore.Transaction, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, model.ErrClosed
	}
	s.mu.Unlock()
	// memstore has no rollback log: every mutation above is already applied
	// atomically under s.mu, so EndTransaction is a no-op that exists only
	// to satisfy the interface's transaction-bracketing contract.
	return noopTx{}, nil
}

type noopTx struct{}

func (noopTx) EndTransaction(commit bool) error { return nil }

func (s *Store) AddActiveReplication(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrClosed
	}
	s.active[sessionID] = true
	return nil
}

func (s *Store) ForgetReplication(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
	return nil
}

// Close marks the store closed; subsequent operations return
// model.ErrClosed. It refuses while replications are still registered.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) > 0 {
		return model.ErrConflict
	}
	s.closed = true
	return nil
}
