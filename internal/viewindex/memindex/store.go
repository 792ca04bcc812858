// Package memindex is an in-memory viewindex.RevisionSource and
// viewindex.RowStore, used by this module's own tests and as a
// zero-dependency starting point for embedders wiring a ViewIndexer
// before they have a real backend.
//
// Unlike localstore/memstore's no-op transaction (safe there because
// every mutation commits immediately under one lock), memindex needs a
// transaction that can genuinely roll back: viewindex.ViewIndexer.Update
// requires an aborted update to leave rows and lastSequence untouched.
// Writes during a transaction are staged and only applied to the live
// state on commit.
package memindex

import (
	"context"
	"sort"
	"strings"
	"sync"

	"syncbase/internal/localstore"
	"syncbase/internal/viewindex"
	"syncbase/pkg/model"
)

var (
	_ viewindex.RevisionSource = (*Store)(nil)
	_ viewindex.RowStore       = (*Store)(nil)
)

// Store holds revisions (with full leaf-set conflict tracking, so tests
// can exercise winner selection among concurrent branches) and the rows
// of any number of views keyed by their viewID.
type Store struct {
	mu sync.Mutex

	nextSeq   int64
	revisions map[string]map[string]model.Revision
	leaves    map[string]map[string]bool

	rows    map[string][]viewindex.Row
	viewSeq map[string]int64

	txActive     bool
	stagedRows   map[string][]viewindex.Row
	stagedSeq    map[string]int64
	touchedViews map[string]bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		revisions: map[string]map[string]model.Revision{},
		leaves:    map[string]map[string]bool{},
		rows:      map[string][]viewindex.Row{},
		viewSeq:   map[string]int64{},
	}
}

// PutLeaf inserts a revision as a current leaf of docID without removing
// any existing leaves, so tests can construct documents with more than
// one live branch (conflicts). It returns the sequence assigned.
func (s *Store) PutLeaf(docID, revID string, body map[string]interface{}, deleted bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revisions[docID] == nil {
		s.revisions[docID] = map[string]model.Revision{}
		s.leaves[docID] = map[string]bool{}
	}
	s.nextSeq++
	rev := model.Revision{DocID: docID, RevID: revID, Sequence: s.nextSeq, Deleted: deleted, Body: body}
	s.revisions[docID][revID] = rev
	s.leaves[docID][revID] = true
	return s.nextSeq
}

// SupersedeLeaf removes revID from docID's leaf set, as ForceInsert does
// for the parent of a newly inserted revision.
func (s *Store) SupersedeLeaf(docID, revID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leaves[docID], revID)
}

func (s *Store) MaxSequence(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq, nil
}

func (s *Store) ChangedDocIDsSince(ctx context.Context, since int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for docID, revs := range s.revisions {
		for _, rev := range revs {
			if rev.Sequence > since {
				seen[docID] = true
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) WinnersSince(ctx context.Context, since int64) ([]model.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docIDs := make([]string, 0, len(s.leaves))
	for docID := range s.leaves {
		docIDs = append(docIDs, docID)
	}
	sort.Strings(docIDs)

	var out []model.Revision
	for _, docID := range docIDs {
		if strings.HasPrefix(docID, "_design/") {
			continue
		}
		leafSet := s.leaves[docID]
		if len(leafSet) == 0 {
			continue
		}
		var candidates []model.Revision
		maxSeq := int64(0)
		for revID := range leafSet {
			rev := s.revisions[docID][revID]
			candidates = append(candidates, rev)
			if rev.Sequence > maxSeq {
				maxSeq = rev.Sequence
			}
		}
		if maxSeq <= since {
			continue
		}
		winner := model.Winner(candidates)
		if winner.Deleted {
			continue
		}
		out = append(out, winner)
	}
	return out, nil
}

func (s *Store) ViewLastSequence(ctx context.Context, viewID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txActive {
		if seq, ok := s.stagedSeq[viewID]; ok {
			return seq, nil
		}
	}
	return s.viewSeq[viewID], nil
}

func (s *Store) SetViewLastSequence(ctx context.Context, viewID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagedSeq[viewID] = seq
	s.touchedViews[viewID] = true
	return nil
}

func (s *Store) DeleteAllRows(ctx context.Context, viewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagedRows[viewID] = nil
	s.touchedViews[viewID] = true
	return nil
}

func (s *Store) DeleteRowsForDocs(ctx context.Context, viewID string, docIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]bool, len(docIDs))
	for _, id := range docIDs {
		set[id] = true
	}
	current := s.stageRowsLocked(viewID)
	kept := current[:0:0]
	for _, r := range current {
		if !set[r.DocID] {
			kept = append(kept, r)
		}
	}
	s.stagedRows[viewID] = kept
	s.touchedViews[viewID] = true
	return nil
}

func (s *Store) InsertRow(ctx context.Context, row viewindex.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.stageRowsLocked(row.ViewID)
	s.stagedRows[row.ViewID] = append(current, row)
	s.touchedViews[row.ViewID] = true
	return nil
}

// stageRowsLocked returns the staged row slice for viewID, copying from
// live state on first touch within the current transaction. Caller must
// hold s.mu.
func (s *Store) stageRowsLocked(viewID string) []viewindex.Row {
	if rows, ok := s.stagedRows[viewID]; ok {
		return rows
	}
	cp := append([]viewindex.Row(nil), s.rows[viewID]...)
	s.stagedRows[viewID] = cp
	return cp
}

func (s *Store) AllRows(ctx context.Context, viewID string) ([]viewindex.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txActive {
		if rows, ok := s.stagedRows[viewID]; ok {
			return append([]viewindex.Row(nil), rows...), nil
		}
	}
	return append([]viewindex.Row(nil), s.rows[viewID]...), nil
}

func (s *Store) BeginTransaction(ctx context.Context) (localstore.Transaction, error) {
	s.mu.Lock()
	if s.txActive {
		s.mu.Unlock()
		return nil, model.ErrConflict
	}
	s.txActive = true
	s.stagedRows = map[string][]viewindex.Row{}
	s.stagedSeq = map[string]int64{}
	s.touchedViews = map[string]bool{}
	s.mu.Unlock()
	return &txn{store: s}, nil
}

type txn struct {
	store *Store
	ended bool
}

func (t *txn) EndTransaction(commit bool) error {
	if t.ended {
		return model.ErrClosed
	}
	t.ended = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if commit {
		for viewID := range s.touchedViews {
			if rows, ok := s.stagedRows[viewID]; ok {
				s.rows[viewID] = rows
			}
			if seq, ok := s.stagedSeq[viewID]; ok {
				s.viewSeq[viewID] = seq
			}
		}
	}
	s.txActive = false
	s.stagedRows = nil
	s.stagedSeq = nil
	s.touchedViews = nil
	return nil
}
