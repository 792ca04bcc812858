// Package viewindex incrementally maintains a map/reduce secondary index
// over the documents in a LocalStore-backed database, scanning only the
// revisions that arrived since the view's own lastSequence checkpoint.
package viewindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"syncbase/internal/localstore"
	"syncbase/pkg/model"
)

// Collation selects the ordering used to compare index keys during a
// range query.
type Collation int

const (
	// CollationUnicode orders keys the way CouchDB's default collator
	// does: by JSON type (null < false < true < number < string < array
	// < object), then by value within a type. String comparison is
	// byte-wise, which matches code-point order for the common case.
	CollationUnicode Collation = iota
	// CollationRaw orders keys by the byte order of their JSON encoding,
	// ignoring type.
	CollationRaw
	// CollationASCII is CollationUnicode restricted to the ASCII range;
	// this implementation compares byte-wise in both cases, so the two
	// only diverge for callers relying on locale-aware string collation,
	// which is out of scope here.
	CollationASCII
)

// EmitFunc is passed to a MapFunc; each call records one (key, value)
// pair against the document currently being indexed.
type EmitFunc func(key, value interface{})

// MapFunc extracts zero or more index rows from a document body.
type MapFunc func(body map[string]interface{}, emit EmitFunc)

// ReduceFunc collapses a group of (key, value) pairs sharing a group key
// into a single value. When rereduce is true, values are themselves
// prior reduce outputs rather than mapped values.
type ReduceFunc func(keys, values []interface{}, rereduce bool) interface{}

// View describes one named map/reduce index definition.
type View struct {
	Name      string
	Version   string
	Map       MapFunc
	Reduce    ReduceFunc
	Collation Collation
}

// Row is one persisted index entry: the map output for a single document
// at the sequence it was produced.
type Row struct {
	ViewID    string
	Sequence  int64
	DocID     string
	KeyJSON   []byte
	ValueJSON []byte
}

// RevisionSource is the read side of the document store the indexer scans.
// It is deliberately separate from localstore.LocalStore: the replication
// core never needs raw revision access, only the indexer does.
type RevisionSource interface {
	// MaxSequence returns the database's current maximum sequence.
	MaxSequence(ctx context.Context) (int64, error)

	// ChangedDocIDsSince returns every docID touched by a revision with
	// sequence > since, including documents whose winner became a
	// tombstone — the indexer needs this set purely to know which
	// previously-indexed rows are stale, whether or not the document
	// re-emits anything.
	ChangedDocIDsSince(ctx context.Context, since int64) ([]string, error)

	// WinnersSince returns the current non-deleted winner for every
	// document with sequence > since, ordered by DocID ascending, one
	// revision per document. Documents whose ID starts with "_design/"
	// are omitted.
	WinnersSince(ctx context.Context, since int64) ([]model.Revision, error)
}

// RowStore is the persistence side of a view: its lastSequence checkpoint
// and its materialised rows.
type RowStore interface {
	ViewLastSequence(ctx context.Context, viewID string) (int64, error)
	SetViewLastSequence(ctx context.Context, viewID string, seq int64) error

	DeleteAllRows(ctx context.Context, viewID string) error
	DeleteRowsForDocs(ctx context.Context, viewID string, docIDs []string) error
	InsertRow(ctx context.Context, row Row) error
	AllRows(ctx context.Context, viewID string) ([]Row, error)

	BeginTransaction(ctx context.Context) (localstore.Transaction, error)
}

// ViewIndexer keeps one View's rows up to date against a RevisionSource.
type ViewIndexer struct {
	view View
	revs RevisionSource
	rows RowStore
}

// New constructs a ViewIndexer for view, reading revisions from revs and
// persisting rows through rows.
func New(view View, revs RevisionSource, rows RowStore) (*ViewIndexer, error) {
	if view.Name == "" {
		return nil, fmt.Errorf("viewindex: view name required")
	}
	if view.Map == nil {
		return nil, fmt.Errorf("viewindex: view %q has no map function", view.Name)
	}
	if revs == nil || rows == nil {
		return nil, fmt.Errorf("viewindex: revision source and row store are required")
	}
	return &ViewIndexer{view: view, revs: revs, rows: rows}, nil
}

func (vi *ViewIndexer) viewID() string {
	return vi.view.Name + "@" + vi.view.Version
}

// LastSequence returns the view's persisted checkpoint, for callers that
// want to observe progress without triggering an Update.
func (vi *ViewIndexer) LastSequence(ctx context.Context) (int64, error) {
	return vi.rows.ViewLastSequence(ctx, vi.viewID())
}

// Update brings the view's rows up to the database's current maximum
// sequence. It is a no-op if the view is already caught up, and safe to
// call redundantly or concurrently with writers — a partial or aborted
// Update leaves the view's rows and lastSequence exactly as they were
// before the call.
func (vi *ViewIndexer) Update(ctx context.Context) error {
	tx, err := vi.rows.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.EndTransaction(false)
		}
	}()

	viewID := vi.viewID()

	lastSeq, err := vi.rows.ViewLastSequence(ctx, viewID)
	if err != nil {
		return err
	}
	maxSeq, err := vi.revs.MaxSequence(ctx)
	if err != nil {
		return err
	}
	if lastSeq == maxSeq {
		committed = true
		return tx.EndTransaction(true)
	}

	if lastSeq == 0 {
		if err := vi.rows.DeleteAllRows(ctx, viewID); err != nil {
			return err
		}
	} else {
		changed, err := vi.revs.ChangedDocIDsSince(ctx, lastSeq)
		if err != nil {
			return err
		}
		if len(changed) > 0 {
			if err := vi.rows.DeleteRowsForDocs(ctx, viewID, changed); err != nil {
				return err
			}
		}
	}

	winners, err := vi.revs.WinnersSince(ctx, lastSeq)
	if err != nil {
		return err
	}

	for _, winner := range winners {
		if strings.HasPrefix(winner.DocID, "_design/") {
			continue
		}
		var emitErr error
		emit := func(key, value interface{}) {
			if emitErr != nil {
				return
			}
			keyJSON, err := json.Marshal(key)
			if err != nil {
				emitErr = err
				return
			}
			valueJSON, err := json.Marshal(value)
			if err != nil {
				emitErr = err
				return
			}
			emitErr = vi.rows.InsertRow(ctx, Row{
				ViewID:    viewID,
				Sequence:  winner.Sequence,
				DocID:     winner.DocID,
				KeyJSON:   keyJSON,
				ValueJSON: valueJSON,
			})
		}
		vi.view.Map(winner.Body, emit)
		if emitErr != nil {
			return emitErr
		}
	}

	if err := vi.rows.SetViewLastSequence(ctx, viewID, maxSeq); err != nil {
		return err
	}
	committed = true
	return tx.EndTransaction(true)
}
