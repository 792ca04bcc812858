// Package localstore defines the narrow collaborator interface the
// replication core and view indexer consume the on-disk document store
// through, plus the ChangesOptions and Transaction shapes it depends on.
//
// The core never imports a concrete storage backend; it is wired against
// whichever implementation of LocalStore the caller constructs (see
// localstore/memstore and localstore/mongostore for the two shipped with
// this module).
package localstore

import (
	"context"

	"syncbase/pkg/model"
)

// ChangesOptions narrows a ChangesSince scan.
type ChangesOptions struct {
	// Limit caps the number of entries returned; 0 means unlimited.
	Limit int
	// IncludeConflicts, when true, returns every current revision of a
	// document (all leaf revisions), matching the remote feed's
	// style=all_docs behaviour; otherwise only the winner is returned.
	IncludeConflicts bool
}

// Transaction brackets a sequence of LocalStore mutations that must
// commit or roll back atomically. Callers must not perform suspending
// (blocking network) operations while a Transaction is open.
type Transaction interface {
	// EndTransaction commits pending writes if commit is true, otherwise
	// rolls them back. It is an error to use the Transaction afterward.
	EndTransaction(commit bool) error
}

// LocalStore is the on-disk document store collaborator the replication
// core and view indexer depend on. Implementations must be safe for
// concurrent use by multiple replications and the indexer.
type LocalStore interface {
	// LastSequenceNumber returns the local database's current maximum
	// sequence number.
	LastSequenceNumber(ctx context.Context) (int64, error)

	// LastSequenceFor returns the cached lastSequence for a checkpoint id,
	// or "" if none is recorded.
	LastSequenceFor(ctx context.Context, checkpointID string) (string, error)

	// SetLastSequence records lastSequence under checkpointID for the
	// given replication direction.
	SetLastSequence(ctx context.Context, seq, checkpointID string, isPush bool) error

	// PrivateUUID returns this local database's stable identity, used to
	// derive checkpoint ids.
	PrivateUUID(ctx context.Context) (string, error)

	// DocumentsWithIDs returns the current winning revision for each of
	// docIDs that exists locally. Missing ids are simply absent from the
	// result, not an error.
	DocumentsWithIDs(ctx context.Context, docIDs []string) ([]model.Revision, error)

	// RevsDiff reports, for each docId in revs, which of the candidate
	// revIds are NOT already stored locally (the subset the remote should
	// be asked to send, or that this side must still upload).
	RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error)

	// ForceInsert stores rev, bypassing normal conflict-checking, tagging
	// it with history as its ancestor chain — the pull path's mechanism
	// for accepting a document exactly as sent by the remote.
	ForceInsert(ctx context.Context, rev model.Revision, history model.RevisionHistory) error

	// ChangesSince returns revisions with sequence > since, ordered by
	// ascending sequence.
	ChangesSince(ctx context.Context, since int64, opts ChangesOptions) ([]model.ChangeEntry, error)

	// BeginTransaction starts an atomic unit of work.
	BeginTransaction(ctx context.Context) (Transaction, error)

	// AddActiveReplication registers sessionID as a live replication, so
	// the store can refuse to close while replications are in progress.
	AddActiveReplication(ctx context.Context, sessionID string) error

	// ForgetReplication unregisters a session previously passed to
	// AddActiveReplication.
	ForgetReplication(ctx context.Context, sessionID string) error
}
