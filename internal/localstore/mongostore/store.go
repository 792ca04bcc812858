// Package mongostore is a MongoDB-backed localstore.LocalStore, mirroring
// the bson-tagged document shape and per-path content-hash identifiers
// used by this module's reference storage backend elsewhere in the
// ecosystem it was extracted from.
//
// It is a reference adapter: ReplicationCore and ViewIndexer never import
// it directly, only localstore.LocalStore.
package mongostore

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"syncbase/internal/localstore"
	"syncbase/pkg/model"
)

var _ localstore.LocalStore = (*Store)(nil)

const (
	revisionsCollection = "syncbase_revisions"
	countersCollection  = "syncbase_counters"
	checkpointsCollection = "syncbase_checkpoints"
	replicationsCollection = "syncbase_active_replications"
	configCollection    = "syncbase_config"

	sequenceCounterID = "sequence"
	privateUUIDDocID  = "private_uuid"
)

// revisionDoc is the bson shape one Revision is stored as. Id is the hex
// BLAKE3 of "<docId>\n<revId>", matching the content-hash id convention
// this store's design is grounded on.
type revisionDoc struct {
	ID          string                 `bson:"_id"`
	DocID       string                 `bson:"doc_id"`
	RevID       string                 `bson:"rev_id"`
	Sequence    int64                  `bson:"sequence"`
	Deleted     bool                   `bson:"deleted"`
	Body        map[string]interface{} `bson:"body,omitempty"`
	IsLeaf      bool                   `bson:"is_leaf"`
	ParentRevID string                 `bson:"parent_rev_id,omitempty"`
}

func revisionDocID(docID, revID string) string {
	sum := blake3.Sum256([]byte(docID + "\n" + revID))
	return hex.EncodeToString(sum[:16])
}

// Store implements localstore.LocalStore against a MongoDB database.
type Store struct {
	db *mongo.Database

	mu        sync.Mutex
	txSession mongo.Session // non-nil while a transaction is open
}

// New wraps an already-connected database handle. Callers own the
// *mongo.Client's lifecycle (Connect/Disconnect).
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// EnsureIndexes creates the indexes this store's queries rely on. Call
// once at startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	revs := s.db.Collection(revisionsCollection)
	_, err := revs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "doc_id", Value: 1}, {Key: "rev_id", Value: 1}}},
		{Keys: bson.D{{Key: "sequence", Value: 1}}},
		{Keys: bson.D{{Key: "doc_id", Value: 1}, {Key: "is_leaf", Value: 1}}},
	})
	return err
}

func (s *Store) collection() *mongo.Collection {
	return s.db.Collection(revisionsCollection)
}

// ctxOrSession returns a session-bound context when a transaction is
// active, so writes land inside it.
func (s *Store) ctxOrSession(ctx context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txSession != nil {
		return mongo.NewSessionContext(ctx, s.txSession)
	}
	return ctx
}

func (s *Store) LastSequenceNumber(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection(countersCollection).FindOne(ctx, bson.M{"_id": sequenceCounterID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mongostore: last sequence: %w", err)
	}
	return doc.Value, nil
}

func (s *Store) nextSequence(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection(countersCollection).FindOneAndUpdate(
		s.ctxOrSession(ctx),
		bson.M{"_id": sequenceCounterID},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		opts,
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongostore: increment sequence: %w", err)
	}
	return doc.Value, nil
}

func (s *Store) LastSequenceFor(ctx context.Context, checkpointID string) (string, error) {
	var doc struct {
		LastSequence string `bson:"last_sequence"`
	}
	err := s.db.Collection(checkpointsCollection).FindOne(ctx, bson.M{"_id": checkpointID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mongostore: last sequence for: %w", err)
	}
	return doc.LastSequence, nil
}

func (s *Store) SetLastSequence(ctx context.Context, seq, checkpointID string, isPush bool) error {
	_, err := s.db.Collection(checkpointsCollection).UpdateOne(
		s.ctxOrSession(ctx),
		bson.M{"_id": checkpointID},
		bson.M{"$set": bson.M{"last_sequence": seq, "is_push": isPush}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: set last sequence: %w", err)
	}
	return nil
}

func (s *Store) PrivateUUID(ctx context.Context) (string, error) {
	var doc struct {
		Value string `bson:"value"`
	}
	err := s.db.Collection(configCollection).FindOne(ctx, bson.M{"_id": privateUUIDDocID}).Decode(&doc)
	if err == nil {
		return doc.Value, nil
	}
	if err != mongo.ErrNoDocuments {
		return "", fmt.Errorf("mongostore: private uuid: %w", err)
	}

	generated := uuid.NewString()
	_, err = s.db.Collection(configCollection).UpdateOne(
		ctx,
		bson.M{"_id": privateUUIDDocID},
		bson.M{"$setOnInsert": bson.M{"value": generated}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return "", fmt.Errorf("mongostore: create private uuid: %w", err)
	}
	// Another writer may have raced us; re-read to get whichever value won.
	if err := s.db.Collection(configCollection).FindOne(ctx, bson.M{"_id": privateUUIDDocID}).Decode(&doc); err != nil {
		return "", fmt.Errorf("mongostore: read private uuid: %w", err)
	}
	return doc.Value, nil
}

func (s *Store) DocumentsWithIDs(ctx context.Context, docIDs []string) ([]model.Revision, error) {
	cur, err := s.collection().Find(ctx, bson.M{"doc_id": bson.M{"$in": docIDs}, "is_leaf": true})
	if err != nil {
		return nil, fmt.Errorf("mongostore: documents with ids: %w", err)
	}
	defer cur.Close(ctx)

	byDoc := map[string][]model.Revision{}
	for cur.Next(ctx) {
		var d revisionDoc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("mongostore: decode revision: %w", err)
		}
		byDoc[d.DocID] = append(byDoc[d.DocID], toRevision(d))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	var out []model.Revision
	for _, docID := range docIDs {
		if revs, ok := byDoc[docID]; ok {
			out = append(out, model.Winner(revs))
		}
	}
	return out, nil
}

func (s *Store) RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	missing := map[string][]string{}
	for docID, revIDs := range revs {
		cur, err := s.collection().Find(ctx, bson.M{"doc_id": docID, "rev_id": bson.M{"$in": revIDs}})
		if err != nil {
			return nil, fmt.Errorf("mongostore: revs diff: %w", err)
		}
		have := map[string]bool{}
		for cur.Next(ctx) {
			var d revisionDoc
			if err := cur.Decode(&d); err != nil {
				cur.Close(ctx)
				return nil, err
			}
			have[d.RevID] = true
		}
		cur.Close(ctx)

		var need []string
		for _, revID := range revIDs {
			if !have[revID] {
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
	sctx := s.ctxOrSession(ctx)

	seq, err := s.nextSequence(ctx)
	if err != nil {
		return err
	}

	doc := revisionDoc{
		ID:       revisionDocID(rev.DocID, rev.RevID),
		DocID:    rev.DocID,
		RevID:    rev.RevID,
		Sequence: seq,
		Deleted:  rev.Deleted,
		Body:     rev.Body,
		IsLeaf:   true,
	}
	if len(history) > 0 {
		doc.ParentRevID = history[0]
	}

	_, err = s.collection().UpdateOne(sctx,
		bson.M{"_id": doc.ID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: force insert: %w", err)
	}

	if doc.ParentRevID != "" {
		_, err = s.collection().UpdateOne(sctx,
			bson.M{"doc_id": rev.DocID, "rev_id": doc.ParentRevID},
			bson.M{"$set": bson.M{"is_leaf": false}},
		)
		if err != nil {
			return fmt.Errorf("mongostore: demote parent leaf: %w", err)
		}
	}
	return nil
}

func (s *Store) ChangesSince(ctx context.Context, since int64, opts localstore.ChangesOptions) ([]model.ChangeEntry, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	cur, err := s.collection().Find(ctx, bson.M{"sequence": bson.M{"$gt": since}}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: changes since: %w", err)
	}
	defer cur.Close(ctx)

	var out []model.ChangeEntry
	for cur.Next(ctx) {
		var d revisionDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, model.ChangeEntry{Seq: d.Sequence, DocID: d.DocID, Revs: []string{d.RevID}, Deleted: d.Deleted})
	}
	return out, cur.Err()
}

// BeginTransaction starts a MongoDB session-backed transaction. Only one
// may be open on a Store at a time, matching the single-threaded work
// executor that is the only caller of a given ReplicationCore or
// ViewIndexer's LocalStore.
func (s *Store) BeginTransaction(ctx context.Context) (localstore.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txSession != nil {
		return nil, fmt.Errorf("mongostore: transaction already open: %w", model.ErrConflict)
	}
	session, err := s.db.Client().StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongostore: start session: %w", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("mongostore: start transaction: %w", err)
	}
	s.txSession = session
	return &transaction{store: s, session: session, ctx: ctx}, nil
}

type transaction struct {
	store   *Store
	session mongo.Session
	ctx     context.Context
}

func (t *transaction) EndTransaction(commit bool) error {
	defer func() {
		t.session.EndSession(t.ctx)
		t.store.mu.Lock()
		t.store.txSession = nil
		t.store.mu.Unlock()
	}()
	if commit {
		return t.session.CommitTransaction(t.ctx)
	}
	return t.session.AbortTransaction(t.ctx)
}

func (s *Store) AddActiveReplication(ctx context.Context, sessionID string) error {
	_, err := s.db.Collection(replicationsCollection).UpdateOne(
		ctx,
		bson.M{"_id": sessionID},
		bson.M{"$set": bson.M{"active": true}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: add active replication: %w", err)
	}
	return nil
}

func (s *Store) ForgetReplication(ctx context.Context, sessionID string) error {
	_, err := s.db.Collection(replicationsCollection).DeleteOne(ctx, bson.M{"_id": sessionID})
	if err != nil {
		return fmt.Errorf("mongostore: forget replication: %w", err)
	}
	return nil
}

func toRevision(d revisionDoc) model.Revision {
	return model.Revision{
		DocID:    d.DocID,
		RevID:    d.RevID,
		Sequence: d.Sequence,
		Deleted:  d.Deleted,
		Body:     d.Body,
	}
}
