package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"syncbase/internal/localstore"
	"syncbase/pkg/model"
)

const (
	testMongoURI = "mongodb://localhost:27017"
	testDBName   = "syncbase_localstore_test"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testMongoURI))
	require.NoError(t, err)

	if err := client.Ping(ctx, nil); err != nil {
		t.Skip("MongoDB not available, skipping integration tests")
	}

	db := client.Database(testDBName)
	require.NoError(t, db.Drop(ctx))

	store := New(db)
	require.NoError(t, store.EnsureIndexes(ctx))

	return store, func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	}
}

func TestStore_ForceInsertAndDocumentsWithIDs(t *testing.T) {
	store, teardown := setupTestStore(t)
	defer teardown()
	ctx := context.Background()

	require.NoError(t, store.ForceInsert(ctx, model.Revision{DocID: "doc1", RevID: "1-aaa", Body: map[string]interface{}{"x": 1}}, nil))
	require.NoError(t, store.ForceInsert(ctx, model.Revision{DocID: "doc1", RevID: "2-bbb"}, model.RevisionHistory{"1-aaa"}))

	got, err := store.DocumentsWithIDs(ctx, []string{"doc1", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2-bbb", got[0].RevID)
}

func TestStore_RevsDiff(t *testing.T) {
	store, teardown := setupTestStore(t)
	defer teardown()
	ctx := context.Background()

	require.NoError(t, store.ForceInsert(ctx, model.Revision{DocID: "doc1", RevID: "1-aaa"}, nil))

	missing, err := store.RevsDiff(ctx, map[string][]string{"doc1": {"1-aaa", "2-bbb"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"2-bbb"}, missing["doc1"])
}

func TestStore_ChangesSinceOrderedBySequence(t *testing.T) {
	store, teardown := setupTestStore(t)
	defer teardown()
	ctx := context.Background()

	require.NoError(t, store.ForceInsert(ctx, model.Revision{DocID: "doc1", RevID: "1-aaa"}, nil))
	require.NoError(t, store.ForceInsert(ctx, model.Revision{DocID: "doc2", RevID: "1-bbb"}, nil))

	changes, err := store.ChangesSince(ctx, 0, localstore.ChangesOptions{})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "doc1", changes[0].DocID)
	assert.Equal(t, "doc2", changes[1].DocID)
}

func TestStore_CheckpointRoundTrip(t *testing.T) {
	store, teardown := setupTestStore(t)
	defer teardown()
	ctx := context.Background()

	require.NoError(t, store.SetLastSequence(ctx, "10", "cp1", false))
	seq, err := store.LastSequenceFor(ctx, "cp1")
	require.NoError(t, err)
	assert.Equal(t, "10", seq)
}

func TestStore_TransactionCommitAndSingleOpenTransaction(t *testing.T) {
	store, teardown := setupTestStore(t)
	defer teardown()
	ctx := context.Background()

	tx, err := store.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, store.ForceInsert(ctx, model.Revision{DocID: "doc1", RevID: "1-aaa"}, nil))
	require.NoError(t, tx.EndTransaction(true))

	got, err := store.DocumentsWithIDs(ctx, []string{"doc1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = store.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = store.BeginTransaction(ctx)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestStore_PrivateUUIDStableAcrossCalls(t *testing.T) {
	store, teardown := setupTestStore(t)
	defer teardown()
	ctx := context.Background()

	id1, err := store.PrivateUUID(ctx)
	require.NoError(t, err)
	id2, err := store.PrivateUUID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}
