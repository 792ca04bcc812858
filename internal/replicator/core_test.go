package replicator

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbase/internal/authz"
	"syncbase/internal/blobstore"
	"syncbase/internal/checkpoint"
	"syncbase/internal/localstore/memstore"
	"syncbase/internal/transport"
)

func waitForState(t *testing.T, core *ReplicationCore, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if core.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, last state %v, lastErr %v", want, core.State(), core.LastError())
}

func TestDeriveState(t *testing.T) {
	assert.Equal(t, Stopped, deriveState(false, true, 3))
	assert.Equal(t, Offline, deriveState(true, false, 0))
	assert.Equal(t, Idle, deriveState(true, true, 0))
	assert.Equal(t, Active, deriveState(true, true, 2))
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "pull", Pull.String())
	assert.Equal(t, "push", Push.String())
}

func TestNewPuller_RequiresCollaborators(t *testing.T) {
	_, err := NewPuller(Options{})
	assert.Error(t, err)
}

func TestReplicationCore_Stop_ContinuousPush(t *testing.T) {
	remote := newFakeRemote()
	server := httptest.NewServer(remote)
	defer server.Close()

	store := memstore.New()
	bs, err := blobstore.Open(t.TempDir())
	require.NoError(t, err)

	core, err := NewPusher(Options{
		RemoteURL:  server.URL + "/db",
		LocalStore: store,
		Transport:  transport.New(nil),
		BlobStore:  bs,
		Continuous: true,
	})
	require.NoError(t, err)

	require.NoError(t, core.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	core.Stop()
	assert.Equal(t, Stopped, core.State())
}

func TestApplyQueryAuthorizer_Persona(t *testing.T) {
	opts := Options{RemoteURL: "https://host/db?persona=some-assertion"}
	stripped, err := applyQueryAuthorizer(&opts)
	require.NoError(t, err)
	assert.Equal(t, "https://host/db", stripped)
	require.IsType(t, &authz.PersonaAuthorizer{}, opts.Authorizer)
	assert.Equal(t, "some-assertion", opts.Authorizer.(*authz.PersonaAuthorizer).Assertion)
}

func TestApplyQueryAuthorizer_Facebook(t *testing.T) {
	opts := Options{RemoteURL: "https://host/db?facebookAccessToken=tok123&email=alice@example.com"}
	stripped, err := applyQueryAuthorizer(&opts)
	require.NoError(t, err)
	assert.Equal(t, "https://host/db", stripped)
	require.IsType(t, &authz.FacebookAuthorizer{}, opts.Authorizer)
	fb := opts.Authorizer.(*authz.FacebookAuthorizer)
	assert.Equal(t, "tok123", fb.AccessToken)
	assert.Equal(t, "alice@example.com", fb.Email)
}

func TestApplyQueryAuthorizer_NoQuery(t *testing.T) {
	opts := Options{RemoteURL: "https://host/db"}
	stripped, err := applyQueryAuthorizer(&opts)
	require.NoError(t, err)
	assert.Equal(t, "https://host/db", stripped)
	assert.Nil(t, opts.Authorizer)
}

func TestFetchRemoteCheckpointDoc_MismatchResetsToZero(t *testing.T) {
	remote := newFakeRemote()
	remote.seedDoc("doc1", "1-aaa", map[string]interface{}{"name": "one"})
	remote.seedDoc("doc2", "1-bbb", map[string]interface{}{"name": "two"})
	server := httptest.NewServer(remote)
	defer server.Close()

	store := memstore.New()
	bs, err := blobstore.Open(t.TempDir())
	require.NoError(t, err)

	privateUUID, err := store.PrivateUUID(context.Background())
	require.NoError(t, err)
	checkpointID := checkpoint.ID(privateUUID, server.URL+"/db", false)
	remote.seedCheckpoint(checkpointID, "5")
	require.NoError(t, store.SetLastSequence(context.Background(), "3", checkpointID, false))

	core, err := NewPuller(Options{
		RemoteURL:  server.URL + "/db",
		LocalStore: store,
		Transport:  transport.New(nil),
		BlobStore:  bs,
	})
	require.NoError(t, err)

	require.NoError(t, core.Start(context.Background()))
	waitForState(t, core, Stopped, 3*time.Second)

	assert.NoError(t, core.LastError())
	docs, err := store.DocumentsWithIDs(context.Background(), []string{"doc1", "doc2"})
	require.NoError(t, err)
	assert.Len(t, docs, 2, "mismatch should reset to 0 and re-pull everything, not resume from either side's stale value")
}

func TestReplicationCore_GoOfflineGoOnline(t *testing.T) {
	remote := newFakeRemote()
	server := httptest.NewServer(remote)
	defer server.Close()

	store := memstore.New()
	bs, err := blobstore.Open(t.TempDir())
	require.NoError(t, err)

	core, err := NewPusher(Options{
		RemoteURL:  server.URL + "/db",
		LocalStore: store,
		Transport:  transport.New(nil),
		BlobStore:  bs,
		Continuous: true,
	})
	require.NoError(t, err)

	require.NoError(t, core.Start(context.Background()))
	core.GoOffline()
	waitForState(t, core, Offline, time.Second)
	core.GoOnline()
	waitForState(t, core, Idle, time.Second)
	core.Stop()
}
