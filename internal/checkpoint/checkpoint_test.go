package checkpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbase/internal/transport"
	"syncbase/pkg/model"
)

func TestID_StableAndPure(t *testing.T) {
	id1 := ID("uuid-1", "https://host/db", true)
	id2 := ID("uuid-1", "https://host/db", true)
	assert.Equal(t, id1, id2, "checkpoint id must be pure")
	assert.NotEqual(t, id1, ID("uuid-1", "https://host/db", false), "direction must affect the id")
	assert.Len(t, id1, 40, "must be hex-encoded SHA-1")
}

func TestCheckpoint_FetchMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cp := New(transport.New(nil), srv.URL+"/db", "abc", nil)
	_, err := cp.Fetch(context.Background())
	assert.ErrorIs(t, err, model.ErrCheckpointMissing)
}

func TestCheckpoint_FetchAndSave(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]interface{}{}
	rev := "1-aaa"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			if len(stored) == 0 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			out := map[string]interface{}{}
			for k, v := range stored {
				out[k] = v
			}
			out["_rev"] = rev
			json.NewEncoder(w).Encode(out)
		case http.MethodPut:
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			stored = body
			delete(stored, "_rev")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"rev": rev})
		}
	}))
	defer srv.Close()

	cp := New(transport.New(nil), srv.URL+"/db", "abc", nil)

	_, err := cp.Fetch(context.Background())
	require.ErrorIs(t, err, model.ErrCheckpointMissing)

	require.NoError(t, cp.Save(context.Background(), "42"))

	seq, err := cp.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", seq)
}

func TestCheckpoint_SaveHandles404ByDroppingRevAndRetrying(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"rev": "1-new"})
	}))
	defer srv.Close()

	cp := New(transport.New(nil), srv.URL+"/db", "abc", nil)
	cp.rev = "1-stale" // simulate having a rev that the remote no longer has

	err := cp.Save(context.Background(), "10")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "must retry once after dropping the rev")
}

func TestCheckpoint_SaveHandles409ByRefreshing(t *testing.T) {
	var puts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]interface{}{"lastSequence": "5", "_rev": "2-fresh"})
		case http.MethodPut:
			n := atomic.AddInt32(&puts, 1)
			if n == 1 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"rev": "3-latest"})
		}
	}))
	defer srv.Close()

	cp := New(transport.New(nil), srv.URL+"/db", "abc", nil)
	cp.rev = "1-stale"

	err := cp.Save(context.Background(), "10")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&puts))
	assert.Equal(t, "3-latest", cp.rev)
}

func TestCheckpoint_AtMostOnePutInFlight(t *testing.T) {
	var inFlight int32
	var maxInFlight int32
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			json.NewEncoder(w).Encode(map[string]interface{}{})
			return
		}
		n := atomic.AddInt32(&inFlight, 1)
		if n > atomic.LoadInt32(&maxInFlight) {
			atomic.StoreInt32(&maxInFlight, n)
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"rev": "1-x"})
	}))
	defer srv.Close()

	cp := New(transport.New(nil), srv.URL+"/db", "abc", nil)

	done := make(chan error, 1)
	go func() { done <- cp.Save(context.Background(), "1") }()

	time.Sleep(20 * time.Millisecond) // let the first PUT reach the server
	go cp.Save(context.Background(), "2")       // overdue while the first is in flight
	go cp.Save(context.Background(), "3")       // overdue value should end up being the latest

	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(1), "at most one checkpoint PUT may be in flight at a time")
}
