package changefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbase/internal/transport"
	"syncbase/pkg/model"
)

func TestFeed_NormalMode_ParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "normal", r.URL.Query().Get("feed"))
		fmt.Fprint(w, `{"results":[
			{"seq":1,"id":"doc1","changes":[{"rev":"1-aaa"}]},
			{"seq":2,"id":"doc2","changes":[{"rev":"1-bbb"}],"deleted":true}
		],"last_seq":2}`)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var got []model.ChangeEntry
	f := New(transport.New(nil), srv.URL, Options{Mode: ModeNormal}, func(ctx context.Context, e model.ChangeEntry) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})

	require.NoError(t, f.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "doc1", got[0].DocID)
	assert.Equal(t, []string{"1-aaa"}, got[0].Revs)
	assert.False(t, got[0].Deleted)
	assert.Equal(t, "doc2", got[1].DocID)
	assert.True(t, got[1].Deleted)
	assert.Equal(t, "2", f.LastSequenceID())
	assert.Equal(t, Idle, f.State())
}

func TestFeed_NonSuccessStatus_RecordsErrorEmitsNoRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer srv.Close()

	called := false
	f := New(transport.New(nil), srv.URL, Options{Mode: ModeNormal}, func(ctx context.Context, e model.ChangeEntry) error {
		called = true
		return nil
	})

	err := f.Run(context.Background())
	assert.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, Error, f.State())
	assert.Error(t, f.LastError())
}

func TestFeed_LongPoll_ReconnectsWithAdvancedSince(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		since := r.URL.Query().Get("since")
		if n == 1 {
			assert.Equal(t, "", since)
			fmt.Fprint(w, `{"results":[{"seq":1,"id":"doc1","changes":[{"rev":"1-a"}]}]}`)
			return
		}
		assert.Equal(t, "1", since)
		fmt.Fprint(w, `{"results":[{"seq":2,"id":"doc2","changes":[{"rev":"1-b"}]}]}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var seen []string
	var mu2 sync.Mutex
	f := New(transport.New(nil), srv.URL, Options{Mode: ModeLongPoll}, func(ctx context.Context, e model.ChangeEntry) error {
		mu2.Lock()
		seen = append(seen, e.DocID)
		mu2.Unlock()
		if len(seen) == 2 {
			cancel()
		}
		return nil
	})

	err := f.Run(ctx)
	assert.NoError(t, err)

	mu2.Lock()
	defer mu2.Unlock()
	assert.Equal(t, []string{"doc1", "doc2"}, seen)
}

func TestFeed_HandlerError_StopsFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"seq":1,"id":"doc1","changes":[{"rev":"1-a"}]}]}`)
	}))
	defer srv.Close()

	wantErr := fmt.Errorf("handler refused")
	f := New(transport.New(nil), srv.URL, Options{Mode: ModeNormal}, func(ctx context.Context, e model.ChangeEntry) error {
		return wantErr
	})

	err := f.Run(context.Background())
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, "", f.LastSequenceID(), "sequence must not advance past a record the handler rejected")
}

func TestFeed_Stop_CancelsInFlightRequest(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	f := New(transport.New(nil), srv.URL, Options{Mode: ModeLongPoll}, func(ctx context.Context, e model.ChangeEntry) error {
		return nil
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.Stop()
	}()

	err := f.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, Stopped, f.State())
}

func TestFeed_BuildURL_FiltersEncoded(t *testing.T) {
	f := New(transport.New(nil), "https://host/db", Options{
		Mode:         ModeNormal,
		Filter:       "myfilter",
		FilterParams: map[string]interface{}{"names": []string{"a", "b"}, "kind": "note"},
	}, nil)

	u, err := f.buildURL("5")
	require.NoError(t, err)
	assert.Contains(t, u, "filter=myfilter")
	assert.Contains(t, u, "since=5")
	assert.Contains(t, u, "kind=note")
	assert.Contains(t, u, "names=")
}
