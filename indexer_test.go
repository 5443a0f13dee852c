package pinning

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndexer(t *testing.T, h http.HandlerFunc) *IndexerClient {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewIndexerClient(IndexerConfig{
		Endpoint: srv.URL + "/",
		RetryMax: 0,
		Timeout:  time.Second,
	})
}

func TestIndexerProbe(t *testing.T) {
	root := testCid(t, "root")

	var path atomic.Value
	c := newTestIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"MultihashResults":[]}`))
	})

	ok, err := c.Probe(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/cid/"+root.String(), path.Load())
}

func TestIndexerProbeNotFound(t *testing.T) {
	c := newTestIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	ok, err := c.Probe(context.Background(), testCid(t, "root"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndexerProbeServerError(t *testing.T) {
	c := newTestIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	ok, err := c.Probe(context.Background(), testCid(t, "root"))
	require.Error(t, err)
	assert.False(t, ok)
}

func TestIndexerProbeDefaultsToSingleRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultConfig().Indexer
	cfg.Endpoint = srv.URL
	c := NewIndexerClient(cfg)

	start := time.Now()
	ok, err := c.Probe(context.Background(), testCid(t, "root"))
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	// no transport backoff inside a probe
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestIndexerProbeRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewIndexerClient(IndexerConfig{Endpoint: srv.URL, RetryMax: 1, Timeout: time.Second})
	c.client.RetryWaitMin = time.Millisecond
	c.client.RetryWaitMax = time.Millisecond

	ok, err := c.Probe(context.Background(), testCid(t, "root"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIndexerProbeAsDiscoveryIndex(t *testing.T) {
	var hits int32
	c := newTestIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	p, rec, _ := newTestPoller(c, fastPoll())
	defer p.Close()

	p.Update(testCid(t, "root"), true)
	require.Eventually(t, func() bool {
		s, _ := rec.counts()
		return s == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}
