package event

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missdeer/hdrfetch/headers"
)

func newOrigin(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("X-Forwarded-User", "alice")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestDispatcher(t *testing.T, location string, client *http.Client) (*Dispatcher, *Metrics) {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	d := NewDispatcher(nil, m)
	Register(d, headers.NewFetcher(client, nil), location)
	return d, m
}

func TestDispatchFetchHeaders(t *testing.T) {
	var hits int32
	srv := newOrigin(t, &hits)
	d, m := newTestDispatcher(t, srv.URL, srv.Client())

	var calls int32
	var got headers.Map
	done, ok := d.Dispatch(context.Background(), Event{
		Name: FetchHeaders,
		Args: []any{"ignored", 1},
		Callback: func(h headers.Map) {
			atomic.AddInt32(&calls, 1)
			got = h
		},
	})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "alice", got["x-forwarded-user"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(FetchHeaders, outcomeDispatched)))
}

func TestDispatchUnknownNameIsNoop(t *testing.T) {
	var hits int32
	srv := newOrigin(t, &hits)
	d, m := newTestDispatcher(t, srv.URL, srv.Client())

	var calls int32
	done, ok := d.Dispatch(context.Background(), Event{
		Name:     "fetch_cookies",
		Callback: func(headers.Map) { atomic.AddInt32(&calls, 1) },
	})
	d.Wait()

	assert.False(t, ok)
	assert.Nil(t, done)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Zero(t, atomic.LoadInt32(&hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("fetch_cookies", outcomeIgnored)))
}

func TestDispatchFailedFetchSkipsCallback(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	location := srv.URL
	srv.Close()

	d, m := newTestDispatcher(t, location, nil)

	var calls int32
	done, ok := d.Dispatch(context.Background(), Event{
		Name:     FetchHeaders,
		Callback: func(headers.Map) { atomic.AddInt32(&calls, 1) },
	})
	require.True(t, ok)
	<-done

	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestDispatchNilCallback(t *testing.T) {
	var hits int32
	srv := newOrigin(t, &hits)
	d, _ := newTestDispatcher(t, srv.URL, srv.Client())

	done, ok := d.Dispatch(context.Background(), Event{Name: FetchHeaders})
	require.True(t, ok)
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDispatchConcurrentEventsAreIndependent(t *testing.T) {
	var hits int32
	srv := newOrigin(t, &hits)
	d, _ := newTestDispatcher(t, srv.URL, srv.Client())

	const n = 16
	var mu sync.Mutex
	seen := make(map[int]int)
	for i := 0; i < n; i++ {
		i := i
		_, ok := d.Dispatch(context.Background(), Event{
			Name: FetchHeaders,
			Callback: func(headers.Map) {
				mu.Lock()
				seen[i]++
				mu.Unlock()
			},
		})
		require.True(t, ok)
	}
	d.Wait()

	assert.Len(t, seen, n)
	for i, c := range seen {
		assert.Equal(t, 1, c, "event %d", i)
	}
	assert.Equal(t, int32(n), atomic.LoadInt32(&hits))
}

func TestDispatchAssignsID(t *testing.T) {
	d := NewDispatcher(nil, nil)
	ids := make(chan string, 2)
	d.Listen("echo", HandlerFunc(func(_ context.Context, e Event) { ids <- e.ID }))

	d.Dispatch(context.Background(), Event{Name: "echo"})
	d.Dispatch(context.Background(), Event{Name: "echo", ID: "fixed"})
	d.Wait()
	close(ids)

	var got []string
	for id := range ids {
		got = append(got, id)
	}
	assert.Len(t, got, 2)
	assert.Contains(t, got, "fixed")
	for _, id := range got {
		assert.NotEmpty(t, id)
	}
}

func TestNewMetricsReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1, err := NewMetrics(reg)
	require.NoError(t, err)
	m2, err := NewMetrics(reg)
	require.NoError(t, err)

	m1.event("x", outcomeIgnored)
	m2.event("x", outcomeIgnored)
	assert.Equal(t, 2.0, testutil.ToFloat64(m1.events.WithLabelValues("x", outcomeIgnored)))
}
