package liveness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twin-event-mesh/metrics"
)

type recordedCall struct {
	method string
	path   string
	token  string
}

type registryStub struct {
	status int
	calls  []recordedCall
	mu     sync.Mutex
}

func (s *registryStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{method: r.Method, path: r.URL.EscapedPath(), token: r.Header.Get(TokenHeader)})
	s.mu.Unlock()
	w.WriteHeader(s.status)
}

func (s *registryStub) getCalls() []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newNotifier(t *testing.T, status int) (*Notifier, *registryStub, *metrics.Relay) {
	t.Helper()
	stub := &registryStub{status: status}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	m := metrics.NewRelay(prometheus.NewRegistry())
	n := New(Config{BaseURL: srv.URL + "/twin/", Token: "mesh-secret", Timeout: time.Second}, m)
	return n, stub, m
}

func TestNotifier_Heartbeat(t *testing.T) {
	n, stub, m := newNotifier(t, http.StatusNoContent)

	err := n.Heartbeat(context.Background(), "robot-1")
	require.NoError(t, err)

	calls := stub.getCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].method)
	assert.Equal(t, "/twin/robot-1/heartbeat", calls[0].path)
	assert.Equal(t, "mesh-secret", calls[0].token)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Heartbeats.WithLabelValues("ok")))
}

func TestNotifier_EscapesTwinID(t *testing.T) {
	n, stub, _ := newNotifier(t, http.StatusOK)

	require.NoError(t, n.Heartbeat(context.Background(), "a/b c"))

	calls := stub.getCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/twin/a%2Fb%20c/heartbeat", calls[0].path)
}

func TestNotifier_StatusError(t *testing.T) {
	n, stub, m := newNotifier(t, http.StatusUnauthorized)

	err := n.Heartbeat(context.Background(), "robot-1")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Len(t, stub.getCalls(), 1, "no retry")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Heartbeats.WithLabelValues("error")))
}

func TestNotifier_NetworkError(t *testing.T) {
	m := metrics.NewRelay(prometheus.NewRegistry())
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	n := New(Config{BaseURL: base, Token: "t", Timeout: time.Second}, m)

	err := n.Heartbeat(context.Background(), "robot-1")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Heartbeats.WithLabelValues("error")))
}

func TestNotifier_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	n, stub, m := newNotifier(t, http.StatusServiceUnavailable)

	for i := 0; i < 5; i++ {
		require.Error(t, n.Heartbeat(context.Background(), "robot-1"))
	}
	require.Equal(t, gobreaker.StateOpen, n.breaker.State())

	err := n.Heartbeat(context.Background(), "robot-1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, stub.getCalls(), 5)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Heartbeats.WithLabelValues("skipped")))
}

func TestNotifier_NotifyIsDetached(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m := metrics.NewRelay(prometheus.NewRegistry())
	n := New(Config{BaseURL: srv.URL, Token: "t", Timeout: 5 * time.Second}, m)

	returned := make(chan struct{})
	go func() {
		n.Notify("robot-1")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on the heartbeat call")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Wait(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Heartbeats.WithLabelValues("ok")))
}

func TestNotifier_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	m := metrics.NewRelay(prometheus.NewRegistry())
	n := New(Config{BaseURL: srv.URL, Token: "t", Timeout: 50 * time.Millisecond}, m)

	n.Notify("robot-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Wait(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Heartbeats.WithLabelValues("error")))
}

func TestNotifier_ClientErrorsDoNotOpenBreaker(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls[r.URL.Path]++
		mu.Unlock()
		if r.URL.Path == "/ghost/heartbeat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m := metrics.NewRelay(prometheus.NewRegistry())
	n := New(Config{BaseURL: srv.URL, Token: "t", Timeout: time.Second}, m)

	for i := 0; i < 10; i++ {
		var statusErr *StatusError
		require.ErrorAs(t, n.Heartbeat(context.Background(), "ghost"), &statusErr)
	}
	assert.Equal(t, gobreaker.StateClosed, n.breaker.State())

	require.NoError(t, n.Heartbeat(context.Background(), "twin-9"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"/ghost/heartbeat": 10, "/twin-9/heartbeat": 1}, calls)
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Heartbeats.WithLabelValues("error")))
	assert.Zero(t, testutil.ToFloat64(m.Heartbeats.WithLabelValues("skipped")))
}
