package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPCheckerAcceptsDefaultRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := NewHTTPChecker(srv.URL).Check(context.Background())
	require.True(t, result.Healthy)
	require.Positive(t, result.Duration)
}

func TestHTTPCheckerRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	result := NewHTTPChecker(srv.URL).Check(context.Background())
	require.False(t, result.Healthy)
}

func TestHTTPCheckerRespectsCustomStatusRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	checker := NewHTTPChecker(srv.URL)
	checker.ExpectedStatusMin = 200
	checker.ExpectedStatusMax = 299
	result := checker.Check(context.Background())
	require.True(t, result.Healthy)
}

func TestHTTPCheckerFailsOnUnreachableHost(t *testing.T) {
	checker := NewHTTPChecker("http://127.0.0.1:1")
	checker.Client.Timeout = 200 * time.Millisecond
	result := checker.Check(context.Background())
	require.False(t, result.Healthy)
}

func TestTCPCheckerSucceedsAgainstListener(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	result := NewTCPChecker(addr).Check(context.Background())
	require.True(t, result.Healthy)
}

func TestTCPCheckerFailsOnClosedPort(t *testing.T) {
	result := NewTCPChecker("127.0.0.1:1").Check(context.Background())
	require.False(t, result.Healthy)
}

func TestDebounceRequiresConsecutiveFailuresBeforeUnhealthy(t *testing.T) {
	d := &debounce{healthy: true}

	require.True(t, d.update(Result{Healthy: false}))
	require.False(t, d.update(Result{Healthy: false}))
}

func TestDebounceRecoversImmediatelyOnSuccess(t *testing.T) {
	d := &debounce{healthy: true}
	d.update(Result{Healthy: false})
	d.update(Result{Healthy: false})
	require.False(t, d.healthy)

	require.True(t, d.update(Result{Healthy: true}))
}

type flakyChecker struct {
	results []Result
	calls   int
}

func (f *flakyChecker) Check(ctx context.Context) Result {
	r := f.results[f.calls%len(f.results)]
	f.calls++
	return r
}

func TestMonitorDebouncesSingleFailedCheck(t *testing.T) {
	checkers := map[string]Checker{
		"gateway": &flakyChecker{results: []Result{{Healthy: false}}},
	}
	m := NewMonitor(checkers, time.Second)

	m.checkOnce()
	m.mu.Lock()
	healthy := m.debounced["gateway"].healthy
	m.mu.Unlock()
	require.True(t, healthy, "a single failed probe should not flip the component unhealthy")

	m.checkOnce()
	m.mu.Lock()
	healthy = m.debounced["gateway"].healthy
	m.mu.Unlock()
	require.False(t, healthy, "two consecutive failed probes should flip the component unhealthy")
}
