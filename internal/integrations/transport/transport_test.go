package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) { s.waits = append(s.waits, d) }

func flakyServer(t *testing.T, failures int32, failStatus int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failures {
			w.WriteHeader(failStatus)
			_, _ = w.Write([]byte("unavailable"))
			return
		}
		_, _ = w.Write([]byte("<ok/>"))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSend_RetriesServerErrorsThenSucceeds(t *testing.T) {
	srv, calls := flakyServer(t, 3, http.StatusServiceUnavailable)
	rec := &sleepRecorder{}
	tr := New(srv.Client(), WithMaxAttempts(4), WithSleep(rec.sleep))

	res := tr.Send(context.Background(), srv.URL, "<req/>", ContentTypeXML, http.MethodPost)
	require.True(t, res.OK)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "<ok/>", res.Body)
	require.Equal(t, int32(4), calls.Load())
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond}, rec.waits)
}

func TestSend_ExhaustsBudget(t *testing.T) {
	srv, calls := flakyServer(t, 100, http.StatusServiceUnavailable)
	rec := &sleepRecorder{}
	tr := New(srv.Client(), WithSleep(rec.sleep))

	res := tr.Send(context.Background(), srv.URL, "<req/>", ContentTypeXML, "")
	require.False(t, res.OK)
	require.Equal(t, 0, res.Status)
	require.Contains(t, res.Body, "HTTP 503")
	require.Equal(t, int32(DefaultMaxAttempts), calls.Load())
	require.Len(t, rec.waits, DefaultMaxAttempts-1)
}

func TestSend_ClientErrorIsNotRetried(t *testing.T) {
	srv, calls := flakyServer(t, 100, http.StatusBadRequest)
	rec := &sleepRecorder{}
	tr := New(srv.Client(), WithSleep(rec.sleep))

	res := tr.Send(context.Background(), srv.URL, "<req/>", ContentTypeXML, http.MethodPost)
	require.False(t, res.OK)
	require.Equal(t, http.StatusBadRequest, res.Status)
	require.Equal(t, "unavailable", res.Body)
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, rec.waits)
}

func TestSend_NetworkFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := New(nil, WithSleep(func(time.Duration) {}))
	res := tr.Send(context.Background(), url, "<req/>", ContentTypeXML, http.MethodPost)
	require.False(t, res.OK)
	require.Equal(t, 0, res.Status)
	require.NotEmpty(t, res.Body)
}

func TestSend_JSONPayloadAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json; charset=utf-8", r.Header.Get("Content-Type"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		b, _ := io.ReadAll(r.Body)
		var m map[string]string
		require.NoError(t, json.Unmarshal(b, &m))
		require.Equal(t, "v", m["k"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := New(srv.Client())
	res := tr.Send(context.Background(), srv.URL, map[string]string{"k": "v"}, ContentTypeJSON, http.MethodPost)
	require.True(t, res.OK)
	require.Equal(t, http.StatusCreated, res.Status)
}

func TestSend_UnsupportedPayload(t *testing.T) {
	tr := New(nil)
	res := tr.Send(context.Background(), "http://127.0.0.1:1", map[string]string{}, ContentTypeXML, http.MethodPost)
	require.False(t, res.OK)
	require.Equal(t, 0, res.Status)
}

func TestSend_BadURLIsNotRetried(t *testing.T) {
	rec := &sleepRecorder{}
	tr := New(nil, WithSleep(rec.sleep))
	res := tr.Send(context.Background(), "://bad", "<x/>", ContentTypeXML, http.MethodPost)
	require.False(t, res.OK)
	require.Empty(t, rec.waits)
}

func TestSend_BreakerOpensAfterSustainedFailures(t *testing.T) {
	srv, calls := flakyServer(t, 1000, http.StatusBadGateway)
	tr := New(srv.Client(), WithMaxAttempts(1), WithBreaker("test-provider"))

	for i := 0; i < 10; i++ {
		tr.Send(context.Background(), srv.URL, "<req/>", ContentTypeXML, http.MethodPost)
	}
	require.Equal(t, gobreaker.StateOpen, tr.breaker.state())

	before := calls.Load()
	res := tr.Send(context.Background(), srv.URL, "<req/>", ContentTypeXML, http.MethodPost)
	require.False(t, res.OK)
	require.Contains(t, res.Body, "circuit breaker")
	require.Equal(t, before, calls.Load())
}

func TestSharedClient_SameAccountSameClient(t *testing.T) {
	a := SharedClient("vblog:acct-1", time.Second)
	b := SharedClient("vblog:acct-1", 5*time.Second)
	c := SharedClient("vblog:acct-2", time.Second)
	require.Same(t, a, b)
	require.NotSame(t, a, c)
	require.Equal(t, time.Second, b.Timeout)
}
