package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewDefaults(t *testing.T) {
	c := New(Options{})
	assert.Equal(t, 3, c.retries)
	assert.Equal(t, time.Second, c.baseDelay)
	assert.Equal(t, 30*time.Second, c.http.Timeout)
	assert.Equal(t, rate.Inf, c.limiter.Limit())

	off := New(Options{Retries: -1, RequestsPerSecond: 5})
	assert.Equal(t, 0, off.retries)
	assert.Equal(t, rate.Limit(5), off.limiter.Limit())
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	c := New(Options{Retries: 3, RetryBaseDelay: time.Millisecond})
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClientRetries429(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := New(Options{Retries: 2, RetryBaseDelay: time.Millisecond})
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(2), attempts.Load())
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := New(Options{Retries: 2, RetryBaseDelay: time.Millisecond})
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream status 503")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClientReturnsClientErrorsUnretried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := New(Options{Retries: 3, RetryBaseDelay: time.Millisecond})
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClientUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	t.Cleanup(srv.Close)

	c := New(Options{UserAgent: "SentinelPi/1.0", Retries: -1})

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "SentinelPi/1.0", gotUA)

	// A caller-supplied agent is not overwritten.
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom-agent")
	resp, err = c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "custom-agent", gotUA)
}

func TestClientReplaysBodyOnRetry(t *testing.T) {
	var bodies []string
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := New(Options{Retries: 2, RetryBaseDelay: time.Millisecond})
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, strings.NewReader("payload"))
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, []string{"payload", "payload"}, bodies)
}

func TestClientSkipsRetryWithoutReplayableBody(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := New(Options{Retries: 3, RetryBaseDelay: time.Millisecond})

	// io.LimitReader is not a recognized buffer type, so GetBody stays nil.
	body := io.LimitReader(strings.NewReader("payload"), 100)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, body)
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	_, err = c.Do(req)
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClientBreakerOpens(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := New(Options{Retries: -1})
	for i := 0; i < 5; i++ {
		_, err := c.Get(context.Background(), srv.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream status 500")
	}

	// The breaker is open now; the request never reaches the server.
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), attempts.Load())
}

func TestClientBreakersArePerHost(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(good.Close)

	c := New(Options{Retries: -1})
	for i := 0; i < 6; i++ {
		_, _ = c.Get(context.Background(), bad.URL)
	}

	resp, err := c.Get(context.Background(), good.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := New(Options{Retries: 3, RetryBaseDelay: time.Millisecond})
	_, err := c.Get(ctx, srv.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
