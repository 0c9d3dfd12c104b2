package graph

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerr "github.com/alexjbarnes/graphgate/internal/errors"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastPolicy keeps backoff short so retry tests run quickly while still
// exercising the doubling schedule.
func fastPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.BaseDelayMS = 10
	return p
}

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(nil, fastPolicy(), quietLogger())
	c.SetBaseURL(srv.URL)
	return c
}

func TestCall_SuccessFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer T1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"42","name":"Test User"}`))
	})

	body, err := c.Call(context.Background(), http.MethodGet, "/me", "T1", nil)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"id":"42"`)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCall_TokenNotInURL(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NotContains(t, r.URL.RawQuery, "T1")
		w.Write([]byte(`{}`))
	})

	_, err := c.Call(context.Background(), http.MethodGet, "/me", "T1", url.Values{"fields": {"id,name"}})
	require.NoError(t, err)
}

func TestCall_PostSendsFormBody(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "hello", r.PostForm.Get("message"))
		w.Write([]byte(`{"id":"post_1"}`))
	})

	_, err := c.Call(context.Background(), http.MethodPost, "/page/feed", "T1", url.Values{"message": {"hello"}})
	require.NoError(t, err)
}

func TestCall_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"oops","type":"OAuthException","code":2}}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	start := time.Now()
	body, err := c.Call(context.Background(), http.MethodGet, "/me", "T1", nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Contains(t, string(body), "ok")
	assert.Equal(t, int32(3), calls.Load())
	// Backoff schedule base + 2*base (10ms policy): at least 30ms total.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestCall_ExhaustsBudgetOnPersistentServerError(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"still down","type":"TransientError","code":2}}`))
	})

	_, err := c.Call(context.Background(), http.MethodGet, "/me", "T1", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, gerr.HasCode(err, gerr.CodeUpstreamTransient))
}

func TestCall_TerminalErrorSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Unsupported get request.","type":"GraphMethodException","code":100}}`))
	})

	_, err := c.Call(context.Background(), http.MethodGet, "/nope", "T1", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	de := gerr.From(err)
	require.NotNil(t, de)
	assert.Equal(t, gerr.CodeUpstreamTerminal, de.Code)
	assert.Contains(t, de.Message, "Unsupported get request.")
}

func TestCall_TransientFlagRetriesDespiteClientStatus(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Please retry","type":"OAuthException","code":100,"is_transient":true}}`))
	})

	_, err := c.Call(context.Background(), http.MethodGet, "/me", "T1", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, gerr.HasCode(err, gerr.CodeUpstreamTransient))
}

func TestCall_TransientCodeRetries(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"OAuthException","code":613}}`))
	})

	_, err := c.Call(context.Background(), http.MethodGet, "/me", "T1", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_UnparseableErrorBody(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("<html>not json</html>"))
	})

	_, err := c.Call(context.Background(), http.MethodGet, "/me", "T1", nil)
	require.Error(t, err)
	assert.True(t, gerr.HasCode(err, gerr.CodeUpstreamTerminal))
}

func TestCall_AttemptTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-r.Context().Done()
	})
	c.policy.AttemptTimeoutMS = 30

	_, err := c.Call(context.Background(), http.MethodGet, "/slow", "T1", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, gerr.HasCode(err, gerr.CodeTimeout))
}

func TestCall_CancelledContextStopsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"down","type":"x","code":2}}`))
	}))
	t.Cleanup(srv.Close)

	p := fastPolicy()
	p.BaseDelayMS = 200
	c := NewClient(nil, p, quietLogger())
	c.SetBaseURL(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Call(ctx, http.MethodGet, "/me", "T1", nil)
	require.Error(t, err)
	// Cancelled during the first backoff: one attempt only.
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassifyError_DetailsCarrySubcode(t *testing.T) {
	c := NewClient(nil, DefaultRetryPolicy(), quietLogger())

	out := c.classifyError(http.MethodGet, "/me", 400,
		[]byte(`{"error":{"message":"expired","type":"OAuthException","code":190,"error_subcode":463}}`), 0)

	require.Equal(t, outcomeTerminal, out.kind)
	details, ok := out.err.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 190, details["code"])
	assert.Equal(t, 463, details["error_subcode"])
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "plain text", sanitizeResponseBody([]byte("plain text")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Len(t, sanitizeResponseBody(make([]byte, 1000)), 256)
}
