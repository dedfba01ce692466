package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type echo struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  string            `json:"query"`
	Auth   string            `json:"auth"`
	Body   map[string]string `json:"body"`
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":502,"message":"upstream"}`))
			return
		}
		out := echo{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			_ = json.Unmarshal(b, &out.Body)
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJSONRoundTrip(t *testing.T) {
	srv := echoServer(t)
	var logged []string
	c := New(WithBaseURL(srv.URL+"/"), WithTimeout(time.Second), WithLogger(func(ctx context.Context, msg string, kv ...any) {
		logged = append(logged, msg)
		for _, v := range kv {
			assert.NotEqual(t, "secret", v)
		}
	}))

	var got echo
	_, e := c.R().SetJSON(map[string]string{"password": "secret"}).SetBearer("tok").SetResult(&got).Post(context.Background(), "/api/login")
	require.NoError(t, e)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/api/login", got.Path)
	assert.Equal(t, "Bearer tok", got.Auth)
	assert.Equal(t, "secret", got.Body["password"])
	assert.Equal(t, []string{"http response"}, logged)

	got = echo{}
	_, e = c.R().SetQueryParam("a", "1").SetResult(&got).Get(context.Background(), "api/user/info")
	require.NoError(t, e)
	assert.Equal(t, "a=1", got.Query)
	assert.Empty(t, got.Auth, "headers must not leak between requests")
}

func TestStatusError(t *testing.T) {
	srv := echoServer(t)
	c := New(WithBaseURL(srv.URL))

	_, e := c.R().Get(context.Background(), "/fail")
	var se *StatusError
	require.True(t, errors.As(e, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.JSONEq(t, `{"code":502,"message":"upstream"}`, string(se.Body))
}

func TestBodyFormat(t *testing.T) {
	_, e := New().R().SetJSON(42).Post(context.Background(), "http://127.0.0.1:1")
	assert.ErrorIs(t, e, ErrBodyFormat)
}

func TestHooks(t *testing.T) {
	srv := echoServer(t)
	var after int32
	stop := errors.New("stop")
	c := New(WithBaseURL(srv.URL),
		WithBeforeRequest(func(_ *http.Client, r *http.Request) error {
			r.Header.Set("Authorization", "hook")
			return nil
		}),
		WithAfterResponse(func(*http.Client, *http.Response) error {
			atomic.AddInt32(&after, 1)
			return nil
		}))

	var got echo
	_, e := c.R().SetResult(&got).Get(context.Background(), "/x")
	require.NoError(t, e)
	assert.Equal(t, "hook", got.Auth)
	assert.Equal(t, int32(1), atomic.LoadInt32(&after))

	failing := New(WithBeforeRequest(func(*http.Client, *http.Request) error { return stop }))
	_, e = failing.R().Get(context.Background(), srv.URL)
	assert.ErrorIs(t, e, stop)
}

func TestRateLimit(t *testing.T) {
	srv := echoServer(t)
	c := New(WithBaseURL(srv.URL), WithRateLimit(rate.Limit(1), 1))

	_, e := c.R().Get(context.Background(), "/a")
	require.NoError(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, e = c.R().Get(ctx, "/b")
	assert.Error(t, e, "second call must wait longer than the deadline")
}

func TestInsecureSkipVerify(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, e := New().R().Get(context.Background(), srv.URL)
	assert.Error(t, e)

	_, e = New(WithInsecureSkipVerify(true)).R().Get(context.Background(), srv.URL)
	assert.NoError(t, e)
}
