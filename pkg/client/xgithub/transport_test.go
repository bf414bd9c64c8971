package xgithub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/ghkit/pkg/context/xctx"
	"github.com/omeyang/ghkit/pkg/credential/xtoken"
)

func TestHTTPTransport_Send(t *testing.T) {
	type received struct {
		req  *http.Request
		body []byte
	}
	seen := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- received{req: r.Clone(context.Background()), body: body}
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":7}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL + "/", UserAgent: "ghkit-test"})
	ctx, err := xctx.WithRequestID(context.Background(), "req-123")
	require.NoError(t, err)

	req := &Request{
		Method: http.MethodPost,
		Path:   "repos/o/r/issues",
		Query:  url.Values{"per_page": {"10"}},
		Body:   []byte(`{"title":"bug"}`),
	}
	resp, err := tr.Send(ctx, req, xtoken.Token{Value: "ghp_secret"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"number":7}`, string(resp.Body))
	assert.Equal(t, "4999", resp.Header.Get("X-RateLimit-Remaining"))

	rcv := <-seen
	got, gotBody := rcv.req, rcv.body
	assert.Equal(t, "/repos/o/r/issues", got.URL.Path)
	assert.Equal(t, "10", got.URL.Query().Get("per_page"))
	assert.Equal(t, "Bearer ghp_secret", got.Header.Get("Authorization"))
	assert.Equal(t, "ghkit-test", got.Header.Get("User-Agent"))
	assert.Equal(t, DefaultAPIVersion, got.Header.Get("X-GitHub-Api-Version"))
	assert.Equal(t, "application/vnd.github+json", got.Header.Get("Accept"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "req-123", got.Header.Get("X-Request-Id"))
	assert.JSONEq(t, `{"title":"bug"}`, string(gotBody))
}

func TestHTTPTransport_CallerHeadersWin(t *testing.T) {
	accept := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept <- r.Header.Get("Accept")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL})
	req := NewRequest(http.MethodGet, "/repos/o/r")
	req.Header.Set("Accept", "application/vnd.github.raw+json")
	resp, err := tr.Send(context.Background(), req, xtoken.Token{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "application/vnd.github.raw+json", <-accept)
}

func TestHTTPTransport_AbsoluteURL(t *testing.T) {
	path := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		path <- r.URL.RequestURI()
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: "https://api.invalid"})
	req := NewRequest(http.MethodGet, strings.ToUpper(srv.URL[:4])+srv.URL[4:]+"/next?page=2")
	req.Query = url.Values{"per_page": {"100"}}
	_, err := tr.Send(context.Background(), req, xtoken.Token{})
	require.NoError(t, err)
	assert.Equal(t, "/next?page=2&per_page=100", <-path)
}

func TestHTTPTransport_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", maxResponseSize+1)))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: srv.URL})
	_, err := tr.Send(context.Background(), NewRequest(http.MethodGet, "/big"), xtoken.Token{})
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestHTTPTransport_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{BaseURL: base})
	_, err := tr.Send(context.Background(), NewRequest(http.MethodGet, "/user"), xtoken.Token{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestHTTPTransport_EndToEndThroughClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4998")
		w.Header().Set("X-RateLimit-Reset", "4102444800")
		w.Header().Set("X-RateLimit-Resource", "core")
		_, _ = w.Write([]byte(`{"login":"octocat"}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.BaseURL = srv.URL
	c, err := New(cfg, testTokens(1), WithRetryPolicy(testPolicy(1)))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	var user struct {
		Login string `json:"login"`
	}
	r, err := c.Get(context.Background(), "/user")
	require.NoError(t, err)
	require.NoError(t, r.JSON(&user))
	assert.Equal(t, "octocat", user.Login)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, int32(2), calls.Load())

	snaps := c.RateLimitSnapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, 4998, snaps[0].Remaining)
}

func TestHTTPTransport_AttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
			}
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 50 * time.Millisecond
	c, err := New(cfg, testTokens(1), WithRetryPolicy(testPolicy(2)))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	r, err := c.Get(context.Background(), "/slow")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.JSONEq(t, `{"ok":true}`, string(r.Body))
}

func TestTransportFunc(t *testing.T) {
	var seen string
	tr := TransportFunc(func(_ context.Context, req *Request, _ xtoken.Token) (*Response, error) {
		seen = req.Path
		return &Response{StatusCode: http.StatusOK}, nil
	})
	resp, err := tr.Send(context.Background(), NewRequest(http.MethodGet, "/x"), xtoken.Token{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/x", seen)
}
