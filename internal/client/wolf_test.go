package client

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wm-api/internal/config"
	"wm-api/internal/fault"
	"wm-api/internal/metrics"
	"wm-api/internal/model"
	"wm-api/internal/testutil"
)

func newTestClient(t *testing.T, socketPath string, mutate func(*config.WolfConfig)) *WolfClient {
	t.Helper()
	cfg := config.Default()
	cfg.Wolf.SocketPath = socketPath
	cfg.Wolf.ConnectTimeoutMS = 500
	cfg.Wolf.ReadTimeoutMS = 2000
	cfg.Wolf.RetryAttempts = 3
	cfg.Wolf.RetryDelayMS = 10
	if mutate != nil {
		mutate(&cfg.Wolf)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWolfClient(cfg, logger, metrics.New())
}

// countDials wraps the client's dialer and returns the attempt counter.
func countDials(c *WolfClient) *atomic.Int32 {
	var n atomic.Int32
	inner := c.dial
	c.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		n.Add(1)
		return inner(ctx, network, address)
	}
	return &n
}

// drainUntilClosed consumes one request and then blocks until the peer
// closes the connection, closing done when it does.
func drainUntilClosed(received chan<- struct{}, done chan<- struct{}) func(net.Conn) {
	return func(conn net.Conn) {
		defer close(done)
		defer func() { _ = conn.Close() }()
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		if received != nil {
			close(received)
		}
		_, _ = io.Copy(io.Discard, conn)
	}
}

func TestExchange_PassThrough(t *testing.T) {
	type seen struct {
		req  *http.Request
		body string
	}
	seenc := make(chan seen, 1)
	path := testutil.ServeHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenc <- seen{req: r, body: string(b)}
		w.Header().Set("X-Custom", "yes")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":1}`))
	}))
	c := newTestClient(t, path, nil)

	resp, err := c.Exchange(context.Background(), &model.ProxyRequest{
		Method: http.MethodPost,
		URI:    "/api/v1/apps?x=1",
		Host:   "wm.local:8080",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"name":"steam"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"ok":1}`, string(resp.Body))
	assert.Equal(t, "yes", resp.Header.Get("X-Custom"))
	assert.Equal(t, "HTTP/1.1", resp.Proto)

	got := <-seenc
	gotReq, gotBody := got.req, got.body
	assert.Equal(t, http.MethodPost, gotReq.Method)
	assert.Equal(t, "/api/v1/apps?x=1", gotReq.RequestURI)
	assert.Equal(t, "wm.local:8080", gotReq.Host)
	assert.Equal(t, `{"name":"steam"}`, gotBody)
	assert.True(t, gotReq.Close, "expected Connection: close on the upstream leg")
	assert.Empty(t, gotReq.UserAgent(), "User-Agent must not be synthesized")
}

func TestExchange_ForwardsUserAgent(t *testing.T) {
	uac := make(chan string, 1)
	path := testutil.ServeHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uac <- r.UserAgent()
	}))
	c := newTestClient(t, path, nil)

	_, err := c.Exchange(context.Background(), &model.ProxyRequest{
		Method: http.MethodGet,
		URI:    "/",
		Header: http.Header{"User-Agent": {"Moonlight/6.0"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Moonlight/6.0", <-uac)
}

func TestExchange_DefaultHost(t *testing.T) {
	hostc := make(chan string, 1)
	path := testutil.ServeHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostc <- r.Host
	}))
	c := newTestClient(t, path, nil)

	_, err := c.Exchange(context.Background(), &model.ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.NoError(t, err)
	assert.Equal(t, "localhost", <-hostc)
}

func TestExchange_ChunkedResponseIsBuffered(t *testing.T) {
	path := testutil.ServeHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("hello "))
		flusher.Flush()
		_, _ = w.Write([]byte("world"))
	}))
	c := newTestClient(t, path, nil)

	resp, err := c.Exchange(context.Background(), &model.ProxyRequest{Method: http.MethodGet, URI: "/stream"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(resp.Body))
}

func TestExchange_InvalidURI(t *testing.T) {
	c := newTestClient(t, testutil.SocketPath(t), nil)
	dials := countDials(c)

	_, err := c.Exchange(context.Background(), &model.ProxyRequest{Method: http.MethodGet, URI: "relative/path"})
	require.Error(t, err)
	assert.Equal(t, fault.InvalidURI, fault.CauseOf(err))
	assert.Zero(t, dials.Load())
}

func TestDial_RetryBudgetRefused(t *testing.T) {
	path := testutil.RefusingSocket(t)
	c := newTestClient(t, path, func(w *config.WolfConfig) {
		w.RetryAttempts = 3
		w.RetryDelayMS = 100
	})
	dials := countDials(c)

	start := time.Now()
	_, err := c.Exchange(context.Background(), &model.ProxyRequest{Method: http.MethodGet, URI: "/"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, int32(3), dials.Load())
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, fault.DialUnavailable, fault.CauseOf(err))

	status, env := fault.Resolve(err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "UpstreamUnavailable", env.Error)
}

func TestDial_MissingSocket(t *testing.T) {
	c := newTestClient(t, testutil.SocketPath(t), func(w *config.WolfConfig) {
		w.RetryAttempts = 2
		w.RetryDelayMS = 1
	})
	dials := countDials(c)

	_, err := c.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, fault.DialUnavailable, fault.CauseOf(err))
}

func TestDial_SingleAttempt(t *testing.T) {
	c := newTestClient(t, testutil.SocketPath(t), func(w *config.WolfConfig) {
		w.RetryAttempts = 1
	})
	dials := countDials(c)

	_, err := c.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), dials.Load())
}

func TestDial_TimeoutMapsToGatewayTimeout(t *testing.T) {
	c := newTestClient(t, testutil.SocketPath(t), func(w *config.WolfConfig) {
		w.ConnectTimeoutMS = 20
		w.RetryAttempts = 2
		w.RetryDelayMS = 1
	})
	var attempts atomic.Int32
	c.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
		attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := c.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, fault.DialTimeout, fault.CauseOf(err))

	status, env := fault.Resolve(err)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "UpstreamTimeout", env.Error)
}

func TestDial_RecoversOnRetry(t *testing.T) {
	path := testutil.ServeHTTP(t, http.NotFoundHandler())
	c := newTestClient(t, path, nil)
	var attempts atomic.Int32
	inner := c.dial
	c.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		if attempts.Add(1) == 1 {
			return nil, &net.OpError{Op: "dial", Net: "unix", Err: io.ErrUnexpectedEOF}
		}
		return inner(ctx, network, address)
	}

	conn, err := c.Dial(context.Background())
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, int32(2), attempts.Load())
}

func TestDial_CanceledContextDoesNotRetry(t *testing.T) {
	c := newTestClient(t, testutil.RefusingSocket(t), func(w *config.WolfConfig) {
		w.RetryAttempts = 5
		w.RetryDelayMS = 50
	})
	dials := countDials(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Dial(ctx)
	require.Error(t, err)
	assert.LessOrEqual(t, dials.Load(), int32(1))
}

func TestExchange_ReadTimeoutClosesConnection(t *testing.T) {
	closed := make(chan struct{})
	path := testutil.ServeRaw(t, drainUntilClosed(nil, closed))
	c := newTestClient(t, path, func(w *config.WolfConfig) {
		w.ReadTimeoutMS = 100
	})

	start := time.Now()
	_, err := c.Exchange(context.Background(), &model.ProxyRequest{Method: http.MethodGet, URI: "/slow"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, fault.ReadTimeout, fault.CauseOf(err))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)

	status, env := fault.Resolve(err)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "UpstreamTimeout", env.Error)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("upstream connection was not closed after read timeout")
	}
}

func TestExchange_CancelClosesConnection(t *testing.T) {
	received := make(chan struct{})
	closed := make(chan struct{})
	path := testutil.ServeRaw(t, drainUntilClosed(received, closed))
	c := newTestClient(t, path, func(w *config.WolfConfig) {
		w.ReadTimeoutMS = 10000
	})
	dials := countDials(c)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Exchange(ctx, &model.ProxyRequest{Method: http.MethodPost, URI: "/apps", Body: []byte("x")})
		errc <- err
	}()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the request")
	}
	cancel()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("upstream connection was not closed after cancel")
	}

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Exchange did not return after cancel")
	}
	assert.Equal(t, int32(1), dials.Load(), "a canceled request must not be retried")
}

func TestExchange_DropsExpectContinue(t *testing.T) {
	expectc := make(chan string, 1)
	path := testutil.ServeHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expectc <- r.Header.Get("Expect")
		_, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Custom", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	c := newTestClient(t, path, nil)

	resp, err := c.Exchange(context.Background(), &model.ProxyRequest{
		Method: http.MethodPost,
		URI:    "/api/v1/apps",
		Header: http.Header{"Expect": {"100-continue"}, "Content-Type": {"application/json"}},
		Body:   []byte(strings.Repeat("x", 64<<10)),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"id":7}`, string(resp.Body))
	assert.Equal(t, "yes", resp.Header.Get("X-Custom"))
	assert.Empty(t, <-expectc)
}

func TestExchange_SkipsInterimResponses(t *testing.T) {
	tests := []struct {
		name    string
		interim string
	}{
		{"continue", "HTTP/1.1 100 Continue\r\n\r\n"},
		{"early hints", "HTTP/1.1 103 Early Hints\r\nLink: </app.css>; rel=preload\r\n\r\n"},
		{"both", "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 103 Early Hints\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := testutil.ServeRaw(t, func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}
				_, _ = io.Copy(io.Discard, req.Body)
				_, _ = io.WriteString(conn, tt.interim+"HTTP/1.1 201 Created\r\nX-Custom: yes\r\nContent-Length: 2\r\n\r\nok")
			})
			c := newTestClient(t, path, nil)

			resp, err := c.Exchange(context.Background(), &model.ProxyRequest{
				Method: http.MethodPost,
				URI:    "/api/v1/apps",
				Body:   []byte(`{}`),
			})
			require.NoError(t, err)
			assert.Equal(t, http.StatusCreated, resp.StatusCode)
			assert.Equal(t, "ok", string(resp.Body))
			assert.Equal(t, "yes", resp.Header.Get("X-Custom"))
			assert.Empty(t, resp.Header.Get("Link"))
		})
	}
}

func TestExchange_TruncatedBody(t *testing.T) {
	path := testutil.ServeRaw(t, func(conn net.Conn) {
		defer func() { _ = conn.Close() }()
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort")
	})
	c := newTestClient(t, path, nil)

	_, err := c.Exchange(context.Background(), &model.ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.Error(t, err)
	assert.Equal(t, fault.ResponseConversion, fault.CauseOf(err))

	status, env := fault.Resolve(err)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "ResponseConversionError", env.Error)
}

func TestExchange_MalformedResponse(t *testing.T) {
	path := testutil.ServeRaw(t, func(conn net.Conn) {
		defer func() { _ = conn.Close() }()
		if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_, _ = io.WriteString(conn, "SSH-2.0-OpenSSH\r\n\r\n")
	})
	c := newTestClient(t, path, nil)

	_, err := c.Exchange(context.Background(), &model.ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.Error(t, err)
	assert.Equal(t, fault.Upstream, fault.CauseOf(err))
	assert.True(t, strings.Contains(err.Error(), "read response headers"))
}

func TestCheckReadiness(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t testing.TB) string
		wantErr bool
	}{
		{"missing socket file", testutil.SocketPath, true},
		{"socket refuses connect", testutil.RefusingSocket, true},
		{"socket accepts", func(t testing.TB) string { return testutil.ServeHTTP(t, http.NotFoundHandler()) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.path(t), nil)
			dials := countDials(c)

			err := c.CheckReadiness(context.Background())
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, fault.DialUnavailable, fault.CauseOf(err))
			assert.LessOrEqual(t, dials.Load(), int32(1), "readiness must not retry")
		})
	}
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{delay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}
