// Package client talks HTTP/1.1 to the Wolf daemon over its Unix socket.
//
// Each exchange dials a fresh connection, writes exactly one request with
// Connection: close, reads the full response and closes the socket. Only
// the dial step is retried; once request bytes may have been written,
// failures are returned to the caller.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wm-api/internal/config"
	"wm-api/internal/fault"
	"wm-api/internal/metrics"
	"wm-api/internal/model"
)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// WolfClient sends requests to Wolf over a Unix Domain Socket. It holds no
// connections between calls and is safe for concurrent use.
type WolfClient struct {
	socketPath     string
	connectTimeout time.Duration
	readTimeout    time.Duration
	retryAttempts  int
	retryDelay     time.Duration

	dial    dialFunc
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewWolfClient creates a WolfClient from the [wolf] config section.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewWolfClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *WolfClient {
	return &WolfClient{
		socketPath:     cfg.Wolf.SocketPath,
		connectTimeout: cfg.Wolf.ConnectTimeout(),
		readTimeout:    cfg.Wolf.ReadTimeout(),
		retryAttempts:  max(cfg.Wolf.RetryAttempts, 1),
		retryDelay:     cfg.Wolf.RetryDelay(),
		dial:           (&net.Dialer{}).DialContext,
		logger:         logger.With("component", "wolf_client"),
		metrics:        m,
	}
}

// SocketPath returns the upstream socket path.
func (c *WolfClient) SocketPath() string {
	return c.socketPath
}

// linearBackOff waits n·delay before the n-th retry.
type linearBackOff struct {
	delay time.Duration
	n     int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.delay
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Dial connects to the socket, making up to retry_attempts attempts each
// bounded by connect_timeout. A cancelled ctx stops retrying at once.
func (c *WolfClient) Dial(ctx context.Context) (net.Conn, error) {
	var (
		attempt  int
		timedOut bool
	)

	op := func() (net.Conn, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()

		conn, err := c.dial(attemptCtx, "unix", c.socketPath)
		if err == nil {
			c.observeDial("ok")
			return conn, nil
		}
		if ctx.Err() != nil {
			c.observeDial("canceled")
			return nil, backoff.Permanent(err)
		}
		timedOut = isTimeout(err) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		if timedOut {
			c.observeDial("timeout")
		} else {
			c.observeDial("error")
		}
		return nil, err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{delay: c.retryDelay}, uint64(c.retryAttempts-1)),
		ctx,
	)
	conn, err := backoff.RetryNotifyWithData(op, b, func(err error, next time.Duration) {
		c.logger.Warn("wolf connection failed, retrying",
			"attempt", attempt,
			"max_attempts", c.retryAttempts,
			"backoff_ms", next.Milliseconds(),
			"err", err,
		)
	})
	if err == nil {
		return conn, nil
	}

	if ctx.Err() != nil {
		return nil, fault.New(fault.Upstream, "dial canceled", err)
	}
	cause := fault.DialUnavailable
	if timedOut {
		cause = fault.DialTimeout
	}
	return nil, fault.New(cause, fmt.Sprintf("dial %s after %d attempts", c.socketPath, attempt), err)
}

// CheckReadiness reports whether the socket exists and accepts a single
// connection within connect_timeout. It never retries.
func (c *WolfClient) CheckReadiness(ctx context.Context) error {
	if _, err := os.Stat(c.socketPath); err != nil {
		return fault.New(fault.DialUnavailable, "wolf.sock not found at "+c.socketPath, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, "unix", c.socketPath)
	if err != nil {
		return fault.New(fault.DialUnavailable, "wolf.sock not reachable", err)
	}
	_ = conn.Close()
	return nil
}

// Exchange performs one request/response round trip. pr.Header must
// already be sanitized; it is sent as-is apart from Connection: close.
//
// Writing the request and reading the response headers share one
// read_timeout budget. Reading the body gets a fresh read_timeout budget.
// When ctx is done the socket is closed immediately, unblocking any read
// or write in progress.
func (c *WolfClient) Exchange(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	start := time.Now()
	method := metrics.NormalizeMethod(pr.Method)

	u, err := url.ParseRequestURI(pr.URI)
	if err != nil {
		return nil, fault.New(fault.InvalidURI, "parse uri", err)
	}

	conn, err := c.Dial(ctx)
	if err != nil {
		c.observeUpstream(method, 0, start)
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req := newUpstreamRequest(pr, u)

	if err := conn.SetDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, c.classify(ctx, err, fault.Upstream, "set deadline")
	}
	if err := req.Write(conn); err != nil {
		return nil, c.classify(ctx, err, fault.Upstream, "send request")
	}

	resp, err := readFinalResponse(bufio.NewReader(conn), req)
	if err != nil {
		return nil, c.classify(ctx, err, fault.Upstream, "read response headers")
	}
	defer func() { _ = resp.Body.Close() }()

	if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, c.classify(ctx, err, fault.ResponseConversion, "set deadline")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(ctx, err, fault.ResponseConversion, "read response body")
	}

	c.observeUpstream(method, resp.StatusCode, start)

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Proto:      resp.Proto,
	}, nil
}

// readFinalResponse skips interim 1xx responses (100 Continue, 103 Early
// Hints) and returns the first final one. 101 is final.
func readFinalResponse(br *bufio.Reader, req *http.Request) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 100 || resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, nil
		}
		_ = resp.Body.Close()
	}
}

// newUpstreamRequest builds the outgoing HTTP/1.1 request. The Host header
// defaults to "localhost" because HTTP/1.1 requires one and a Unix socket
// has no authority of its own.
func newUpstreamRequest(pr *model.ProxyRequest, u *url.URL) *http.Request {
	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	// The body is already buffered and is sent with the headers.
	header.Del("Expect")
	// An empty User-Agent stops net/http from inventing one; the inbound
	// value, when present, is forwarded untouched.
	if _, ok := header["User-Agent"]; !ok {
		header["User-Agent"] = []string{""}
	}

	host := pr.Host
	if host == "" {
		host = "localhost"
	}

	req := &http.Request{
		Method:        pr.Method,
		URL:           u,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Host:          host,
		ContentLength: int64(len(pr.Body)),
		Close:         true,
	}
	if len(pr.Body) > 0 {
		req.Body = io.NopCloser(bytes.NewReader(pr.Body))
	}
	return req
}

// classify tags an exchange error. Cancellation wins over everything
// else because the socket was closed on purpose.
func (c *WolfClient) classify(ctx context.Context, err error, fallback fault.Cause, op string) error {
	if ctx.Err() != nil {
		return fault.New(fault.Upstream, op+": request canceled", errors.Join(ctx.Err(), err))
	}
	if isTimeout(err) {
		return fault.New(fault.ReadTimeout, op, err)
	}
	return fault.New(fallback, op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *WolfClient) observeDial(result string) {
	if c.metrics != nil {
		c.metrics.DialAttempts.WithLabelValues(result).Inc()
	}
}

func (c *WolfClient) observeUpstream(method string, status int, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if status != 0 {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
}
