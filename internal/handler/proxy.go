package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"wm-api/internal/fault"
	"wm-api/internal/metrics"
	"wm-api/internal/model"
	"wm-api/internal/service"
)

// WolfPrefix is the public mount point of the Wolf passthrough.
const WolfPrefix = "/wolfapi"

// ReadinessChecker probes the upstream socket without retrying.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// ProxyHandler forwards /wolfapi requests to Wolf.
type ProxyHandler struct {
	service *service.ProxyService
	ready   ReadinessChecker
	metrics *metrics.Metrics
	logger  *slog.Logger

	readyLog rate.Sometimes
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(svc *service.ProxyService, ready ReadinessChecker, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		ready:    ready,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
		readyLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Ready answers 200 when the Wolf socket accepts a connection and 503
// otherwise. Failures are logged at most once per 30s.
func (h *ProxyHandler) Ready(c echo.Context) error {
	if err := h.ready.CheckReadiness(c.Request().Context()); err != nil {
		h.readyLog.Do(func() {
			h.logger.Warn("wolf not ready", "err", err)
		})
		status, env := fault.Resolve(err)
		return c.JSON(status, env)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Handle strips the /wolfapi prefix, buffers the request, forwards it and
// relays Wolf's status, headers and body.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	uri := UpstreamURI(req.URL)
	if _, err := url.ParseRequestURI(uri); err != nil {
		return h.mapError(c, fault.New(fault.InvalidURI, "parse "+strconv.Quote(uri), err))
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.mapError(c, fault.New(fault.InvalidBody, "read request body", err))
	}

	pr := &model.ProxyRequest{
		Method: req.Method,
		URI:    uri,
		Host:   req.Host,
		Header: req.Header,
		Body:   body,
		PeerIP: peerIP(req.RemoteAddr),
	}

	resp, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		return h.mapError(c, err)
	}

	// CORS headers belong to the origin gate; Wolf's own would duplicate or
	// widen them.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(key), "Access-Control-") {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	if dst.Get(echo.HeaderContentLength) == "" && req.Method != http.MethodHead && bodyAllowed(resp.StatusCode) {
		dst.Set(echo.HeaderContentLength, strconv.Itoa(len(resp.Body)))
	}

	c.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 || req.Method == http.MethodHead {
		return nil
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Debug("writing response body", "err", err, "uri", uri)
	}
	return nil
}

// UpstreamURI maps an inbound /wolfapi URL to the origin-form URI sent to
// Wolf. The bare prefix maps to "/"; the query string is kept verbatim.
func UpstreamURI(u *url.URL) string {
	path := strings.TrimPrefix(u.EscapedPath(), WolfPrefix)
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, env := fault.Resolve(err)

	h.logger.Error("proxy error",
		"err", err,
		"code", env.Error,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)
	if h.metrics != nil {
		h.metrics.ProxyErrors.WithLabelValues(env.Error).Inc()
	}
	return c.JSON(status, env)
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// peerIP returns the host part of RemoteAddr. Forwarding headers sent by
// the client are never consulted.
func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return ""
	}
	return host
}
