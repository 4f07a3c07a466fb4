// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"wm-api/internal/config"
	"wm-api/internal/fault"
	"wm-api/internal/model"
)

// hopByHopHeaders are stripped from both legs of the proxy.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Keep-Alive":          true,
}

// Exchanger performs one HTTP round trip with Wolf.
type Exchanger interface {
	Exchange(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error)
}

// ProxyService forwards sanitized requests to Wolf.
type ProxyService struct {
	client         Exchanger
	forwardedProto string
	logger         *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c Exchanger, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:         c,
		forwardedProto: cfg.Wolf.ForwardedProto,
		logger:         logger.With("component", "proxy_service"),
	}
}

// Forward sends pr to Wolf and returns the buffered, sanitized response.
// WebSocket upgrades are refused before any connection is opened.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if IsWebSocketUpgrade(pr.Header) {
		return nil, fault.New(fault.NotImplemented, "websocket upgrade", nil)
	}

	start := time.Now()
	out := *pr
	out.Header = SanitizeRequest(pr.Header, pr.PeerIP, pr.Host, s.forwardedProto)

	resp, err := s.client.Exchange(ctx, &out)
	if err != nil {
		return nil, err
	}
	resp.Header = SanitizeResponse(resp.Header)

	s.logger.Info("proxied request",
		"method", pr.Method,
		"uri", pr.URI,
		"status", resp.StatusCode,
		"version", resp.Proto,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// IsWebSocketUpgrade reports whether any Upgrade header value carries the
// websocket token.
func IsWebSocketUpgrade(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h.Values("Upgrade"), "websocket")
}

// SanitizeRequest returns a copy of in without hop-by-hop headers and with
// X-Forwarded-For, X-Forwarded-Proto and X-Forwarded-Host applied.
// An existing X-Forwarded-For chain is extended, not replaced.
func SanitizeRequest(in http.Header, peerIP, host, proto string) http.Header {
	out := stripHopByHop(in)

	if peerIP != "" {
		prior := out.Values("X-Forwarded-For")
		if len(prior) > 0 {
			out.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+peerIP)
		} else {
			out.Set("X-Forwarded-For", peerIP)
		}
	}
	if proto != "" {
		out.Set("X-Forwarded-Proto", proto)
	}
	if host != "" {
		out.Set("X-Forwarded-Host", host)
	}
	return out
}

// SanitizeResponse returns a copy of in without hop-by-hop headers.
func SanitizeResponse(in http.Header) http.Header {
	return stripHopByHop(in)
}

func stripHopByHop(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, vals := range in {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		out[key] = append([]string(nil), vals...)
	}
	return out
}
