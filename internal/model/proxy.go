// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// ProxyRequest is one inbound request to be forwarded to Wolf. The body is
// fully buffered before dialing.
type ProxyRequest struct {
	Method string
	// URI is the absolute path plus optional query, already stripped of
	// the route prefix.
	URI    string
	Host   string
	Header http.Header
	Body   []byte
	// PeerIP is the literal address of the inbound connection; empty when
	// unknown.
	PeerIP string
}

// ProxyResponse is the buffered upstream response relayed to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Proto      string
}
