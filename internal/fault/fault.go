// Package fault classifies proxy failures into client-facing HTTP responses.
//
// Every failure on the proxy path is tagged with a Cause at the point where
// it is produced. Resolve turns a tagged error into a status code, a stable
// error code and a human-readable detail for the JSON error envelope.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Cause identifies why a proxied request failed.
type Cause int

const (
	// Upstream covers any other upstream protocol error.
	Upstream Cause = iota
	// DialTimeout means every dial attempt timed out.
	DialTimeout
	// DialUnavailable means the socket was missing, refused or failed with
	// an I/O error on the last attempt.
	DialUnavailable
	// ReadTimeout means the upstream did not answer within read_timeout.
	ReadTimeout
	// InvalidURI means the inbound URI could not be rebuilt after the
	// prefix strip.
	InvalidURI
	// InvalidBody means the inbound request body could not be read.
	InvalidBody
	// ResponseConversion means the upstream response body or framing was
	// unreadable.
	ResponseConversion
	// NotImplemented means a WebSocket upgrade was requested.
	NotImplemented
)

// Error codes written to the "error" field of the envelope.
const (
	CodeUpstreamTimeout         = "UpstreamTimeout"
	CodeUpstreamUnavailable     = "UpstreamUnavailable"
	CodeInvalidURI              = "InvalidUri"
	CodeInvalidBody             = "InvalidBody"
	CodeResponseConversionError = "ResponseConversionError"
	CodeUpstreamError           = "UpstreamError"
	CodeNotImplemented          = "NotImplemented"
)

type mapping struct {
	status int
	code   string
	detail string
}

var mappings = map[Cause]mapping{
	DialTimeout:        {http.StatusGatewayTimeout, CodeUpstreamTimeout, "timed out connecting to wolf.sock"},
	ReadTimeout:        {http.StatusGatewayTimeout, CodeUpstreamTimeout, "Wolf API request timed out"},
	DialUnavailable:    {http.StatusServiceUnavailable, CodeUpstreamUnavailable, "failed to connect to wolf.sock"},
	InvalidURI:         {http.StatusBadRequest, CodeInvalidURI, "failed to parse URI"},
	InvalidBody:        {http.StatusBadRequest, CodeInvalidBody, "failed to read request body"},
	ResponseConversion: {http.StatusBadGateway, CodeResponseConversionError, "failed to convert upstream response"},
	Upstream:           {http.StatusBadGateway, CodeUpstreamError, "Wolf API request failed"},
	NotImplemented:     {http.StatusNotImplemented, CodeNotImplemented, "WebSocket proxying is not yet supported"},
}

// String returns the error code for c.
func (c Cause) String() string {
	if m, ok := mappings[c]; ok {
		return m.code
	}
	return CodeUpstreamError
}

// Error is a failure tagged with its Cause. Err holds the original error
// for logs and is never sent to the client.
type Error struct {
	Cause Cause
	Op    string
	Err   error
}

// New wraps err with a cause and the operation that failed.
func New(cause Cause, op string, err error) *Error {
	return &Error{Cause: cause, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Cause, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Cause, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Cause, e.Op)
	default:
		return e.Cause.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// CauseOf returns the Cause attached to err, or Upstream when err carries
// none.
func CauseOf(err error) Cause {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Cause
	}
	return Upstream
}

// Envelope is the JSON body of every proxy error response.
type Envelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// Resolve maps err to an HTTP status and the envelope to send. The detail
// names the failed step but leaves out socket-level error text.
func Resolve(err error) (int, Envelope) {
	m, ok := mappings[CauseOf(err)]
	if !ok {
		m = mappings[Upstream]
	}
	detail := m.detail
	var fe *Error
	if errors.As(err, &fe) && fe.Op != "" {
		detail = m.detail + " (" + fe.Op + ")"
	}
	return m.status, Envelope{Error: m.code, Detail: detail}
}
