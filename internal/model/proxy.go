// Package model defines shared types for the proxy.
package model

import (
	"encoding/json"
	"net/http"
	"time"
)

// InboundRequest is a client request captured for a single forwarding cycle.
// Suffix is everything after the /api/ prefix, still escaped. RawQuery is
// the query string exactly as received, without the leading '?'.
type InboundRequest struct {
	Method   string
	Suffix   string
	Header   http.Header
	Body     []byte
	RawQuery string
}

// UpstreamOutcome is the result of exactly one upstream attempt:
// either *UpstreamSuccess or *UpstreamFailure.
type UpstreamOutcome interface {
	outcome()
}

// UpstreamSuccess is a complete, buffered upstream response.
type UpstreamSuccess struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// UpstreamFailure means no usable upstream response was obtained.
type UpstreamFailure struct {
	Kind    FailureKind
	Elapsed time.Duration
	Err     error
}

func (*UpstreamSuccess) outcome() {}
func (*UpstreamFailure) outcome() {}

// FailureKind classifies transport failures.
type FailureKind int

const (
	FailureTimeout FailureKind = iota
	FailureUnreachable
	FailureTransport
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureUnreachable:
		return "unreachable"
	default:
		return "transport"
	}
}

// Payload is the body returned to the caller: JSONBody, RawBody or ErrorBody.
type Payload interface {
	payload()
}

// JSONBody is a valid upstream JSON document relayed verbatim.
type JSONBody json.RawMessage

// RawBody is non-JSON upstream text, rendered as {"raw": ...}.
type RawBody string

// ErrorBody is a proxy error message, rendered as {"error": ...}.
type ErrorBody string

func (JSONBody) payload() {}
func (RawBody) payload() {}
func (ErrorBody) payload() {}

// OutboundResponse is what the proxy sends back for one forwarding cycle.
type OutboundResponse struct {
	StatusCode int
	Payload    Payload
}
