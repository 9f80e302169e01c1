// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"webclient-proxy/internal/client"
	"webclient-proxy/internal/config"
	"webclient-proxy/internal/metrics"
	"webclient-proxy/internal/model"
)

// PathPrefix is the inbound route prefix; it is kept on the upstream path.
const PathPrefix = "/api/"

// TimeoutMessage is returned with 504 when the upstream did not answer in time.
const TimeoutMessage = "The agent is still processing. Please try again in a moment."

// previewLimit caps the logged response preview.
const previewLimit = 500

// excludedRequestHeaders describe the inbound connection, not the request,
// and are never forwarded. Keys are lower-case.
var excludedRequestHeaders = map[string]bool{
	"host":              true,
	"content-length":    true,
	"transfer-encoding": true,
}

// Upstream sends one request to the Request Manager and buffers the reply.
type Upstream interface {
	Do(ctx context.Context, method, target string, header http.Header, body []byte) (*model.UpstreamSuccess, error)
}

// Forwarder relays inbound requests to the Request Manager.
// It holds no per-request state and is safe for concurrent use.
type Forwarder struct {
	upstream Upstream
	baseURL  string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewForwarder creates a Forwarder for the configured upstream base URL.
// The metrics parameter is optional.
func NewForwarder(c *client.RequestManagerClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return newForwarder(c, cfg.Upstream.BaseURL, logger, m)
}

func newForwarder(up Upstream, baseURL string, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		upstream: up,
		baseURL:  baseURL,
		logger:   logger.With("component", "forwarder"),
		metrics:  m,
	}
}

// Forward performs one forwarding cycle. It never fails: every transport
// problem is translated into an error payload with a gateway status code,
// and every upstream reply, whatever its status, is relayed.
func (f *Forwarder) Forward(ctx context.Context, req *model.InboundRequest) *model.OutboundResponse {
	return f.Render(f.Attempt(ctx, req))
}

// Attempt issues exactly one upstream request and reports its outcome.
func (f *Forwarder) Attempt(ctx context.Context, req *model.InboundRequest) model.UpstreamOutcome {
	start := time.Now()

	target, err := f.buildTargetURL(req.Suffix, req.RawQuery)
	if err != nil {
		return f.failure(req.Method, target, start, err)
	}
	header := filterRequestHeaders(req.Header)

	f.logger.Info("proxy request",
		"method", req.Method,
		"target", target,
		"body_len", len(req.Body),
	)
	f.logger.Debug("proxy request headers",
		"target", target,
		"headers", headerNames(header),
	)

	resp, err := f.upstream.Do(ctx, req.Method, target, header, req.Body)
	if err != nil {
		return f.failure(req.Method, target, start, err)
	}

	f.logger.Info("proxy response",
		"method", req.Method,
		"target", target,
		"status", resp.StatusCode,
		"content_type", resp.ContentType,
		"body_len", len(resp.Body),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	if f.logger.Enabled(ctx, slog.LevelDebug) {
		f.logger.Debug("response preview", "preview", preview(resp.Body))
	}

	return resp
}

// Render turns an upstream outcome into the response sent to the caller.
func (f *Forwarder) Render(outcome model.UpstreamOutcome) *model.OutboundResponse {
	switch o := outcome.(type) {
	case *model.UpstreamSuccess:
		if json.Valid(o.Body) {
			return &model.OutboundResponse{StatusCode: o.StatusCode, Payload: model.JSONBody(o.Body)}
		}
		f.logger.Warn("response is not JSON, wrapping as raw",
			"status", o.StatusCode,
			"content_type", o.ContentType,
		)
		if f.metrics != nil {
			f.metrics.RawResponses.Inc()
		}
		return &model.OutboundResponse{StatusCode: o.StatusCode, Payload: model.RawBody(o.Body)}
	case *model.UpstreamFailure:
		return Failure(o.Kind, f.baseURL, o.Err)
	default:
		return Failure(model.FailureTransport, f.baseURL, fmt.Errorf("unknown upstream outcome %T", outcome))
	}
}

// Failure maps a failure kind to its status code and caller-facing message.
// Every kind maps to exactly one status.
func Failure(kind model.FailureKind, baseURL string, err error) *model.OutboundResponse {
	switch kind {
	case model.FailureTimeout:
		return &model.OutboundResponse{
			StatusCode: http.StatusGatewayTimeout,
			Payload:    model.ErrorBody(TimeoutMessage),
		}
	case model.FailureUnreachable:
		return &model.OutboundResponse{
			StatusCode: http.StatusBadGateway,
			Payload:    model.ErrorBody(fmt.Sprintf("Cannot reach Request Manager at %s: %v", baseURL, err)),
		}
	default:
		return &model.OutboundResponse{
			StatusCode: http.StatusBadGateway,
			Payload:    model.ErrorBody(fmt.Sprintf("Proxy error: %v", err)),
		}
	}
}

// Classify sorts a transport error into a failure kind. Timeouts take
// precedence, so a dial that times out is a timeout, not unreachable.
func Classify(err error) model.FailureKind {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return model.FailureTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.FailureUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return model.FailureUnreachable
	}

	return model.FailureTransport
}

func (f *Forwarder) failure(method, target string, start time.Time, err error) *model.UpstreamFailure {
	elapsed := time.Since(start)
	kind := Classify(err)

	f.logger.Error("proxy failure",
		"kind", kind.String(),
		"method", method,
		"target", target,
		"elapsed", elapsed.Round(time.Millisecond).String(),
		"err", err,
	)
	if f.metrics != nil {
		f.metrics.UpstreamFailures.WithLabelValues(metrics.NormalizeMethod(method), kind.String()).Inc()
	}

	return &model.UpstreamFailure{Kind: kind, Elapsed: elapsed, Err: err}
}

// buildTargetURL concatenates the base URL, the /api/ prefix and the suffix
// without normalizing them. The inbound query is kept byte for byte and
// replaces any query the suffix may carry; an empty query leaves none.
func (f *Forwarder) buildTargetURL(suffix, rawQuery string) (string, error) {
	raw := f.baseURL + PathPrefix + suffix
	u, err := url.Parse(raw)
	if err != nil {
		return raw, fmt.Errorf("build target URL: %w", err)
	}
	u.RawQuery = rawQuery
	u.ForceQuery = false
	return u.String(), nil
}

// filterRequestHeaders copies src minus the excluded framing headers,
// matching keys case-insensitively. Every value of a kept header is kept.
func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if excludedRequestHeaders[strings.ToLower(key)] {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst
}

func headerNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for key := range h {
		names = append(names, key)
	}
	return names
}

// preview returns at most previewLimit characters of body.
func preview(body []byte) string {
	n := 0
	for i := range string(body) {
		if n == previewLimit {
			return string(body[:i])
		}
		n++
	}
	return string(body)
}
