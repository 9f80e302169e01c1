// Package client provides the upstream HTTP client for the Request Manager.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"webclient-proxy/internal/config"
	"webclient-proxy/internal/metrics"
	"webclient-proxy/internal/model"
)

// RequestManagerClient sends requests to the upstream Request Manager.
// It is safe for concurrent use; all callers share one connection pool.
type RequestManagerClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRequestManagerClient creates a RequestManagerClient with connection pooling.
// The client timeout covers dialing, the round trip and reading the full body.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewRequestManagerClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RequestManagerClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &RequestManagerClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "request_manager_client"),
		metrics: m,
	}
}

// Do sends a single request to target and buffers the complete response.
// An empty body is sent without a Content-Length. The header is sent as
// given, Accept-Encoding included, so the transport does not decompress on
// its own; Do decodes any Content-Encoding itself.
func (c *RequestManagerClient) Do(ctx context.Context, method, target string, header http.Header, body []byte) (*model.UpstreamSuccess, error) {
	var reqBody io.Reader = http.NoBody
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, 0, time.Since(start))
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(method, 0, time.Since(start))
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	data, err = decodeContent(resp.Header.Get("Content-Encoding"), data)
	if err != nil {
		c.observe(method, 0, time.Since(start))
		return nil, fmt.Errorf("decode upstream body: %w", err)
	}
	c.observe(method, resp.StatusCode, time.Since(start))

	return &model.UpstreamSuccess{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

// observe records latency and, when a status was received, the response count.
func (c *RequestManagerClient) observe(method string, status int, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	label := metrics.NormalizeMethod(method)
	c.metrics.UpstreamDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	if status != 0 {
		c.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(status)).Inc()
	}
}

// decodeContent undoes the codings listed in a Content-Encoding value, last
// applied first. A body with a coding it does not know is returned as is.
func decodeContent(encoding string, data []byte) ([]byte, error) {
	if encoding == "" || len(data) == 0 {
		return data, nil
	}

	codings := strings.Split(encoding, ",")
	out := data
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))

		var r io.Reader
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(bytes.NewReader(out))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", coding, err)
			}
			r = zr
		case "deflate":
			r = deflateReader(out)
		case "br":
			r = brotli.NewReader(bytes.NewReader(out))
		default:
			return data, nil
		}

		decoded, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", coding, err)
		}
		out = decoded
	}
	return out, nil
}

// deflateReader reads zlib-wrapped deflate, falling back to raw deflate
// for servers that omit the zlib header.
func deflateReader(data []byte) io.Reader {
	if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		return zr
	}
	return flate.NewReader(bytes.NewReader(data))
}
