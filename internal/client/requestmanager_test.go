package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"webclient-proxy/internal/config"
	"webclient-proxy/internal/metrics"
)

func newTestClient(timeoutSeconds int, m *metrics.Metrics) *RequestManagerClient {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRequestManagerClient(cfg, logger, m)
}

func TestRequestManagerClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"q":1}` {
			t.Errorf("body = %q, want %q", body, `{"q":1}`)
		}
		if got := r.Header.Get("X-Trace"); got != "abc" {
			t.Errorf("X-Trace = %q, want %q", got, "abc")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(10, nil)

	header := http.Header{"X-Trace": {"abc"}}
	resp, err := c.Do(context.Background(), http.MethodPost, srv.URL+"/api/test", header, []byte(`{"q":1}`))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if resp.ContentType != "application/json" {
		t.Errorf("ContentType = %q, want %q", resp.ContentType, "application/json")
	}
	if string(resp.Body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", resp.Body, `{"status":"ok"}`)
	}
}

func TestRequestManagerClient_Do_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 {
			t.Errorf("ContentLength = %d, want 0 or unknown", r.ContentLength)
		}
		if len(r.TransferEncoding) != 0 {
			t.Errorf("TransferEncoding = %v, want none", r.TransferEncoding)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(10, nil)

	resp, err := c.Do(context.Background(), http.MethodDelete, srv.URL+"/api/x", http.Header{}, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if len(resp.Body) != 0 {
		t.Errorf("body = %q, want empty", resp.Body)
	}
}

func TestRequestManagerClient_Do_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := newTestClient(10, nil)

	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL+"/api/x", http.Header{}, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
}

func TestRequestManagerClient_Do_Unreachable(t *testing.T) {
	c := newTestClient(1, nil)

	_, err := c.Do(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.Header{}, nil)
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) || opErr.Op != "dial" {
		t.Errorf("error = %v, want wrapped dial *net.OpError", err)
	}
}

func TestRequestManagerClient_Do_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(1, nil)

	_, err := c.Do(context.Background(), http.MethodGet, srv.URL+"/slow", http.Header{}, nil)
	if err == nil {
		t.Fatal("Do() expected timeout error, got nil")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("error = %v, want timeout net.Error", err)
	}
}

func TestRequestManagerClient_Do_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(30, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Do(ctx, http.MethodGet, srv.URL+"/slow", http.Header{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}

func TestRequestManagerClient_Do_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(10, m)

	if _, err := c.Do(context.Background(), http.MethodGet, srv.URL+"/api/missing", http.Header{}, nil); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	got := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "webclient_upstream_responses_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := ""
			for _, lp := range metric.GetLabel() {
				labels += lp.GetName() + "=" + lp.GetValue() + ","
			}
			got[labels] = metric.GetCounter().GetValue()
		}
	}

	want := map[string]float64{"method=GET,status_code=404,": 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("upstream responses mismatch (-want +got):\n%s", diff)
	}
}

// encode compresses data with the named coding.
func encode(t *testing.T, coding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "raw-deflate":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			t.Fatalf("flate.NewWriter: %v", err)
		}
		w = fw
	case "br":
		w = brotli.NewWriter(&buf)
	default:
		t.Fatalf("unknown coding %q", coding)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("%s write: %v", coding, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("%s close: %v", coding, err)
	}
	return buf.Bytes()
}

func TestRequestManagerClient_Do_DecodesContentEncoding(t *testing.T) {
	const payload = `{"ok":true}`

	tests := []struct {
		name   string
		coding string
		header string
	}{
		{"gzip", "gzip", "gzip"},
		{"x-gzip", "gzip", "x-gzip"},
		{"deflate", "deflate", "deflate"},
		{"raw deflate", "raw-deflate", "deflate"},
		{"brotli", "br", "br"},
		{"upper case", "gzip", "GZIP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := encode(t, tt.coding, []byte(payload))
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Accept-Encoding"); got != "gzip, deflate, br" {
					t.Errorf("Accept-Encoding = %q, want %q", got, "gzip, deflate, br")
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Content-Encoding", tt.header)
				_, _ = w.Write(encoded)
			}))
			defer srv.Close()

			c := newTestClient(10, nil)

			header := http.Header{"Accept-Encoding": {"gzip, deflate, br"}}
			resp, err := c.Do(context.Background(), http.MethodGet, srv.URL+"/api/x", header, nil)
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			if string(resp.Body) != payload {
				t.Errorf("body = %q, want %q", resp.Body, payload)
			}
		})
	}
}

func TestDecodeContent(t *testing.T) {
	plain := []byte("hello")

	tests := []struct {
		name     string
		encoding string
		data     []byte
		want     []byte
	}{
		{"no encoding", "", plain, plain},
		{"identity", "identity", plain, plain},
		{"unknown coding left as is", "compress", plain, plain},
		{"empty body", "gzip", nil, nil},
		{"stacked codings", "deflate, gzip", encode(t, "gzip", encode(t, "deflate", plain)), plain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeContent(tt.encoding, tt.data)
			if err != nil {
				t.Fatalf("decodeContent() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("decodeContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeContent_Corrupt(t *testing.T) {
	if _, err := decodeContent("gzip", []byte("not gzip")); err == nil {
		t.Fatal("decodeContent() expected error for corrupt gzip, got nil")
	}
}
