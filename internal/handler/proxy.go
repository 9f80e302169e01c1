package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"webclient-proxy/internal/model"
	"webclient-proxy/internal/service"
)

// ProxyMethods are the methods accepted under /api/.
var ProxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// ProxyHandler forwards /api/* requests to the Request Manager.
type ProxyHandler struct {
	forwarder *service.Forwarder
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(f *service.Forwarder, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		forwarder: f,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle buffers the inbound request, forwards it and writes the JSON reply.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports oversized bodies as an *echo.HTTPError.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		h.logger.Warn("reading request body", "err", err, "path", req.URL.Path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "could not read request body",
		})
	}

	in := &model.InboundRequest{
		Method:   req.Method,
		Suffix:   suffix(req.URL.EscapedPath()),
		Header:   req.Header,
		Body:     body,
		RawQuery: req.URL.RawQuery,
	}

	return h.write(c, h.forwarder.Forward(req.Context(), in))
}

func (h *ProxyHandler) write(c echo.Context, resp *model.OutboundResponse) error {
	switch p := resp.Payload.(type) {
	case model.JSONBody:
		return c.JSONBlob(resp.StatusCode, []byte(p))
	case model.RawBody:
		return c.JSON(resp.StatusCode, map[string]string{"raw": string(p)})
	case model.ErrorBody:
		return c.JSON(resp.StatusCode, map[string]string{"error": string(p)})
	default:
		return fmt.Errorf("unhandled payload type %T", resp.Payload)
	}
}

// suffix returns the escaped path after the /api prefix.
func suffix(escapedPath string) string {
	return strings.TrimPrefix(strings.TrimPrefix(escapedPath, "/api"), "/")
}
