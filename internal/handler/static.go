package handler

import (
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"webclient-proxy/internal/config"
	"webclient-proxy/internal/static"
)

// StaticHandler serves the web client page and its two assets.
type StaticHandler struct {
	files  fs.FS
	logger *slog.Logger
}

// NewStaticHandler serves from server.static_dir when set, otherwise from
// the assets embedded in the binary.
func NewStaticHandler(cfg *config.Config, logger *slog.Logger) *StaticHandler {
	files := static.Files
	if cfg.Server.StaticDir != "" {
		files = os.DirFS(cfg.Server.StaticDir)
	}
	return &StaticHandler{
		files:  files,
		logger: logger.With("component", "static_handler"),
	}
}

// Index serves index.html for both / and /index.html.
func (h *StaticHandler) Index(c echo.Context) error {
	return h.serve(c, "index.html", echo.MIMETextHTMLCharsetUTF8)
}

// Script serves main.js.
func (h *StaticHandler) Script(c echo.Context) error {
	return h.serve(c, "main.js", "application/javascript")
}

// Stylesheet serves styles.css.
func (h *StaticHandler) Stylesheet(c echo.Context) error {
	return h.serve(c, "styles.css", "text/css")
}

func (h *StaticHandler) serve(c echo.Context, name, contentType string) error {
	data, err := fs.ReadFile(h.files, name)
	if err != nil {
		h.logger.Error("reading static asset", "name", name, "err", err)
		return echo.ErrNotFound
	}
	return c.Blob(http.StatusOK, contentType, data)
}
