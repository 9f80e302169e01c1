package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, assets *StaticHandler) {
	e.GET("/health", health.Health)
	e.GET("/proxy/status", health.Status)

	e.GET("/", assets.Index)
	e.GET("/index.html", assets.Index)
	e.GET("/main.js", assets.Script)
	e.GET("/styles.css", assets.Stylesheet)

	e.Match(ProxyMethods, "/api/*", proxy.Handle)
}
