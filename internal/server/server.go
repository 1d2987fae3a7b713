// Package server mounts the SHL access-control engine on echo. The engine
// speaks a protocol-level request/response contract; this package is the
// only place that contract touches a concrete HTTP stack.
package server

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/platform/middleware"
	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/platform/telemetry"
	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/shl"
)

// maxBodyBytes bounds manifest request bodies. Manifest POST bodies carry at
// most a passcode.
const maxBodyBytes = 64 * 1024

// New builds the echo server: health and metrics endpoints, middleware
// stack, and the engine adapter on every remaining route.
func New(engine *shl.Engine, logger zerolog.Logger, metrics *telemetry.Provider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if metrics != nil {
		e.Use(metrics.MetricsMiddleware())
		e.GET("/metrics", metrics.PrometheusHandler())
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.Any("/*", handle(engine))
	return e
}

// handle translates an echo request into the engine's protocol shape and
// writes the engine's response back verbatim.
func handle(engine *shl.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		var body []byte
		if req.Body != nil {
			var err error
			body, err = io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
			}
		}

		headers := make(map[string]string, len(req.Header))
		for name := range req.Header {
			headers[name] = req.Header.Get(name)
		}

		resp := engine.Handle(req.Context(), shl.Request{
			Method: req.Method,
			Path:   req.URL.Path,
			Body:   body,
			Header: headers,
		})

		contentType := ""
		for name, value := range resp.Header {
			if name == "content-type" {
				contentType = value
				continue
			}
			c.Response().Header().Set(name, value)
		}
		if len(resp.Body) == 0 {
			return c.NoContent(resp.Status)
		}
		return c.Blob(resp.Status, contentType, resp.Body)
	}
}
