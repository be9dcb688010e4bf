// Package routes registers the HTTP routes of the triage API.
package routes

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"

	infrahttp "github.com/openctemio/sast-triage/internal/infra/http"
	"github.com/openctemio/sast-triage/internal/infra/http/handler"
	"github.com/openctemio/sast-triage/internal/infra/websocket"
)

// Middleware is an alias to the http package's Middleware type.
type Middleware = infrahttp.Middleware

// Router is an alias to the http package's Router interface.
type Router = infrahttp.Router

// Handlers holds all HTTP handlers for route registration.
type Handlers struct {
	Health        *handler.HealthHandler
	Scan          *handler.ScanHandler
	Configuration *handler.ConfigurationHandler
	Defaults      *handler.DefaultsHandler
	Dashboard     *handler.DashboardHandler
	WebSocket     *websocket.Handler // nil disables live updates
}

// Register mounts every route. Health, readiness and metrics are public;
// everything under /api/v1 goes through auth.
func Register(router Router, h Handlers, auth Middleware) {
	registerHealthRoutes(router, h.Health)

	router.Group("/api/v1", func(r Router) {
		registerScanRoutes(r, h.Scan)
		registerConfigurationRoutes(r, h.Configuration)
		registerDefaultsRoutes(r, h.Defaults)
		r.GET("/dashboard/statistics", h.Dashboard.GetStats)

		// Browsers cannot set headers on a WebSocket handshake; the auth
		// middleware accepts ?token= on upgrade requests.
		if h.WebSocket != nil {
			r.GET("/ws", h.WebSocket.ServeWS)
		}
	}, auth)
}

func registerHealthRoutes(router Router, h *handler.HealthHandler) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", promhttp.Handler().ServeHTTP)
}

func registerScanRoutes(r Router, h *handler.ScanHandler) {
	r.Group("/scans", func(r Router) {
		r.POST("/", h.Start)
		r.GET("/", h.List)
		r.GET("/{id}", h.Get)
		r.DELETE("/{id}", h.Delete)
		r.GET("/{id}/status", h.Status)
		r.GET("/{id}/sarif", h.SARIF)
		r.POST("/{id}/pause", h.Pause)
		r.POST("/{id}/resume", h.Resume)
		r.POST("/{id}/stop", h.Stop)
	})
}

func registerConfigurationRoutes(r Router, h *handler.ConfigurationHandler) {
	r.Group("/configurations", func(r Router) {
		r.POST("/", h.Create)
		r.GET("/", h.List)
		r.GET("/{id}", h.Get)
		r.PUT("/{id}", h.Update)
		r.DELETE("/{id}", h.Delete)
		r.GET("/{id}/merged", h.Merged)
		r.POST("/{id}/test", h.Test)
	})
}

func registerDefaultsRoutes(r Router, h *handler.DefaultsHandler) {
	r.GET("/defaults", h.Get)
	r.PUT("/defaults", h.Put)
	r.DELETE("/defaults", h.Delete)
}
