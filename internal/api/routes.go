// Package api provides the HTTP API server implementation for the query engine.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/correlator-io/queryengine/internal/api/middleware"
)

const (
	healthCheckTimeout = 2 * time.Second
	expectedURLParts   = 2
)

// Routes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /ready", s.handleReady},   // K8s readiness probe
		Route{"GET /health", s.handleHealth}, // Basic health check - status, uptime, version
		Route{"/", s.handleNotFound},         // Catch-all handler for 404 responses
	)

	// Query execution
	mux.HandleFunc("GET /api/v1/views/{name}", s.handleExecuteView)
	mux.HandleFunc("GET /api/v1/views/{name}/count", s.handleCountView)
	mux.HandleFunc("GET /api/v1/views/{name}/schema", s.handleSchemaView)
	mux.HandleFunc("POST /api/v1/views/execute-batch", s.handleExecuteBatch)

	// View-definition CRUD
	mux.HandleFunc("GET /api/v1/view-definitions", s.handleListViewDefinitions)
	mux.HandleFunc("GET /api/v1/view-definitions/{name}", s.handleGetViewDefinition)
	mux.HandleFunc("POST /api/v1/view-definitions", s.handleCreateViewDefinition)
	mux.HandleFunc("DELETE /api/v1/view-definitions/{name}", s.handleDeleteViewDefinition)

	// Materialized-view management
	mux.HandleFunc("GET /api/v1/materialized-views", s.handleListMaterializedViews)
	mux.HandleFunc("GET /api/v1/materialized-views/{name}", s.handleGetMaterializedViewStatus)
	mux.HandleFunc("POST /api/v1/materialized-views/{name}/refresh", s.handleRefreshView)
	mux.HandleFunc("POST /api/v1/materialized-views/refresh-all", s.handleRefreshAllViews)
	mux.HandleFunc("POST /api/v1/materialized-views/refresh-stale", s.handleRefreshStaleViews)

	// Cross-view cohort queries
	mux.HandleFunc("POST /api/v1/cohort-count", s.handleCohortCount)

	// Serving-layer observability
	mux.HandleFunc("GET /api/v1/stats", s.handleStatistics)
}

// registerPublicRoutes registers HTTP routes that bypass authentication and rate limiting.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Public routes should only be used for health check endpoints that need to be accessible
// without authentication (e.g., K8s liveness/readiness probes, monitoring tools).
//
// Security Warning: Never register business logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		path := route.Path

		parts := strings.Fields(path)
		// If the route path contains a method prefix (e.g., "GET /ping"), extract the path part.
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
	}
}

// handleReady responds to Kubernetes readiness probes with storage backend health checks.
//
// Response codes:
//   - 200 OK: the document store is reachable
//   - 503 Service Unavailable: the document store is unhealthy or unreachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.docPool == nil {
		s.logger.Warn("Document store pool not configured - readiness check disabled",
			slog.String("correlation_id", correlationID))

		writePlainText(w, http.StatusOK, "ready")

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.docPool.HealthCheck(ctx); err != nil {
		s.logger.Error("Document store health check failed",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))

		writePlainText(w, http.StatusServiceUnavailable, "storage unavailable")

		return
	}

	writePlainText(w, http.StatusOK, "ready")
}

func writePlainText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthStatus{
		Status:      "healthy",
		ServiceName: "queryengine",
		Version:     "v1.0.0",
		Uptime:      uptime,
	}

	writeJSON(w, r, s.logger, http.StatusOK, health)
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals v and writes it with the given status code,
// falling back to an RFC 7807 error response if encoding fails.
func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		logger.Error("Failed to marshal response",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
		WriteErrorResponse(w, r, logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
	}
}
