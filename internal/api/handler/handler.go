// Package handler provides HTTP handlers for all API endpoints.
// Handlers decode input, call the dispatch coordinator and map its typed
// errors onto status codes; they hold no business logic.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/albapepper/gig-dispatch/internal/api/respond"
	"github.com/albapepper/gig-dispatch/internal/dispatch"
)

// Dispatcher is the subset of *dispatch.Coordinator the handlers use.
type Dispatcher interface {
	Dispatch(ctx context.Context, in dispatch.Input) (*dispatch.Result, error)
	Renotify(ctx context.Context, requestID string) (*dispatch.Result, error)
}

// HealthChecker reports database reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	dispatcher Dispatcher
	db         HealthChecker
	logger     *slog.Logger
}

// New creates a Handler with shared dependencies.
func New(dispatcher Dispatcher, db HealthChecker, logger *slog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		db:         db,
		logger:     logger.With("component", "api"),
	}
}

type requesterKey struct{}

// WithRequester returns a context carrying the authenticated caller's ID.
func WithRequester(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, requesterKey{}, userID)
}

// RequesterID returns the authenticated caller's ID, or "".
func RequesterID(ctx context.Context) string {
	id, _ := ctx.Value(requesterKey{}).(string)
	return id
}

// Root serves API info at /.
// @Summary API root info
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "Gig Dispatch API",
		"version": "1.0.0",
		"status":  "running",
		"docs":    "/docs",
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.db.HealthCheck(r.Context()); err != nil {
		h.logger.Warn("database health check failed", "error", err)
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
