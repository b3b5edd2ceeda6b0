package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/askbi/internal/schema"
	"github.com/go-chi/chi/v5"
)

// Pinger checks connectivity to a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	history   Pinger
	analytics Pinger
	schema    *schema.Cache
	timeout   time.Duration
}

// NewHealthHandler creates a health handler. history may be nil.
func NewHealthHandler(history, analytics Pinger, cache *schema.Cache) *HealthHandler {
	return &HealthHandler{history: history, analytics: analytics, schema: cache, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	probe := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			slog.Error("Health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			status["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
			return
		}
		checks[name] = "ok"
	}
	probe("history_db", h.history)
	probe("analytics_db", h.analytics)

	if h.schema != nil {
		status["schema_tables"] = h.schema.TableCount()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
