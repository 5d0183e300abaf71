package projection

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"girder/internal/platform/metrics"
	"girder/internal/platform/middleware"
	"girder/internal/transport/http/shared"
	"girder/pkg/requestcontext"
)

// Handler serves the readiness read model.
type Handler struct {
	logger  *slog.Logger
	service *Service
	metrics *metrics.Metrics
}

// NewHandler creates a projection Handler.
func NewHandler(service *Service, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{logger: logger, service: service, metrics: m}
}

// Register registers the projection routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(projectionRouter chi.Router) {
		projectionRouter.Use(middleware.Recovery(h.logger))
		projectionRouter.Use(middleware.RequestID)
		projectionRouter.Use(middleware.Identity)
		projectionRouter.Use(middleware.Logger(h.logger))
		projectionRouter.Use(middleware.Timeout(15 * time.Second))
		projectionRouter.Use(middleware.Latency(h.metrics, "/readiness"))
		projectionRouter.Get("/readiness", h.handleReadiness)
	})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.Readiness(r.Context(), requestcontext.OrgID(r.Context()))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, snapshot)
}
