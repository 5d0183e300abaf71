package verify

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"girder/internal/platform/metrics"
	"girder/internal/platform/middleware"
	"girder/internal/transport/http/shared"
	dErrors "girder/pkg/domain-errors"
)

// Handler serves the public verification endpoint. Deliberately mounted
// without the identity middleware: the token is the capability.
type Handler struct {
	logger  *slog.Logger
	service *Service
	metrics *metrics.Metrics
}

// NewHandler creates a verification Handler.
func NewHandler(service *Service, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{logger: logger, service: service, metrics: m}
}

// Register registers the public verification route with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(verifyRouter chi.Router) {
		verifyRouter.Use(middleware.Recovery(h.logger))
		verifyRouter.Use(middleware.RequestID)
		verifyRouter.Use(middleware.Logger(h.logger))
		verifyRouter.Use(middleware.Timeout(10 * time.Second))
		verifyRouter.Use(middleware.Latency(h.metrics, "/verify"))
		verifyRouter.Get("/verify/{token}", h.handleVerify)
	})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "missing verification token"))
		return
	}

	result, err := h.service.Verify(r.Context(), token)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, result)
}
