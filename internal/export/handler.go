package export

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"girder/internal/idempotency"
	"girder/internal/platform/metrics"
	"girder/internal/platform/middleware"
	"girder/internal/transport/http/shared"
	dErrors "girder/pkg/domain-errors"
	"girder/pkg/requestcontext"
)

const endpointCreateExport = "POST /exports"

// Handler serves the export endpoints. POST /exports honors the
// Idempotency-Key header: within the TTL a replay returns the first response
// byte-for-byte, and a replayed key with a different body is rejected.
type Handler struct {
	logger  *slog.Logger
	service *Service
	idem    idempotency.Store
	idemTTL time.Duration
	metrics *metrics.Metrics
}

// NewHandler creates an export Handler.
func NewHandler(service *Service, idem idempotency.Store, idemTTL time.Duration, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if idemTTL <= 0 {
		idemTTL = idempotency.DefaultTTL
	}
	return &Handler{
		logger:  logger,
		service: service,
		idem:    idem,
		idemTTL: idemTTL,
		metrics: m,
	}
}

// Register registers the export routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(exportRouter chi.Router) {
		exportRouter.Use(middleware.Recovery(h.logger))
		exportRouter.Use(middleware.RequestID)
		exportRouter.Use(middleware.Identity)
		exportRouter.Use(middleware.Logger(h.logger))
		exportRouter.Use(middleware.Timeout(30 * time.Second))
		exportRouter.Use(middleware.ContentTypeJSON)
		exportRouter.Use(middleware.Latency(h.metrics, "/exports"))
		exportRouter.Post("/exports", h.handleCreate)
		exportRouter.Get("/exports/metrics", h.handleMetrics)
		exportRouter.Get("/exports/{id}", h.handleGet)
		exportRouter.Get("/exports/{id}/download", h.handleDownload)
		exportRouter.Post("/exports/{id}/cancel", h.handleCancel)
	})
}

type createExportRequest struct {
	Plan string `json:"plan"`
}

type jobResponse struct {
	ID                string `json:"id"`
	State             string `json:"state"`
	Plan              string `json:"plan"`
	VerificationToken string `json:"verification_token,omitempty"`
	FailureCount      int    `json:"failure_count"`
	LastError         string `json:"last_error,omitempty"`
	EntryCount        int64  `json:"entry_count,omitempty"`
	RequestedAt       string `json:"requested_at"`
	CompletedAt       string `json:"completed_at,omitempty"`
}

func toJobResponse(job *Job) jobResponse {
	resp := jobResponse{
		ID:                job.ID,
		State:             string(job.State),
		Plan:              string(job.Plan),
		VerificationToken: job.VerificationToken,
		FailureCount:      job.FailureCount,
		LastError:         job.LastError,
		EntryCount:        job.EntryCount,
		RequestedAt:       job.RequestedAt.UTC().Format(time.RFC3339),
	}
	if !job.CompletedAt.IsZero() {
		resp.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	orgID := requestcontext.OrgID(ctx)
	if orgID == "" {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "missing organization scope"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable request body"))
		return
	}

	key := r.Header.Get("Idempotency-Key")
	scope := idempotency.Scope{
		Key:      key,
		OrgID:    orgID,
		ActorID:  requestcontext.ActorID(ctx),
		Endpoint: endpointCreateExport,
	}
	if key != "" {
		record, err := h.idem.Get(ctx, scope)
		if err != nil {
			h.logger.ErrorContext(ctx, "idempotency lookup failed",
				"request_id", requestID,
				"error", err.Error(),
			)
			shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "idempotency lookup failed"))
			return
		}
		if record != nil {
			if record.PayloadHash != idempotency.HashPayload(body) {
				shared.WriteError(w, dErrors.New(dErrors.CodeIdempotencyConflict,
					"idempotency key replayed with a different body"))
				return
			}
			replay(w, record)
			return
		}
	}

	var req createExportRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
			return
		}
	}
	plan := PlanTier(req.Plan)
	if req.Plan == "" {
		plan = PlanFree
	}

	job, err := h.service.Request(ctx, plan, key)
	if err != nil {
		h.logger.ErrorContext(ctx, "export request failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, err)
		return
	}

	resp := toJobResponse(job)
	respBody, err := json.Marshal(resp)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "encode response"))
		return
	}

	if key != "" {
		now := requestcontext.Now(ctx)
		record := &idempotency.Record{
			Scope:           scope,
			ResponseStatus:  http.StatusAccepted,
			ResponseBody:    respBody,
			ResponseHeaders: map[string]string{"Content-Type": "application/json"},
			PayloadHash:     idempotency.HashPayload(body),
			CreatedAt:       now,
			ExpiresAt:       now.Add(h.idemTTL),
		}
		if err := h.idem.Put(ctx, record); err != nil {
			// The command-level key on the ledger entry still protects the
			// mutation; only byte-for-byte replay is lost.
			h.logger.WarnContext(ctx, "idempotency record not stored",
				"request_id", requestID,
				"error", err.Error(),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(respBody)
}

func replay(w http.ResponseWriter, record *idempotency.Record) {
	for name, value := range record.ResponseHeaders {
		w.Header().Set(name, value)
	}
	w.WriteHeader(record.ResponseStatus)
	_, _ = w.Write(record.ResponseBody)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	payload, contentType, err := h.service.Download(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.Metrics(r.Context())
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, m)
}
