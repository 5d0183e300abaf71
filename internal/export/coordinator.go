package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"girder/internal/hashchain"
	"girder/internal/ledger"
	"girder/internal/platform/config"
	"girder/internal/platform/metrics"
	dErrors "girder/pkg/domain-errors"
)

// Builder generates the export payload for a claimed job. PDF and CSV layout
// live outside this service; the coordinator only cares about bytes.
type Builder interface {
	Build(ctx context.Context, job *Job) (*Payload, error)
}

// Payload is the builder's output for one job.
type Payload struct {
	Data        []byte
	ContentType string

	// EntryCount is the number of ledger entries folded into the pack. Sealed
	// into the manifest so verification covers completeness.
	EntryCount int64
}

// Coordinator runs the claim/build/seal loop. Several instances run the same
// loop against the shared store; the claim protocol keeps them from stepping
// on each other, so no coordination happens between processes.
type Coordinator struct {
	store      Store
	ledger     ledger.Store
	builder    Builder
	cfg        config.ExportConfig
	salt       string
	instanceID string

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the coordinator's metrics.
func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates an export coordinator.
func NewCoordinator(store Store, ledgerStore ledger.Store, builder Builder, cfg config.ExportConfig, salt string, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil || ledgerStore == nil || builder == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "export coordinator requires store, ledger, and builder")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPerOrg <= 0 {
		cfg.MaxPerOrg = 1
	}
	c := &Coordinator{
		store:      store,
		ledger:     ledgerStore,
		builder:    builder,
		cfg:        cfg,
		salt:       salt,
		instanceID: uuid.NewString()[:8],
		logger:     slog.Default(),
		tracer:     otel.Tracer("girder/export"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run starts the worker pool and blocks until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", c.instanceID, i)
		g.Go(func() error {
			return c.runWorker(ctx, workerID)
		})
	}
	return g.Wait()
}

func (c *Coordinator) runWorker(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.drain(ctx, workerID)
		}
	}
}

// drain claims and processes jobs until the queue has nothing for us. Finding
// no job is the idle case, not an error.
func (c *Coordinator) drain(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := c.store.ClaimNext(ctx, workerID, c.cfg.MaxPerOrg)
		if err != nil {
			c.logger.ErrorContext(ctx, "export claim failed",
				"worker_id", workerID,
				"error", err.Error(),
			)
			return
		}
		if job == nil {
			return
		}
		if c.metrics != nil {
			c.metrics.ExportClaims.Inc()
		}
		c.process(ctx, job)
	}
}

func (c *Coordinator) process(ctx context.Context, job *Job) {
	ctx, span := c.tracer.Start(ctx, "export.build",
		trace.WithAttributes(
			attribute.String("export_id", job.ID),
			attribute.String("org_id", job.OrgID),
		))
	defer span.End()

	start := time.Now()
	payload, err := c.builder.Build(ctx, job)
	if c.metrics != nil {
		c.metrics.ExportBuildTime.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.recordFailure(ctx, job, err)
		return
	}

	job.PayloadHash = hashchain.HashBytes(payload.Data)
	job.EntryCount = payload.EntryCount
	job.ContentType = payload.ContentType
	job.CompletedAt = time.Now().UTC()

	digest, err := hashchain.Digest(Manifest(job, job.CompletedAt), c.salt)
	if err != nil {
		c.recordFailure(ctx, job, err)
		return
	}
	job.ManifestDigest = digest

	if err := c.store.MarkReady(ctx, job, payload.Data); err != nil {
		if dErrors.Is(err, dErrors.CodeConflict) {
			// Lost the row to a cancel or requeue; drop this attempt's output.
			c.logger.WarnContext(ctx, "export seal dropped",
				"export_id", job.ID,
				"error", err.Error(),
			)
			return
		}
		c.recordFailure(ctx, job, err)
		return
	}

	c.appendLedger(ctx, job, ledger.EventExportGenerated, ledger.SeverityInfo, ledger.OutcomeSuccess, map[string]any{
		"payload_hash":    job.PayloadHash,
		"manifest_digest": job.ManifestDigest,
		"entry_count":     job.EntryCount,
	})
	c.logger.InfoContext(ctx, "export pack sealed",
		"export_id", job.ID,
		"org_id", job.OrgID,
		"entry_count", job.EntryCount,
	)
}

// recordFailure marks the attempt failed on the job row. Worker errors never
// escape the loop; callers discover them by polling the job.
func (c *Coordinator) recordFailure(ctx context.Context, job *Job, cause error) {
	updated, err := c.store.MarkFailed(ctx, job.ID, job.WorkerID, cause.Error())
	if err != nil {
		c.logger.ErrorContext(ctx, "export failure not recorded",
			"export_id", job.ID,
			"error", err.Error(),
		)
		return
	}

	kind := "transient"
	severity := ledger.SeverityMaterial
	if updated.State == StateFailed {
		kind = "poisoned"
		severity = ledger.SeverityCritical
	}
	if c.metrics != nil {
		c.metrics.ExportFailures.WithLabelValues(kind).Inc()
	}
	c.appendLedger(ctx, updated, ledger.EventExportFailed, severity, ledger.OutcomeFailed, map[string]any{
		"failure_count": updated.FailureCount,
		"reason":        cause.Error(),
		"permanent":     updated.State == StateFailed,
	})
	c.logger.WarnContext(ctx, "export attempt failed",
		"export_id", job.ID,
		"org_id", job.OrgID,
		"failure_count", updated.FailureCount,
		"permanent", updated.State == StateFailed,
		"error", cause.Error(),
	)
}

// appendLedger records a worker-side export event. These are system entries
// with no actor; a failed append is logged and must not fail the job, the
// sealed row already holds the truth.
func (c *Coordinator) appendLedger(ctx context.Context, job *Job, event ledger.EventName, severity ledger.Severity, outcome ledger.Outcome, meta map[string]any) {
	entry := &ledger.Entry{
		OrgID:      job.OrgID,
		EventName:  event,
		Category:   event.Category(),
		Severity:   severity,
		Outcome:    outcome,
		TargetType: "export",
		TargetID:   job.ID,
		Metadata:   meta,
	}
	if err := c.ledger.Append(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "export ledger append failed",
			"export_id", job.ID,
			"event", event,
			"error", err.Error(),
		)
	}
}
