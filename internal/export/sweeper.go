package export

import (
	"context"
	"log/slog"
	"time"

	"girder/internal/ledger"
	"girder/internal/platform/config"
	"girder/internal/platform/metrics"
	dErrors "girder/pkg/domain-errors"
)

// Sweeper handles the queue's housekeeping transitions: retention expiry of
// finished jobs and recovery of jobs whose worker died mid-build. One sweeper
// per instance is fine; every operation is idempotent against the others.
type Sweeper struct {
	store  Store
	ledger ledger.Store
	cfg    config.ExportConfig

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSweeper creates an export sweeper.
func NewSweeper(store Store, ledgerStore ledger.Store, cfg config.ExportConfig, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil || ledgerStore == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "export sweeper requires store and ledger")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}
	s := &Sweeper{
		store:  store,
		ledger: ledgerStore,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the sweeper's logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// WithSweeperMetrics sets the sweeper's metrics.
func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// Run sweeps on an interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one housekeeping pass. Exported so tests and operational tooling
// can trigger it directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	requeued, err := s.store.RequeueStuck(ctx, now.Add(-s.cfg.ClaimTimeout))
	if err != nil {
		s.logger.ErrorContext(ctx, "stuck export requeue failed", "error", err.Error())
	} else if requeued > 0 {
		s.logger.WarnContext(ctx, "requeued stuck export jobs", "count", requeued)
	}

	expired, err := s.store.ExpireOld(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "export retention sweep failed", "error", err.Error())
	}
	for _, job := range expired {
		entry := &ledger.Entry{
			OrgID:      job.OrgID,
			EventName:  ledger.EventExportExpired,
			Category:   ledger.EventExportExpired.Category(),
			Severity:   ledger.SeverityInfo,
			Outcome:    ledger.OutcomeSuccess,
			TargetType: "export",
			TargetID:   job.ID,
			Metadata:   map[string]any{"plan": string(job.Plan)},
		}
		if err := s.ledger.Append(ctx, entry); err != nil {
			s.logger.ErrorContext(ctx, "expiry ledger append failed",
				"export_id", job.ID,
				"error", err.Error(),
			)
		}
	}

	s.refreshGauges(ctx)
}

func (s *Sweeper) refreshGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	m, err := s.store.Metrics(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "export metrics refresh failed", "error", err.Error())
		return
	}
	for _, state := range []State{StateQueued, StatePreparing, StateReady, StateFailed, StateExpired, StateCanceled} {
		s.metrics.ExportJobsActive.WithLabelValues(string(state)).Set(float64(m.Depth[state]))
	}
}
