// Package projection derives read-optimized aggregates from the ledger. Every
// number here is disposable by construction: a wrong or lost projection is
// recomputed from the ledger, which stays authoritative. The cache exists for
// latency only; no invariant depends on it.
package projection

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"girder/internal/ledger"
	"girder/internal/platform/metrics"
	platformredis "girder/internal/platform/redis"
	dErrors "girder/pkg/domain-errors"
	"girder/pkg/requestcontext"
)

// Snapshot is one organization's readiness read model.
type Snapshot struct {
	OrgID string `json:"org_id"`

	TotalEvents   int64 `json:"total_events"`
	Violations    int64 `json:"violations"`
	OpenIncidents int64 `json:"open_incidents"`

	// PendingReviews is enqueued minus resolved review-queue items.
	PendingReviews int64 `json:"pending_reviews"`

	// OverdueControls, MissingEvidence, and UnsignedItems come from domain
	// tables owned by the surrounding product, reached through the Tallier
	// collaborator. Zero when no tallier is wired.
	OverdueControls int64 `json:"overdue_controls"`
	MissingEvidence int64 `json:"missing_evidence"`
	UnsignedItems   int64 `json:"unsigned_items"`

	ComputedAt time.Time `json:"computed_at"`
}

// Tallier supplies the counts that live outside the ledger. The product's
// CRUD layer implements it; the projection treats it as a black box.
type Tallier interface {
	OverdueControls(ctx context.Context, orgID string) (int64, error)
	MissingEvidence(ctx context.Context, orgID string) (int64, error)
	UnsignedItems(ctx context.Context, orgID string) (int64, error)
}

// Service computes snapshots with a redis read-through cache in front of the
// ledger. A nil redis client disables caching and every read recomputes.
type Service struct {
	ledger  ledger.Store
	cache   *platformredis.Client
	tallier Tallier
	ttl     time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the service's metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTallier wires the domain-table counts into snapshots.
func WithTallier(t Tallier) Option {
	return func(s *Service) { s.tallier = t }
}

// NewService creates a projection service.
func NewService(ledgerStore ledger.Store, cache *platformredis.Client, ttl time.Duration, opts ...Option) (*Service, error) {
	if ledgerStore == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "projection service requires a ledger store")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	s := &Service{
		ledger: ledgerStore,
		cache:  cache,
		ttl:    ttl,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func cacheKey(orgID string) string {
	return "girder:projection:readiness:" + orgID
}

// Readiness returns the organization's snapshot, served from cache within the
// TTL. Cache failures degrade to recomputation, never to an error.
func (s *Service) Readiness(ctx context.Context, orgID string) (*Snapshot, error) {
	if orgID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "projection requires an organization scope")
	}

	if cached := s.fromCache(ctx, orgID); cached != nil {
		return cached, nil
	}

	snapshot, err := s.compute(ctx, orgID)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, snapshot)
	return snapshot, nil
}

// Invalidate drops the cached snapshot. Called after ledger-relevant writes;
// failure is harmless, the entry also ages out by TTL.
func (s *Service) Invalidate(ctx context.Context, orgID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(orgID)).Err(); err != nil {
		s.logger.WarnContext(ctx, "projection invalidation failed",
			"org_id", orgID,
			"error", err.Error(),
		)
	}
}

func (s *Service) compute(ctx context.Context, orgID string) (*Snapshot, error) {
	snapshot := &Snapshot{OrgID: orgID, ComputedAt: requestcontext.Now(ctx)}

	var err error
	if snapshot.TotalEvents, err = s.ledger.Count(ctx, orgID, ledger.Filter{}); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "count total events")
	}
	if snapshot.Violations, err = s.ledger.Count(ctx, orgID, ledger.Filter{Outcome: ledger.OutcomeBlocked}); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "count violations")
	}

	opened, err := s.ledger.Count(ctx, orgID, ledger.Filter{EventPrefix: string(ledger.EventIncidentOpened)})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "count opened incidents")
	}
	closed, err := s.ledger.Count(ctx, orgID, ledger.Filter{EventPrefix: string(ledger.EventIncidentClosed)})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "count closed incidents")
	}
	snapshot.OpenIncidents = max(opened-closed, 0)

	enqueued, err := s.ledger.Count(ctx, orgID, ledger.Filter{EventPrefix: string(ledger.EventReviewEnqueued)})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "count enqueued reviews")
	}
	resolved, err := s.ledger.Count(ctx, orgID, ledger.Filter{EventPrefix: string(ledger.EventReviewResolved)})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "count resolved reviews")
	}
	snapshot.PendingReviews = max(enqueued-resolved, 0)

	if s.tallier != nil {
		if snapshot.OverdueControls, err = s.tallier.OverdueControls(ctx, orgID); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "tally overdue controls")
		}
		if snapshot.MissingEvidence, err = s.tallier.MissingEvidence(ctx, orgID); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "tally missing evidence")
		}
		if snapshot.UnsignedItems, err = s.tallier.UnsignedItems(ctx, orgID); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "tally unsigned items")
		}
	}
	return snapshot, nil
}

func (s *Service) fromCache(ctx context.Context, orgID string) *Snapshot {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, cacheKey(orgID)).Bytes()
	if err != nil {
		if s.metrics != nil {
			s.metrics.ProjectionCacheMisses.Inc()
		}
		return nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		// Corrupt cache entry; recompute wins.
		s.Invalidate(ctx, orgID)
		return nil
	}
	if s.metrics != nil {
		s.metrics.ProjectionCacheHits.Inc()
	}
	return &snapshot
}

func (s *Service) toCache(ctx context.Context, snapshot *Snapshot) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(snapshot.OrgID), raw, s.ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "projection cache write failed",
			"org_id", snapshot.OrgID,
			"error", err.Error(),
		)
	}
}
