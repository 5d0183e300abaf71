// Package verify answers the public question "was this export pack altered
// after it was sealed". The caller presents only a verification token; the
// token is the capability, no authentication is involved.
package verify

import (
	"context"
	"log/slog"
	"time"

	"girder/internal/anchor"
	"girder/internal/export"
	"girder/internal/hashchain"
	"girder/internal/platform/metrics"
	dErrors "girder/pkg/domain-errors"
	"girder/pkg/requestcontext"
)

// TokenTTL is how long a verification token stays usable after the export was
// requested.
const TokenTTL = 30 * 24 * time.Hour

// Status classifies a verification outcome. Mismatch, expired, and unknown
// are all explicit; nothing degrades to silent success.
type Status string

const (
	StatusValid    Status = "valid"
	StatusMismatch Status = "mismatch"
	StatusExpired  Status = "expired"
	StatusNotReady Status = "not_ready"
	StatusUnknown  Status = "unknown"
)

// ChainStatus reports whether the export's day has an anchored ledger root.
type ChainStatus string

const (
	ChainAnchored ChainStatus = "anchored"
	ChainPending  ChainStatus = "pending"
)

// Result is a successful verification.
type Result struct {
	Status      Status      `json:"status"`
	ExportID    string      `json:"export_id"`
	GeneratedAt string      `json:"generated_at"`
	PayloadHash string      `json:"payload_hash"`
	EntryCount  int64       `json:"entry_count"`
	ChainStatus ChainStatus `json:"chain_status"`

	// MerkleRoot is the anchored daily root covering the export's seal day,
	// present when ChainStatus is anchored.
	MerkleRoot string `json:"merkle_root,omitempty"`
}

// Service recomputes sealed manifests and checks them against stored digests
// and daily roots.
type Service struct {
	exports export.Store
	roots   anchor.Store
	salt    string

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

// NewService creates a verification service. The salt must be the same value
// the coordinator sealed with, or every verification will report mismatch.
func NewService(exports export.Store, roots anchor.Store, salt string, opts ...Option) (*Service, error) {
	if exports == nil || roots == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "verify service requires export and root stores")
	}
	s := &Service{
		exports: exports,
		roots:   roots,
		salt:    salt,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Verify resolves a token and recomputes the manifest digest from the stored
// job row. Returns a coded error for unknown, expired, unready, or tampered
// exports; only a byte-exact digest match yields a Result.
func (s *Service) Verify(ctx context.Context, token string) (*Result, error) {
	job, err := s.exports.GetByToken(ctx, token)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "token lookup failed")
	}
	if job == nil {
		s.record(StatusUnknown)
		return nil, dErrors.New(dErrors.CodeNotFound, "unknown verification token")
	}

	now := requestcontext.Now(ctx)
	if now.Sub(job.RequestedAt) > TokenTTL {
		s.record(StatusExpired)
		return nil, dErrors.New(dErrors.CodeVerifyExpired, "verification token has expired")
	}

	if job.State != export.StateReady {
		s.record(StatusNotReady)
		return nil, dErrors.New(dErrors.CodeExportNotReady, "export has no sealed manifest to verify")
	}

	digest, err := hashchain.Digest(export.Manifest(job, job.CompletedAt), s.salt)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "recompute manifest digest")
	}
	if digest != job.ManifestDigest {
		s.record(StatusMismatch)
		s.logger.WarnContext(ctx, "manifest digest mismatch",
			"export_id", job.ID,
			"org_id", job.OrgID,
		)
		return nil, dErrors.New(dErrors.CodeVerifyMismatch, "manifest digest does not match sealed hash")
	}

	result := &Result{
		Status:      StatusValid,
		ExportID:    job.ID,
		GeneratedAt: job.CompletedAt.UTC().Format(time.RFC3339),
		PayloadHash: job.PayloadHash,
		EntryCount:  job.EntryCount,
		ChainStatus: ChainPending,
	}
	root, err := s.roots.GetByOrgDate(ctx, job.OrgID, anchor.Day(job.CompletedAt))
	if err != nil {
		// Chain status is supplementary; the digest already verified.
		s.logger.WarnContext(ctx, "root lookup failed",
			"export_id", job.ID,
			"error", err.Error(),
		)
	} else if root != nil {
		result.ChainStatus = ChainAnchored
		result.MerkleRoot = root.MerkleRoot
	}

	s.record(StatusValid)
	return result, nil
}

func (s *Service) record(status Status) {
	if s.metrics != nil {
		s.metrics.VerifyResults.WithLabelValues(string(status)).Inc()
	}
}
