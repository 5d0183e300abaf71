// Package command orchestrates domain mutations so every one of them lands in
// the audit ledger. Validation and authorization happen before a command is
// invoked; the runner owns idempotent replay, the transactional boundary, and
// the ledger append.
package command

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"girder/internal/ledger"
	"girder/internal/platform/metrics"
	dErrors "girder/pkg/domain-errors"
	"girder/pkg/requestcontext"
)

// MutateFunc executes the domain mutation. It runs inside the command
// transaction: any store it touches through ctx shares the transaction with
// the ledger append. The returned snapshot is recorded in the entry metadata
// and becomes the replay response for idempotent retries.
type MutateFunc func(ctx context.Context) (map[string]any, error)

// EntrySpec describes the ledger entry a successful command appends.
type EntrySpec struct {
	EventName ledger.EventName
	Severity  ledger.Severity
	// Outcome defaults to success when left empty.
	Outcome ledger.Outcome

	TargetType string
	TargetID   string
	JobID      string

	// Metadata is merged into the entry metadata before the runner adds
	// request_id, idempotency_key, and the result snapshot.
	Metadata map[string]any
}

// Options carries per-invocation command options.
type Options struct {
	// IdempotencyKey, when set, makes retried invocations safe: a key already
	// recorded on a ledger entry (scoped to org, actor, and event name) short-
	// circuits the command and returns the recorded result.
	IdempotencyKey string
}

// Result is the outcome of a command.
type Result struct {
	OK            bool
	Data          map[string]any
	LedgerEntryID string

	// Replayed is true when the result was served from a prior invocation's
	// ledger entry without re-executing the mutation.
	Replayed bool
}

// Signaler fans a committed ledger entry out to the realtime path. Best
// effort by contract: implementations must not fail the command.
type Signaler interface {
	Publish(ctx context.Context, entry *ledger.Entry)
}

// Invalidator drops derived read models after a ledger-relevant write.
type Invalidator interface {
	Invalidate(ctx context.Context, orgID string)
}

// Runner executes commands. One instance is shared by all handlers.
type Runner struct {
	ledger      ledger.Store
	tx          TxRunner
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	signaler    Signaler
	invalidator Invalidator
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics sets the runner's metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithSignaler publishes each committed entry to the realtime signal path.
func WithSignaler(s Signaler) Option {
	return func(r *Runner) { r.signaler = s }
}

// WithInvalidator invalidates cached projections after each commit.
func WithInvalidator(i Invalidator) Option {
	return func(r *Runner) { r.invalidator = i }
}

// NewRunner creates a command runner.
func NewRunner(ledgerStore ledger.Store, tx TxRunner, opts ...Option) (*Runner, error) {
	if ledgerStore == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "ledger store is required")
	}
	if tx == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "tx runner is required")
	}
	r := &Runner{
		ledger: ledgerStore,
		tx:     tx,
		logger: slog.Default(),
		tracer: otel.Tracer("girder/command"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes one command: replay check, then mutate and ledger-append inside
// a single transaction. The idempotency check happens before any side effect;
// a consumed key returns the recorded result for as long as the entry exists.
func (r *Runner) Run(ctx context.Context, opts Options, mutate MutateFunc, spec EntrySpec) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "command.run",
		trace.WithAttributes(
			attribute.String("event", string(spec.EventName)),
			attribute.String("org_id", requestcontext.OrgID(ctx)),
		))
	defer span.End()

	orgID := requestcontext.OrgID(ctx)
	actorID := requestcontext.ActorID(ctx)
	if orgID == "" {
		return Result{}, dErrors.New(dErrors.CodeBadRequest, "command requires an organization scope")
	}
	if spec.EventName == "" {
		return Result{}, dErrors.New(dErrors.CodeBadRequest, "command requires an event name")
	}

	if opts.IdempotencyKey != "" {
		prior, err := r.ledger.FindByIdempotencyKey(ctx, orgID, actorID, spec.EventName, opts.IdempotencyKey)
		if err != nil {
			return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "idempotency lookup failed")
		}
		if prior != nil {
			if r.metrics != nil {
				r.metrics.IdempotentReplays.Inc()
			}
			span.SetAttributes(attribute.Bool("replayed", true))
			return Result{
				OK:            true,
				Data:          resultSnapshot(prior),
				LedgerEntryID: prior.ID,
				Replayed:      true,
			}, nil
		}
	}

	var entry *ledger.Entry
	var data map[string]any
	err := r.tx.RunInTx(ctx, func(txCtx context.Context) error {
		var mutateErr error
		data, mutateErr = mutate(txCtx)
		if mutateErr != nil {
			return mutateErr
		}

		entry = r.buildEntry(txCtx, opts, spec, data)
		if appendErr := r.ledger.Append(txCtx, entry); appendErr != nil {
			// The transaction rolls back, so the mutation does not outlive
			// its missing ledger entry.
			return dErrors.Wrap(appendErr, dErrors.CodeLedgerWriteFailed, "ledger append failed")
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			// Two invocations raced past the replay check; this one lost the
			// append and rolled back, so the winner's entry is the result.
			return r.replayAfterLostRace(ctx, span, opts, spec)
		}
		r.recordOutcome(spec.EventName, "failed")
		r.logger.ErrorContext(ctx, "command failed",
			"event", spec.EventName,
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		return Result{}, err
	}

	r.recordOutcome(spec.EventName, string(entry.Outcome))
	if r.metrics != nil {
		r.metrics.LedgerAppends.Inc()
	}
	// Post-commit fan-out. Both hooks are best effort and run after the
	// transaction; the ledger row is already the record.
	if r.signaler != nil {
		r.signaler.Publish(ctx, entry)
	}
	if r.invalidator != nil {
		r.invalidator.Invalidate(ctx, entry.OrgID)
	}
	return Result{OK: true, Data: data, LedgerEntryID: entry.ID}, nil
}

// replayAfterLostRace resolves a duplicate-key collision on the idempotency
// scope by reading the winning entry back. The unique index only rejects the
// loser once the winner has committed, so the lookup sees the winner's row.
func (r *Runner) replayAfterLostRace(ctx context.Context, span trace.Span, opts Options, spec EntrySpec) (Result, error) {
	prior, err := r.ledger.FindByIdempotencyKey(ctx,
		requestcontext.OrgID(ctx), requestcontext.ActorID(ctx), spec.EventName, opts.IdempotencyKey)
	if err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "idempotency lookup failed")
	}
	if prior == nil {
		return Result{}, dErrors.New(dErrors.CodeConflict, "concurrent command already consumed the idempotency key")
	}
	if r.metrics != nil {
		r.metrics.IdempotentReplays.Inc()
	}
	span.SetAttributes(attribute.Bool("replayed", true))
	return Result{
		OK:            true,
		Data:          resultSnapshot(prior),
		LedgerEntryID: prior.ID,
		Replayed:      true,
	}, nil
}

func (r *Runner) buildEntry(ctx context.Context, opts Options, spec EntrySpec, data map[string]any) *ledger.Entry {
	outcome := spec.Outcome
	if outcome == "" {
		outcome = ledger.OutcomeSuccess
	}
	severity := spec.Severity
	if severity == "" {
		severity = ledger.SeverityInfo
	}

	metadata := make(map[string]any, len(spec.Metadata)+3)
	for k, v := range spec.Metadata {
		metadata[k] = v
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		metadata[ledger.MetadataKeyRequestID] = requestID
	}
	if opts.IdempotencyKey != "" {
		metadata[ledger.MetadataKeyIdempotency] = opts.IdempotencyKey
	}
	if data != nil {
		metadata[ledger.MetadataKeyResult] = data
	}

	return &ledger.Entry{
		OrgID:      requestcontext.OrgID(ctx),
		ActorID:    requestcontext.ActorID(ctx),
		EventName:  spec.EventName,
		Category:   spec.EventName.Category(),
		Severity:   severity,
		Outcome:    outcome,
		TargetType: spec.TargetType,
		TargetID:   spec.TargetID,
		JobID:      spec.JobID,
		Metadata:   metadata,
	}
}

func (r *Runner) recordOutcome(event ledger.EventName, outcome string) {
	if r.metrics != nil {
		r.metrics.CommandsTotal.WithLabelValues(string(event), outcome).Inc()
	}
}

func resultSnapshot(entry *ledger.Entry) map[string]any {
	if snapshot, ok := entry.Metadata[ledger.MetadataKeyResult].(map[string]any); ok {
		return snapshot
	}
	return nil
}
