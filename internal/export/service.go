package export

import (
	"context"

	"girder/internal/command"
	"girder/internal/ledger"
	dErrors "girder/pkg/domain-errors"
	"girder/pkg/requestcontext"
)

// Service is the request-side surface of the export queue: creating jobs,
// polling them, downloading sealed packs, and canceling. Workers never go
// through it.
type Service struct {
	store  Store
	runner *command.Runner
}

// NewService creates an export service.
func NewService(store Store, runner *command.Runner) (*Service, error) {
	if store == nil || runner == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "export service requires store and runner")
	}
	return &Service{store: store, runner: runner}, nil
}

// Request creates a queued export job for the calling organization. The job
// insert and the export.requested ledger entry commit together; a replayed
// idempotency key returns the originally created job.
func (s *Service) Request(ctx context.Context, plan PlanTier, idempotencyKey string) (*Job, error) {
	var job *Job
	result, err := s.runner.Run(ctx,
		command.Options{IdempotencyKey: idempotencyKey},
		func(txCtx context.Context) (map[string]any, error) {
			job = &Job{
				OrgID:       requestcontext.OrgID(txCtx),
				RequestedBy: requestcontext.ActorID(txCtx),
				RequestID:   requestcontext.RequestID(txCtx),
				Plan:        plan,
			}
			if err := s.store.Create(txCtx, job); err != nil {
				return nil, err
			}
			return map[string]any{
				"export_id":          job.ID,
				"state":              string(job.State),
				"verification_token": job.VerificationToken,
			}, nil
		},
		command.EntrySpec{
			EventName:  ledger.EventExportRequested,
			TargetType: "export",
		},
	)
	if err != nil {
		return nil, err
	}
	if result.Replayed {
		id, _ := result.Data["export_id"].(string)
		return s.store.GetByID(ctx, requestcontext.OrgID(ctx), id)
	}
	return job, nil
}

// Get returns a job scoped to the calling organization.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.GetByID(ctx, requestcontext.OrgID(ctx), id)
}

// Download returns the sealed payload of a ready job.
func (s *Service) Download(ctx context.Context, id string) ([]byte, string, error) {
	return s.store.Payload(ctx, requestcontext.OrgID(ctx), id)
}

// Cancel transitions a non-terminal job to canceled and ledgers the action.
// A job mid-build keeps running until its worker reports; the cancel wins.
func (s *Service) Cancel(ctx context.Context, id string) error {
	_, err := s.runner.Run(ctx,
		command.Options{},
		func(txCtx context.Context) (map[string]any, error) {
			if err := s.store.Cancel(txCtx, requestcontext.OrgID(txCtx), id); err != nil {
				return nil, err
			}
			return map[string]any{"export_id": id, "state": string(StateCanceled)}, nil
		},
		command.EntrySpec{
			EventName:  ledger.EventExportCanceled,
			TargetType: "export",
			TargetID:   id,
		},
	)
	return err
}

// Metrics returns the read-only queue aggregation.
func (s *Service) Metrics(ctx context.Context) (*QueueMetrics, error) {
	return s.store.Metrics(ctx)
}
