// Package ledger is the append-only system of record. Every meaningful domain
// action lands here exactly once; read models and exports are derived from it.
package ledger

import (
	"time"
)

// Category classifies ledger events for retention, export tabs, and routing.
// The set is closed: stores reject values outside it.
type Category string

const (
	CategoryGovernance     Category = "governance"
	CategoryOperations     Category = "operations"
	CategoryAccess         Category = "access"
	CategoryReviewQueue    Category = "review_queue"
	CategoryIncidentReview Category = "incident_review"
	CategoryAttestations   Category = "attestations"
	CategoryAccessReview   Category = "access_review"
	CategorySystem         Category = "system"
)

// Valid reports whether c is a member of the closed category set.
func (c Category) Valid() bool {
	switch c {
	case CategoryGovernance, CategoryOperations, CategoryAccess,
		CategoryReviewQueue, CategoryIncidentReview, CategoryAttestations,
		CategoryAccessReview, CategorySystem:
		return true
	}
	return false
}

// Severity grades how much an event matters to an auditor.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMaterial Severity = "material"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a member of the closed severity set.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityMaterial, SeverityCritical:
		return true
	}
	return false
}

// Outcome records how the recorded action ended.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeBlocked Outcome = "blocked"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Valid reports whether o is a member of the closed outcome set.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAllowed, OutcomeBlocked, OutcomeSuccess, OutcomeFailed:
		return true
	}
	return false
}

// EventName is the dotted taxonomy for ledger events.
type EventName string

const (
	// Governance
	EventPolicyUpdated EventName = "policy.updated"
	EventPlanChanged   EventName = "plan.changed"

	// Operations
	EventJobCreated   EventName = "job.created"
	EventJobUpdated   EventName = "job.updated"
	EventJobCompleted EventName = "job.completed"
	EventHazardLogged EventName = "hazard.logged"

	// Access
	EventAccessGranted EventName = "access.granted"
	EventAccessRevoked EventName = "access.revoked"
	EventMemberInvited EventName = "member.invited"

	// Review queue
	EventReviewEnqueued EventName = "review.enqueued"
	EventReviewResolved EventName = "review.resolved"

	// Incident review
	EventIncidentOpened EventName = "incident.opened"
	EventIncidentClosed EventName = "incident.closed"

	// Attestations
	EventAttestationSigned  EventName = "attestation.signed"
	EventAttestationRevoked EventName = "attestation.revoked"

	// Access review
	EventAccessReviewStarted   EventName = "access_review.started"
	EventAccessReviewCompleted EventName = "access_review.completed"

	// System
	EventExportRequested EventName = "export.requested"
	EventExportGenerated EventName = "export.pack.generated"
	EventExportFailed    EventName = "export.pack.failed"
	EventExportExpired   EventName = "export.pack.expired"
	EventExportCanceled  EventName = "export.canceled"
	EventRootAnchored    EventName = "ledger.root.anchored"
)

// eventCategories maps each event to its category so the mapping is exhaustive
// in one place instead of scattered through call sites.
var eventCategories = map[EventName]Category{
	EventPolicyUpdated: CategoryGovernance,
	EventPlanChanged:   CategoryGovernance,

	EventJobCreated:   CategoryOperations,
	EventJobUpdated:   CategoryOperations,
	EventJobCompleted: CategoryOperations,
	EventHazardLogged: CategoryOperations,

	EventAccessGranted: CategoryAccess,
	EventAccessRevoked: CategoryAccess,
	EventMemberInvited: CategoryAccess,

	EventReviewEnqueued: CategoryReviewQueue,
	EventReviewResolved: CategoryReviewQueue,

	EventIncidentOpened: CategoryIncidentReview,
	EventIncidentClosed: CategoryIncidentReview,

	EventAttestationSigned:  CategoryAttestations,
	EventAttestationRevoked: CategoryAttestations,

	EventAccessReviewStarted:   CategoryAccessReview,
	EventAccessReviewCompleted: CategoryAccessReview,

	EventExportRequested: CategorySystem,
	EventExportGenerated: CategorySystem,
	EventExportFailed:    CategorySystem,
	EventExportExpired:   CategorySystem,
	EventExportCanceled:  CategorySystem,
	EventRootAnchored:    CategorySystem,
}

// Category returns the category for this event. Unknown events default to
// CategorySystem so nothing escapes classification.
func (e EventName) Category() Category {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategorySystem
}

// Entry is one immutable ledger row. The store assigns ID, Seq, and CreatedAt
// on append; nothing revises them afterwards. Corrections are new entries
// whose metadata references the original entry id.
type Entry struct {
	ID        string
	OrgID     string
	ActorID   string // empty for system events
	EventName EventName
	Category  Category
	Severity  Severity
	Outcome   Outcome

	// Correlation fields, all optional.
	TargetType string
	TargetID   string
	JobID      string

	// Metadata carries request_id, idempotency_key when present, and the
	// domain mutation's result snapshot. Opaque to the store.
	Metadata map[string]any

	// Seq is a store-assigned monotonic sequence used as the fold order for
	// daily Merkle roots.
	Seq       int64
	CreatedAt time.Time
}

// MetadataKeyIdempotency is the metadata key under which the command runner
// tags entries produced by idempotent commands.
const MetadataKeyIdempotency = "idempotency_key"

// MetadataKeyRequestID is the metadata key for the correlation request id.
const MetadataKeyRequestID = "request_id"

// MetadataKeyResult is the metadata key for the mutation's result snapshot.
const MetadataKeyResult = "result"

// Filter narrows ledger aggregate queries. Zero values mean "any".
type Filter struct {
	Category    Category
	Outcome     Outcome
	EventPrefix string
	Since       time.Time
}
