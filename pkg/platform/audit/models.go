// Package audit captures the immutable trail of entity writes and
// authorization outcomes. Events are transport-agnostic so stores and sinks
// can fan out.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance.
	// Every accepted entity write lands here; retention is measured in years.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and
	// forensics, such as denied writes and forced deletes.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers events useful for debugging and operational
	// visibility. These can be sampled with shorter retention.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from the write pipeline to capture key actions.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	// TransactionID groups every entity accepted in the same batch.
	TransactionID uuid.UUID
	// EntityID and EntityKind identify the document the event concerns.
	// Zero for events that are not about a single entity.
	EntityID   uuid.UUID
	EntityKind string
	Action     string
	// PerformedBy is the caller alias, or the application id for
	// service-to-service writes.
	PerformedBy string
	RequestID   string
	Reason      string
}

// AuditEvent names the actions the write pipeline emits.
type AuditEvent string

const (
	// Entity lifecycle events
	EventEntityCreated     AuditEvent = "entity_created"
	EventEntityUpdated     AuditEvent = "entity_updated"
	EventEntitySoftDeleted AuditEvent = "entity_soft_deleted"
	EventRequestApproved   AuditEvent = "request_approved"

	// Security events
	EventWriteDenied     AuditEvent = "write_denied"
	EventDeleteForced    AuditEvent = "delete_forced"
	EventChecksOverriden AuditEvent = "pending_checks_overridden"

	// Operations events
	EventBatchCommitted AuditEvent = "batch_committed"
	EventBatchRejected  AuditEvent = "batch_rejected"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventEntityCreated:     CategoryCompliance,
	EventEntityUpdated:     CategoryCompliance,
	EventEntitySoftDeleted: CategoryCompliance,
	EventRequestApproved:   CategoryCompliance,

	EventWriteDenied:     CategorySecurity,
	EventDeleteForced:    CategorySecurity,
	EventChecksOverriden: CategorySecurity,

	EventBatchCommitted: CategoryOperations,
	EventBatchRejected:  CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events. Implementations must tolerate duplicate
// appends; the pipeline retries on transient failures.
type Store interface {
	Append(ctx context.Context, event Event) error
}
