// Package storage is the transactional document store boundary: schema-less
// entity documents keyed by id, written in all-or-nothing batches guarded by
// optimistic version tags, with one immutable audit record per entity per
// accepted batch.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"custodia/internal/entity"
	audit "custodia/pkg/platform/audit"
)

// Store is the read side of the document store. Implementations are
// interface-driven so readers and the write pipeline stay testable against
// in-memory persistence.
type Store interface {
	// Get returns the stored entity, including soft-deleted ones; callers
	// filter. Missing ids return sentinel.ErrNotFound.
	Get(ctx context.Context, entityID uuid.UUID) (entity.Entity, error)
	// ListKind returns every stored entity of the kind, including
	// soft-deleted ones.
	ListKind(ctx context.Context, kind entity.Kind) ([]entity.Entity, error)
}

// Writer is the transactional write side. It is the storage half of
// entity.StorageWriter: UpsertMany applies the whole batch or none of it.
//
// Version tag contract: an entity with an empty tag must not exist yet; an
// entity with a tag must exist with exactly that tag. Any violation fails the
// batch with sentinel.ErrVersionMismatch. Every accepted entity is returned
// with a freshly assigned tag.
type Writer interface {
	UpsertMany(ctx context.Context, entities []entity.Entity) ([]entity.Entity, error)
}

// HistoryRecord is one immutable row of the entity history: a snapshot of an
// entity as accepted by one batch. Records sharing a TransactionID were
// committed together.
type HistoryRecord struct {
	TransactionID uuid.UUID
	EntityID      uuid.UUID
	Kind          entity.Kind
	Action        entity.WriteAction
	VersionTag    string
	Version       int
	Timestamp     time.Time
	PerformedBy   string
	Document      json.RawMessage
}

// Emitter receives the audit events a store produces for accepted batches.
// Emission is best effort: stores log failures and never fail a commit on it.
type Emitter interface {
	Emit(ctx context.Context, event audit.Event) error
}

// deriveAction classifies a batched document for its history record: no tag
// means create, the delete flag means soft delete, anything else is an update.
func deriveAction(e entity.Entity) entity.WriteAction {
	switch {
	case e.Meta().VersionTag == "":
		return entity.WriteActionCreate
	case e.Meta().IsDeleted:
		return entity.WriteActionSoftDelete
	default:
		return entity.WriteActionUpdate
	}
}

func auditAction(a entity.WriteAction) audit.AuditEvent {
	switch a {
	case entity.WriteActionCreate:
		return audit.EventEntityCreated
	case entity.WriteActionSoftDelete:
		return audit.EventEntitySoftDeleted
	default:
		return audit.EventEntityUpdated
	}
}
