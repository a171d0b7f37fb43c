package entity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"custodia/internal/authorization"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"
)

// StorageWriter persists a set of entities atomically, or none of them.
// Every accepted entity comes back with a freshly assigned version tag; a
// stale tag anywhere in the batch fails the whole call with
// sentinel.ErrVersionMismatch.
type StorageWriter interface {
	UpsertMany(ctx context.Context, entities []Entity) ([]Entity, error)
}

// Authorizer evaluates role requirements for the current principal.
type Authorizer interface {
	Authorize(ctx context.Context, required authorization.Role, owners authorization.OwnersFunc) error
	TryAuthorize(ctx context.Context, required authorization.Role, owners authorization.OwnersFunc) (bool, error)
}

// WriteObserver receives the outcome of every pipeline run. Feature metrics
// packages implement it; a nil observer is skipped.
type WriteObserver interface {
	ObserveWrite(kind Kind, action WriteAction, err error)
}

// Hooks are the per-kind extension points of the write pipeline. A
// specialized writer implements Hooks for its entity type and embeds the
// Driver that runs them; composition replaces inheritance here on purpose.
//
// Hook contracts:
//   - ValidateProperties is pure and synchronous: it sees only the incoming
//     value and never touches the store.
//   - ValidateConsistency may read through the operation cache but never
//     writes.
//   - LinkedOwners returns the owners whose write security groups gate the
//     action. A nil slice deliberately bypasses owner-scoped authorization so
//     consistency validation can raise the specific error instead.
//   - Persist performs exactly one storage call, batching any side-effect
//     entities with the primary one.
type Hooks[T Entity] interface {
	EntityKind() Kind
	Roles(action WriteAction) authorization.Role
	ReadExisting(ctx context.Context, op *Operation, entityID uuid.UUID) (T, error)
	LinkedOwners(ctx context.Context, op *Operation, action WriteAction, incoming T) ([]*DataOwner, error)
	ValidateProperties(ctx context.Context, action WriteAction, incoming T) error
	ValidateConsistency(ctx context.Context, op *Operation, action WriteAction, incoming T) error
	ValidateDelete(ctx context.Context, op *Operation, existing T, overridePendingChecks, force bool) error
	Persist(ctx context.Context, op *Operation, action WriteAction, e T) (T, error)
}

// Driver runs the shared create/update/delete pipeline for one entity kind:
// authorize, validate properties, validate consistency, populate tracking,
// persist, strip tracking. Specialized writers embed it and supply Hooks.
type Driver[T Entity] struct {
	hooks    Hooks[T]
	authz    Authorizer
	logger   *slog.Logger
	tracer   trace.Tracer
	observer WriteObserver
}

type driverConfig struct {
	logger   *slog.Logger
	observer WriteObserver
}

// DriverOption configures a Driver.
type DriverOption func(*driverConfig)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) DriverOption {
	return func(c *driverConfig) { c.logger = logger }
}

// WithObserver sets the write outcome observer.
func WithObserver(observer WriteObserver) DriverOption {
	return func(c *driverConfig) { c.observer = observer }
}

// NewDriver wires the pipeline for one entity kind.
func NewDriver[T Entity](hooks Hooks[T], authz Authorizer, opts ...DriverOption) *Driver[T] {
	cfg := &driverConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Driver[T]{
		hooks:    hooks,
		authz:    authz,
		logger:   cfg.logger,
		tracer:   otel.Tracer("custodia/entity"),
		observer: cfg.observer,
	}
}

// Create runs the create pipeline: authorize against the linked owners of the
// not-yet-persisted entity, validate, assign id and the initial tracking
// block, persist, and strip tracking from the returned value.
func (d *Driver[T]) Create(ctx context.Context, incoming T) (T, error) {
	var zero T
	ctx, span := d.tracer.Start(ctx, "entity.create")
	defer span.End()

	op := NewOperation()
	err := func() error {
		if err := ValidateIncomingBase(WriteActionCreate, incoming); err != nil {
			return err
		}
		if err := d.authorize(ctx, op, WriteActionCreate, incoming); err != nil {
			return err
		}
		if err := d.hooks.ValidateProperties(ctx, WriteActionCreate, incoming); err != nil {
			return err
		}
		return d.hooks.ValidateConsistency(ctx, op, WriteActionCreate, incoming)
	}()
	if err != nil {
		d.observe(WriteActionCreate, err)
		return zero, err
	}

	principal := requestcontext.Principal(ctx)
	base := incoming.Meta()
	base.ID = uuid.New()
	base.Tracking = NewTrackingDetails(principal.UserID, requestcontext.Now(ctx))

	persisted, err := d.hooks.Persist(ctx, op, WriteActionCreate, incoming)
	d.observe(WriteActionCreate, err)
	if err != nil {
		return zero, d.translatePersistErr(err)
	}

	d.logWrite(ctx, WriteActionCreate, persisted.Meta().ID, principal, false)
	return stripTracking(persisted), nil
}

// Update runs the update pipeline. The existing entity is read first (the
// round trip supplies the tracking block) and its version tag must match the
// caller's before anything else happens.
func (d *Driver[T]) Update(ctx context.Context, incoming T) (T, error) {
	var zero T
	ctx, span := d.tracer.Start(ctx, "entity.update")
	defer span.End()

	op := NewOperation()
	var existing T
	err := func() error {
		if err := ValidateIncomingBase(WriteActionUpdate, incoming); err != nil {
			return err
		}
		var err error
		existing, err = d.ReadExistingWithConsistencyChecks(ctx, op, incoming.Meta().ID, incoming.Meta().VersionTag)
		if err != nil {
			return err
		}
		if err := d.authorize(ctx, op, WriteActionUpdate, incoming); err != nil {
			return err
		}
		if err := d.hooks.ValidateProperties(ctx, WriteActionUpdate, incoming); err != nil {
			return err
		}
		return d.hooks.ValidateConsistency(ctx, op, WriteActionUpdate, incoming)
	}()
	if err != nil {
		d.observe(WriteActionUpdate, err)
		return zero, err
	}

	principal := requestcontext.Principal(ctx)
	incoming.Meta().Tracking = existing.Meta().Tracking.Clone()
	incoming.Meta().Tracking.Advance(principal.UserID, requestcontext.Now(ctx))

	persisted, err := d.hooks.Persist(ctx, op, WriteActionUpdate, incoming)
	d.observe(WriteActionUpdate, err)
	if err != nil {
		return zero, d.translatePersistErr(err)
	}

	d.logWrite(ctx, WriteActionUpdate, persisted.Meta().ID, principal, false)
	return stripTracking(persisted), nil
}

// Delete runs the soft-delete pipeline. overridePendingChecks skips the
// pending-commands probe; force additionally skips kind-specific guards where
// the hooks honor it. Both are logged.
func (d *Driver[T]) Delete(ctx context.Context, entityID uuid.UUID, versionTag string, overridePendingChecks, force bool) error {
	ctx, span := d.tracer.Start(ctx, "entity.delete")
	defer span.End()

	op := NewOperation()
	var existing T
	err := func() error {
		var err error
		existing, err = d.ReadExistingWithConsistencyChecks(ctx, op, entityID, versionTag)
		if err != nil {
			return err
		}
		if err := d.authorize(ctx, op, WriteActionSoftDelete, existing); err != nil {
			return err
		}
		return d.hooks.ValidateDelete(ctx, op, existing, overridePendingChecks, force)
	}()
	if err != nil {
		d.observe(WriteActionSoftDelete, err)
		return err
	}

	principal := requestcontext.Principal(ctx)
	existing.Meta().Tracking.Advance(principal.UserID, requestcontext.Now(ctx))
	existing.Meta().IsDeleted = true

	_, err = d.hooks.Persist(ctx, op, WriteActionSoftDelete, existing)
	d.observe(WriteActionSoftDelete, err)
	if err != nil {
		return d.translatePersistErr(err)
	}

	d.logWrite(ctx, WriteActionSoftDelete, entityID, principal, overridePendingChecks || force)
	return nil
}

// ReadExistingWithConsistencyChecks reads the stored entity through the
// operation cache, failing with NotFound when absent and VersionMismatch when
// the caller's tag is stale.
func (d *Driver[T]) ReadExistingWithConsistencyChecks(ctx context.Context, op *Operation, entityID uuid.UUID, versionTag string) (T, error) {
	var zero T
	existing, err := d.hooks.ReadExisting(ctx, op, entityID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			kind := string(d.hooks.EntityKind())
			return zero, dErrors.Newf(dErrors.CodeNotFound, "%s %s does not exist", kind, entityID).
				WithTarget(kind)
		}
		return zero, err
	}
	if !VersionTagsEqual(existing.Meta().VersionTag, versionTag) {
		return zero, dErrors.New(dErrors.CodeVersionMismatch, "the version tag is stale").WithTarget(versionTag)
	}
	return existing, nil
}

// DefaultDeleteChecks runs the shared delete safety checks: dependents block
// the delete, and pending downstream commands block it unless explicitly
// overridden.
func DefaultDeleteChecks(ctx context.Context, isLinked, hasPending func(context.Context) (bool, error), overridePendingChecks bool) error {
	linked, err := isLinked(ctx)
	if err != nil {
		return err
	}
	if linked {
		return dErrors.New(dErrors.CodeLinkedEntityExists, "other entities still reference this entity")
	}
	if overridePendingChecks {
		return nil
	}
	pending, err := hasPending(ctx)
	if err != nil {
		return err
	}
	if pending {
		return dErrors.New(dErrors.CodePendingCommands, "pending commands exist for this entity")
	}
	return nil
}

// OwnerRecords converts linked data owners into the neutral records the
// authorization provider consumes. A nil input stays nil, preserving the
// deliberate-bypass signal.
func OwnerRecords(owners []*DataOwner) []authorization.OwnerRecord {
	if owners == nil {
		return nil
	}
	records := make([]authorization.OwnerRecord, 0, len(owners))
	for _, owner := range owners {
		rec := authorization.OwnerRecord{
			WriteSecurityGroups: owner.WriteSecurityGroups,
		}
		if owner.ServiceTree != nil {
			rec.ServiceAdmins = owner.ServiceTree.ServiceAdmins
			rec.ServiceID = owner.ServiceTree.ServiceID.String()
		}
		records = append(records, rec)
	}
	return records
}

func (d *Driver[T]) authorize(ctx context.Context, op *Operation, action WriteAction, incoming T) error {
	owners := func(ctx context.Context) ([]authorization.OwnerRecord, error) {
		linked, err := d.hooks.LinkedOwners(ctx, op, action, incoming)
		if err != nil {
			return nil, err
		}
		return OwnerRecords(linked), nil
	}
	return d.authz.Authorize(ctx, d.hooks.Roles(action), owners)
}

// translatePersistErr maps a storage precondition failure onto the domain
// taxonomy; anything else passes through.
func (d *Driver[T]) translatePersistErr(err error) error {
	if errors.Is(err, sentinel.ErrVersionMismatch) {
		return dErrors.Wrap(err, dErrors.CodeVersionMismatch, "a concurrent write changed an entity in this batch")
	}
	return err
}

func (d *Driver[T]) observe(action WriteAction, err error) {
	if d.observer != nil {
		d.observer.ObserveWrite(d.hooks.EntityKind(), action, err)
	}
}

func (d *Driver[T]) logWrite(ctx context.Context, action WriteAction, entityID uuid.UUID, principal requestcontext.AuthenticatedPrincipal, overridden bool) {
	d.logger.InfoContext(ctx, "entity write accepted",
		slog.String("kind", string(d.hooks.EntityKind())),
		slog.String("action", string(action)),
		slog.String("entity_id", entityID.String()),
		slog.String("principal", principal.UserID),
		slog.Bool("checks_overridden", overridden),
	)
}

// stripTracking removes the server-managed tracking block before an entity is
// returned to the caller.
func stripTracking[T Entity](e T) T {
	e.Meta().Tracking = nil
	return e
}
