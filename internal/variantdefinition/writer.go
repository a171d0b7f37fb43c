// Package variantdefinition implements the write pipeline for the variant
// catalog. Variant editors curate it; data owners only reference entries
// through variant requests.
package variantdefinition

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"custodia/internal/authorization"
	"custodia/internal/entity"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/requestcontext"
)

// Writer runs variant definition writes.
type Writer struct {
	*entity.Driver[*entity.VariantDefinition]

	definitions entity.VariantDefinitionReader
	store       entity.StorageWriter
	authz       entity.Authorizer
}

// NewWriter wires a variant definition writer over the shared pipeline.
func NewWriter(
	definitions entity.VariantDefinitionReader,
	store entity.StorageWriter,
	authz entity.Authorizer,
	opts ...entity.DriverOption,
) *Writer {
	w := &Writer{
		definitions: definitions,
		store:       store,
		authz:       authz,
	}
	w.Driver = entity.NewDriver[*entity.VariantDefinition](w, authz, opts...)
	return w
}

func (w *Writer) EntityKind() entity.Kind { return entity.KindVariantDefinition }

func (w *Writer) Roles(entity.WriteAction) authorization.Role {
	return authorization.RoleVariantEditor
}

func (w *Writer) ReadExisting(ctx context.Context, op *entity.Operation, entityID uuid.UUID) (*entity.VariantDefinition, error) {
	return entity.Memoize(ctx, op, entityID, func(ctx context.Context) (*entity.VariantDefinition, error) {
		return w.definitions.ReadByID(ctx, id.VariantDefinitionID(entityID), entity.ExpandWriteProperties)
	})
}

// LinkedOwners is nil for every action: variant editing is a directory-wide
// role, never owner-scoped.
func (w *Writer) LinkedOwners(context.Context, *entity.Operation, entity.WriteAction, *entity.VariantDefinition) ([]*entity.DataOwner, error) {
	return nil, nil
}

func (w *Writer) ValidateProperties(ctx context.Context, action entity.WriteAction, incoming *entity.VariantDefinition) error {
	if action == entity.WriteActionSoftDelete {
		return nil
	}
	if err := entity.ValidateNamed(incoming.Named); err != nil {
		return err
	}
	for _, c := range incoming.Capabilities {
		if !entity.ValidCapability(c) {
			return dErrors.Newf(dErrors.CodeInvalidInput, "unknown capability %q", c).
				WithTarget("capabilities")
		}
	}

	if action == entity.WriteActionCreate {
		// Definitions are born Active; the lifecycle fields are server-set.
		if err := entity.PropertyShouldNotBeSet(
			incoming.State != "" && incoming.State != entity.VariantDefinitionStateActive, "state"); err != nil {
			return err
		}
		return entity.PropertyShouldNotBeSet(
			incoming.Reason != "" && incoming.Reason != entity.VariantReasonNone, "reason")
	}

	switch incoming.State {
	case entity.VariantDefinitionStateActive:
		if incoming.Reason != "" && incoming.Reason != entity.VariantReasonNone {
			return dErrors.New(dErrors.CodeInvalidInput, "an active definition cannot carry a closure reason").
				WithTarget("reason")
		}
	case entity.VariantDefinitionStateClosed:
		if incoming.Reason != entity.VariantReasonIntentional && incoming.Reason != entity.VariantReasonExpired {
			return dErrors.New(dErrors.CodeInvalidInput, "a closed definition needs a closure reason").
				WithTarget("reason")
		}
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown state %q", incoming.State).
			WithTarget("state")
	}
	return nil
}

func (w *Writer) ValidateConsistency(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.VariantDefinition) error {
	if action == entity.WriteActionUpdate {
		existing, err := w.ReadExisting(ctx, op, incoming.ID)
		if err != nil {
			return err
		}
		if strings.EqualFold(existing.Name, incoming.Name) {
			return nil
		}
	}
	name := incoming.Name
	found, err := w.definitions.ReadByFilter(ctx, entity.VariantDefinitionFilterCriteria{Name: &name}, entity.ExpandNone)
	if err != nil {
		return err
	}
	for _, other := range found.Values {
		if other.ID != incoming.ID {
			return dErrors.Newf(dErrors.CodeAlreadyExists, "a variant definition named %q already exists", name).
				WithTarget("name")
		}
	}
	return nil
}

// ValidateDelete requires the definition to be closed first, so the catalog
// records why it went away. Force skips every guard.
func (w *Writer) ValidateDelete(ctx context.Context, op *entity.Operation, existing *entity.VariantDefinition, overridePendingChecks, force bool) error {
	if force {
		return nil
	}
	if existing.State != entity.VariantDefinitionStateClosed {
		return dErrors.New(dErrors.CodeStateTransition, "a variant definition must be closed before deletion").
			WithTarget("state")
	}
	definitionID := existing.VariantDefinitionID()
	return entity.DefaultDeleteChecks(ctx,
		func(ctx context.Context) (bool, error) {
			return w.definitions.IsLinkedToAnyOtherEntities(ctx, definitionID)
		},
		func(ctx context.Context) (bool, error) {
			return w.definitions.HasPendingCommands(ctx, definitionID)
		},
		overridePendingChecks)
}

// Persist commits the definition. A soft delete also detaches the variant from
// every asset group still carrying it, in the same batch; a forced delete is
// the only way linked groups exist at this point.
func (w *Writer) Persist(ctx context.Context, op *entity.Operation, action entity.WriteAction, e *entity.VariantDefinition) (*entity.VariantDefinition, error) {
	batch := []entity.Entity{e}

	switch action {
	case entity.WriteActionCreate:
		e.State = entity.VariantDefinitionStateActive
		e.Reason = entity.VariantReasonNone
	case entity.WriteActionSoftDelete:
		detached, err := w.detachGroups(ctx, e.VariantDefinitionID())
		if err != nil {
			return nil, err
		}
		batch = append(batch, detached...)
	}

	persisted, err := w.store.UpsertMany(ctx, batch)
	if err != nil {
		return nil, err
	}
	for _, p := range persisted {
		if definition, ok := p.(*entity.VariantDefinition); ok && definition.ID == e.ID {
			return definition, nil
		}
	}
	return e, nil
}

func (w *Writer) detachGroups(ctx context.Context, definitionID id.VariantDefinitionID) ([]entity.Entity, error) {
	linked, err := w.definitions.ReadLinkedAssetGroups(ctx, definitionID, entity.ExpandWriteProperties)
	if err != nil {
		return nil, err
	}
	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)

	detached := make([]entity.Entity, 0, len(linked))
	for _, group := range linked {
		group.RemoveVariants([]id.VariantDefinitionID{definitionID})
		group.Meta().Tracking.Advance(principal.UserID, now)
		detached = append(detached, group)
	}
	return detached, nil
}
