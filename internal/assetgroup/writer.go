// Package assetgroup implements the write pipeline for asset groups, the units
// of registered data that agent links attach compliance capabilities to.
package assetgroup

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"custodia/internal/authorization"
	"custodia/internal/entity"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"
)

// Writer runs asset group writes. Agent link changes are delegated to the
// relationship manager at persist time so sharing requests and widened agent
// capabilities commit in the same batch as the group.
type Writer struct {
	*entity.Driver[*entity.AssetGroup]

	groups        entity.AssetGroupReader
	owners        entity.OwnerReader
	store         entity.StorageWriter
	relationships *RelationshipManager
	authz         entity.Authorizer
	logger        *slog.Logger
}

// NewWriter wires an asset group writer over the shared pipeline.
func NewWriter(
	groups entity.AssetGroupReader,
	owners entity.OwnerReader,
	store entity.StorageWriter,
	relationships *RelationshipManager,
	authz entity.Authorizer,
	opts ...entity.DriverOption,
) *Writer {
	w := &Writer{
		groups:        groups,
		owners:        owners,
		store:         store,
		relationships: relationships,
		authz:         authz,
		logger:        slog.Default(),
	}
	w.Driver = entity.NewDriver[*entity.AssetGroup](w, authz, opts...)
	return w
}

func (w *Writer) EntityKind() entity.Kind { return entity.KindAssetGroup }

func (w *Writer) Roles(entity.WriteAction) authorization.Role {
	return authorization.RoleServiceEditor
}

func (w *Writer) ReadExisting(ctx context.Context, op *entity.Operation, entityID uuid.UUID) (*entity.AssetGroup, error) {
	return entity.Memoize(ctx, op, entityID, func(ctx context.Context) (*entity.AssetGroup, error) {
		return w.groups.ReadByID(ctx, id.AssetGroupID(entityID), entity.ExpandWriteProperties)
	})
}

// LinkedOwners gates the write on the incoming owner and, when ownership is
// being handed over in place, the current one too. Ownerless groups pass nil
// through so consistency validation names the real problem.
func (w *Writer) LinkedOwners(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.AssetGroup) ([]*entity.DataOwner, error) {
	var linked []*entity.DataOwner

	if !incoming.OwnerID.IsNil() {
		owner, err := w.readOwner(ctx, op, incoming.OwnerID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		linked = append(linked, owner)
	}

	if action == entity.WriteActionUpdate || action == entity.WriteActionSoftDelete {
		existing, err := w.ReadExisting(ctx, op, incoming.ID)
		if err != nil {
			return nil, err
		}
		if !existing.OwnerID.IsNil() && existing.OwnerID != incoming.OwnerID {
			owner, err := w.readOwner(ctx, op, existing.OwnerID)
			if err != nil {
				if errors.Is(err, sentinel.ErrNotFound) {
					return linked, nil
				}
				return nil, err
			}
			linked = append(linked, owner)
		}
	}
	return linked, nil
}

func (w *Writer) ValidateProperties(ctx context.Context, action entity.WriteAction, incoming *entity.AssetGroup) error {
	if err := entity.PropertyRequired(incoming.Qualifier != "", "qualifier"); err != nil {
		return err
	}
	if err := entity.PropertyRequired(!incoming.OwnerID.IsNil() || !incoming.DeleteAgentID.IsNil(),
		"ownerId or deleteAgentId"); err != nil {
		return err
	}
	if !incoming.CheckLinkExclusivity() {
		return dErrors.New(dErrors.CodeInvalidInput,
			"a capability cannot link an agent and a sharing request at the same time")
	}

	if action == entity.WriteActionCreate {
		// Sharing request links, variants, and the pending flags are
		// service-set through their own operations.
		if err := entity.PropertyShouldNotBeSet(!incoming.DeleteSharingRequestID.IsNil(), "deleteSharingRequestId"); err != nil {
			return err
		}
		if err := entity.PropertyShouldNotBeSet(!incoming.ExportSharingRequestID.IsNil(), "exportSharingRequestId"); err != nil {
			return err
		}
		if err := entity.PropertyShouldNotBeSet(len(incoming.Variants) > 0, "variants"); err != nil {
			return err
		}
		if err := entity.PropertyShouldNotBeSet(incoming.HasPendingTransferRequest, "hasPendingTransferRequest"); err != nil {
			return err
		}
		return entity.PropertyShouldNotBeSet(incoming.HasPendingVariantRequests, "hasPendingVariantRequests")
	}
	return nil
}

func (w *Writer) ValidateConsistency(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.AssetGroup) error {
	if !incoming.OwnerID.IsNil() {
		if _, err := w.readOwner(ctx, op, incoming.OwnerID); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Newf(dErrors.CodeInvalidValue, "owner %s does not exist", incoming.OwnerID).
					WithTarget("ownerId")
			}
			return err
		}
	}

	if action == entity.WriteActionCreate {
		return w.checkQualifierUnique(ctx, incoming)
	}

	existing, err := w.ReadExisting(ctx, op, incoming.ID)
	if err != nil {
		return err
	}

	if !entity.QualifiersEqual(existing.Qualifier, incoming.Qualifier) {
		elevated, err := w.authz.TryAuthorize(ctx, authorization.RoleServiceAdmin, nil)
		if err != nil {
			return err
		}
		if !elevated {
			return dErrors.New(dErrors.CodeImmutableValue, "the qualifier is immutable after creation").
				WithTarget("qualifier")
		}
		if err := w.checkQualifierUnique(ctx, incoming); err != nil {
			return err
		}
	}

	if existing.DeleteSharingRequestID != incoming.DeleteSharingRequestID {
		return dErrors.New(dErrors.CodeImmutableValue, "deleteSharingRequestId is managed through sharing requests").
			WithTarget("deleteSharingRequestId")
	}
	if existing.ExportSharingRequestID != incoming.ExportSharingRequestID {
		return dErrors.New(dErrors.CodeImmutableValue, "exportSharingRequestId is managed through sharing requests").
			WithTarget("exportSharingRequestId")
	}
	if !variantsEqual(existing.Variants, incoming.Variants) {
		return dErrors.New(dErrors.CodeImmutableValue, "variants are managed through variant requests").
			WithTarget("variants")
	}
	if existing.HasPendingTransferRequest != incoming.HasPendingTransferRequest {
		return dErrors.New(dErrors.CodeImmutableValue, "hasPendingTransferRequest is derived").
			WithTarget("hasPendingTransferRequest")
	}
	if existing.HasPendingVariantRequests != incoming.HasPendingVariantRequests {
		return dErrors.New(dErrors.CodeImmutableValue, "hasPendingVariantRequests is derived").
			WithTarget("hasPendingVariantRequests")
	}

	if existing.HasPendingTransferRequest {
		return dErrors.New(dErrors.CodeConflict, "a pending transfer request blocks writes to this asset group")
	}
	return nil
}

func (w *Writer) ValidateDelete(ctx context.Context, op *entity.Operation, existing *entity.AssetGroup, overridePendingChecks, force bool) error {
	if force {
		return nil
	}
	groupID := existing.AssetGroupID()
	return entity.DefaultDeleteChecks(ctx,
		func(ctx context.Context) (bool, error) { return w.groups.IsLinkedToAnyOtherEntities(ctx, groupID) },
		func(ctx context.Context) (bool, error) { return w.groups.HasPendingCommands(ctx, groupID) },
		overridePendingChecks)
}

// Persist recalculates agent links and commits the group together with every
// side-effect entity in one batch.
func (w *Writer) Persist(ctx context.Context, op *entity.Operation, action entity.WriteAction, e *entity.AssetGroup) (*entity.AssetGroup, error) {
	batch := []entity.Entity{e}

	if action != entity.WriteActionSoftDelete {
		var existing *entity.AssetGroup
		if action == entity.WriteActionUpdate {
			var err error
			existing, err = w.ReadExisting(ctx, op, e.ID)
			if err != nil {
				return nil, err
			}
		}
		sideEffects, err := w.relationships.SyncLinks(ctx, op, existing, e)
		if err != nil {
			return nil, err
		}
		if !e.CheckLinkExclusivity() {
			return nil, dErrors.New(dErrors.CodeInvariantViolation,
				"relationship recalculation produced conflicting links")
		}
		batch = append(batch, sideEffects...)
	}

	persisted, err := w.store.UpsertMany(ctx, batch)
	if err != nil {
		return nil, err
	}
	for _, p := range persisted {
		if group, ok := p.(*entity.AssetGroup); ok && group.ID == e.ID {
			return group, nil
		}
	}
	return e, nil
}

// ApplyAgentRelationships runs the bulk relink operation through the
// relationship manager; authorization happens inside, per batch shape.
func (w *Writer) ApplyAgentRelationships(ctx context.Context, params ApplyParameters) (*ApplyResult, error) {
	return w.relationships.ApplyChanges(ctx, params)
}

// RemoveVariants detaches approved variants from a group. Variant editors only;
// the group's owner has no say over compliance exceptions being revoked.
func (w *Writer) RemoveVariants(ctx context.Context, groupID id.AssetGroupID, versionTag string, variantIDs []id.VariantDefinitionID) (*entity.AssetGroup, error) {
	if len(variantIDs) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "at least one variant id is required").
			WithTarget("variantIds")
	}
	if err := w.authz.Authorize(ctx, authorization.RoleVariantEditor, nil); err != nil {
		return nil, err
	}

	op := entity.NewOperation()
	group, err := w.ReadExistingWithConsistencyChecks(ctx, op, uuid.UUID(groupID), versionTag)
	if err != nil {
		return nil, err
	}
	for _, variantID := range variantIDs {
		found := false
		for _, have := range group.Variants {
			if have.VariantID == variantID {
				found = true
				break
			}
		}
		if !found {
			return nil, dErrors.Newf(dErrors.CodeInvalidValue, "variant %s is not attached to this asset group", variantID).
				WithTarget("variantIds")
		}
	}

	principal := requestcontext.Principal(ctx)
	group.RemoveVariants(variantIDs)
	group.Meta().Tracking.Advance(principal.UserID, requestcontext.Now(ctx))

	persisted, err := w.store.UpsertMany(ctx, []entity.Entity{group})
	if err != nil {
		return nil, err
	}
	group = persisted[0].(*entity.AssetGroup)

	w.logger.InfoContext(ctx, "variants removed from asset group",
		slog.String("asset_group_id", groupID.String()),
		slog.Int("count", len(variantIDs)),
		slog.String("principal", principal.UserID))

	group.Meta().Tracking = nil
	return group, nil
}

func (w *Writer) checkQualifierUnique(ctx context.Context, incoming *entity.AssetGroup) error {
	qualifier := entity.NormalizeQualifier(incoming.Qualifier)
	found, err := w.groups.ReadByFilter(ctx, entity.AssetGroupFilterCriteria{Qualifier: &qualifier}, entity.ExpandNone)
	if err != nil {
		return err
	}
	for _, other := range found.Values {
		if other.ID != incoming.ID {
			return dErrors.Newf(dErrors.CodeAlreadyExists, "an asset group with qualifier %q already exists", qualifier).
				WithTarget("qualifier")
		}
	}
	return nil
}

func (w *Writer) readOwner(ctx context.Context, op *entity.Operation, ownerID id.OwnerID) (*entity.DataOwner, error) {
	return entity.Memoize(ctx, op, uuid.UUID(ownerID), func(ctx context.Context) (*entity.DataOwner, error) {
		return w.owners.ReadByID(ctx, ownerID, entity.ExpandWriteProperties)
	})
}

// variantsEqual compares variant sets by id and state; the service rewrites
// the rest of each entry itself when approving requests.
func variantsEqual(a, b []entity.AssetGroupVariant) bool {
	if len(a) != len(b) {
		return false
	}
	states := make(map[id.VariantDefinitionID]entity.VariantState, len(a))
	for _, v := range a {
		states[v.VariantID] = v.State
	}
	for _, v := range b {
		state, ok := states[v.VariantID]
		if !ok || state != v.State {
			return false
		}
	}
	return true
}
