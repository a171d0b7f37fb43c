// Package variantrequest implements the intake and approval workflow for
// variant requests, the pending application of variant definitions to asset
// groups.
package variantrequest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"custodia/internal/authorization"
	"custodia/internal/entity"
	"custodia/internal/queue"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"
)

// maxAssetGroups bounds one request so approval stays a single storage batch.
const maxAssetGroups = 100

// Writer runs variant request writes. Owners create requests; variant editors
// review them, amend the work-item reference, and approve or delete.
type Writer struct {
	*entity.Driver[*entity.VariantRequest]

	requests    entity.VariantRequestReader
	groups      entity.AssetGroupReader
	owners      entity.OwnerReader
	definitions entity.VariantDefinitionReader
	store       entity.StorageWriter
	enqueuer    queue.Enqueuer
	authz       entity.Authorizer
	logger      *slog.Logger
}

// NewWriter wires a variant request writer over the shared pipeline. A nil
// enqueuer disables the review kickoff.
func NewWriter(
	requests entity.VariantRequestReader,
	groups entity.AssetGroupReader,
	owners entity.OwnerReader,
	definitions entity.VariantDefinitionReader,
	store entity.StorageWriter,
	enqueuer queue.Enqueuer,
	authz entity.Authorizer,
	opts ...entity.DriverOption,
) *Writer {
	if enqueuer == nil {
		enqueuer = queue.Nop{}
	}
	w := &Writer{
		requests:    requests,
		groups:      groups,
		owners:      owners,
		definitions: definitions,
		store:       store,
		enqueuer:    enqueuer,
		authz:       authz,
		logger:      slog.Default(),
	}
	w.Driver = entity.NewDriver[*entity.VariantRequest](w, authz, opts...)
	return w
}

func (w *Writer) EntityKind() entity.Kind { return entity.KindVariantRequest }

func (w *Writer) Roles(action entity.WriteAction) authorization.Role {
	switch action {
	case entity.WriteActionCreate:
		return authorization.RoleServiceEditor
	case entity.WriteActionUpdate:
		return authorization.RoleVariantEditor
	}
	return authorization.RoleServiceEditor | authorization.RoleVariantEditor
}

func (w *Writer) ReadExisting(ctx context.Context, op *entity.Operation, entityID uuid.UUID) (*entity.VariantRequest, error) {
	return entity.Memoize(ctx, op, entityID, func(ctx context.Context) (*entity.VariantRequest, error) {
		return w.requests.ReadByID(ctx, id.VariantRequestID(entityID), entity.ExpandWriteProperties)
	})
}

func (w *Writer) LinkedOwners(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.VariantRequest) ([]*entity.DataOwner, error) {
	ownerID := incoming.OwnerID
	if action != entity.WriteActionCreate {
		existing, err := w.ReadExisting(ctx, op, incoming.ID)
		if err != nil {
			return nil, err
		}
		ownerID = existing.OwnerID
	}
	owner, err := w.owners.ReadByID(ctx, ownerID, entity.ExpandWriteProperties)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return []*entity.DataOwner{owner}, nil
}

func (w *Writer) ValidateProperties(ctx context.Context, action entity.WriteAction, incoming *entity.VariantRequest) error {
	if action != entity.WriteActionCreate {
		return nil
	}
	if err := entity.PropertyRequired(!incoming.OwnerID.IsNil(), "ownerId"); err != nil {
		return err
	}
	if err := entity.PropertyRequired(len(incoming.RequestedVariants) > 0, "requestedVariants"); err != nil {
		return err
	}
	if err := entity.PropertyRequired(len(incoming.VariantRelationships) > 0, "variantRelationships"); err != nil {
		return err
	}
	if len(incoming.VariantRelationships) > maxAssetGroups {
		return dErrors.Newf(dErrors.CodeInvalidInput,
			"a variant request covers at most %d asset groups", maxAssetGroups).
			WithTarget("variantRelationships")
	}
	if err := entity.PropertyShouldNotBeSet(incoming.OwnerName != "", "ownerName"); err != nil {
		return err
	}
	seen := make(map[id.VariantDefinitionID]struct{}, len(incoming.RequestedVariants))
	for _, v := range incoming.RequestedVariants {
		if v.VariantID.IsNil() {
			return dErrors.New(dErrors.CodeInvalidInput, "every requested variant needs a variant id").
				WithTarget("requestedVariants")
		}
		if _, dup := seen[v.VariantID]; dup {
			return dErrors.Newf(dErrors.CodeInvalidInput, "variant %s is requested twice", v.VariantID).
				WithTarget("requestedVariants")
		}
		seen[v.VariantID] = struct{}{}
		if err := entity.PropertyShouldNotBeSet(v.State != "", "requestedVariants.variantState"); err != nil {
			return err
		}
		if err := entity.PropertyShouldNotBeSet(v.VariantName != "", "requestedVariants.variantName"); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) ValidateConsistency(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.VariantRequest) error {
	if action == entity.WriteActionCreate {
		return w.validateCreate(ctx, op, incoming)
	}

	// Variant editors may amend the review bookkeeping; everything the owner
	// originally requested is frozen.
	existing, err := w.ReadExisting(ctx, op, incoming.ID)
	if err != nil {
		return err
	}
	if existing.OwnerID != incoming.OwnerID {
		return dErrors.New(dErrors.CodeImmutableValue, "ownerId is immutable").WithTarget("ownerId")
	}
	if !requestedVariantsEqual(existing.RequestedVariants, incoming.RequestedVariants) {
		return dErrors.New(dErrors.CodeImmutableValue, "requestedVariants are immutable after creation").
			WithTarget("requestedVariants")
	}
	if !relationshipsEqual(existing.VariantRelationships, incoming.VariantRelationships) {
		return dErrors.New(dErrors.CodeImmutableValue, "variantRelationships are immutable after creation").
			WithTarget("variantRelationships")
	}
	// Derived fields are carried forward, not caller-supplied.
	incoming.OwnerName = existing.OwnerName
	return nil
}

func (w *Writer) validateCreate(ctx context.Context, op *entity.Operation, incoming *entity.VariantRequest) error {
	owner, err := w.owners.ReadByID(ctx, incoming.OwnerID, entity.ExpandNone)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeInvalidValue, "owner %s does not exist", incoming.OwnerID).
				WithTarget("ownerId")
		}
		return err
	}
	incoming.OwnerName = owner.Name

	for _, v := range incoming.RequestedVariants {
		definition, err := w.definitions.ReadByID(ctx, v.VariantID, entity.ExpandNone)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Newf(dErrors.CodeInvalidValue, "variant %s does not exist", v.VariantID).
					WithTarget("requestedVariants")
			}
			return err
		}
		if definition.State == entity.VariantDefinitionStateClosed {
			return dErrors.Newf(dErrors.CodeInvalidValue, "variant %s is closed", v.VariantID).
				WithTarget("requestedVariants")
		}
	}

	for groupID, rel := range incoming.VariantRelationships {
		if rel == nil || rel.AssetGroupID != groupID {
			return dErrors.New(dErrors.CodeInvalidInput, "variantRelationships must be keyed by their asset group id").
				WithTarget("variantRelationships")
		}
		group, err := w.readGroup(ctx, op, groupID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Newf(dErrors.CodeInvalidValue, "asset group %s does not exist", groupID).
					WithTarget("variantRelationships")
			}
			return err
		}
		if group.OwnerID != incoming.OwnerID {
			return dErrors.Newf(dErrors.CodeInvalidValue, "asset group %s belongs to a different owner", groupID).
				WithTarget("variantRelationships")
		}
		// The qualifier snapshot is taken here, not trusted from the caller.
		rel.AssetQualifier = group.Qualifier

		for _, v := range incoming.RequestedVariants {
			for _, have := range group.Variants {
				if have.VariantID == v.VariantID {
					return dErrors.Newf(dErrors.CodeAlreadyExists,
						"asset group %s already carries variant %s", groupID, v.VariantID).
						WithTarget("variantRelationships")
				}
			}
			if err := w.checkNotAlreadyPending(ctx, groupID, v.VariantID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) checkNotAlreadyPending(ctx context.Context, groupID id.AssetGroupID, variantID id.VariantDefinitionID) error {
	pending, err := w.requests.ReadByFilter(ctx, entity.VariantRequestFilterCriteria{
		AssetGroupID: &groupID,
		VariantID:    &variantID,
	}, entity.ExpandNone)
	if err != nil {
		return err
	}
	if len(pending.Values) > 0 {
		return dErrors.Newf(dErrors.CodeAlreadyExists,
			"a pending request already covers variant %s on asset group %s", variantID, groupID).
			WithTarget("variantRelationships")
	}
	return nil
}

func (w *Writer) ValidateDelete(ctx context.Context, op *entity.Operation, existing *entity.VariantRequest, overridePendingChecks, force bool) error {
	if force {
		return nil
	}
	requestID := existing.VariantRequestID()
	return entity.DefaultDeleteChecks(ctx,
		func(ctx context.Context) (bool, error) { return w.requests.IsLinkedToAnyOtherEntities(ctx, requestID) },
		func(ctx context.Context) (bool, error) { return w.requests.HasPendingCommands(ctx, requestID) },
		overridePendingChecks)
}

// Persist commits the request. Create flags every covered group as having
// pending variant requests; delete recomputes that flag. The review kickoff is
// enqueued after the batch commits and never fails the write.
func (w *Writer) Persist(ctx context.Context, op *entity.Operation, action entity.WriteAction, e *entity.VariantRequest) (*entity.VariantRequest, error) {
	batch := []entity.Entity{e}

	switch action {
	case entity.WriteActionCreate:
		flagged, err := w.flagGroups(ctx, op, e)
		if err != nil {
			return nil, err
		}
		batch = append(batch, flagged...)
	case entity.WriteActionSoftDelete:
		unflagged, err := w.unflagGroups(ctx, op, e)
		if err != nil {
			return nil, err
		}
		batch = append(batch, unflagged...)
	}

	persisted, err := w.store.UpsertMany(ctx, batch)
	if err != nil {
		return nil, err
	}

	if action == entity.WriteActionCreate {
		item := queue.WorkItem{
			Type:      queue.WorkItemVariantRequestReview,
			EntityID:  e.ID,
			CreatedAt: requestcontext.Now(ctx),
		}
		if err := w.enqueuer.Enqueue(ctx, item); err != nil {
			w.logger.WarnContext(ctx, "variant request review kickoff failed",
				slog.String("variant_request_id", e.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	for _, p := range persisted {
		if request, ok := p.(*entity.VariantRequest); ok && request.ID == e.ID {
			return request, nil
		}
	}
	return e, nil
}

// Approve applies every requested variant to every covered asset group and
// retires the request. Approving the same variant twice is harmless: the merge
// is idempotent by variant id. Variant editors only.
func (w *Writer) Approve(ctx context.Context, requestID id.VariantRequestID, versionTag string) error {
	if err := w.authz.Authorize(ctx, authorization.RoleVariantEditor, nil); err != nil {
		return err
	}

	op := entity.NewOperation()
	request, err := w.ReadExistingWithConsistencyChecks(ctx, op, uuid.UUID(requestID), versionTag)
	if err != nil {
		return err
	}

	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)

	approved := make([]entity.AssetGroupVariant, 0, len(request.RequestedVariants))
	for _, v := range request.RequestedVariants {
		v.State = entity.VariantStateApproved
		if definition, err := w.definitions.ReadByID(ctx, v.VariantID, entity.ExpandNone); err == nil {
			v.VariantName = definition.Name
		}
		approved = append(approved, v)
	}

	batch := []entity.Entity{request}
	for groupID := range request.VariantRelationships {
		group, err := w.readGroup(ctx, op, groupID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return err
		}
		for _, v := range approved {
			group.MergeVariant(v)
		}
		stillPending, err := w.otherPendingRequests(ctx, groupID, request.VariantRequestID())
		if err != nil {
			return err
		}
		group.HasPendingVariantRequests = stillPending
		group.Meta().Tracking.Advance(principal.UserID, now)
		batch = append(batch, group)
	}

	request.Meta().Tracking.Advance(principal.UserID, now)
	request.IsDeleted = true

	if _, err := w.store.UpsertMany(ctx, batch); err != nil {
		if errors.Is(err, sentinel.ErrVersionMismatch) {
			return dErrors.Wrap(err, dErrors.CodeVersionMismatch, "a concurrent write changed an entity in this batch")
		}
		return err
	}

	w.logger.InfoContext(ctx, "variant request approved",
		slog.String("variant_request_id", requestID.String()),
		slog.Int("variants", len(approved)),
		slog.Int("asset_groups", len(request.VariantRelationships)),
		slog.String("principal", principal.UserID))
	return nil
}

func (w *Writer) flagGroups(ctx context.Context, op *entity.Operation, request *entity.VariantRequest) ([]entity.Entity, error) {
	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)

	var flagged []entity.Entity
	for groupID := range request.VariantRelationships {
		group, err := w.readGroup(ctx, op, groupID)
		if err != nil {
			return nil, err
		}
		if group.HasPendingVariantRequests {
			continue
		}
		group.HasPendingVariantRequests = true
		group.Meta().Tracking.Advance(principal.UserID, now)
		flagged = append(flagged, group)
	}
	return flagged, nil
}

func (w *Writer) unflagGroups(ctx context.Context, op *entity.Operation, request *entity.VariantRequest) ([]entity.Entity, error) {
	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)

	var unflagged []entity.Entity
	for groupID := range request.VariantRelationships {
		group, err := w.readGroup(ctx, op, groupID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return nil, err
		}
		stillPending, err := w.otherPendingRequests(ctx, groupID, request.VariantRequestID())
		if err != nil {
			return nil, err
		}
		if group.HasPendingVariantRequests == stillPending {
			continue
		}
		group.HasPendingVariantRequests = stillPending
		group.Meta().Tracking.Advance(principal.UserID, now)
		unflagged = append(unflagged, group)
	}
	return unflagged, nil
}

// otherPendingRequests reports whether a live request other than excludeID
// still covers the group.
func (w *Writer) otherPendingRequests(ctx context.Context, groupID id.AssetGroupID, excludeID id.VariantRequestID) (bool, error) {
	pending, err := w.requests.ReadByFilter(ctx, entity.VariantRequestFilterCriteria{
		AssetGroupID: &groupID,
	}, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, other := range pending.Values {
		if other.VariantRequestID() != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (w *Writer) readGroup(ctx context.Context, op *entity.Operation, groupID id.AssetGroupID) (*entity.AssetGroup, error) {
	return entity.Memoize(ctx, op, uuid.UUID(groupID), func(ctx context.Context) (*entity.AssetGroup, error) {
		return w.groups.ReadByID(ctx, groupID, entity.ExpandWriteProperties)
	})
}

func requestedVariantsEqual(a, b []entity.AssetGroupVariant) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[id.VariantDefinitionID]struct{}, len(a))
	for _, v := range a {
		ids[v.VariantID] = struct{}{}
	}
	for _, v := range b {
		if _, ok := ids[v.VariantID]; !ok {
			return false
		}
	}
	return true
}

func relationshipsEqual(a, b map[id.AssetGroupID]*entity.VariantRelationship) bool {
	if len(a) != len(b) {
		return false
	}
	for groupID := range a {
		if _, ok := b[groupID]; !ok {
			return false
		}
	}
	return true
}
