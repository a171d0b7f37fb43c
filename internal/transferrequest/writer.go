// Package transferrequest implements the handover workflow that moves asset
// groups between data owners.
package transferrequest

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

// Writer runs transfer request writes. The source owner offers a set of its
// asset groups; the target owner approves and takes ownership, or either side
// deletes the request to cancel. Requests are never updated in place.
type Writer struct {
	*entity.Driver[*entity.TransferRequest]

	requests entity.TransferRequestReader
	groups   entity.AssetGroupReader
	owners   entity.OwnerReader
	store    entity.StorageWriter
	authz    entity.Authorizer
	logger   *slog.Logger
}

// NewWriter wires a transfer request writer over the shared pipeline.
func NewWriter(
	requests entity.TransferRequestReader,
	groups entity.AssetGroupReader,
	owners entity.OwnerReader,
	store entity.StorageWriter,
	authz entity.Authorizer,
	opts ...entity.DriverOption,
) *Writer {
	w := &Writer{
		requests: requests,
		groups:   groups,
		owners:   owners,
		store:    store,
		authz:    authz,
		logger:   slog.Default(),
	}
	w.Driver = entity.NewDriver[*entity.TransferRequest](w, authz, opts...)
	return w
}

func (w *Writer) EntityKind() entity.Kind { return entity.KindTransferRequest }

func (w *Writer) Roles(entity.WriteAction) authorization.Role {
	return authorization.RoleServiceEditor
}

func (w *Writer) ReadExisting(ctx context.Context, op *entity.Operation, entityID uuid.UUID) (*entity.TransferRequest, error) {
	return entity.Memoize(ctx, op, entityID, func(ctx context.Context) (*entity.TransferRequest, error) {
		return w.requests.ReadByID(ctx, id.TransferRequestID(entityID), entity.ExpandWriteProperties)
	})
}

// LinkedOwners gates create on the source owner, who is giving the groups
// away. Deletion is open to both sides, so both owners are candidates and
// membership in either suffices via the admin path; here the source owner
// alone is authoritative because the target can simply decline to approve.
func (w *Writer) LinkedOwners(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.TransferRequest) ([]*entity.DataOwner, error) {
	sourceID := incoming.SourceOwnerID
	if action != entity.WriteActionCreate {
		existing, err := w.ReadExisting(ctx, op, incoming.ID)
		if err != nil {
			return nil, err
		}
		sourceID = existing.SourceOwnerID
	}
	owner, err := w.owners.ReadByID(ctx, sourceID, entity.ExpandWriteProperties)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return []*entity.DataOwner{owner}, nil
}

func (w *Writer) ValidateProperties(ctx context.Context, action entity.WriteAction, incoming *entity.TransferRequest) error {
	switch action {
	case entity.WriteActionUpdate:
		return dErrors.New(dErrors.CodeBadRequest,
			"transfer requests cannot be updated; approve or delete them")
	case entity.WriteActionCreate:
		if err := entity.PropertyRequired(!incoming.SourceOwnerID.IsNil(), "sourceOwnerId"); err != nil {
			return err
		}
		if err := entity.PropertyRequired(!incoming.TargetOwnerID.IsNil(), "targetOwnerId"); err != nil {
			return err
		}
		if err := entity.PropertyRequired(len(incoming.AssetGroups) > 0, "assetGroups"); err != nil {
			return err
		}
		if incoming.SourceOwnerID == incoming.TargetOwnerID {
			return dErrors.New(dErrors.CodeInvalidInput, "source and target owner must differ").
				WithTarget("targetOwnerId")
		}
		if err := entity.PropertyShouldNotBeSet(incoming.SourceOwnerName != "", "sourceOwnerName"); err != nil {
			return err
		}
		if err := entity.PropertyShouldNotBeSet(
			incoming.RequestState != "" && incoming.RequestState != entity.TransferStateNone,
			"requestState"); err != nil {
			return err
		}
		seen := make(map[id.AssetGroupID]struct{}, len(incoming.AssetGroups))
		for _, groupID := range incoming.AssetGroups {
			if _, dup := seen[groupID]; dup {
				return dErrors.Newf(dErrors.CodeInvalidInput, "asset group %s is listed twice", groupID).
					WithTarget("assetGroups")
			}
			seen[groupID] = struct{}{}
		}
	}
	return nil
}

func (w *Writer) ValidateConsistency(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.TransferRequest) error {
	if action != entity.WriteActionCreate {
		return nil
	}

	source, err := w.owners.ReadByID(ctx, incoming.SourceOwnerID, entity.ExpandNone)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeInvalidValue, "owner %s does not exist", incoming.SourceOwnerID).
				WithTarget("sourceOwnerId")
		}
		return err
	}
	incoming.SourceOwnerName = source.Name

	if _, err := w.owners.ReadByID(ctx, incoming.TargetOwnerID, entity.ExpandNone); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeInvalidValue, "owner %s does not exist", incoming.TargetOwnerID).
				WithTarget("targetOwnerId")
		}
		return err
	}

	for _, groupID := range incoming.AssetGroups {
		group, err := w.readGroup(ctx, op, groupID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Newf(dErrors.CodeInvalidValue, "asset group %s does not exist", groupID).
					WithTarget("assetGroups")
			}
			return err
		}
		if group.OwnerID != incoming.SourceOwnerID {
			return dErrors.Newf(dErrors.CodeInvalidValue,
				"asset group %s is not owned by the source owner", groupID).
				WithTarget("assetGroups")
		}
		if group.HasPendingTransferRequest {
			return dErrors.Newf(dErrors.CodeConflict,
				"asset group %s is already part of a pending transfer", groupID).
				WithTarget("assetGroups")
		}
	}
	return nil
}

func (w *Writer) ValidateDelete(ctx context.Context, op *entity.Operation, existing *entity.TransferRequest, overridePendingChecks, force bool) error {
	if force {
		return nil
	}
	requestID := existing.TransferRequestID()
	return entity.DefaultDeleteChecks(ctx,
		func(ctx context.Context) (bool, error) { return w.requests.IsLinkedToAnyOtherEntities(ctx, requestID) },
		func(ctx context.Context) (bool, error) { return w.requests.HasPendingCommands(ctx, requestID) },
		overridePendingChecks)
}

// Persist commits the request. Create flags every covered group and both
// owners; delete records the cancellation, releases the groups, and recomputes
// the owner flags, all in one batch.
func (w *Writer) Persist(ctx context.Context, op *entity.Operation, action entity.WriteAction, e *entity.TransferRequest) (*entity.TransferRequest, error) {
	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)
	batch := []entity.Entity{e}

	switch action {
	case entity.WriteActionCreate:
		e.RequestState = entity.TransferStatePending
		for _, groupID := range e.AssetGroups {
			group, err := w.readGroup(ctx, op, groupID)
			if err != nil {
				return nil, err
			}
			group.HasPendingTransferRequest = true
			group.Meta().Tracking.Advance(principal.UserID, now)
			batch = append(batch, group)
		}

		source, err := w.readOwner(ctx, op, e.SourceOwnerID)
		if err != nil {
			return nil, err
		}
		source.HasInitiatedTransferRequests = true
		source.Meta().Tracking.Advance(principal.UserID, now)
		batch = append(batch, source)

		target, err := w.readOwner(ctx, op, e.TargetOwnerID)
		if err != nil {
			return nil, err
		}
		target.HasPendingTransferRequests = true
		target.Meta().Tracking.Advance(principal.UserID, now)
		batch = append(batch, target)
	case entity.WriteActionSoftDelete:
		e.RequestState = entity.TransferStateCancelled
		released, err := w.releaseGroups(ctx, op, e, id.OwnerID{})
		if err != nil {
			return nil, err
		}
		batch = append(batch, released...)

		owners, err := w.refreshOwnerFlags(ctx, op, e)
		if err != nil {
			return nil, err
		}
		batch = append(batch, owners...)
	}

	persisted, err := w.store.UpsertMany(ctx, batch)
	if err != nil {
		return nil, err
	}
	for _, p := range persisted {
		if request, ok := p.(*entity.TransferRequest); ok && request.ID == e.ID {
			return request, nil
		}
	}
	return e, nil
}

// Approve reassigns every covered asset group to the target owner and retires
// the request. The target owner's editors approve: they are the ones accepting
// responsibility for the data.
func (w *Writer) Approve(ctx context.Context, requestID id.TransferRequestID, versionTag string) error {
	op := entity.NewOperation()
	request, err := w.ReadExistingWithConsistencyChecks(ctx, op, uuid.UUID(requestID), versionTag)
	if err != nil {
		return err
	}
	if request.RequestState != entity.TransferStatePending {
		return dErrors.Newf(dErrors.CodeStateTransition,
			"transfer request is %s, only pending requests can be approved", request.RequestState).
			WithTarget("requestState")
	}

	err = w.authz.Authorize(ctx, authorization.RoleServiceEditor, func(ctx context.Context) ([]authorization.OwnerRecord, error) {
		target, err := w.owners.ReadByID(ctx, request.TargetOwnerID, entity.ExpandWriteProperties)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return entity.OwnerRecords([]*entity.DataOwner{target}), nil
	})
	if err != nil {
		return err
	}

	if _, err := w.owners.ReadByID(ctx, request.TargetOwnerID, entity.ExpandNone); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeInvalidValue, "target owner %s no longer exists", request.TargetOwnerID).
				WithTarget("targetOwnerId")
		}
		return err
	}

	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)

	batch := []entity.Entity{request}
	released, err := w.releaseGroups(ctx, op, request, request.TargetOwnerID)
	if err != nil {
		return err
	}
	batch = append(batch, released...)

	owners, err := w.refreshOwnerFlags(ctx, op, request)
	if err != nil {
		return err
	}
	batch = append(batch, owners...)

	request.RequestState = entity.TransferStateApproved
	request.Meta().Tracking.Advance(principal.UserID, now)
	request.IsDeleted = true

	if _, err := w.store.UpsertMany(ctx, batch); err != nil {
		if errors.Is(err, sentinel.ErrVersionMismatch) {
			return dErrors.Wrap(err, dErrors.CodeVersionMismatch, "a concurrent write changed an entity in this batch")
		}
		return err
	}

	w.logger.InfoContext(ctx, "transfer request approved",
		slog.String("transfer_request_id", requestID.String()),
		slog.String("target_owner_id", request.TargetOwnerID.String()),
		slog.Int("asset_groups", len(request.AssetGroups)),
		slog.String("principal", principal.UserID))
	return nil
}

// releaseGroups clears the pending flag on every covered group; a set newOwner
// additionally reassigns ownership. Groups deleted since the request was made
// are skipped.
func (w *Writer) releaseGroups(ctx context.Context, op *entity.Operation, request *entity.TransferRequest, newOwner id.OwnerID) ([]entity.Entity, error) {
	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)

	var released []entity.Entity
	for _, groupID := range request.AssetGroups {
		group, err := w.readGroup(ctx, op, groupID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return nil, err
		}
		group.HasPendingTransferRequest = false
		if !newOwner.IsNil() {
			group.OwnerID = newOwner
		}
		group.Meta().Tracking.Advance(principal.UserID, now)
		released = append(released, group)
	}
	return released, nil
}

// refreshOwnerFlags recomputes both transfer flags on the source and target
// owner from the open requests that remain once this one closes. An owner
// deleted since the request was made is skipped, as with the groups.
func (w *Writer) refreshOwnerFlags(ctx context.Context, op *entity.Operation, request *entity.TransferRequest) ([]entity.Entity, error) {
	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)

	var refreshed []entity.Entity
	for _, ownerID := range []id.OwnerID{request.SourceOwnerID, request.TargetOwnerID} {
		owner, err := w.readOwner(ctx, op, ownerID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return nil, err
		}

		initiated, err := w.hasOtherOpenRequests(ctx,
			entity.TransferRequestFilterCriteria{SourceOwnerID: &ownerID}, request.ID)
		if err != nil {
			return nil, err
		}
		pending, err := w.hasOtherOpenRequests(ctx,
			entity.TransferRequestFilterCriteria{TargetOwnerID: &ownerID}, request.ID)
		if err != nil {
			return nil, err
		}

		owner.HasInitiatedTransferRequests = initiated
		owner.HasPendingTransferRequests = pending
		owner.Meta().Tracking.Advance(principal.UserID, now)
		refreshed = append(refreshed, owner)
	}
	return refreshed, nil
}

// hasOtherOpenRequests reports whether any pending request besides the one
// being closed matches the criteria.
func (w *Writer) hasOtherOpenRequests(ctx context.Context, criteria entity.TransferRequestFilterCriteria, closing uuid.UUID) (bool, error) {
	state := entity.TransferStatePending
	criteria.State = &state
	found, err := w.requests.ReadByFilter(ctx, criteria, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, r := range found.Values {
		if r.ID != closing {
			return true, nil
		}
	}
	return false, nil
}

func (w *Writer) readOwner(ctx context.Context, op *entity.Operation, ownerID id.OwnerID) (*entity.DataOwner, error) {
	return entity.Memoize(ctx, op, uuid.UUID(ownerID), func(ctx context.Context) (*entity.DataOwner, error) {
		return w.owners.ReadByID(ctx, ownerID, entity.ExpandWriteProperties)
	})
}

func (w *Writer) readGroup(ctx context.Context, op *entity.Operation, groupID id.AssetGroupID) (*entity.AssetGroup, error) {
	return entity.Memoize(ctx, op, uuid.UUID(groupID), func(ctx context.Context) (*entity.AssetGroup, error) {
		return w.groups.ReadByID(ctx, groupID, entity.ExpandWriteProperties)
	})
}
