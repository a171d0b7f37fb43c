// Package sharingrequest implements the approval workflow for cross-owner
// capability grants. Requests are born from asset group writes; this package
// only approves or withdraws them.
package sharingrequest

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

// Writer runs sharing request writes. Create and update are rejected: the
// relationship manager is the only producer of sharing requests, so the only
// caller-reachable transitions are approval and withdrawal.
type Writer struct {
	*entity.Driver[*entity.SharingRequest]

	requests entity.SharingRequestReader
	groups   entity.AssetGroupReader
	agents   entity.AgentReader
	owners   entity.OwnerReader
	store    entity.StorageWriter
	authz    entity.Authorizer
	logger   *slog.Logger
}

// NewWriter wires a sharing request writer over the shared pipeline.
func NewWriter(
	requests entity.SharingRequestReader,
	groups entity.AssetGroupReader,
	agents entity.AgentReader,
	owners entity.OwnerReader,
	store entity.StorageWriter,
	authz entity.Authorizer,
	opts ...entity.DriverOption,
) *Writer {
	w := &Writer{
		requests: requests,
		groups:   groups,
		agents:   agents,
		owners:   owners,
		store:    store,
		authz:    authz,
		logger:   slog.Default(),
	}
	w.Driver = entity.NewDriver[*entity.SharingRequest](w, authz, opts...)
	return w
}

func (w *Writer) EntityKind() entity.Kind { return entity.KindSharingRequest }

func (w *Writer) Roles(entity.WriteAction) authorization.Role {
	return authorization.RoleServiceEditor
}

func (w *Writer) ReadExisting(ctx context.Context, op *entity.Operation, entityID uuid.UUID) (*entity.SharingRequest, error) {
	return entity.Memoize(ctx, op, entityID, func(ctx context.Context) (*entity.SharingRequest, error) {
		return w.requests.ReadByID(ctx, id.SharingRequestID(entityID), entity.ExpandWriteProperties)
	})
}

// LinkedOwners gates withdrawal on the requesting owner, with the agent's
// owner as fallback so the receiving side can decline too. Vanished owners
// pass nil through rather than blocking the cleanup.
func (w *Writer) LinkedOwners(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.SharingRequest) ([]*entity.DataOwner, error) {
	if action != entity.WriteActionSoftDelete {
		return nil, nil
	}
	existing, err := w.ReadExisting(ctx, op, incoming.ID)
	if err != nil {
		return nil, err
	}

	source, err := w.readOwnerOrNil(ctx, existing.OwnerID)
	if err != nil {
		return nil, err
	}
	if source != nil {
		granted, err := w.authz.TryAuthorize(ctx, authorization.RoleServiceEditor,
			func(context.Context) ([]authorization.OwnerRecord, error) {
				return entity.OwnerRecords([]*entity.DataOwner{source}), nil
			})
		if err != nil {
			return nil, err
		}
		if granted {
			return []*entity.DataOwner{source}, nil
		}
	}

	agent, err := w.agents.ReadByID(ctx, existing.DeleteAgentID, entity.ExpandNone)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			if source != nil {
				return []*entity.DataOwner{source}, nil
			}
			return nil, nil
		}
		return nil, err
	}
	target, err := w.readOwnerOrNil(ctx, agent.OwnerID)
	if err != nil {
		return nil, err
	}
	if target != nil {
		return []*entity.DataOwner{target}, nil
	}
	if source != nil {
		return []*entity.DataOwner{source}, nil
	}
	return nil, nil
}

func (w *Writer) readOwnerOrNil(ctx context.Context, ownerID id.OwnerID) (*entity.DataOwner, error) {
	owner, err := w.owners.ReadByID(ctx, ownerID, entity.ExpandWriteProperties)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return owner, nil
}

func (w *Writer) ValidateProperties(ctx context.Context, action entity.WriteAction, incoming *entity.SharingRequest) error {
	switch action {
	case entity.WriteActionCreate, entity.WriteActionUpdate:
		return dErrors.New(dErrors.CodeBadRequest,
			"sharing requests are created by asset group writes and can only be approved or deleted")
	}
	return nil
}

func (w *Writer) ValidateConsistency(context.Context, *entity.Operation, entity.WriteAction, *entity.SharingRequest) error {
	return nil
}

func (w *Writer) ValidateDelete(ctx context.Context, op *entity.Operation, existing *entity.SharingRequest, overridePendingChecks, force bool) error {
	if force {
		return nil
	}
	requestID := existing.SharingRequestID()
	return entity.DefaultDeleteChecks(ctx,
		func(ctx context.Context) (bool, error) { return w.requests.IsLinkedToAnyOtherEntities(ctx, requestID) },
		func(ctx context.Context) (bool, error) { return w.requests.HasPendingCommands(ctx, requestID) },
		overridePendingChecks)
}

// Persist commits the request. A soft delete also detaches the request from
// every asset group it covered, in the same batch; agents are untouched
// because no capability was ever granted.
func (w *Writer) Persist(ctx context.Context, op *entity.Operation, action entity.WriteAction, e *entity.SharingRequest) (*entity.SharingRequest, error) {
	batch := []entity.Entity{e}

	if action == entity.WriteActionSoftDelete {
		detached, err := w.detachGroups(ctx, op, e, id.AgentID{})
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
		if request, ok := p.(*entity.SharingRequest); ok && request.ID == e.ID {
			return request, nil
		}
	}
	return e, nil
}

// Approve grants every capability the request covers: the asset groups swap
// their sharing request links for direct agent links, the agent's derived
// capability set widens, and the request itself is retired. One atomic batch.
//
// Approval is the receiving side's call, so authorization runs against the
// agent's owner, not the requesting one.
func (w *Writer) Approve(ctx context.Context, requestID id.SharingRequestID, versionTag string) error {
	op := entity.NewOperation()
	request, err := w.ReadExistingWithConsistencyChecks(ctx, op, uuid.UUID(requestID), versionTag)
	if err != nil {
		return err
	}

	agent, err := w.agents.ReadByID(ctx, request.DeleteAgentID, entity.ExpandWriteProperties)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeInvalidValue, "agent %s no longer exists", request.DeleteAgentID).
				WithTarget("deleteAgentId")
		}
		return err
	}

	err = w.authz.Authorize(ctx, authorization.RoleServiceEditor, func(ctx context.Context) ([]authorization.OwnerRecord, error) {
		owner, err := w.owners.ReadByID(ctx, agent.OwnerID, entity.ExpandWriteProperties)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return entity.OwnerRecords([]*entity.DataOwner{owner}), nil
	})
	if err != nil {
		return err
	}

	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)

	batch := []entity.Entity{request}
	detached, err := w.detachGroups(ctx, op, request, agent.AgentID())
	if err != nil {
		return err
	}
	batch = append(batch, detached...)

	agentChanged := false
	for _, rel := range request.Relationships {
		for _, c := range rel.Capabilities {
			if !agent.HasCapability(c) {
				agent.AddCapability(c)
				agentChanged = true
			}
		}
	}
	if agentChanged {
		agent.Meta().Tracking.Advance(principal.UserID, now)
		batch = append(batch, agent)
	}

	request.Meta().Tracking.Advance(principal.UserID, now)
	request.IsDeleted = true

	if _, err := w.store.UpsertMany(ctx, batch); err != nil {
		if errors.Is(err, sentinel.ErrVersionMismatch) {
			return dErrors.Wrap(err, dErrors.CodeVersionMismatch, "a concurrent write changed an entity in this batch")
		}
		return err
	}

	w.logger.InfoContext(ctx, "sharing request approved",
		slog.String("sharing_request_id", requestID.String()),
		slog.String("agent_id", request.DeleteAgentID.String()),
		slog.Int("asset_groups", len(request.Relationships)),
		slog.String("principal", principal.UserID))
	return nil
}

// detachGroups clears the request's link from every covered asset group. When
// agentID is set the capability converts to a direct link; otherwise it is
// simply dropped. Groups already deleted or re-pointed at another request are
// skipped.
func (w *Writer) detachGroups(ctx context.Context, op *entity.Operation, request *entity.SharingRequest, agentID id.AgentID) ([]entity.Entity, error) {
	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)
	requestID := request.SharingRequestID()

	var detached []entity.Entity
	for groupID, rel := range request.Relationships {
		group, err := entity.Memoize(ctx, op, uuid.UUID(groupID), func(ctx context.Context) (*entity.AssetGroup, error) {
			return w.groups.ReadByID(ctx, groupID, entity.ExpandWriteProperties)
		})
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return nil, err
		}

		changed := false
		for _, c := range rel.Capabilities {
			if group.SharingRequestID(c) != requestID {
				continue
			}
			group.SetSharingRequestID(c, id.SharingRequestID{})
			group.SetAgentID(c, agentID)
			changed = true
		}
		if changed {
			group.Meta().Tracking.Advance(principal.UserID, now)
			detached = append(detached, group)
		}
	}
	return detached, nil
}
