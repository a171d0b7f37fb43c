// Package owner implements the write pipeline for data owners: the
// accountable parties everything else in the graph hangs off.
package owner

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"custodia/internal/authorization"
	"custodia/internal/directory"
	"custodia/internal/entity"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	pstrings "custodia/pkg/platform/strings"
	"custodia/pkg/requestcontext"
)

// Writer runs owner writes through the shared pipeline. Directory-linked
// owners take their identity from the service tree; standalone owners carry
// their own name and contacts.
type Writer struct {
	*entity.Driver[*entity.DataOwner]

	owners    entity.OwnerReader
	store     entity.StorageWriter
	directory directory.Client
	authz     entity.Authorizer
	logger    *slog.Logger
}

// NewWriter wires the owner pipeline.
func NewWriter(
	owners entity.OwnerReader,
	store entity.StorageWriter,
	dir directory.Client,
	authz entity.Authorizer,
	opts ...entity.DriverOption,
) *Writer {
	w := &Writer{
		owners:    owners,
		store:     store,
		directory: dir,
		authz:     authz,
		logger:    slog.Default(),
	}
	w.Driver = entity.NewDriver[*entity.DataOwner](w, authz, opts...)
	return w
}

func (w *Writer) EntityKind() entity.Kind { return entity.KindDataOwner }

// Roles requires owner-scoped editing throughout. Creation forces a directory
// refresh so a just-granted security group is honored immediately.
func (w *Writer) Roles(action entity.WriteAction) authorization.Role {
	if action == entity.WriteActionCreate {
		return authorization.RoleServiceEditor | authorization.RoleNoCachedSecurityGroups
	}
	return authorization.RoleServiceEditor
}

func (w *Writer) ReadExisting(ctx context.Context, op *entity.Operation, entityID uuid.UUID) (*entity.DataOwner, error) {
	return entity.Memoize(ctx, op, entityID, func(ctx context.Context) (*entity.DataOwner, error) {
		return w.owners.ReadByID(ctx, id.OwnerID(entityID), entity.ExpandWriteProperties)
	})
}

// LinkedOwners gates the write on the owner itself: the caller must already be
// in the incoming write security groups, and for updates in the stored ones
// too.
func (w *Writer) LinkedOwners(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.DataOwner) ([]*entity.DataOwner, error) {
	linked := []*entity.DataOwner{incoming}
	if action != entity.WriteActionCreate {
		existing, err := w.ReadExisting(ctx, op, incoming.ID)
		if err != nil {
			return nil, err
		}
		linked = append(linked, existing)
	}
	return linked, nil
}

func (w *Writer) ValidateProperties(ctx context.Context, action entity.WriteAction, incoming *entity.DataOwner) error {
	if err := entity.PropertyRequired(len(incoming.WriteSecurityGroups) > 0, "writeSecurityGroups"); err != nil {
		return err
	}

	if incoming.HasServiceTree() {
		// The directory is the source of truth for identity and contacts.
		if err := entity.MutuallyExclusive(true, incoming.Name != "", "serviceTree", "name"); err != nil {
			return err
		}
		if err := entity.MutuallyExclusive(true, incoming.Description != "", "serviceTree", "description"); err != nil {
			return err
		}
		if err := entity.MutuallyExclusive(true, len(incoming.AlertContacts) > 0, "serviceTree", "alertContacts"); err != nil {
			return err
		}
		if err := entity.MutuallyExclusive(true, len(incoming.AnnouncementContacts) > 0, "serviceTree", "announcementContacts"); err != nil {
			return err
		}
		if err := w.validateServiceTreeLinkage(incoming.ServiceTree); err != nil {
			return err
		}
	} else {
		if err := entity.ValidateNamed(incoming.Named); err != nil {
			return err
		}
		if err := entity.PropertyRequired(len(incoming.AlertContacts) > 0, "alertContacts"); err != nil {
			return err
		}
	}

	if action == entity.WriteActionCreate {
		if err := entity.PropertyShouldNotBeSet(incoming.HasInitiatedTransferRequests, "hasInitiatedTransferRequests"); err != nil {
			return err
		}
		return entity.PropertyShouldNotBeSet(incoming.HasPendingTransferRequests, "hasPendingTransferRequests")
	}
	return nil
}

// validateServiceTreeLinkage checks that exactly one link id is set and that
// the directory-derived fields were left alone.
func (w *Writer) validateServiceTreeLinkage(tree *entity.ServiceTree) error {
	links := tree.LinkIDs()
	if len(links) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "a service tree link id is required").WithTarget("serviceTree")
	}
	if len(links) > 1 {
		return dErrors.New(dErrors.CodeInvalidInput, "only one service tree link id may be set").WithTarget("serviceTree")
	}
	if err := entity.PropertyShouldNotBeSet(tree.ServiceName != "", "serviceTree.serviceName"); err != nil {
		return err
	}
	if err := entity.PropertyShouldNotBeSet(tree.OrganizationID != "", "serviceTree.organizationId"); err != nil {
		return err
	}
	if err := entity.PropertyShouldNotBeSet(tree.DivisionID != "", "serviceTree.divisionId"); err != nil {
		return err
	}
	return entity.PropertyShouldNotBeSet(len(tree.ServiceAdmins) > 0, "serviceTree.serviceAdmins")
}

func (w *Writer) ValidateConsistency(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.DataOwner) error {
	var existing *entity.DataOwner
	if action != entity.WriteActionCreate {
		var err error
		existing, err = w.ReadExisting(ctx, op, incoming.ID)
		if err != nil {
			return err
		}

		// Server-computed flags are client-immutable.
		if incoming.HasInitiatedTransferRequests != existing.HasInitiatedTransferRequests {
			return dErrors.New(dErrors.CodeImmutableValue, "hasInitiatedTransferRequests is service generated").
				WithTarget("hasInitiatedTransferRequests")
		}
		if incoming.HasPendingTransferRequests != existing.HasPendingTransferRequests {
			return dErrors.New(dErrors.CodeImmutableValue, "hasPendingTransferRequests is service generated").
				WithTarget("hasPendingTransferRequests")
		}

		// Linkage moves go through ReplaceServiceTree, not plain update.
		if err := w.checkLinkageUnchanged(existing, incoming); err != nil {
			return err
		}
	}

	if incoming.HasServiceTree() {
		if action == entity.WriteActionCreate {
			if err := w.resolveServiceTree(ctx, incoming); err != nil {
				return err
			}
			if err := w.checkServiceTreeUnclaimed(ctx, incoming, uuid.Nil); err != nil {
				return err
			}
			return w.checkCallerIsServiceAdmin(ctx, incoming)
		}
		if len(existing.WriteSecurityGroups) == 0 {
			return w.requireTreeAdminForLegacyRecord(ctx, existing, incoming)
		}
		return w.resolveServiceTree(ctx, incoming)
	}

	return w.checkNameUnique(ctx, incoming, existing)
}

func (w *Writer) checkLinkageUnchanged(existing, incoming *entity.DataOwner) error {
	if existing.HasServiceTree() != incoming.HasServiceTree() {
		return dErrors.New(dErrors.CodeImmutableValue, "service tree linkage cannot be added or removed on update").
			WithTarget("serviceTree")
	}
	if !existing.HasServiceTree() {
		return nil
	}
	have, want := existing.ServiceTree.LinkIDs(), incoming.ServiceTree.LinkIDs()
	if len(have) != 1 || len(want) != 1 || have[0] != want[0] {
		return dErrors.New(dErrors.CodeImmutableValue, "the service tree link is immutable; use the replace operation").
			WithTarget("serviceTree")
	}
	return nil
}

// resolveServiceTree overwrites the directory-derived block from the live
// directory record and adopts the node's name as the owner's.
func (w *Writer) resolveServiceTree(ctx context.Context, o *entity.DataOwner) error {
	links := o.ServiceTree.LinkIDs()
	node, err := w.directory.ResolveServiceTree(ctx, links[0], o.ServiceTree.Level)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeInvalidValue, "service tree node %s does not exist", links[0]).
				WithTarget("serviceTree")
		}
		return err
	}
	o.ServiceTree.Level = node.Level
	o.ServiceTree.ServiceName = node.Name
	o.ServiceTree.OrganizationID = node.OrganizationID
	o.ServiceTree.DivisionID = node.DivisionID
	o.ServiceTree.ServiceAdmins = pstrings.DedupeAndTrim(node.ServiceAdmins)
	o.Name = node.Name
	return nil
}

// requireTreeAdminForLegacyRecord handles stored owners that predate write
// group enforcement. Group membership cannot be checked against the stored
// record, so the caller must be a service admin of the linked node instead.
// The admin list is refreshed from the directory best effort; when that call
// fails the stored values stand.
func (w *Writer) requireTreeAdminForLegacyRecord(ctx context.Context, existing, incoming *entity.DataOwner) error {
	if err := w.resolveServiceTree(ctx, incoming); err != nil {
		w.logger.WarnContext(ctx, "service tree refresh failed, keeping stored values",
			slog.String("owner_id", incoming.ID.String()),
			slog.String("error", err.Error()))
		tree, stored := incoming.ServiceTree, existing.ServiceTree
		tree.Level = stored.Level
		tree.ServiceName = stored.ServiceName
		tree.OrganizationID = stored.OrganizationID
		tree.DivisionID = stored.DivisionID
		tree.ServiceAdmins = stored.ServiceAdmins
		incoming.Name = existing.Name
	}
	ownersFn := func(context.Context) ([]authorization.OwnerRecord, error) {
		return entity.OwnerRecords([]*entity.DataOwner{incoming}), nil
	}
	return w.authz.Authorize(ctx, authorization.RoleServiceTreeAdmin, ownersFn)
}

// checkServiceTreeUnclaimed rejects a second live owner for the same node.
func (w *Writer) checkServiceTreeUnclaimed(ctx context.Context, o *entity.DataOwner, allowID uuid.UUID) error {
	links := o.ServiceTree.LinkIDs()
	treeID := links[0]
	found, err := w.owners.ReadByFilter(ctx, entity.OwnerFilterCriteria{ServiceTreeID: &treeID}, entity.ExpandNone)
	if err != nil {
		return err
	}
	for _, other := range found.Values {
		if other.ID != allowID {
			return dErrors.Newf(dErrors.CodeAlreadyExists, "service tree node %s is already registered to another owner", treeID).
				WithTarget("serviceTree")
		}
	}
	return nil
}

// checkCallerIsServiceAdmin requires the caller to be a listed admin of the
// linked node; operators with the static admin role are exempt.
func (w *Writer) checkCallerIsServiceAdmin(ctx context.Context, o *entity.DataOwner) error {
	elevated, err := w.authz.TryAuthorize(ctx, authorization.RoleServiceAdmin, nil)
	if err != nil {
		return err
	}
	if elevated {
		return nil
	}
	principal := requestcontext.Principal(ctx)
	if !o.IsServiceAdmin(principal.UserAlias) {
		return dErrors.Newf(dErrors.CodeForbidden, "%s is not a service admin of the linked service tree node", principal.UserAlias).
			WithTarget("serviceTree")
	}
	return nil
}

func (w *Writer) checkNameUnique(ctx context.Context, incoming, existing *entity.DataOwner) error {
	if existing != nil && equalFold(existing.Name, incoming.Name) {
		return nil
	}
	found, err := w.owners.ReadByFilter(ctx, entity.OwnerFilterCriteria{Name: &incoming.Name}, entity.ExpandNone)
	if err != nil {
		return err
	}
	for _, other := range found.Values {
		if other.ID != incoming.ID {
			return dErrors.Newf(dErrors.CodeAlreadyExists, "an owner named %q already exists", incoming.Name).
				WithTarget("name")
		}
	}
	return nil
}

func (w *Writer) ValidateDelete(ctx context.Context, op *entity.Operation, existing *entity.DataOwner, overridePendingChecks, force bool) error {
	if force {
		return nil
	}
	ownerID := existing.OwnerID()
	return entity.DefaultDeleteChecks(ctx,
		func(ctx context.Context) (bool, error) { return w.owners.IsLinkedToAnyOtherEntities(ctx, ownerID) },
		func(ctx context.Context) (bool, error) { return w.owners.HasPendingCommands(ctx, ownerID) },
		overridePendingChecks)
}

func (w *Writer) Persist(ctx context.Context, op *entity.Operation, action entity.WriteAction, o *entity.DataOwner) (*entity.DataOwner, error) {
	persisted, err := w.store.UpsertMany(ctx, []entity.Entity{o})
	if err != nil {
		return nil, err
	}
	return persisted[0].(*entity.DataOwner), nil
}

// ReplaceServiceTree repoints a directory-linked owner at a different service
// tree node. This is the only way to move the linkage after create.
func (w *Writer) ReplaceServiceTree(ctx context.Context, ownerID id.OwnerID, versionTag string, nodeID id.ServiceTreeID, level entity.ServiceTreeLevel) (*entity.DataOwner, error) {
	op := entity.NewOperation()

	existing, err := w.ReadExistingWithConsistencyChecks(ctx, op, uuid.UUID(ownerID), versionTag)
	if err != nil {
		return nil, err
	}
	if !existing.HasServiceTree() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "this owner has no service tree linkage to replace").
			WithTarget("serviceTree")
	}

	ownersFn := func(context.Context) ([]authorization.OwnerRecord, error) {
		return entity.OwnerRecords([]*entity.DataOwner{existing}), nil
	}
	if err := w.authz.Authorize(ctx, authorization.RoleServiceTreeAdmin|authorization.RoleNoCachedSecurityGroups, ownersFn); err != nil {
		return nil, err
	}

	existing.ServiceTree = &entity.ServiceTree{Level: level}
	switch level {
	case entity.ServiceTreeLevelTeamGroup:
		existing.ServiceTree.TeamGroupID = nodeID
	case entity.ServiceTreeLevelServiceGroup:
		existing.ServiceTree.ServiceGroupID = nodeID
	default:
		existing.ServiceTree.ServiceID = nodeID
	}
	if err := w.resolveServiceTree(ctx, existing); err != nil {
		return nil, err
	}
	if err := w.checkCallerIsServiceAdmin(ctx, existing); err != nil {
		return nil, err
	}

	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)
	existing.Tracking.Advance(principal.UserID, now)
	batch := []entity.Entity{existing}

	// When another owner already registered the target node, absorb it: adopt
	// its identity and retire the old record, provided nothing hangs off it.
	claimed, err := w.findClaimedOwner(ctx, nodeID, existing.ID)
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		linked, err := w.owners.IsLinkedToAnyOtherEntities(ctx, claimed.OwnerID())
		if err != nil {
			return nil, err
		}
		if linked {
			return nil, dErrors.Newf(dErrors.CodeLinkedEntityExists,
				"the owner registered to node %s still has linked entities", nodeID).
				WithTarget("serviceTree")
		}
		existing.Name = claimed.Name
		existing.Description = claimed.Description
		claimed.IsDeleted = true
		claimed.Tracking.Advance(principal.UserID, now)
		batch = append(batch, claimed)
	}

	persisted, err := w.store.UpsertMany(ctx, batch)
	if err != nil {
		return nil, err
	}
	w.logger.InfoContext(ctx, "owner service tree replaced",
		slog.String("owner_id", ownerID.String()),
		slog.String("node_id", nodeID.String()),
		slog.Bool("merged", claimed != nil))
	replaced := persisted[0].(*entity.DataOwner)
	replaced.Tracking = nil
	return replaced, nil
}

// findClaimedOwner returns the live owner registered to the node, excluding
// the caller's own record.
func (w *Writer) findClaimedOwner(ctx context.Context, nodeID id.ServiceTreeID, selfID uuid.UUID) (*entity.DataOwner, error) {
	found, err := w.owners.ReadByFilter(ctx, entity.OwnerFilterCriteria{ServiceTreeID: &nodeID}, entity.ExpandWriteProperties)
	if err != nil {
		return nil, err
	}
	for _, other := range found.Values {
		if other.ID != selfID {
			return other, nil
		}
	}
	return nil, nil
}

func equalFold(a, b string) bool { return strings.EqualFold(a, b) }
