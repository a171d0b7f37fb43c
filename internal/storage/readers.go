package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"custodia/internal/entity"
	id "custodia/pkg/domain"
	"custodia/pkg/platform/sentinel"
)

// CommandProbe checks the external command feed for in-flight work addressed
// to an entity. Deletes must not orphan commands mid-flight.
type CommandProbe interface {
	HasPendingCommands(ctx context.Context, entityID uuid.UUID) (bool, error)
}

// NoPendingCommands is the probe used when no command feed is wired.
type NoPendingCommands struct{}

func (NoPendingCommands) HasPendingCommands(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}

func probeOrDefault(probe CommandProbe) CommandProbe {
	if probe == nil {
		return NoPendingCommands{}
	}
	return probe
}

// readByID loads one live entity of the expected concrete type. Soft-deleted
// entities read as missing.
func readByID[T entity.Entity](ctx context.Context, store Store, entityID uuid.UUID, expand entity.ExpandOptions) (T, error) {
	var zero T
	e, err := store.Get(ctx, entityID)
	if err != nil {
		return zero, err
	}
	t, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("entity %s: unexpected kind %s", entityID, e.Kind())
	}
	if t.Meta().IsDeleted {
		return zero, sentinel.ErrNotFound
	}
	applyExpand(t, expand)
	return t, nil
}

// readByIDs loads the live entities in input order; missing and soft-deleted
// ids are omitted, not errors.
func readByIDs[T entity.Entity](ctx context.Context, store Store, ids []uuid.UUID, expand entity.ExpandOptions) ([]T, error) {
	out := make([]T, 0, len(ids))
	for _, entityID := range ids {
		t, err := readByID[T](ctx, store, entityID, expand)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// listKind loads every entity of a kind as the concrete type, optionally
// keeping soft-deleted ones.
func listKind[T entity.Entity](ctx context.Context, store Store, kind entity.Kind, includeDeleted bool, expand entity.ExpandOptions) ([]T, error) {
	all, err := store.ListKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(all))
	for _, e := range all {
		t, ok := e.(T)
		if !ok {
			return nil, fmt.Errorf("entity %s: unexpected kind %s", e.Meta().ID, e.Kind())
		}
		if t.Meta().IsDeleted && !includeDeleted {
			continue
		}
		applyExpand(t, expand)
		out = append(out, t)
	}
	return out, nil
}

// applyExpand strips server-managed blocks the caller did not ask for.
func applyExpand(e entity.Entity, expand entity.ExpandOptions) {
	if !expand.Has(entity.ExpandWriteProperties) {
		e.Meta().Tracking = nil
	}
}

func result[T entity.Entity](values []T) *entity.FilterResult[T] {
	return &entity.FilterResult[T]{Total: len(values), Values: values}
}

// Owners implements entity.OwnerReader over the document store.
type Owners struct {
	store Store
	probe CommandProbe
}

func NewOwners(store Store, probe CommandProbe) *Owners {
	return &Owners{store: store, probe: probeOrDefault(probe)}
}

func (r *Owners) ReadByID(ctx context.Context, ownerID id.OwnerID, expand entity.ExpandOptions) (*entity.DataOwner, error) {
	return readByID[*entity.DataOwner](ctx, r.store, uuid.UUID(ownerID), expand)
}

func (r *Owners) ReadByIDs(ctx context.Context, ownerIDs []id.OwnerID, expand entity.ExpandOptions) ([]*entity.DataOwner, error) {
	return readByIDs[*entity.DataOwner](ctx, r.store, asUUIDs(ownerIDs), expand)
}

func (r *Owners) ReadByFilter(ctx context.Context, criteria entity.OwnerFilterCriteria, expand entity.ExpandOptions) (*entity.FilterResult[*entity.DataOwner], error) {
	owners, err := listKind[*entity.DataOwner](ctx, r.store, entity.KindDataOwner, criteria.IncludeDeleted, expand)
	if err != nil {
		return nil, err
	}
	var matched []*entity.DataOwner
	for _, o := range owners {
		if criteria.Name != nil && !equalFold(o.Name, *criteria.Name) {
			continue
		}
		if criteria.ServiceTreeID != nil && !ownerLinksServiceTree(o, *criteria.ServiceTreeID) {
			continue
		}
		matched = append(matched, o)
	}
	return result(matched), nil
}

// IsLinkedToAnyOtherEntities reports whether any live agent, asset group, or
// variant definition still names the owner.
func (r *Owners) IsLinkedToAnyOtherEntities(ctx context.Context, ownerID id.OwnerID) (bool, error) {
	agents, err := listKind[*entity.DeleteAgent](ctx, r.store, entity.KindDeleteAgent, false, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, a := range agents {
		if a.OwnerID == ownerID {
			return true, nil
		}
	}

	groups, err := listKind[*entity.AssetGroup](ctx, r.store, entity.KindAssetGroup, false, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.OwnerID == ownerID {
			return true, nil
		}
	}

	definitions, err := listKind[*entity.VariantDefinition](ctx, r.store, entity.KindVariantDefinition, false, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, v := range definitions {
		if v.OwnerID == ownerID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Owners) HasPendingCommands(ctx context.Context, ownerID id.OwnerID) (bool, error) {
	return r.probe.HasPendingCommands(ctx, uuid.UUID(ownerID))
}

func ownerLinksServiceTree(o *entity.DataOwner, treeID id.ServiceTreeID) bool {
	if o.ServiceTree == nil {
		return false
	}
	for _, linked := range o.ServiceTree.LinkIDs() {
		if linked == treeID {
			return true
		}
	}
	return false
}

// Agents implements entity.AgentReader over the document store.
type Agents struct {
	store Store
	probe CommandProbe
}

func NewAgents(store Store, probe CommandProbe) *Agents {
	return &Agents{store: store, probe: probeOrDefault(probe)}
}

func (r *Agents) ReadByID(ctx context.Context, agentID id.AgentID, expand entity.ExpandOptions) (*entity.DeleteAgent, error) {
	return readByID[*entity.DeleteAgent](ctx, r.store, uuid.UUID(agentID), expand)
}

func (r *Agents) ReadByIDs(ctx context.Context, agentIDs []id.AgentID, expand entity.ExpandOptions) ([]*entity.DeleteAgent, error) {
	return readByIDs[*entity.DeleteAgent](ctx, r.store, asUUIDs(agentIDs), expand)
}

func (r *Agents) ReadByFilter(ctx context.Context, criteria entity.AgentFilterCriteria, expand entity.ExpandOptions) (*entity.FilterResult[*entity.DeleteAgent], error) {
	agents, err := listKind[*entity.DeleteAgent](ctx, r.store, entity.KindDeleteAgent, criteria.IncludeDeleted, expand)
	if err != nil {
		return nil, err
	}
	var matched []*entity.DeleteAgent
	for _, a := range agents {
		if criteria.OwnerID != nil && a.OwnerID != *criteria.OwnerID {
			continue
		}
		matched = append(matched, a)
	}
	return result(matched), nil
}

// IsLinkedToAnyOtherEntities reports whether any live asset group links the
// agent, or any open sharing request is owned by it.
func (r *Agents) IsLinkedToAnyOtherEntities(ctx context.Context, agentID id.AgentID) (bool, error) {
	groups, err := listKind[*entity.AssetGroup](ctx, r.store, entity.KindAssetGroup, false, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.LinksAgent(agentID) {
			return true, nil
		}
	}

	requests, err := listKind[*entity.SharingRequest](ctx, r.store, entity.KindSharingRequest, false, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, req := range requests {
		if req.DeleteAgentID == agentID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Agents) HasPendingCommands(ctx context.Context, agentID id.AgentID) (bool, error) {
	return r.probe.HasPendingCommands(ctx, uuid.UUID(agentID))
}

// AssetGroups implements entity.AssetGroupReader over the document store.
type AssetGroups struct {
	store Store
	probe CommandProbe
}

func NewAssetGroups(store Store, probe CommandProbe) *AssetGroups {
	return &AssetGroups{store: store, probe: probeOrDefault(probe)}
}

func (r *AssetGroups) ReadByID(ctx context.Context, groupID id.AssetGroupID, expand entity.ExpandOptions) (*entity.AssetGroup, error) {
	return readByID[*entity.AssetGroup](ctx, r.store, uuid.UUID(groupID), expand)
}

func (r *AssetGroups) ReadByIDs(ctx context.Context, groupIDs []id.AssetGroupID, expand entity.ExpandOptions) ([]*entity.AssetGroup, error) {
	return readByIDs[*entity.AssetGroup](ctx, r.store, asUUIDs(groupIDs), expand)
}

func (r *AssetGroups) ReadByFilter(ctx context.Context, criteria entity.AssetGroupFilterCriteria, expand entity.ExpandOptions) (*entity.FilterResult[*entity.AssetGroup], error) {
	groups, err := listKind[*entity.AssetGroup](ctx, r.store, entity.KindAssetGroup, criteria.IncludeDeleted, expand)
	if err != nil {
		return nil, err
	}

	// When every capability field names the same agent, the criteria means
	// "linked through any capability"; otherwise each set field must match.
	anyCapability := criteria.DeleteAgentID != nil && criteria.ExportAgentID != nil &&
		criteria.AccountCloseAgentID != nil &&
		*criteria.DeleteAgentID == *criteria.ExportAgentID &&
		*criteria.DeleteAgentID == *criteria.AccountCloseAgentID

	var matched []*entity.AssetGroup
	for _, g := range groups {
		if criteria.OwnerID != nil && g.OwnerID != *criteria.OwnerID {
			continue
		}
		if criteria.Qualifier != nil && !entity.QualifiersEqual(g.Qualifier, *criteria.Qualifier) {
			continue
		}
		if anyCapability {
			if !g.LinksAgent(*criteria.DeleteAgentID) {
				continue
			}
		} else {
			if criteria.DeleteAgentID != nil && g.DeleteAgentID != *criteria.DeleteAgentID {
				continue
			}
			if criteria.ExportAgentID != nil && g.ExportAgentID != *criteria.ExportAgentID {
				continue
			}
			if criteria.AccountCloseAgentID != nil && g.AccountCloseAgentID != *criteria.AccountCloseAgentID {
				continue
			}
		}
		matched = append(matched, g)
	}
	return result(matched), nil
}

// ReadLinkedToAgent returns live groups linking the agent through any
// capability, directly or via a sharing request owned by the agent.
func (r *AssetGroups) ReadLinkedToAgent(ctx context.Context, agentID id.AgentID, expand entity.ExpandOptions) ([]*entity.AssetGroup, error) {
	requests, err := listKind[*entity.SharingRequest](ctx, r.store, entity.KindSharingRequest, false, entity.ExpandNone)
	if err != nil {
		return nil, err
	}
	agentRequests := make(map[id.SharingRequestID]struct{})
	for _, req := range requests {
		if req.DeleteAgentID == agentID {
			agentRequests[req.SharingRequestID()] = struct{}{}
		}
	}

	groups, err := listKind[*entity.AssetGroup](ctx, r.store, entity.KindAssetGroup, false, expand)
	if err != nil {
		return nil, err
	}
	var linked []*entity.AssetGroup
	for _, g := range groups {
		if g.LinksAgent(agentID) {
			linked = append(linked, g)
			continue
		}
		if _, ok := agentRequests[g.DeleteSharingRequestID]; ok {
			linked = append(linked, g)
			continue
		}
		if _, ok := agentRequests[g.ExportSharingRequestID]; ok {
			linked = append(linked, g)
		}
	}
	return linked, nil
}

// IsLinkedToAnyOtherEntities reports whether any open request still covers
// the group.
func (r *AssetGroups) IsLinkedToAnyOtherEntities(ctx context.Context, groupID id.AssetGroupID) (bool, error) {
	sharing, err := listKind[*entity.SharingRequest](ctx, r.store, entity.KindSharingRequest, false, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, req := range sharing {
		if _, ok := req.Relationships[groupID]; ok {
			return true, nil
		}
	}

	variants, err := listKind[*entity.VariantRequest](ctx, r.store, entity.KindVariantRequest, false, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, req := range variants {
		if _, ok := req.VariantRelationships[groupID]; ok {
			return true, nil
		}
	}

	transfers, err := listKind[*entity.TransferRequest](ctx, r.store, entity.KindTransferRequest, false, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, req := range transfers {
		if req.RequestState != entity.TransferStatePending {
			continue
		}
		for _, g := range req.AssetGroups {
			if g == groupID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *AssetGroups) HasPendingCommands(ctx context.Context, groupID id.AssetGroupID) (bool, error) {
	return r.probe.HasPendingCommands(ctx, uuid.UUID(groupID))
}

// SharingRequests implements entity.SharingRequestReader over the document store.
type SharingRequests struct {
	store Store
	probe CommandProbe
}

func NewSharingRequests(store Store, probe CommandProbe) *SharingRequests {
	return &SharingRequests{store: store, probe: probeOrDefault(probe)}
}

func (r *SharingRequests) ReadByID(ctx context.Context, requestID id.SharingRequestID, expand entity.ExpandOptions) (*entity.SharingRequest, error) {
	return readByID[*entity.SharingRequest](ctx, r.store, uuid.UUID(requestID), expand)
}

func (r *SharingRequests) ReadByIDs(ctx context.Context, requestIDs []id.SharingRequestID, expand entity.ExpandOptions) ([]*entity.SharingRequest, error) {
	return readByIDs[*entity.SharingRequest](ctx, r.store, asUUIDs(requestIDs), expand)
}

func (r *SharingRequests) ReadByFilter(ctx context.Context, criteria entity.SharingRequestFilterCriteria, expand entity.ExpandOptions) (*entity.FilterResult[*entity.SharingRequest], error) {
	requests, err := listKind[*entity.SharingRequest](ctx, r.store, entity.KindSharingRequest, criteria.IncludeDeleted, expand)
	if err != nil {
		return nil, err
	}
	var matched []*entity.SharingRequest
	for _, req := range requests {
		if criteria.OwnerID != nil && req.OwnerID != *criteria.OwnerID {
			continue
		}
		if criteria.DeleteAgentID != nil && req.DeleteAgentID != *criteria.DeleteAgentID {
			continue
		}
		matched = append(matched, req)
	}
	return result(matched), nil
}

// IsLinkedToAnyOtherEntities is always false for requests: asset groups point
// at them, not the other way around, and those links die with the request.
func (r *SharingRequests) IsLinkedToAnyOtherEntities(context.Context, id.SharingRequestID) (bool, error) {
	return false, nil
}

func (r *SharingRequests) HasPendingCommands(ctx context.Context, requestID id.SharingRequestID) (bool, error) {
	return r.probe.HasPendingCommands(ctx, uuid.UUID(requestID))
}

// VariantRequests implements entity.VariantRequestReader over the document store.
type VariantRequests struct {
	store Store
	probe CommandProbe
}

func NewVariantRequests(store Store, probe CommandProbe) *VariantRequests {
	return &VariantRequests{store: store, probe: probeOrDefault(probe)}
}

func (r *VariantRequests) ReadByID(ctx context.Context, requestID id.VariantRequestID, expand entity.ExpandOptions) (*entity.VariantRequest, error) {
	return readByID[*entity.VariantRequest](ctx, r.store, uuid.UUID(requestID), expand)
}

func (r *VariantRequests) ReadByIDs(ctx context.Context, requestIDs []id.VariantRequestID, expand entity.ExpandOptions) ([]*entity.VariantRequest, error) {
	return readByIDs[*entity.VariantRequest](ctx, r.store, asUUIDs(requestIDs), expand)
}

func (r *VariantRequests) ReadByFilter(ctx context.Context, criteria entity.VariantRequestFilterCriteria, expand entity.ExpandOptions) (*entity.FilterResult[*entity.VariantRequest], error) {
	requests, err := listKind[*entity.VariantRequest](ctx, r.store, entity.KindVariantRequest, criteria.IncludeDeleted, expand)
	if err != nil {
		return nil, err
	}
	var matched []*entity.VariantRequest
	for _, req := range requests {
		if criteria.OwnerID != nil && req.OwnerID != *criteria.OwnerID {
			continue
		}
		if criteria.AssetGroupID != nil {
			if _, ok := req.VariantRelationships[*criteria.AssetGroupID]; !ok {
				continue
			}
		}
		if criteria.VariantID != nil && !req.RequestsVariant(*criteria.VariantID) {
			continue
		}
		matched = append(matched, req)
	}
	return result(matched), nil
}

func (r *VariantRequests) IsLinkedToAnyOtherEntities(context.Context, id.VariantRequestID) (bool, error) {
	return false, nil
}

func (r *VariantRequests) HasPendingCommands(ctx context.Context, requestID id.VariantRequestID) (bool, error) {
	return r.probe.HasPendingCommands(ctx, uuid.UUID(requestID))
}

// TransferRequests implements entity.TransferRequestReader over the document store.
type TransferRequests struct {
	store Store
	probe CommandProbe
}

func NewTransferRequests(store Store, probe CommandProbe) *TransferRequests {
	return &TransferRequests{store: store, probe: probeOrDefault(probe)}
}

func (r *TransferRequests) ReadByID(ctx context.Context, requestID id.TransferRequestID, expand entity.ExpandOptions) (*entity.TransferRequest, error) {
	return readByID[*entity.TransferRequest](ctx, r.store, uuid.UUID(requestID), expand)
}

func (r *TransferRequests) ReadByIDs(ctx context.Context, requestIDs []id.TransferRequestID, expand entity.ExpandOptions) ([]*entity.TransferRequest, error) {
	return readByIDs[*entity.TransferRequest](ctx, r.store, asUUIDs(requestIDs), expand)
}

func (r *TransferRequests) ReadByFilter(ctx context.Context, criteria entity.TransferRequestFilterCriteria, expand entity.ExpandOptions) (*entity.FilterResult[*entity.TransferRequest], error) {
	requests, err := listKind[*entity.TransferRequest](ctx, r.store, entity.KindTransferRequest, criteria.IncludeDeleted, expand)
	if err != nil {
		return nil, err
	}
	var matched []*entity.TransferRequest
	for _, req := range requests {
		if criteria.SourceOwnerID != nil && req.SourceOwnerID != *criteria.SourceOwnerID {
			continue
		}
		if criteria.TargetOwnerID != nil && req.TargetOwnerID != *criteria.TargetOwnerID {
			continue
		}
		if criteria.State != nil && req.RequestState != *criteria.State {
			continue
		}
		if criteria.AssetGroupID != nil && !transferCoversGroup(req, *criteria.AssetGroupID) {
			continue
		}
		matched = append(matched, req)
	}
	return result(matched), nil
}

func (r *TransferRequests) IsLinkedToAnyOtherEntities(context.Context, id.TransferRequestID) (bool, error) {
	return false, nil
}

func (r *TransferRequests) HasPendingCommands(ctx context.Context, requestID id.TransferRequestID) (bool, error) {
	return r.probe.HasPendingCommands(ctx, uuid.UUID(requestID))
}

func transferCoversGroup(req *entity.TransferRequest, groupID id.AssetGroupID) bool {
	for _, g := range req.AssetGroups {
		if g == groupID {
			return true
		}
	}
	return false
}

// VariantDefinitions implements entity.VariantDefinitionReader over the document store.
type VariantDefinitions struct {
	store Store
	probe CommandProbe
}

func NewVariantDefinitions(store Store, probe CommandProbe) *VariantDefinitions {
	return &VariantDefinitions{store: store, probe: probeOrDefault(probe)}
}

func (r *VariantDefinitions) ReadByID(ctx context.Context, definitionID id.VariantDefinitionID, expand entity.ExpandOptions) (*entity.VariantDefinition, error) {
	return readByID[*entity.VariantDefinition](ctx, r.store, uuid.UUID(definitionID), expand)
}

func (r *VariantDefinitions) ReadByIDs(ctx context.Context, definitionIDs []id.VariantDefinitionID, expand entity.ExpandOptions) ([]*entity.VariantDefinition, error) {
	return readByIDs[*entity.VariantDefinition](ctx, r.store, asUUIDs(definitionIDs), expand)
}

func (r *VariantDefinitions) ReadByFilter(ctx context.Context, criteria entity.VariantDefinitionFilterCriteria, expand entity.ExpandOptions) (*entity.FilterResult[*entity.VariantDefinition], error) {
	definitions, err := listKind[*entity.VariantDefinition](ctx, r.store, entity.KindVariantDefinition, criteria.IncludeDeleted, expand)
	if err != nil {
		return nil, err
	}
	var matched []*entity.VariantDefinition
	for _, v := range definitions {
		if criteria.Name != nil && !equalFold(v.Name, *criteria.Name) {
			continue
		}
		matched = append(matched, v)
	}
	return result(matched), nil
}

// ReadLinkedAssetGroups returns live groups carrying the variant.
func (r *VariantDefinitions) ReadLinkedAssetGroups(ctx context.Context, definitionID id.VariantDefinitionID, expand entity.ExpandOptions) ([]*entity.AssetGroup, error) {
	groups, err := listKind[*entity.AssetGroup](ctx, r.store, entity.KindAssetGroup, false, expand)
	if err != nil {
		return nil, err
	}
	var linked []*entity.AssetGroup
	for _, g := range groups {
		for _, v := range g.Variants {
			if v.VariantID == definitionID {
				linked = append(linked, g)
				break
			}
		}
	}
	return linked, nil
}

// IsLinkedToAnyOtherEntities reports whether any live asset group carries the
// variant or any open variant request still asks for it.
func (r *VariantDefinitions) IsLinkedToAnyOtherEntities(ctx context.Context, definitionID id.VariantDefinitionID) (bool, error) {
	linked, err := r.ReadLinkedAssetGroups(ctx, definitionID, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	if len(linked) > 0 {
		return true, nil
	}

	requests, err := listKind[*entity.VariantRequest](ctx, r.store, entity.KindVariantRequest, false, entity.ExpandNone)
	if err != nil {
		return false, err
	}
	for _, req := range requests {
		if req.RequestsVariant(definitionID) {
			return true, nil
		}
	}
	return false, nil
}

func (r *VariantDefinitions) HasPendingCommands(ctx context.Context, definitionID id.VariantDefinitionID) (bool, error) {
	return r.probe.HasPendingCommands(ctx, uuid.UUID(definitionID))
}

func asUUIDs[T ~[16]byte](ids []T) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	for i, v := range ids {
		out[i] = uuid.UUID(v)
	}
	return out
}

func equalFold(a, b string) bool { return strings.EqualFold(a, b) }
