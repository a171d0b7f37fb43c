package entity

import (
	"context"

	id "custodia/pkg/domain"
)

// FilterResult is a counted page of filtered entities.
type FilterResult[T Entity] struct {
	Total  int
	Values []T
}

// Filter criteria are conjunctive: every set field must match. Unset fields
// (nil pointers, nil ids) are ignored. Deleted entities never match unless
// IncludeDeleted is set.

type OwnerFilterCriteria struct {
	Name           *string // exact, case-insensitive
	ServiceTreeID  *id.ServiceTreeID
	IncludeDeleted bool
}

type AgentFilterCriteria struct {
	OwnerID        *id.OwnerID
	IncludeDeleted bool
}

type AssetGroupFilterCriteria struct {
	OwnerID             *id.OwnerID
	DeleteAgentID       *id.AgentID
	ExportAgentID       *id.AgentID
	AccountCloseAgentID *id.AgentID
	Qualifier           *string // normalized, case-insensitive
	IncludeDeleted      bool
}

// MatchesAgent sets every capability link field to the same agent id; readers
// treat the capability links disjunctively for this criteria combination.
type SharingRequestFilterCriteria struct {
	OwnerID        *id.OwnerID
	DeleteAgentID  *id.AgentID
	IncludeDeleted bool
}

type VariantRequestFilterCriteria struct {
	OwnerID        *id.OwnerID
	AssetGroupID   *id.AssetGroupID
	VariantID      *id.VariantDefinitionID
	IncludeDeleted bool
}

type TransferRequestFilterCriteria struct {
	SourceOwnerID  *id.OwnerID
	TargetOwnerID  *id.OwnerID
	AssetGroupID   *id.AssetGroupID
	State          *TransferRequestState
	IncludeDeleted bool
}

type VariantDefinitionFilterCriteria struct {
	Name           *string // exact, case-insensitive
	IncludeDeleted bool
}

// Per-kind reader contracts. Reads return sentinel.ErrNotFound for missing or
// soft-deleted entities; ReadByIDs omits missing ids rather than failing.
// IsLinkedToAnyOtherEntities supports the delete safety check; HasPendingCommands
// probes the external command feed for in-flight work addressed to the entity.

type OwnerReader interface {
	ReadByID(ctx context.Context, ownerID id.OwnerID, expand ExpandOptions) (*DataOwner, error)
	ReadByIDs(ctx context.Context, ownerIDs []id.OwnerID, expand ExpandOptions) ([]*DataOwner, error)
	ReadByFilter(ctx context.Context, criteria OwnerFilterCriteria, expand ExpandOptions) (*FilterResult[*DataOwner], error)
	IsLinkedToAnyOtherEntities(ctx context.Context, ownerID id.OwnerID) (bool, error)
	HasPendingCommands(ctx context.Context, ownerID id.OwnerID) (bool, error)
}

type AgentReader interface {
	ReadByID(ctx context.Context, agentID id.AgentID, expand ExpandOptions) (*DeleteAgent, error)
	ReadByIDs(ctx context.Context, agentIDs []id.AgentID, expand ExpandOptions) ([]*DeleteAgent, error)
	ReadByFilter(ctx context.Context, criteria AgentFilterCriteria, expand ExpandOptions) (*FilterResult[*DeleteAgent], error)
	IsLinkedToAnyOtherEntities(ctx context.Context, agentID id.AgentID) (bool, error)
	HasPendingCommands(ctx context.Context, agentID id.AgentID) (bool, error)
}

type AssetGroupReader interface {
	ReadByID(ctx context.Context, groupID id.AssetGroupID, expand ExpandOptions) (*AssetGroup, error)
	ReadByIDs(ctx context.Context, groupIDs []id.AssetGroupID, expand ExpandOptions) ([]*AssetGroup, error)
	ReadByFilter(ctx context.Context, criteria AssetGroupFilterCriteria, expand ExpandOptions) (*FilterResult[*AssetGroup], error)
	// ReadLinkedToAgent returns live groups linking the agent through any
	// capability, directly or via a sharing request owned by the agent.
	ReadLinkedToAgent(ctx context.Context, agentID id.AgentID, expand ExpandOptions) ([]*AssetGroup, error)
	IsLinkedToAnyOtherEntities(ctx context.Context, groupID id.AssetGroupID) (bool, error)
	HasPendingCommands(ctx context.Context, groupID id.AssetGroupID) (bool, error)
}

type SharingRequestReader interface {
	ReadByID(ctx context.Context, requestID id.SharingRequestID, expand ExpandOptions) (*SharingRequest, error)
	ReadByIDs(ctx context.Context, requestIDs []id.SharingRequestID, expand ExpandOptions) ([]*SharingRequest, error)
	ReadByFilter(ctx context.Context, criteria SharingRequestFilterCriteria, expand ExpandOptions) (*FilterResult[*SharingRequest], error)
	IsLinkedToAnyOtherEntities(ctx context.Context, requestID id.SharingRequestID) (bool, error)
	HasPendingCommands(ctx context.Context, requestID id.SharingRequestID) (bool, error)
}

type VariantRequestReader interface {
	ReadByID(ctx context.Context, requestID id.VariantRequestID, expand ExpandOptions) (*VariantRequest, error)
	ReadByIDs(ctx context.Context, requestIDs []id.VariantRequestID, expand ExpandOptions) ([]*VariantRequest, error)
	ReadByFilter(ctx context.Context, criteria VariantRequestFilterCriteria, expand ExpandOptions) (*FilterResult[*VariantRequest], error)
	IsLinkedToAnyOtherEntities(ctx context.Context, requestID id.VariantRequestID) (bool, error)
	HasPendingCommands(ctx context.Context, requestID id.VariantRequestID) (bool, error)
}

type TransferRequestReader interface {
	ReadByID(ctx context.Context, requestID id.TransferRequestID, expand ExpandOptions) (*TransferRequest, error)
	ReadByIDs(ctx context.Context, requestIDs []id.TransferRequestID, expand ExpandOptions) ([]*TransferRequest, error)
	ReadByFilter(ctx context.Context, criteria TransferRequestFilterCriteria, expand ExpandOptions) (*FilterResult[*TransferRequest], error)
	IsLinkedToAnyOtherEntities(ctx context.Context, requestID id.TransferRequestID) (bool, error)
	HasPendingCommands(ctx context.Context, requestID id.TransferRequestID) (bool, error)
}

type VariantDefinitionReader interface {
	ReadByID(ctx context.Context, definitionID id.VariantDefinitionID, expand ExpandOptions) (*VariantDefinition, error)
	ReadByIDs(ctx context.Context, definitionIDs []id.VariantDefinitionID, expand ExpandOptions) ([]*VariantDefinition, error)
	ReadByFilter(ctx context.Context, criteria VariantDefinitionFilterCriteria, expand ExpandOptions) (*FilterResult[*VariantDefinition], error)
	// ReadLinkedAssetGroups returns live groups carrying the variant.
	ReadLinkedAssetGroups(ctx context.Context, definitionID id.VariantDefinitionID, expand ExpandOptions) ([]*AssetGroup, error)
	IsLinkedToAnyOtherEntities(ctx context.Context, definitionID id.VariantDefinitionID) (bool, error)
	HasPendingCommands(ctx context.Context, definitionID id.VariantDefinitionID) (bool, error)
}
