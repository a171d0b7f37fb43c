package entity

import (
	id "custodia/pkg/domain"
)

// SharingRelationship is one asset group's pending capability grant inside a
// sharing request.
type SharingRelationship struct {
	AssetGroupID   id.AssetGroupID `json:"assetGroupId"`
	AssetQualifier string          `json:"assetQualifier,omitempty"`
	Capabilities   []Capability    `json:"capabilities"`
}

// HasCapability reports whether the relationship grants c.
func (r *SharingRelationship) HasCapability(c Capability) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// AddCapability grows the granted capability set, keeping entries unique.
func (r *SharingRelationship) AddCapability(c Capability) {
	if !r.HasCapability(c) {
		r.Capabilities = append(r.Capabilities, c)
		sortCapabilities(r.Capabilities)
	}
}

// SharingRequest is a pending grant of capabilities from an asset-group owner
// to an agent owned by a different party.
//
// Invariants:
//   - at most one open sharing request exists per (owner, agent) pair
//   - requests are born from the relationship manager, never created directly
//   - a request with no remaining relationships is deleted, not persisted
type SharingRequest struct {
	Base
	OwnerID       id.OwnerID                               `json:"ownerId"`
	OwnerName     string                                   `json:"ownerName,omitempty"`
	DeleteAgentID id.AgentID                               `json:"deleteAgentId"`
	Relationships map[id.AssetGroupID]*SharingRelationship `json:"relationships"`
}

func (*SharingRequest) Kind() Kind { return KindSharingRequest }

// SharingRequestID returns the typed id of this request record.
func (r *SharingRequest) SharingRequestID() id.SharingRequestID {
	return id.SharingRequestID(r.ID)
}

// VariantRelationship names one asset group covered by a variant request.
type VariantRelationship struct {
	AssetGroupID   id.AssetGroupID `json:"assetGroupId"`
	AssetQualifier string          `json:"assetQualifier,omitempty"`
}

// VariantRequest is a pending application of variant definitions to a set of
// asset groups. Immutable after creation except for the work-item reference.
type VariantRequest struct {
	Base
	OwnerID               id.OwnerID                               `json:"ownerId"`
	OwnerName             string                                   `json:"ownerName,omitempty"`
	RequestedVariants     []AssetGroupVariant                      `json:"requestedVariants"`
	VariantRelationships  map[id.AssetGroupID]*VariantRelationship `json:"variantRelationships"`
	WorkItemURI           string                                   `json:"workItemUri,omitempty"`
	AdditionalInformation string                                   `json:"additionalInformation,omitempty"`
}

func (*VariantRequest) Kind() Kind { return KindVariantRequest }

// VariantRequestID returns the typed id of this request record.
func (r *VariantRequest) VariantRequestID() id.VariantRequestID {
	return id.VariantRequestID(r.ID)
}

// RequestsVariant reports whether the request includes the given variant.
func (r *VariantRequest) RequestsVariant(variantID id.VariantDefinitionID) bool {
	for _, v := range r.RequestedVariants {
		if v.VariantID == variantID {
			return true
		}
	}
	return false
}

// TransferRequestState is the transfer lifecycle. Requests are created
// Pending; approval and cancellation both soft-delete the record, preserving
// the terminal state for history.
type TransferRequestState string

const (
	TransferStateNone      TransferRequestState = "None"
	TransferStatePending   TransferRequestState = "Pending"
	TransferStateApproved  TransferRequestState = "Approved"
	TransferStateCancelled TransferRequestState = "Cancelled"
)

// TransferRequest is a pending reassignment of asset-group ownership between
// two owners. Created once, never updated: it is only approved (internally an
// update) or soft-deleted (cancel/deny).
type TransferRequest struct {
	Base
	SourceOwnerID   id.OwnerID           `json:"sourceOwnerId"`
	SourceOwnerName string               `json:"sourceOwnerName,omitempty"`
	TargetOwnerID   id.OwnerID           `json:"targetOwnerId"`
	RequestState    TransferRequestState `json:"requestState"`
	AssetGroups     []id.AssetGroupID    `json:"assetGroups"`
}

func (*TransferRequest) Kind() Kind { return KindTransferRequest }

// TransferRequestID returns the typed id of this request record.
func (r *TransferRequest) TransferRequestID() id.TransferRequestID {
	return id.TransferRequestID(r.ID)
}
