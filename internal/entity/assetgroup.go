package entity

import (
	"strings"
	"time"

	id "custodia/pkg/domain"
)

// VariantState tracks a variant's lifecycle on an asset group.
type VariantState string

const (
	VariantStateRequested VariantState = "Requested"
	VariantStateApproved  VariantState = "Approved"
)

// AssetGroupVariant is one approved-or-requested exception attached to an
// asset group. Merging by VariantID is idempotent: approving the same variant
// twice leaves a single Approved entry.
type AssetGroupVariant struct {
	VariantID               id.VariantDefinitionID `json:"variantId"`
	VariantName             string                 `json:"variantName,omitempty"`
	State                   VariantState           `json:"variantState,omitempty"`
	VariantExpiryDate       *time.Time             `json:"variantExpiryDate,omitempty"`
	TfsTrackingUris         []string               `json:"tfsTrackingUris,omitempty"`
	DisabledSignalFiltering bool                   `json:"disabledSignalFiltering,omitempty"`
}

// AssetGroup is a registered unit of data to which compliance capabilities are
// attached via agent links.
//
// Invariants:
//   - Qualifier is required, unique within live asset groups, and immutable
//     after create (except for an elevated role)
//   - for each capability, at most one of {agent id, sharing request id} is set
//   - sharing request ids and the pending flags are service-set and
//     client-immutable
//   - a live asset group must have an owner or a delete agent; a group left
//     with neither is deleted, not persisted
type AssetGroup struct {
	Base
	OwnerID   id.OwnerID `json:"ownerId,omitempty"`
	Qualifier string     `json:"qualifier"`

	DeleteAgentID       id.AgentID `json:"deleteAgentId,omitempty"`
	ExportAgentID       id.AgentID `json:"exportAgentId,omitempty"`
	AccountCloseAgentID id.AgentID `json:"accountCloseAgentId,omitempty"`

	DeleteSharingRequestID id.SharingRequestID `json:"deleteSharingRequestId,omitempty"`
	ExportSharingRequestID id.SharingRequestID `json:"exportSharingRequestId,omitempty"`

	Variants []AssetGroupVariant `json:"variants,omitempty"`

	HasPendingTransferRequest bool `json:"hasPendingTransferRequest"`
	HasPendingVariantRequests bool `json:"hasPendingVariantRequests"`
}

func (*AssetGroup) Kind() Kind { return KindAssetGroup }

// AssetGroupID returns the typed id of this asset group record.
func (g *AssetGroup) AssetGroupID() id.AssetGroupID { return id.AssetGroupID(g.ID) }

// AgentID returns the agent linked for the capability, if any.
func (g *AssetGroup) AgentID(c Capability) id.AgentID {
	switch c {
	case CapabilityDelete:
		return g.DeleteAgentID
	case CapabilityExport:
		return g.ExportAgentID
	case CapabilityAccountClose:
		return g.AccountCloseAgentID
	}
	return id.AgentID{}
}

// SetAgentID links the agent for the capability.
func (g *AssetGroup) SetAgentID(c Capability, agentID id.AgentID) {
	switch c {
	case CapabilityDelete:
		g.DeleteAgentID = agentID
	case CapabilityExport:
		g.ExportAgentID = agentID
	case CapabilityAccountClose:
		g.AccountCloseAgentID = agentID
	}
}

// SharingRequestID returns the pending sharing request linked for the
// capability, if any. Account-close links never route through sharing.
func (g *AssetGroup) SharingRequestID(c Capability) id.SharingRequestID {
	switch c {
	case CapabilityDelete:
		return g.DeleteSharingRequestID
	case CapabilityExport:
		return g.ExportSharingRequestID
	}
	return id.SharingRequestID{}
}

// SetSharingRequestID links the pending sharing request for the capability.
func (g *AssetGroup) SetSharingRequestID(c Capability, requestID id.SharingRequestID) {
	switch c {
	case CapabilityDelete:
		g.DeleteSharingRequestID = requestID
	case CapabilityExport:
		g.ExportSharingRequestID = requestID
	}
}

// LinksAgent reports whether any capability links the given agent.
func (g *AssetGroup) LinksAgent(agentID id.AgentID) bool {
	return g.DeleteAgentID == agentID || g.ExportAgentID == agentID || g.AccountCloseAgentID == agentID
}

// HasAnyAgentLink reports whether any capability has a direct agent link.
func (g *AssetGroup) HasAnyAgentLink() bool {
	return !g.DeleteAgentID.IsNil() || !g.ExportAgentID.IsNil() || !g.AccountCloseAgentID.IsNil()
}

// CheckLinkExclusivity verifies that no capability carries both a direct agent
// link and a sharing request link.
func (g *AssetGroup) CheckLinkExclusivity() bool {
	if !g.DeleteAgentID.IsNil() && !g.DeleteSharingRequestID.IsNil() {
		return false
	}
	if !g.ExportAgentID.IsNil() && !g.ExportSharingRequestID.IsNil() {
		return false
	}
	return true
}

// MergeVariant applies a variant to the group, idempotently by variant id.
// An existing entry is replaced in place; tracking uris accumulate.
func (g *AssetGroup) MergeVariant(v AssetGroupVariant) {
	for i, have := range g.Variants {
		if have.VariantID == v.VariantID {
			v.TfsTrackingUris = appendMissing(have.TfsTrackingUris, v.TfsTrackingUris...)
			g.Variants[i] = v
			return
		}
	}
	g.Variants = append(g.Variants, v)
}

// RemoveVariants drops the listed variants from the group. Unknown ids are
// ignored.
func (g *AssetGroup) RemoveVariants(variantIDs []id.VariantDefinitionID) {
	drop := make(map[id.VariantDefinitionID]struct{}, len(variantIDs))
	for _, v := range variantIDs {
		drop[v] = struct{}{}
	}
	kept := g.Variants[:0]
	for _, have := range g.Variants {
		if _, gone := drop[have.VariantID]; !gone {
			kept = append(kept, have)
		}
	}
	g.Variants = kept
}

// NormalizeQualifier canonicalizes an asset qualifier so equal assets compare
// equal regardless of caller formatting: whitespace trimmed, property keys
// case-folded, property order preserved by the store.
func NormalizeQualifier(q string) string {
	parts := strings.Split(strings.TrimSpace(q), ";")
	for i, part := range parts {
		key, value, found := strings.Cut(part, "=")
		if found {
			parts[i] = strings.ToLower(strings.TrimSpace(key)) + "=" + strings.TrimSpace(value)
		} else {
			parts[i] = strings.TrimSpace(part)
		}
	}
	return strings.Join(parts, ";")
}

// QualifiersEqual compares two normalized qualifiers case-insensitively.
func QualifiersEqual(a, b string) bool {
	return strings.EqualFold(NormalizeQualifier(a), NormalizeQualifier(b))
}

func appendMissing(have []string, more ...string) []string {
	for _, m := range more {
		found := false
		for _, h := range have {
			if h == m {
				found = true
				break
			}
		}
		if !found {
			have = append(have, m)
		}
	}
	return have
}
