// Package entity defines the shared data model for the governance entity graph
// and the generic write pipeline every kind-specific writer drives.
//
// The graph lives in a schema-less document store; the invariants the store
// cannot enforce (referential integrity, link exclusivity, monotonic
// versioning, atomic multi-entity updates) are enforced here.
package entity

import (
	"github.com/google/uuid"
)

// Base carries the fields shared by every entity kind.
//
// VersionTag is the optimistic-concurrency marker: a mutation is accepted only
// if the tag the caller presents matches the stored value, and every accepted
// write assigns a fresh tag. Tags are opaque; comparison is case-insensitive
// to tolerate transport-level normalization.
type Base struct {
	ID         uuid.UUID        `json:"id"`
	VersionTag string           `json:"versionTag,omitempty"`
	Tracking   *TrackingDetails `json:"trackingDetails,omitempty"`
	IsDeleted  bool             `json:"isDeleted"`
}

// Meta returns the shared field block; it makes any embedding struct satisfy
// the Entity interface. The accessor cannot share the embedded field's name,
// or the promoted field would shadow it.
func (b *Base) Meta() *Base { return b }

// Entity is the closed set of document kinds the store accepts.
type Entity interface {
	Meta() *Base
	Kind() Kind
}

// Named carries the caller-visible identity fields shared by owners, agents,
// and variant definitions. Name must be unique within its kind.
type Named struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Capability is a compliance action an agent can fulfill for an asset group.
type Capability string

const (
	CapabilityDelete       Capability = "Delete"
	CapabilityExport       Capability = "Export"
	CapabilityAccountClose Capability = "AccountClose"
)

// ValidCapability reports whether c names a known capability.
func ValidCapability(c Capability) bool {
	switch c {
	case CapabilityDelete, CapabilityExport, CapabilityAccountClose:
		return true
	}
	return false
}

// IcmConnector links an entity to the external incident-management service.
type IcmConnector struct {
	ConnectorID uuid.UUID `json:"connectorId"`
	Source      string    `json:"source,omitempty"`
}
