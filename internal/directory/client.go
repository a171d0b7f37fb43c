// Package directory talks to the corporate directory: security group
// membership for authorization, and service tree nodes for owner linkage.
package directory

import (
	"context"

	"custodia/internal/entity"
	id "custodia/pkg/domain"
	"custodia/pkg/requestcontext"
)

// ServiceTreeNode is the directory's view of one service tree entry.
type ServiceTreeNode struct {
	ID             id.ServiceTreeID       `json:"id"`
	Level          entity.ServiceTreeLevel `json:"level"`
	Name           string                 `json:"name"`
	OrganizationID string                 `json:"organizationId,omitempty"`
	DivisionID     string                 `json:"divisionId,omitempty"`
	ServiceAdmins  []string               `json:"serviceAdmins,omitempty"`
}

//go:generate mockgen -source=client.go -destination=mocks/mocks.go -package=mocks Client

// Client is the directory boundary. Lookups are read-only and safe to cache;
// forceRefresh bypasses any cache for the membership paths where staleness is
// not acceptable.
type Client interface {
	// SecurityGroupIDs returns the security groups the principal belongs to.
	SecurityGroupIDs(ctx context.Context, principal requestcontext.AuthenticatedPrincipal, forceRefresh bool) ([]id.SecurityGroupID, error)
	// ResolveServiceTree returns the node for the id at the given level, or
	// sentinel.ErrNotFound when the directory has no such node.
	ResolveServiceTree(ctx context.Context, nodeID id.ServiceTreeID, level entity.ServiceTreeLevel) (*ServiceTreeNode, error)
}
