package entity

import (
	"strings"

	id "custodia/pkg/domain"
)

// ServiceTreeLevel names which node kind an owner's directory linkage points at.
type ServiceTreeLevel string

const (
	ServiceTreeLevelService      ServiceTreeLevel = "service"
	ServiceTreeLevelTeamGroup    ServiceTreeLevel = "team_group"
	ServiceTreeLevelServiceGroup ServiceTreeLevel = "service_group"
)

// ServiceTree is an owner's linkage into the external service directory.
// Only the id fields are caller-settable; everything else is resolved from the
// directory and overwritten server-side on every write.
type ServiceTree struct {
	ServiceID      id.ServiceTreeID `json:"serviceId,omitempty"`
	TeamGroupID    id.ServiceTreeID `json:"teamGroupId,omitempty"`
	ServiceGroupID id.ServiceTreeID `json:"serviceGroupId,omitempty"`
	Level          ServiceTreeLevel `json:"level,omitempty"`

	// Directory-derived, client-immutable.
	ServiceName    string   `json:"serviceName,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
	DivisionID     string   `json:"divisionId,omitempty"`
	ServiceAdmins  []string `json:"serviceAdmins,omitempty"`
}

// LinkIDs returns the linkage ids that are set. Exactly one must be set on
// create; the writer enforces that.
func (s *ServiceTree) LinkIDs() []id.ServiceTreeID {
	var ids []id.ServiceTreeID
	for _, v := range []id.ServiceTreeID{s.ServiceID, s.TeamGroupID, s.ServiceGroupID} {
		if !v.IsNil() {
			ids = append(ids, v)
		}
	}
	return ids
}

// DataOwner is the party accountable for a set of asset groups and agents.
//
// Invariants:
//   - WriteSecurityGroups is required and non-empty on every write
//   - ServiceTree linkage is mutually exclusive with caller-supplied
//     name/description/alert contacts (directory is the source of truth)
//   - HasInitiatedTransferRequests / HasPendingTransferRequests are
//     server-computed and client-immutable
type DataOwner struct {
	Base
	Named
	AlertContacts          []string             `json:"alertContacts,omitempty"`
	AnnouncementContacts   []string             `json:"announcementContacts,omitempty"`
	SharingRequestContacts []string             `json:"sharingRequestContacts,omitempty"`
	WriteSecurityGroups    []id.SecurityGroupID `json:"writeSecurityGroups,omitempty"`
	TagSecurityGroups      []id.SecurityGroupID `json:"tagSecurityGroups,omitempty"`
	ServiceTree            *ServiceTree         `json:"serviceTree,omitempty"`
	Icm                    *IcmConnector        `json:"icm,omitempty"`

	HasInitiatedTransferRequests bool `json:"hasInitiatedTransferRequests"`
	HasPendingTransferRequests   bool `json:"hasPendingTransferRequests"`
}

func (*DataOwner) Kind() Kind { return KindDataOwner }

// OwnerID returns the typed id of this owner record.
func (o *DataOwner) OwnerID() id.OwnerID { return id.OwnerID(o.ID) }

// HasServiceTree reports whether the owner carries a directory linkage.
func (o *DataOwner) HasServiceTree() bool { return o.ServiceTree != nil }

// IsServiceAdmin reports whether the alias is listed as a directory service
// admin for this owner. Matching is case-insensitive.
func (o *DataOwner) IsServiceAdmin(alias string) bool {
	if o.ServiceTree == nil || alias == "" {
		return false
	}
	for _, admin := range o.ServiceTree.ServiceAdmins {
		if strings.EqualFold(admin, alias) {
			return true
		}
	}
	return false
}
