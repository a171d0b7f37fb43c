package entity

import (
	"time"

	"github.com/google/uuid"

	id "custodia/pkg/domain"
)

// AgentKind tags the closed set of agent variants. Delete agents are the only
// kind currently registered; dispatch over AgentKind must stay exhaustive so
// adding a kind is a compile-visible change.
type AgentKind string

const (
	AgentKindDelete AgentKind = "delete"
)

// ReleaseState names the deployment stage a connection detail applies to.
type ReleaseState string

const (
	ReleaseStatePreProd ReleaseState = "PreProd"
	ReleaseStateRing1   ReleaseState = "Ring1"
	ReleaseStateRing2   ReleaseState = "Ring2"
	ReleaseStateRing3   ReleaseState = "Ring3"
	ReleaseStateProd    ReleaseState = "Prod"
)

// Protocol names the wire protocol an agent speaks.
type Protocol string

const (
	// Legacy generation.
	ProtocolCommandFeedV1        Protocol = "CommandFeedV1"
	ProtocolCosmosDeleteSignalV2 Protocol = "CosmosDeleteSignalV2"
	// Next generation.
	ProtocolCommandFeedV2 Protocol = "CommandFeedV2"
)

// AuthenticationType names how an agent authenticates to the command feed.
type AuthenticationType string

const (
	AuthTypeAadApp  AuthenticationType = "AadAppBasedAuth"
	AuthTypeMsaSite AuthenticationType = "MsaSiteBasedAuth"
)

// AgentReadiness marks how far an agent is through production onboarding.
// Readiness never regresses: once ProdReady, always ProdReady.
type AgentReadiness string

const (
	ReadinessTestInProd AgentReadiness = "TestInProd"
	ReadinessProdReady  AgentReadiness = "ProdReady"
)

// ConnectionDetail describes one release state's agent endpoint registration.
type ConnectionDetail struct {
	Protocol           Protocol           `json:"protocol"`
	AuthenticationType AuthenticationType `json:"authenticationType,omitempty"`
	MsaSiteID          int64              `json:"msaSiteId,omitempty"`
	AadAppID           uuid.UUID          `json:"aadAppId,omitempty"`
	AadAppIDs          []uuid.UUID        `json:"aadAppIds,omitempty"`
	AgentReadiness     AgentReadiness     `json:"agentReadiness,omitempty"`
}

// AppIDs returns every application id on the detail, whichever field carries them.
func (c ConnectionDetail) AppIDs() []uuid.UUID {
	var ids []uuid.UUID
	if c.AadAppID != uuid.Nil {
		ids = append(ids, c.AadAppID)
	}
	ids = append(ids, c.AadAppIDs...)
	return ids
}

// DeleteAgent is a service endpoint registered to execute privacy commands
// (delete/export/account-close) on behalf of asset groups.
//
// Invariants:
//   - exactly one protocol across all release states
//   - production connection details, once set, are immutable except for an
//     elevated role or during a detected protocol migration
//   - Capabilities is derived from linked asset groups, never caller-set
//   - InProdDate is stamped on the first ProdReady production detail and is
//     immutable afterwards
type DeleteAgent struct {
	Base
	Named
	OwnerID                    id.OwnerID                        `json:"ownerId"`
	ConnectionDetails          map[ReleaseState]ConnectionDetail `json:"connectionDetails,omitempty"`
	MigratingConnectionDetails map[ReleaseState]ConnectionDetail `json:"migratingConnectionDetails,omitempty"`
	Capabilities               []Capability                      `json:"capabilities,omitempty"`
	DeploymentLocation         string                            `json:"deploymentLocation,omitempty"`
	SupportedClouds            []string                          `json:"supportedClouds,omitempty"`
	DataResidencyBoundary      string                            `json:"dataResidencyBoundary,omitempty"`
	SharingEnabled             bool                              `json:"sharingEnabled"`
	IsThirdPartyAgent          bool                              `json:"isThirdPartyAgent"`
	InProdDate                 *time.Time                        `json:"inProdDate,omitempty"`
	Icm                        *IcmConnector                     `json:"icm,omitempty"`
}

func (*DeleteAgent) Kind() Kind { return KindDeleteAgent }

// AgentKind returns the variant tag for exhaustive dispatch.
func (*DeleteAgent) AgentKind() AgentKind { return AgentKindDelete }

// AgentID returns the typed id of this agent record.
func (a *DeleteAgent) AgentID() id.AgentID { return id.AgentID(a.ID) }

// ProdDetail returns the production connection detail, if registered.
func (a *DeleteAgent) ProdDetail() (ConnectionDetail, bool) {
	d, ok := a.ConnectionDetails[ReleaseStateProd]
	return d, ok
}

// HasCapability reports whether the derived capability list includes c.
func (a *DeleteAgent) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// AddCapability grows the derived capability list, keeping entries unique and
// in stable catalog order.
func (a *DeleteAgent) AddCapability(c Capability) {
	if !a.HasCapability(c) {
		a.Capabilities = append(a.Capabilities, c)
		sortCapabilities(a.Capabilities)
	}
}

// sortCapabilities orders capabilities Delete < Export < AccountClose so
// recomputed lists compare stably in tests and storage.
func sortCapabilities(caps []Capability) {
	order := map[Capability]int{CapabilityDelete: 0, CapabilityExport: 1, CapabilityAccountClose: 2}
	for i := 1; i < len(caps); i++ {
		for j := i; j > 0 && order[caps[j]] < order[caps[j-1]]; j-- {
			caps[j], caps[j-1] = caps[j-1], caps[j]
		}
	}
}
