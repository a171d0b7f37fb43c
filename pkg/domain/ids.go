// Package domain defines typed identifiers for the governance entity graph.
//
// Every entity reference is a distinct UUID-backed type so the compiler rejects
// cross-kind assignment (an AgentID can never be passed where an OwnerID is
// expected). Parse functions enforce the trust-boundary invariant that ids are
// valid, non-nil UUIDs.
package domain

import (
	"github.com/google/uuid"

	dErrors "custodia/pkg/domain-errors"
)

type (
	// OwnerID identifies a data owner record.
	OwnerID uuid.UUID

	// AgentID identifies a data agent record.
	AgentID uuid.UUID

	// AssetGroupID identifies an asset group record.
	AssetGroupID uuid.UUID

	// SharingRequestID identifies a pending sharing request.
	SharingRequestID uuid.UUID

	// VariantRequestID identifies a pending variant request.
	VariantRequestID uuid.UUID

	// TransferRequestID identifies a pending transfer request.
	TransferRequestID uuid.UUID

	// VariantDefinitionID identifies a variant definition record.
	VariantDefinitionID uuid.UUID

	// SecurityGroupID identifies a directory security group.
	SecurityGroupID uuid.UUID

	// ServiceTreeID identifies a node in the external service directory
	// (service, team group, or service group).
	ServiceTreeID uuid.UUID
)

func (id OwnerID) String() string             { return uuid.UUID(id).String() }
func (id AgentID) String() string             { return uuid.UUID(id).String() }
func (id AssetGroupID) String() string        { return uuid.UUID(id).String() }
func (id SharingRequestID) String() string    { return uuid.UUID(id).String() }
func (id VariantRequestID) String() string    { return uuid.UUID(id).String() }
func (id TransferRequestID) String() string   { return uuid.UUID(id).String() }
func (id VariantDefinitionID) String() string { return uuid.UUID(id).String() }
func (id SecurityGroupID) String() string     { return uuid.UUID(id).String() }
func (id ServiceTreeID) String() string       { return uuid.UUID(id).String() }

func (id OwnerID) IsNil() bool             { return uuid.UUID(id) == uuid.Nil }
func (id AgentID) IsNil() bool             { return uuid.UUID(id) == uuid.Nil }
func (id AssetGroupID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id SharingRequestID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id VariantRequestID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id TransferRequestID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id VariantDefinitionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id SecurityGroupID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ServiceTreeID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }

// The id types marshal as canonical uuid strings on every wire format.
func (id OwnerID) MarshalText() ([]byte, error)             { return uuid.UUID(id).MarshalText() }
func (id AgentID) MarshalText() ([]byte, error)             { return uuid.UUID(id).MarshalText() }
func (id AssetGroupID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }
func (id SharingRequestID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id VariantRequestID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id TransferRequestID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id VariantDefinitionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id SecurityGroupID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id ServiceTreeID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }

func (id *OwnerID) UnmarshalText(b []byte) error          { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *AgentID) UnmarshalText(b []byte) error          { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *AssetGroupID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *SharingRequestID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *VariantRequestID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *TransferRequestID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
func (id *VariantDefinitionID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
func (id *SecurityGroupID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ServiceTreeID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }

// parseUUID is the single parsing invariant shared by every id type:
// ids must be valid, non-empty, non-nil UUIDs.
func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id is not a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be the nil UUID")
	}
	return u, nil
}

func ParseOwnerID(s string) (OwnerID, error) {
	u, err := parseUUID(s)
	return OwnerID(u), err
}

func ParseAgentID(s string) (AgentID, error) {
	u, err := parseUUID(s)
	return AgentID(u), err
}

func ParseAssetGroupID(s string) (AssetGroupID, error) {
	u, err := parseUUID(s)
	return AssetGroupID(u), err
}

func ParseSharingRequestID(s string) (SharingRequestID, error) {
	u, err := parseUUID(s)
	return SharingRequestID(u), err
}

func ParseVariantRequestID(s string) (VariantRequestID, error) {
	u, err := parseUUID(s)
	return VariantRequestID(u), err
}

func ParseTransferRequestID(s string) (TransferRequestID, error) {
	u, err := parseUUID(s)
	return TransferRequestID(u), err
}

func ParseVariantDefinitionID(s string) (VariantDefinitionID, error) {
	u, err := parseUUID(s)
	return VariantDefinitionID(u), err
}

func ParseSecurityGroupID(s string) (SecurityGroupID, error) {
	u, err := parseUUID(s)
	return SecurityGroupID(u), err
}

func ParseServiceTreeID(s string) (ServiceTreeID, error) {
	u, err := parseUUID(s)
	return ServiceTreeID(u), err
}
