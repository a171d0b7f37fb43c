package entity

import (
	id "custodia/pkg/domain"
)

// VariantDefinitionState is the definition lifecycle: Active definitions can
// be requested against asset groups; Closed definitions can only be deleted.
type VariantDefinitionState string

const (
	VariantDefinitionStateActive VariantDefinitionState = "Active"
	VariantDefinitionStateClosed VariantDefinitionState = "Closed"
)

// VariantDefinitionReason records why a definition was closed. Active
// definitions always carry ReasonNone.
type VariantDefinitionReason string

const (
	VariantReasonNone        VariantDefinitionReason = "None"
	VariantReasonIntentional VariantDefinitionReason = "Intentional"
	VariantReasonExpired     VariantDefinitionReason = "Expired"
)

// VariantDefinition is a catalog entry describing an approved exception to a
// default compliance behavior.
//
// Invariants:
//   - created Active with ReasonNone; state/reason must stay consistent
//     (Active ⇒ ReasonNone, Closed ⇒ reason set)
//   - must be Closed before it can be deleted
//   - soft delete delinks the variant from every asset group referencing it
type VariantDefinition struct {
	Base
	Named
	OwnerID      id.OwnerID              `json:"ownerId,omitempty"`
	Approver     string                  `json:"approver,omitempty"`
	Capabilities []Capability            `json:"capabilities,omitempty"`
	DataTypes    []string                `json:"dataTypes,omitempty"`
	SubjectTypes []string                `json:"subjectTypes,omitempty"`
	State        VariantDefinitionState  `json:"state,omitempty"`
	Reason       VariantDefinitionReason `json:"reason,omitempty"`
}

func (*VariantDefinition) Kind() Kind { return KindVariantDefinition }

// VariantDefinitionID returns the typed id of this definition record.
func (v *VariantDefinition) VariantDefinitionID() id.VariantDefinitionID {
	return id.VariantDefinitionID(v.ID)
}
