package entity

import (
	"strings"

	"github.com/google/uuid"

	dErrors "custodia/pkg/domain-errors"
)

const (
	maxNameLength        = 128
	maxDescriptionLength = 1024
)

// nameDisallowed lists characters rejected in entity names to keep them safe
// across transports and report surfaces.
const nameDisallowed = "<>*%&:\\?/"

// ValidateName enforces the NamedEntity name contract: required, at most 128
// characters, printable ASCII, no markup-hostile characters.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "name is required").WithTarget("name")
	}
	if len(name) > maxNameLength {
		return dErrors.Newf(dErrors.CodeInvalidInput, "name must be %d characters or less", maxNameLength).WithTarget("name")
	}
	for _, r := range name {
		if r < 0x20 || r > 0x7e {
			return dErrors.New(dErrors.CodeInvalidInput, "name must be printable ASCII").WithTarget("name")
		}
		if strings.ContainsRune(nameDisallowed, r) {
			return dErrors.Newf(dErrors.CodeInvalidInput, "name contains disallowed character %q", r).WithTarget("name")
		}
	}
	return nil
}

// ValidateDescription enforces the NamedEntity description length bound.
// Empty descriptions are allowed.
func ValidateDescription(description string) error {
	if len(description) > maxDescriptionLength {
		return dErrors.Newf(dErrors.CodeInvalidInput, "description must be %d characters or less", maxDescriptionLength).WithTarget("description")
	}
	return nil
}

// ValidateNamed runs both NamedEntity field checks.
func ValidateNamed(n Named) error {
	if err := ValidateName(n.Name); err != nil {
		return err
	}
	return ValidateDescription(n.Description)
}

// PropertyRequired fails when a required field is zero.
func PropertyRequired(set bool, field string) error {
	if !set {
		return dErrors.Newf(dErrors.CodeInvalidInput, "%s is required", field).WithTarget(field)
	}
	return nil
}

// PropertyShouldNotBeSet fails when a server-managed or referenced field is
// supplied by the caller.
func PropertyShouldNotBeSet(set bool, field string) error {
	if set {
		return dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be set by the caller", field).WithTarget(field)
	}
	return nil
}

// MutuallyExclusive fails when both of two competing fields are supplied.
func MutuallyExclusive(first, second bool, firstField, secondField string) error {
	if first && second {
		return dErrors.Newf(dErrors.CodeInvalidInput, "%s and %s are mutually exclusive", firstField, secondField).WithTarget(firstField)
	}
	return nil
}

// ValidateIncomingBase checks the base block of a caller-submitted entity for
// the given action. Tracking is always server-managed; ids and version tags
// are required exactly when the action mutates existing state.
func ValidateIncomingBase(action WriteAction, e Entity) error {
	base := e.Meta()
	if err := PropertyShouldNotBeSet(base.Tracking != nil, "trackingDetails"); err != nil {
		return err
	}
	switch action {
	case WriteActionCreate:
		if err := PropertyShouldNotBeSet(base.ID != uuid.Nil, "id"); err != nil {
			return err
		}
		return PropertyShouldNotBeSet(base.VersionTag != "", "versionTag")
	case WriteActionUpdate, WriteActionSoftDelete:
		if err := PropertyRequired(base.ID != uuid.Nil, "id"); err != nil {
			return err
		}
		return PropertyRequired(base.VersionTag != "", "versionTag")
	}
	return nil
}

// VersionTagsEqual compares two opaque version tags; comparison is
// case-insensitive to tolerate transport-level normalization.
func VersionTagsEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}
