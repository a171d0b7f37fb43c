// Package authorization decides whether the calling principal may perform a
// write, based on static directory roles and per-owner write security groups.
package authorization

import "strings"

// Role is a bit set of privileges a write operation may require. Writers
// declare required roles per action; the provider resolves the caller's roles
// from directory security groups and, for owner-scoped roles, from the data
// owners linked to the write.
type Role uint8

const (
	RoleNone Role = 0

	// RoleServiceEditor is owner-scoped: membership in any write security
	// group of every linked owner, or service-tree admin for that owner.
	RoleServiceEditor Role = 1 << iota
	// RoleServiceAdmin is the elevated operator role; it implies editor
	// rights on every owner.
	RoleServiceAdmin
	// RoleServiceTreeAdmin is owner-scoped: listed as a directory admin of
	// the owner's service-tree node.
	RoleServiceTreeAdmin
	// RoleVariantEditor gates variant definition and variant request
	// approval paths.
	RoleVariantEditor
	// RoleIncidentManager gates incident-management overrides.
	RoleIncidentManager
	// RoleApplicationAccess marks operations callable without a user
	// identity (service-to-service).
	RoleApplicationAccess
	// RoleNoCachedSecurityGroups is a behavior flag, not a grantable role:
	// it forces a directory cache refresh before evaluating the rest.
	RoleNoCachedSecurityGroups
)

// Has reports whether the set includes every bit of flag.
func (r Role) Has(flag Role) bool { return r&flag == flag }

// Without returns the set with flag removed.
func (r Role) Without(flag Role) Role { return r &^ flag }

// String renders the set for error messages and logs.
func (r Role) String() string {
	if r == RoleNone {
		return "None"
	}
	names := []struct {
		flag Role
		name string
	}{
		{RoleServiceEditor, "ServiceEditor"},
		{RoleServiceAdmin, "ServiceAdmin"},
		{RoleServiceTreeAdmin, "ServiceTreeAdmin"},
		{RoleVariantEditor, "VariantEditor"},
		{RoleIncidentManager, "IncidentManager"},
		{RoleApplicationAccess, "ApplicationAccess"},
		{RoleNoCachedSecurityGroups, "NoCachedSecurityGroups"},
	}
	var parts []string
	for _, n := range names {
		if r.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// grantable returns the individual roles a caller can actually hold, in the
// order they are checked for error reporting.
func grantable() []Role {
	return []Role{
		RoleServiceEditor,
		RoleServiceAdmin,
		RoleServiceTreeAdmin,
		RoleVariantEditor,
		RoleIncidentManager,
	}
}
