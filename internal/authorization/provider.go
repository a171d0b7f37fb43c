package authorization

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/requestcontext"
)

// Directory resolves the security groups the principal belongs to.
// Implementations cache aggressively; forceRefresh bypasses that cache when a
// writer requires fresh membership (see RoleNoCachedSecurityGroups).
type Directory interface {
	SecurityGroupIDs(ctx context.Context, principal requestcontext.AuthenticatedPrincipal, forceRefresh bool) ([]id.SecurityGroupID, error)
}

// OwnerRecord is the slice of a data owner the provider needs: who may write
// it. Writers convert linked owners into records; the provider never reads
// entities itself.
type OwnerRecord struct {
	WriteSecurityGroups []id.SecurityGroupID
	ServiceAdmins       []string
	ServiceID           string
}

// OwnersFunc supplies the data owners linked to the write under evaluation.
//
// A nil slice (with nil error) signals deliberate bypass: the writer wants
// property validation to produce the specific error instead of a generic
// authorization failure. An empty non-nil slice means "owners were looked up
// and none grant access".
type OwnersFunc func(ctx context.Context) ([]OwnerRecord, error)

// Config carries the static role assignments from deployment configuration.
// The catalogs are immutable after construction; inject per provider, never
// share mutable state.
type Config struct {
	ServiceAdminGroups         []id.SecurityGroupID
	VariantEditorGroups        []id.SecurityGroupID
	IncidentManagerGroups      []id.SecurityGroupID
	VariantEditorApplicationID string
}

// Provider evaluates role requirements against the principal in the request
// context.
type Provider struct {
	directory             Directory
	serviceAdminGroups    map[id.SecurityGroupID]struct{}
	variantEditorGroups   map[id.SecurityGroupID]struct{}
	incidentManagerGroups map[id.SecurityGroupID]struct{}
	variantEditorAppID    string
	logger                *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// NewProvider builds a provider from static config and a directory client.
func NewProvider(directory Directory, cfg Config, opts ...Option) *Provider {
	p := &Provider{
		directory:             directory,
		serviceAdminGroups:    groupSet(cfg.ServiceAdminGroups),
		variantEditorGroups:   groupSet(cfg.VariantEditorGroups),
		incidentManagerGroups: groupSet(cfg.IncidentManagerGroups),
		variantEditorAppID:    cfg.VariantEditorApplicationID,
		logger:                slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func groupSet(ids []id.SecurityGroupID) map[id.SecurityGroupID]struct{} {
	set := make(map[id.SecurityGroupID]struct{}, len(ids))
	for _, g := range ids {
		set[g] = struct{}{}
	}
	return set
}

// Authorize fails with a Forbidden domain error when the principal lacks the
// required roles.
func (p *Provider) Authorize(ctx context.Context, required Role, owners OwnersFunc) error {
	return p.evaluate(ctx, required, owners)
}

// TryAuthorize is the non-failing probe: it reports whether the principal
// holds the required roles. Infrastructure failures still surface as errors.
func (p *Provider) TryAuthorize(ctx context.Context, required Role, owners OwnersFunc) (bool, error) {
	err := p.evaluate(ctx, required, owners)
	if err == nil {
		return true, nil
	}
	if dErrors.HasCode(err, dErrors.CodeForbidden) {
		return false, nil
	}
	return false, err
}

func (p *Provider) evaluate(ctx context.Context, required Role, owners OwnersFunc) error {
	if required == RoleNone {
		return dErrors.New(dErrors.CodeForbidden, "this action has no authorization role")
	}

	principal := requestcontext.Principal(ctx)

	// Without a user identity only application-accessible operations (or the
	// registered variant-editor application) proceed.
	if principal.IsApplication() {
		if required.Has(RoleApplicationAccess) {
			return nil
		}
		if required.Has(RoleVariantEditor) && p.variantEditorAppID != "" &&
			strings.EqualFold(p.variantEditorAppID, principal.ApplicationID) {
			p.logger.DebugContext(ctx, "authorized variant editor application",
				slog.String("application_id", principal.ApplicationID))
			return nil
		}
		return dErrors.New(dErrors.CodeForbidden, "a user identity is required for this action").
			WithTarget(RoleApplicationAccess.String())
	}
	required = required.Without(RoleApplicationAccess)

	forceRefresh := required.Has(RoleNoCachedSecurityGroups)
	required = required.Without(RoleNoCachedSecurityGroups)

	groups, err := p.directory.SecurityGroupIDs(ctx, principal, forceRefresh)
	if err != nil {
		return fmt.Errorf("resolve security groups: %w", err)
	}
	held := p.staticRoles(groups)

	// A variant editor satisfies any requirement that includes the role,
	// regardless of owner scoping.
	if required.Has(RoleVariantEditor) && held.Has(RoleVariantEditor) {
		return nil
	}

	type check struct {
		roles Role
		owner *OwnerRecord
	}
	checks := []check{{roles: held}}

	// ServiceEditor and ServiceTreeAdmin are owner-scoped, so the linked
	// owners must be consulted for either. Updates require membership for both
	// the incoming and existing owners, hence a record per owner, all of which
	// must pass.
	if required.Has(RoleServiceEditor) || required.Has(RoleServiceTreeAdmin) {
		// The caller is not a variant editor at this point; drop the flag so
		// the failure names the role that actually matters.
		required = required.Without(RoleVariantEditor)

		if held.Has(RoleServiceAdmin) {
			required = required.Without(RoleServiceEditor).Without(RoleServiceTreeAdmin)
		} else if owners != nil {
			records, err := owners(ctx)
			if err != nil {
				return fmt.Errorf("load data owners for authorization: %w", err)
			}
			if records == nil {
				// Deliberate bypass: let property validation raise the
				// specific error.
				required = required.Without(RoleServiceEditor).Without(RoleServiceTreeAdmin)
			} else if len(records) > 0 {
				checks = checks[:0]
				for i := range records {
					rec := records[i]
					checks = append(checks, check{roles: p.applyOwner(held, groups, principal, rec), owner: &rec})
				}
			}
		}
	}

	for _, c := range checks {
		for _, role := range grantable() {
			if required.Has(role) && !c.roles.Has(role) {
				return p.forbidden(principal, role, c.owner)
			}
		}
	}
	return nil
}

// staticRoles derives directory-wide roles from security group membership.
func (p *Provider) staticRoles(groups []id.SecurityGroupID) Role {
	held := RoleNone
	for _, g := range groups {
		if _, ok := p.serviceAdminGroups[g]; ok {
			held |= RoleServiceAdmin
		}
		if _, ok := p.variantEditorGroups[g]; ok {
			held |= RoleVariantEditor
		}
		if _, ok := p.incidentManagerGroups[g]; ok {
			held |= RoleIncidentManager
		}
	}
	return held
}

// applyOwner extends the held roles with owner-scoped grants for one owner
// record. Empty write security groups or admin lists bypass their role so the
// entity writer's validation can raise a more specific error.
func (p *Provider) applyOwner(held Role, groups []id.SecurityGroupID, principal requestcontext.AuthenticatedPrincipal, owner OwnerRecord) Role {
	inWriteGroup := len(owner.WriteSecurityGroups) == 0
	if !inWriteGroup {
		member := make(map[id.SecurityGroupID]struct{}, len(groups))
		for _, g := range groups {
			member[g] = struct{}{}
		}
		for _, g := range owner.WriteSecurityGroups {
			if _, ok := member[g]; ok {
				inWriteGroup = true
				break
			}
		}
	}

	listedAdmin := false
	for _, admin := range owner.ServiceAdmins {
		if strings.EqualFold(admin, principal.UserAlias) {
			listedAdmin = true
			break
		}
	}

	if inWriteGroup || listedAdmin {
		held |= RoleServiceEditor
	}
	if listedAdmin || len(owner.ServiceAdmins) == 0 {
		held |= RoleServiceTreeAdmin
	}
	return held
}

func (p *Provider) forbidden(principal requestcontext.AuthenticatedPrincipal, role Role, owner *OwnerRecord) error {
	switch role {
	case RoleServiceTreeAdmin:
		target := ""
		if owner != nil {
			target = owner.ServiceID
		}
		return dErrors.Newf(dErrors.CodeForbidden,
			"%s is not a service tree admin for this owner", principal.UserAlias).WithTarget(target)
	case RoleServiceEditor:
		var groups []string
		if owner != nil {
			for _, g := range owner.WriteSecurityGroups {
				groups = append(groups, g.String())
			}
		}
		return dErrors.Newf(dErrors.CodeForbidden,
			"%s is not in the write security groups of this owner", principal.UserAlias).
			WithTarget(strings.Join(groups, ";"))
	default:
		return dErrors.Newf(dErrors.CodeForbidden,
			"caller lacks the %s role", role).WithTarget(role.String())
	}
}
