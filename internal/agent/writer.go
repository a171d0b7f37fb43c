// Package agent implements the write pipeline for delete agents: the
// registered service endpoints that execute privacy commands.
package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"custodia/internal/authorization"
	"custodia/internal/entity"
	"custodia/internal/incident"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"
)

// Writer runs agent writes through the shared pipeline.
type Writer struct {
	*entity.Driver[*entity.DeleteAgent]

	agents    entity.AgentReader
	owners    entity.OwnerReader
	store     entity.StorageWriter
	authz     entity.Authorizer
	protocols *ProtocolCatalog
	confirmer incident.Confirmer
	logger    *slog.Logger
}

// NewWriter wires the agent pipeline. A nil confirmer skips registration
// confirmation; a nil catalog uses the production protocol set.
func NewWriter(
	agents entity.AgentReader,
	owners entity.OwnerReader,
	store entity.StorageWriter,
	authz entity.Authorizer,
	protocols *ProtocolCatalog,
	confirmer incident.Confirmer,
	opts ...entity.DriverOption,
) *Writer {
	if protocols == nil {
		protocols = DefaultProtocolCatalog()
	}
	if confirmer == nil {
		confirmer = incident.Nop{}
	}
	w := &Writer{
		agents:    agents,
		owners:    owners,
		store:     store,
		authz:     authz,
		protocols: protocols,
		confirmer: confirmer,
		logger:    slog.Default(),
	}
	w.Driver = entity.NewDriver[*entity.DeleteAgent](w, authz, opts...)
	return w
}

func (w *Writer) EntityKind() entity.Kind { return entity.KindDeleteAgent }

func (w *Writer) Roles(entity.WriteAction) authorization.Role {
	return authorization.RoleServiceEditor
}

func (w *Writer) ReadExisting(ctx context.Context, op *entity.Operation, entityID uuid.UUID) (*entity.DeleteAgent, error) {
	return entity.Memoize(ctx, op, entityID, func(ctx context.Context) (*entity.DeleteAgent, error) {
		return w.agents.ReadByID(ctx, id.AgentID(entityID), entity.ExpandWriteProperties)
	})
}

// LinkedOwners gates the write on the incoming owner and, when ownership is
// being transferred, on the current one too. A missing owner bypasses so
// consistency validation names the bad reference.
func (w *Writer) LinkedOwners(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.DeleteAgent) ([]*entity.DataOwner, error) {
	owner, err := w.readOwner(ctx, op, incoming.OwnerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	linked := []*entity.DataOwner{owner}

	if action != entity.WriteActionCreate {
		existing, err := w.ReadExisting(ctx, op, incoming.ID)
		if err != nil {
			return nil, err
		}
		if existing.OwnerID != incoming.OwnerID {
			current, err := w.readOwner(ctx, op, existing.OwnerID)
			if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
				return nil, err
			}
			if current != nil {
				linked = append(linked, current)
			}
		}
	}
	return linked, nil
}

func (w *Writer) readOwner(ctx context.Context, op *entity.Operation, ownerID id.OwnerID) (*entity.DataOwner, error) {
	return entity.Memoize(ctx, op, uuid.UUID(ownerID), func(ctx context.Context) (*entity.DataOwner, error) {
		return w.owners.ReadByID(ctx, ownerID, entity.ExpandNone)
	})
}

func (w *Writer) ValidateProperties(ctx context.Context, action entity.WriteAction, incoming *entity.DeleteAgent) error {
	if err := entity.ValidateNamed(incoming.Named); err != nil {
		return err
	}
	if err := entity.PropertyRequired(!incoming.OwnerID.IsNil(), "ownerId"); err != nil {
		return err
	}
	if err := entity.PropertyRequired(len(incoming.ConnectionDetails) > 0, "connectionDetails"); err != nil {
		return err
	}

	if action == entity.WriteActionCreate {
		if err := entity.PropertyShouldNotBeSet(len(incoming.Capabilities) > 0, "capabilities"); err != nil {
			return err
		}
		if err := entity.PropertyShouldNotBeSet(len(incoming.MigratingConnectionDetails) > 0, "migratingConnectionDetails"); err != nil {
			return err
		}
		if err := entity.PropertyShouldNotBeSet(incoming.InProdDate != nil, "inProdDate"); err != nil {
			return err
		}
	}

	if err := w.validateConnectionDetails(incoming.ConnectionDetails); err != nil {
		return err
	}

	// Production readiness requires an incident routing connector.
	if detail, ok := incoming.ProdDetail(); ok && detail.AgentReadiness == entity.ReadinessProdReady {
		if incoming.Icm == nil || incoming.Icm.ConnectorID == uuid.Nil {
			return dErrors.New(dErrors.CodeInvalidInput, "a prod-ready agent requires an icm connector").
				WithTarget("icm")
		}
	}
	return nil
}

// validateConnectionDetails enforces one protocol across all release states
// and the per-authentication field requirements.
func (w *Writer) validateConnectionDetails(details map[entity.ReleaseState]entity.ConnectionDetail) error {
	var protocol entity.Protocol
	for state, detail := range details {
		if detail.Protocol == "" {
			return dErrors.Newf(dErrors.CodeInvalidInput, "connection detail %s requires a protocol", state).
				WithTarget("connectionDetails")
		}
		if !w.protocols.Known(detail.Protocol) {
			return dErrors.Newf(dErrors.CodeInvalidValue, "unknown protocol %q", detail.Protocol).
				WithTarget("connectionDetails")
		}
		if protocol == "" {
			protocol = detail.Protocol
		} else if detail.Protocol != protocol {
			return dErrors.New(dErrors.CodeInvalidInput, "all connection details must share one protocol").
				WithTarget("connectionDetails")
		}

		if err := w.validateAuthentication(state, detail); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) validateAuthentication(state entity.ReleaseState, detail entity.ConnectionDetail) error {
	switch detail.AuthenticationType {
	case entity.AuthTypeAadApp:
		// Single-id and multi-id forms are alternatives, never both.
		if detail.AadAppID != uuid.Nil && len(detail.AadAppIDs) > 0 {
			return dErrors.Newf(dErrors.CodeInvalidInput, "connection detail %s must not set both aadAppId and aadAppIds", state).
				WithTarget("connectionDetails")
		}
		if len(detail.AppIDs()) == 0 {
			return dErrors.Newf(dErrors.CodeInvalidInput, "connection detail %s requires an aad app id", state).
				WithTarget("connectionDetails")
		}
	case entity.AuthTypeMsaSite:
		if w.protocols.IsNextGen(detail.Protocol) {
			return dErrors.Newf(dErrors.CodeInvalidValue, "protocol %q does not support msa site authentication", detail.Protocol).
				WithTarget("connectionDetails")
		}
		if detail.MsaSiteID == 0 {
			return dErrors.Newf(dErrors.CodeInvalidInput, "connection detail %s requires an msa site id", state).
				WithTarget("connectionDetails")
		}
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "connection detail %s requires an authentication type", state).
			WithTarget("connectionDetails")
	}
	return nil
}

func (w *Writer) ValidateConsistency(ctx context.Context, op *entity.Operation, action entity.WriteAction, incoming *entity.DeleteAgent) error {
	if _, err := w.readOwner(ctx, op, incoming.OwnerID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeInvalidValue, "owner %s does not exist", incoming.OwnerID).
				WithTarget("ownerId")
		}
		return err
	}

	if err := w.checkCredentialIsolation(incoming); err != nil {
		return err
	}
	w.defaultReadiness(incoming)

	if action == entity.WriteActionCreate {
		return nil
	}

	existing, err := w.ReadExisting(ctx, op, incoming.ID)
	if err != nil {
		return err
	}

	// Derived from asset group links; the caller never writes it.
	if !capabilitiesEqual(incoming.Capabilities, existing.Capabilities) {
		return dErrors.New(dErrors.CodeImmutableValue, "capabilities are derived from linked asset groups").
			WithTarget("capabilities")
	}

	// Server-managed: carried forward, replaced only by a detected migration.
	incoming.MigratingConnectionDetails = existing.MigratingConnectionDetails
	incoming.InProdDate = existing.InProdDate

	return w.validateProdTransition(ctx, existing, incoming)
}

// defaultReadiness stamps the readiness the caller may omit: a pre-prod
// detail is always prod-ready, and an unset prod or ring readiness starts at
// TestInProd.
func (w *Writer) defaultReadiness(a *entity.DeleteAgent) {
	for state, detail := range a.ConnectionDetails {
		if state == entity.ReleaseStatePreProd {
			detail.AgentReadiness = entity.ReadinessProdReady
		} else if detail.AgentReadiness == "" {
			detail.AgentReadiness = entity.ReadinessTestInProd
		}
		a.ConnectionDetails[state] = detail
	}
}

// checkCredentialIsolation rejects production credentials reused in pre-prod:
// a test environment must not be able to drain production commands.
func (w *Writer) checkCredentialIsolation(a *entity.DeleteAgent) error {
	prod, ok := a.ConnectionDetails[entity.ReleaseStateProd]
	if !ok {
		return nil
	}
	prodApps := make(map[uuid.UUID]struct{})
	for _, appID := range prod.AppIDs() {
		prodApps[appID] = struct{}{}
	}
	for state, detail := range a.ConnectionDetails {
		if state == entity.ReleaseStateProd {
			continue
		}
		for _, appID := range detail.AppIDs() {
			if _, shared := prodApps[appID]; shared {
				return dErrors.Newf(dErrors.CodeInvalidValue, "app id %s is used in both prod and %s connection details", appID, state).
					WithTarget("connectionDetails")
			}
		}
		if detail.AuthenticationType == entity.AuthTypeMsaSite && prod.AuthenticationType == entity.AuthTypeMsaSite &&
			detail.MsaSiteID == prod.MsaSiteID {
			return dErrors.Newf(dErrors.CodeInvalidValue, "msa site %d is used in both prod and %s connection details", detail.MsaSiteID, state).
				WithTarget("connectionDetails")
		}
	}
	return nil
}

// validateProdTransition guards the production connection detail: immutable
// once registered except for an elevated operator or a protocol migration,
// and readiness never regresses.
func (w *Writer) validateProdTransition(ctx context.Context, existing, incoming *entity.DeleteAgent) error {
	existingProd, hadProd := existing.ProdDetail()
	incomingProd, hasProd := incoming.ProdDetail()
	if !hadProd {
		return nil
	}
	if !hasProd {
		return dErrors.New(dErrors.CodeImmutableValue, "the prod connection detail cannot be removed").
			WithTarget("connectionDetails")
	}

	if existingProd.AgentReadiness == entity.ReadinessProdReady &&
		incomingProd.AgentReadiness == entity.ReadinessTestInProd {
		return dErrors.New(dErrors.CodeStateTransition, "agent readiness cannot regress from prod-ready").
			WithTarget("connectionDetails")
	}

	if connectionDetailsEqual(existingProd, incomingProd) {
		return nil
	}

	if w.protocols.IsMigration(existingProd.Protocol, incomingProd.Protocol) {
		// The old endpoints keep draining while the migration completes.
		incoming.MigratingConnectionDetails = existing.ConnectionDetails
		return nil
	}

	elevated, err := w.authz.TryAuthorize(ctx, authorization.RoleServiceAdmin, nil)
	if err != nil {
		return err
	}
	if !elevated && !readinessUpgradeOnly(existingProd, incomingProd) {
		return dErrors.New(dErrors.CodeImmutableValue, "the prod connection detail is immutable once registered").
			WithTarget("connectionDetails")
	}
	return nil
}

// readinessUpgradeOnly allows TestInProd to become ProdReady with everything
// else unchanged.
func readinessUpgradeOnly(existing, incoming entity.ConnectionDetail) bool {
	promoted := existing
	promoted.AgentReadiness = entity.ReadinessProdReady
	return existing.AgentReadiness == entity.ReadinessTestInProd &&
		incoming.AgentReadiness == entity.ReadinessProdReady &&
		connectionDetailsEqual(promoted, incoming)
}

func (w *Writer) ValidateDelete(ctx context.Context, op *entity.Operation, existing *entity.DeleteAgent, overridePendingChecks, force bool) error {
	if force {
		return nil
	}
	agentID := existing.AgentID()
	return entity.DefaultDeleteChecks(ctx,
		func(ctx context.Context) (bool, error) { return w.agents.IsLinkedToAnyOtherEntities(ctx, agentID) },
		func(ctx context.Context) (bool, error) { return w.agents.HasPendingCommands(ctx, agentID) },
		overridePendingChecks)
}

func (w *Writer) Persist(ctx context.Context, op *entity.Operation, action entity.WriteAction, a *entity.DeleteAgent) (*entity.DeleteAgent, error) {
	confirm := false
	if action != entity.WriteActionSoftDelete {
		// Stamp the first prod-ready registration; the date never moves.
		if detail, ok := a.ProdDetail(); ok && detail.AgentReadiness == entity.ReadinessProdReady && a.InProdDate == nil {
			now := requestcontext.Now(ctx)
			a.InProdDate = &now
			confirm = a.Icm != nil
		}
	}

	persisted, err := w.store.UpsertMany(ctx, []entity.Entity{a})
	if err != nil {
		return nil, err
	}
	saved := persisted[0].(*entity.DeleteAgent)

	if confirm {
		incident.ConfirmAsync(w.confirmer, w.logger, saved.Icm.ConnectorID, saved.ID)
	}
	return saved, nil
}

func capabilitiesEqual(a, b []entity.Capability) bool {
	if len(a) != len(b) {
		return false
	}
	have := make(map[entity.Capability]int, len(a))
	for _, c := range a {
		have[c]++
	}
	for _, c := range b {
		have[c]--
		if have[c] < 0 {
			return false
		}
	}
	return true
}

func connectionDetailsEqual(a, b entity.ConnectionDetail) bool {
	if a.Protocol != b.Protocol || a.AuthenticationType != b.AuthenticationType ||
		a.MsaSiteID != b.MsaSiteID || a.AadAppID != b.AadAppID ||
		a.AgentReadiness != b.AgentReadiness {
		return false
	}
	if len(a.AadAppIDs) != len(b.AadAppIDs) {
		return false
	}
	have := make(map[uuid.UUID]int, len(a.AadAppIDs))
	for _, appID := range a.AadAppIDs {
		have[appID]++
	}
	for _, appID := range b.AadAppIDs {
		have[appID]--
		if have[appID] < 0 {
			return false
		}
	}
	return true
}
