package assetgroup

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"custodia/internal/authorization"
	"custodia/internal/entity"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"
)

// RelationshipManager recalculates agent links when asset group writes change
// them, and runs the bulk relink operation. Same-owner links are applied
// directly and widen the agent's derived capabilities; cross-owner links route
// through a sharing request that the agent's owner approves later. All side
// effects ride in the same storage batch as the groups.
type RelationshipManager struct {
	groups  entity.AssetGroupReader
	agents  entity.AgentReader
	owners  entity.OwnerReader
	sharing entity.SharingRequestReader
	store   entity.StorageWriter
	authz   entity.Authorizer
}

func NewRelationshipManager(
	groups entity.AssetGroupReader,
	agents entity.AgentReader,
	owners entity.OwnerReader,
	sharing entity.SharingRequestReader,
	store entity.StorageWriter,
	authz entity.Authorizer,
) *RelationshipManager {
	return &RelationshipManager{
		groups:  groups,
		agents:  agents,
		owners:  owners,
		sharing: sharing,
		store:   store,
		authz:   authz,
	}
}

// linkedCapabilities are the capabilities an agent link can carry.
var linkedCapabilities = []entity.Capability{
	entity.CapabilityDelete,
	entity.CapabilityExport,
	entity.CapabilityAccountClose,
}

// SyncLinks diffs the agent links between existing and incoming during a
// single-group write and rewrites incoming's link fields. It returns the
// side-effect entities to batch with the group: sharing requests born or
// grown, and agents whose derived capabilities widened. existing is nil on
// create.
func (m *RelationshipManager) SyncLinks(ctx context.Context, op *entity.Operation, existing, incoming *entity.AssetGroup) ([]entity.Entity, error) {
	// Sharing requests created in this operation, so two capabilities
	// pointing at the same agent share one request.
	bornRequests := make(map[id.AgentID]*entity.SharingRequest)
	sideEffects := make(map[uuid.UUID]entity.Entity)
	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)

	for _, c := range linkedCapabilities {
		requested := incoming.AgentID(c)
		if requested.IsNil() {
			continue
		}
		if existing != nil && existing.AgentID(c) == requested {
			continue
		}

		agent, err := m.readAgent(ctx, op, requested)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.Newf(dErrors.CodeInvalidValue, "agent %s does not exist", requested).
					WithTarget(linkField(c))
			}
			return nil, err
		}

		if agent.OwnerID == incoming.OwnerID || incoming.OwnerID.IsNil() {
			// Same owner: link directly and widen the agent's capabilities.
			if !agent.HasCapability(c) {
				agent.AddCapability(c)
				touch(agent, principal.UserID, now)
				sideEffects[agent.ID] = agent
			}
			continue
		}

		if c == entity.CapabilityAccountClose {
			return nil, dErrors.New(dErrors.CodeInvalidValue, "account close links cannot cross owners").
				WithTarget(linkField(c))
		}
		if !agent.SharingEnabled {
			return nil, dErrors.Newf(dErrors.CodeInvalidValue, "agent %s does not accept sharing requests", requested).
				WithTarget(linkField(c))
		}

		request, err := m.openRequest(ctx, bornRequests, incoming, agent)
		if err != nil {
			return nil, err
		}
		rel, ok := request.Relationships[incoming.AssetGroupID()]
		if !ok {
			rel = &entity.SharingRelationship{
				AssetGroupID:   incoming.AssetGroupID(),
				AssetQualifier: incoming.Qualifier,
			}
			request.Relationships[incoming.AssetGroupID()] = rel
		}
		rel.AddCapability(c)
		touch(request, principal.UserID, now)
		sideEffects[request.ID] = request

		// The group holds the pending request, not the agent, until approval.
		incoming.SetAgentID(c, id.AgentID{})
		incoming.SetSharingRequestID(c, request.SharingRequestID())
	}

	batch := make([]entity.Entity, 0, len(sideEffects))
	for _, e := range sideEffects {
		batch = append(batch, e)
	}
	return batch, nil
}

// ActionVerb is the single operation a bulk relink batch performs.
type ActionVerb string

const (
	VerbSet   ActionVerb = "Set"
	VerbClear ActionVerb = "Clear"
)

// CapabilityAction relinks or unlinks one capability on one asset group.
type CapabilityAction struct {
	Capability entity.Capability `json:"capabilityId"`
	Verb       ActionVerb        `json:"verb"`
	AgentID    id.AgentID        `json:"agentId,omitempty"`
}

// RelationshipChange is one asset group's entry in a bulk relink batch.
type RelationshipChange struct {
	AssetGroupID id.AssetGroupID    `json:"assetGroupId"`
	VersionTag   string             `json:"versionTag"`
	Actions      []CapabilityAction `json:"actions"`
}

// ApplyParameters is the bulk relink request: every entry must use the same
// verb and, for Set, the same agent.
type ApplyParameters struct {
	Relationships []RelationshipChange `json:"relationships"`
}

// CapabilityStatus reports what happened to one capability link.
type CapabilityStatus string

const (
	StatusUpdated   CapabilityStatus = "Updated"
	StatusRequested CapabilityStatus = "Requested"
	StatusRemoved   CapabilityStatus = "Removed"
)

type CapabilityResult struct {
	Capability       entity.Capability   `json:"capabilityId"`
	Status           CapabilityStatus    `json:"status"`
	SharingRequestID id.SharingRequestID `json:"sharingRequestId,omitempty"`
}

type GroupResult struct {
	AssetGroupID id.AssetGroupID    `json:"assetGroupId"`
	VersionTag   string             `json:"versionTag,omitempty"`
	Capabilities []CapabilityResult `json:"capabilities"`
}

// ApplyResult carries the per-group outcome of a bulk relink, with the version
// tags the persisted groups ended up with.
type ApplyResult struct {
	Results []GroupResult `json:"results"`
}

// applyPlan is the validated shape of a bulk batch.
type applyPlan struct {
	verb    ActionVerb
	agentID id.AgentID
	order   []id.AssetGroupID
	caps    map[id.AssetGroupID][]entity.Capability
	tags    map[id.AssetGroupID]string
}

// ApplyChanges runs the bulk relink operation: one verb across the batch,
// authorized against the groups' shared owner, except for the shared-agent
// unlink case where the agent's owner may clear links on groups it does not
// own. Groups, sharing requests, and agents commit as one batch.
func (m *RelationshipManager) ApplyChanges(ctx context.Context, params ApplyParameters) (*ApplyResult, error) {
	plan, err := params.plan()
	if err != nil {
		return nil, err
	}

	op := entity.NewOperation()
	groups := make([]*entity.AssetGroup, 0, len(plan.order))
	for _, groupID := range plan.order {
		group, err := m.readGroup(ctx, op, groupID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.Newf(dErrors.CodeInvalidValue, "asset group %s does not exist", groupID).
					WithTarget("relationships")
			}
			return nil, err
		}
		if !entity.VersionTagsEqual(group.VersionTag, plan.tags[groupID]) {
			return nil, dErrors.Newf(dErrors.CodeVersionMismatch,
				"asset group %s was changed by a concurrent write", groupID)
		}
		groups = append(groups, group)
	}

	agentOwnerUnlink := false
	if plan.verb == VerbClear {
		agentOwnerUnlink, err = m.tryAgentOwnerUnlink(ctx, op, plan, groups)
		if err != nil {
			return nil, err
		}
	}

	var sideEffects []entity.Entity
	var results []GroupResult
	if agentOwnerUnlink {
		sideEffects, results, err = m.clearLinks(ctx, op, plan, groups)
	} else {
		owner, cerr := m.commonOwner(ctx, groups)
		if cerr != nil {
			return nil, cerr
		}
		if aerr := m.authz.Authorize(ctx, authorization.RoleServiceEditor, singleOwner(owner)); aerr != nil {
			return nil, aerr
		}
		if plan.verb == VerbSet {
			sideEffects, results, err = m.setLinks(ctx, op, plan, groups, owner)
		} else {
			sideEffects, results, err = m.clearLinks(ctx, op, plan, groups)
		}
	}
	if err != nil {
		return nil, err
	}

	principal := requestcontext.Principal(ctx)
	now := requestcontext.Now(ctx)
	batch := make([]entity.Entity, 0, len(sideEffects)+len(groups))
	for _, e := range sideEffects {
		touch(e, principal.UserID, now)
		batch = append(batch, e)
	}
	for _, g := range groups {
		if !g.CheckLinkExclusivity() {
			return nil, dErrors.New(dErrors.CodeInvariantViolation,
				"relationship recalculation produced conflicting links")
		}
		touch(g, principal.UserID, now)
		batch = append(batch, g)
	}

	persisted, err := m.store.UpsertMany(ctx, batch)
	if err != nil {
		if errors.Is(err, sentinel.ErrVersionMismatch) {
			return nil, dErrors.Wrap(err, dErrors.CodeVersionMismatch, "a concurrent write changed an entity in this batch")
		}
		return nil, err
	}

	freshTags := make(map[id.AssetGroupID]string, len(groups))
	for _, p := range persisted {
		if g, ok := p.(*entity.AssetGroup); ok {
			freshTags[g.AssetGroupID()] = g.VersionTag
		}
	}
	for i := range results {
		results[i].VersionTag = freshTags[results[i].AssetGroupID]
	}
	return &ApplyResult{Results: results}, nil
}

func (p ApplyParameters) plan() (*applyPlan, error) {
	if len(p.Relationships) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "at least one relationship entry is required").
			WithTarget("relationships")
	}

	plan := &applyPlan{
		caps: make(map[id.AssetGroupID][]entity.Capability, len(p.Relationships)),
		tags: make(map[id.AssetGroupID]string, len(p.Relationships)),
	}
	for _, rel := range p.Relationships {
		if _, dup := plan.caps[rel.AssetGroupID]; dup {
			return nil, dErrors.Newf(dErrors.CodeInvalidInput, "asset group %s is listed twice", rel.AssetGroupID).
				WithTarget("relationships")
		}
		if len(rel.Actions) == 0 {
			return nil, dErrors.Newf(dErrors.CodeInvalidInput, "asset group %s carries no actions", rel.AssetGroupID).
				WithTarget("actions")
		}

		seen := make(map[entity.Capability]struct{}, len(rel.Actions))
		for _, action := range rel.Actions {
			switch action.Capability {
			case entity.CapabilityDelete, entity.CapabilityExport:
			default:
				return nil, dErrors.Newf(dErrors.CodeInvalidValue, "capability %s cannot be relinked in bulk", action.Capability).
					WithTarget("capabilityId")
			}
			if _, dup := seen[action.Capability]; dup {
				return nil, dErrors.Newf(dErrors.CodeInvalidInput, "capability %s appears twice for asset group %s",
					action.Capability, rel.AssetGroupID).WithTarget("capabilityId")
			}
			seen[action.Capability] = struct{}{}

			switch {
			case plan.verb == "":
				plan.verb = action.Verb
			case plan.verb != action.Verb:
				return nil, dErrors.New(dErrors.CodeInvalidInput, "a single verb must be used across the batch").
					WithTarget("verb")
			}

			switch action.Verb {
			case VerbSet:
				if action.AgentID.IsNil() {
					return nil, dErrors.New(dErrors.CodeInvalidInput, "Set actions require an agent id").
						WithTarget("agentId")
				}
				if plan.agentID.IsNil() {
					plan.agentID = action.AgentID
				} else if plan.agentID != action.AgentID {
					return nil, dErrors.New(dErrors.CodeInvalidInput, "a single agent must be used across the batch").
						WithTarget("agentId")
				}
			case VerbClear:
				if !action.AgentID.IsNil() {
					return nil, dErrors.New(dErrors.CodeInvalidInput, "Clear actions cannot carry an agent id").
						WithTarget("agentId")
				}
			default:
				return nil, dErrors.Newf(dErrors.CodeInvalidValue, "unknown verb %q", action.Verb).
					WithTarget("verb")
			}

			plan.caps[rel.AssetGroupID] = append(plan.caps[rel.AssetGroupID], action.Capability)
		}

		plan.order = append(plan.order, rel.AssetGroupID)
		plan.tags[rel.AssetGroupID] = rel.VersionTag
	}
	return plan, nil
}

// tryAgentOwnerUnlink detects the shared-agent unlink case: every cleared
// capability resolves to the same linked agent, and the caller edits for that
// agent's owner. Lets an agent owner release links on groups it does not own.
func (m *RelationshipManager) tryAgentOwnerUnlink(ctx context.Context, op *entity.Operation, plan *applyPlan, groups []*entity.AssetGroup) (bool, error) {
	var impacted []id.AgentID
	for _, g := range groups {
		for _, c := range plan.caps[g.AssetGroupID()] {
			if agentID := g.AgentID(c); !agentID.IsNil() {
				impacted = append(impacted, agentID)
			}
		}
	}
	distinct := uniqueAgentIDs(impacted)
	if len(distinct) != 1 {
		return false, nil
	}

	agent, err := m.readAgent(ctx, op, distinct[0])
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	owner, err := m.owners.ReadByID(ctx, agent.OwnerID, entity.ExpandWriteProperties)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.authz.TryAuthorize(ctx, authorization.RoleServiceEditor, singleOwner(owner))
}

// commonOwner requires every group in the batch to share one owner and reads
// that owner's write properties for authorization.
func (m *RelationshipManager) commonOwner(ctx context.Context, groups []*entity.AssetGroup) (*entity.DataOwner, error) {
	var ownerID id.OwnerID
	for _, g := range groups {
		if g.OwnerID.IsNil() {
			return nil, dErrors.Newf(dErrors.CodeInvalidValue, "asset group %s has no owner", g.AssetGroupID()).
				WithTarget("relationships")
		}
		if !ownerID.IsNil() && g.OwnerID != ownerID {
			return nil, dErrors.New(dErrors.CodeInvalidValue, "all asset groups in the batch must share one owner").
				WithTarget("relationships")
		}
		ownerID = g.OwnerID
	}

	owner, err := m.owners.ReadByID(ctx, ownerID, entity.ExpandWriteProperties)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeInvalidValue, "owner %s does not exist", ownerID).
				WithTarget("relationships")
		}
		return nil, err
	}
	return owner, nil
}

// setLinks applies a Set batch. A same-owner agent is linked directly and its
// capability list widened; a cross-owner sharing-enabled agent gets the batch
// attached to the single pending sharing request for the (owner, agent) pair.
func (m *RelationshipManager) setLinks(ctx context.Context, op *entity.Operation, plan *applyPlan, groups []*entity.AssetGroup, owner *entity.DataOwner) ([]entity.Entity, []GroupResult, error) {
	agent, err := m.readAgent(ctx, op, plan.agentID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, dErrors.Newf(dErrors.CodeInvalidValue, "agent %s does not exist", plan.agentID).
				WithTarget("agentId")
		}
		return nil, nil, err
	}

	if agent.OwnerID == owner.OwnerID() {
		return m.setDirect(ctx, plan, groups, agent)
	}
	if !agent.SharingEnabled {
		return nil, nil, dErrors.Newf(dErrors.CodeInvalidValue,
			"agent %s belongs to another owner and does not accept sharing requests", plan.agentID).
			WithTarget("agentId")
	}
	return m.setShared(ctx, plan, groups, owner, agent)
}

func (m *RelationshipManager) setDirect(ctx context.Context, plan *applyPlan, groups []*entity.AssetGroup, agent *entity.DeleteAgent) ([]entity.Entity, []GroupResult, error) {
	cleared := newClearedSet()
	var impactedRequests []id.SharingRequestID
	results := make([]GroupResult, 0, len(groups))

	for _, g := range groups {
		var capResults []CapabilityResult
		for _, c := range plan.caps[g.AssetGroupID()] {
			if requestID := g.SharingRequestID(c); !requestID.IsNil() {
				impactedRequests = append(impactedRequests, requestID)
			}
			cleared[c][g.AssetGroupID()] = true
			g.SetAgentID(c, agent.AgentID())
			g.SetSharingRequestID(c, id.SharingRequestID{})
			agent.AddCapability(c)
			capResults = append(capResults, CapabilityResult{Capability: c, Status: StatusUpdated})
		}
		results = append(results, GroupResult{AssetGroupID: g.AssetGroupID(), Capabilities: capResults})
	}

	requests, err := m.pruneSharingRequests(ctx, impactedRequests, cleared)
	if err != nil {
		return nil, nil, err
	}
	return append(requests, agent), results, nil
}

func (m *RelationshipManager) setShared(ctx context.Context, plan *applyPlan, groups []*entity.AssetGroup, owner *entity.DataOwner, agent *entity.DeleteAgent) ([]entity.Entity, []GroupResult, error) {
	var sideEffects []entity.Entity

	ownerID := owner.OwnerID()
	agentID := agent.AgentID()
	found, err := m.sharing.ReadByFilter(ctx, entity.SharingRequestFilterCriteria{
		OwnerID:       &ownerID,
		DeleteAgentID: &agentID,
	}, entity.ExpandWriteProperties)
	if err != nil {
		return nil, nil, err
	}

	var request *entity.SharingRequest
	if len(found.Values) > 0 {
		request = found.Values[0]
		if request.Relationships == nil {
			request.Relationships = make(map[id.AssetGroupID]*entity.SharingRelationship)
		}
	} else {
		request = &entity.SharingRequest{
			Base:          entity.Base{ID: uuid.New()},
			OwnerID:       ownerID,
			DeleteAgentID: agentID,
			Relationships: make(map[id.AssetGroupID]*entity.SharingRelationship),
		}
		// Writing the owner serializes concurrent batches on its version
		// tag, so the pair never ends up with two open requests.
		sideEffects = append(sideEffects, owner)
	}
	request.OwnerName = owner.Name
	sideEffects = append(sideEffects, request)

	results := make([]GroupResult, 0, len(groups))
	for _, g := range groups {
		rel, ok := request.Relationships[g.AssetGroupID()]
		if !ok {
			rel = &entity.SharingRelationship{
				AssetGroupID:   g.AssetGroupID(),
				AssetQualifier: g.Qualifier,
			}
			request.Relationships[g.AssetGroupID()] = rel
		}

		var capResults []CapabilityResult
		for _, c := range plan.caps[g.AssetGroupID()] {
			rel.AddCapability(c)
			g.SetSharingRequestID(c, request.SharingRequestID())
			g.SetAgentID(c, id.AgentID{})
			capResults = append(capResults, CapabilityResult{
				Capability:       c,
				Status:           StatusRequested,
				SharingRequestID: request.SharingRequestID(),
			})
		}
		results = append(results, GroupResult{AssetGroupID: g.AssetGroupID(), Capabilities: capResults})
	}
	return sideEffects, results, nil
}

// clearLinks applies a Clear batch: links come off the groups, sharing
// requests losing their last relationship are deleted, affected agents get
// their capability lists recomputed, and a group left with neither owner nor
// delete agent is deleted rather than orphaned.
func (m *RelationshipManager) clearLinks(ctx context.Context, op *entity.Operation, plan *applyPlan, groups []*entity.AssetGroup) ([]entity.Entity, []GroupResult, error) {
	cleared := newClearedSet()
	var impactedRequests []id.SharingRequestID
	var impactedAgents []id.AgentID
	results := make([]GroupResult, 0, len(groups))

	for _, g := range groups {
		var capResults []CapabilityResult
		for _, c := range plan.caps[g.AssetGroupID()] {
			if requestID := g.SharingRequestID(c); !requestID.IsNil() {
				impactedRequests = append(impactedRequests, requestID)
			}
			if agentID := g.AgentID(c); !agentID.IsNil() {
				impactedAgents = append(impactedAgents, agentID)
			}
			cleared[c][g.AssetGroupID()] = true
			g.SetAgentID(c, id.AgentID{})
			g.SetSharingRequestID(c, id.SharingRequestID{})

			if c == entity.CapabilityDelete && g.OwnerID.IsNil() {
				g.IsDeleted = true
			}
			capResults = append(capResults, CapabilityResult{Capability: c, Status: StatusRemoved})
		}
		results = append(results, GroupResult{AssetGroupID: g.AssetGroupID(), Capabilities: capResults})
	}

	sideEffects, err := m.pruneSharingRequests(ctx, impactedRequests, cleared)
	if err != nil {
		return nil, nil, err
	}
	agents, err := m.recomputeAgentCapabilities(ctx, op, uniqueAgentIDs(impactedAgents), cleared)
	if err != nil {
		return nil, nil, err
	}
	return append(sideEffects, agents...), results, nil
}

// pruneSharingRequests strips the cleared capabilities out of every impacted
// request and deletes requests left with no relationships.
func (m *RelationshipManager) pruneSharingRequests(ctx context.Context, requestIDs []id.SharingRequestID, cleared map[entity.Capability]map[id.AssetGroupID]bool) ([]entity.Entity, error) {
	var out []entity.Entity
	seen := make(map[id.SharingRequestID]bool, len(requestIDs))
	for _, requestID := range requestIDs {
		if seen[requestID] {
			continue
		}
		seen[requestID] = true

		request, err := m.sharing.ReadByID(ctx, requestID, entity.ExpandWriteProperties)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return nil, err
		}

		for c, groupIDs := range cleared {
			for groupID := range groupIDs {
				rel, ok := request.Relationships[groupID]
				if !ok {
					continue
				}
				rel.Capabilities = removeCapability(rel.Capabilities, c)
				if len(rel.Capabilities) == 0 {
					delete(request.Relationships, groupID)
				}
			}
		}
		if len(request.Relationships) == 0 {
			request.IsDeleted = true
		}
		out = append(out, request)
	}
	return out, nil
}

// recomputeAgentCapabilities rebuilds each affected agent's derived capability
// list from the groups still linking it, ignoring links cleared in this batch.
func (m *RelationshipManager) recomputeAgentCapabilities(ctx context.Context, op *entity.Operation, agentIDs []id.AgentID, cleared map[entity.Capability]map[id.AssetGroupID]bool) ([]entity.Entity, error) {
	var out []entity.Entity
	for _, agentID := range agentIDs {
		agent, err := m.readAgent(ctx, op, agentID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return nil, err
		}

		linked, err := m.groups.ReadLinkedToAgent(ctx, agentID, entity.ExpandNone)
		if err != nil {
			return nil, err
		}

		var caps []entity.Capability
		for _, c := range linkedCapabilities {
			for _, g := range linked {
				if g.AgentID(c) != agentID {
					continue
				}
				if cleared[c] != nil && cleared[c][g.AssetGroupID()] {
					continue
				}
				caps = append(caps, c)
				break
			}
		}

		if !capabilitySetsEqual(agent.Capabilities, caps) {
			agent.Capabilities = caps
			out = append(out, agent)
		}
	}
	return out, nil
}

func (m *RelationshipManager) readGroup(ctx context.Context, op *entity.Operation, groupID id.AssetGroupID) (*entity.AssetGroup, error) {
	return entity.Memoize(ctx, op, uuid.UUID(groupID), func(ctx context.Context) (*entity.AssetGroup, error) {
		return m.groups.ReadByID(ctx, groupID, entity.ExpandWriteProperties)
	})
}

func (m *RelationshipManager) readAgent(ctx context.Context, op *entity.Operation, agentID id.AgentID) (*entity.DeleteAgent, error) {
	return entity.Memoize(ctx, op, uuid.UUID(agentID), func(ctx context.Context) (*entity.DeleteAgent, error) {
		return m.agents.ReadByID(ctx, agentID, entity.ExpandWriteProperties)
	})
}

// openRequest finds or creates the single open sharing request for the
// (owner, agent) pair.
func (m *RelationshipManager) openRequest(ctx context.Context, born map[id.AgentID]*entity.SharingRequest, group *entity.AssetGroup, agent *entity.DeleteAgent) (*entity.SharingRequest, error) {
	if request, ok := born[agent.AgentID()]; ok {
		return request, nil
	}

	ownerID := group.OwnerID
	agentID := agent.AgentID()
	found, err := m.sharing.ReadByFilter(ctx, entity.SharingRequestFilterCriteria{
		OwnerID:       &ownerID,
		DeleteAgentID: &agentID,
	}, entity.ExpandWriteProperties)
	if err != nil {
		return nil, err
	}
	if len(found.Values) > 0 {
		request := found.Values[0]
		if request.Relationships == nil {
			request.Relationships = make(map[id.AssetGroupID]*entity.SharingRelationship)
		}
		born[agentID] = request
		return request, nil
	}

	ownerName := ""
	if owner, err := m.owners.ReadByID(ctx, ownerID, entity.ExpandNone); err == nil {
		ownerName = owner.Name
	}
	request := &entity.SharingRequest{
		Base:          entity.Base{ID: uuid.New()},
		OwnerID:       ownerID,
		OwnerName:     ownerName,
		DeleteAgentID: agentID,
		Relationships: make(map[id.AssetGroupID]*entity.SharingRelationship),
	}
	born[agentID] = request
	return request, nil
}

func linkField(c entity.Capability) string {
	switch c {
	case entity.CapabilityDelete:
		return "deleteAgentId"
	case entity.CapabilityExport:
		return "exportAgentId"
	default:
		return "accountCloseAgentId"
	}
}

// touch prepares a side-effect entity for the batch: new entities get a fresh
// tracking block, existing ones advance a version.
func touch(e entity.Entity, userID string, now time.Time) {
	base := e.Meta()
	if base.Tracking == nil {
		base.Tracking = entity.NewTrackingDetails(userID, now)
		return
	}
	base.Tracking.Advance(userID, now)
}

func singleOwner(owner *entity.DataOwner) authorization.OwnersFunc {
	return func(context.Context) ([]authorization.OwnerRecord, error) {
		return entity.OwnerRecords([]*entity.DataOwner{owner}), nil
	}
}

func newClearedSet() map[entity.Capability]map[id.AssetGroupID]bool {
	return map[entity.Capability]map[id.AssetGroupID]bool{
		entity.CapabilityDelete: {},
		entity.CapabilityExport: {},
	}
}

func uniqueAgentIDs(ids []id.AgentID) []id.AgentID {
	seen := make(map[id.AgentID]bool, len(ids))
	var out []id.AgentID
	for _, agentID := range ids {
		if !seen[agentID] {
			seen[agentID] = true
			out = append(out, agentID)
		}
	}
	return out
}

func removeCapability(caps []entity.Capability, c entity.Capability) []entity.Capability {
	kept := caps[:0]
	for _, have := range caps {
		if have != c {
			kept = append(kept, have)
		}
	}
	return kept
}

func capabilitySetsEqual(a, b []entity.Capability) bool {
	if len(a) != len(b) {
		return false
	}
	have := make(map[entity.Capability]bool, len(a))
	for _, c := range a {
		have[c] = true
	}
	for _, c := range b {
		if !have[c] {
			return false
		}
	}
	return true
}
