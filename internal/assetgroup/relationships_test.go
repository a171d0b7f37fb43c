package assetgroup

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/entity"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/testutil"
)

// seedAgentWithCaps stores an agent with a pre-derived capability list.
func (f *groupFixture) seedAgentWithCaps(t *testing.T, ownerID id.OwnerID, caps ...entity.Capability) *entity.DeleteAgent {
	t.Helper()
	seeded, err := f.world.Seed(f.ctx, &entity.DeleteAgent{
		Base:         entity.Base{ID: uuid.New()},
		Named:        entity.Named{Name: "agent-" + uuid.NewString()[:8]},
		OwnerID:      ownerID,
		Capabilities: caps,
	})
	require.NoError(t, err)
	return seeded[0].(*entity.DeleteAgent)
}

func (f *groupFixture) seedGroup(t *testing.T, g *entity.AssetGroup) *entity.AssetGroup {
	t.Helper()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	seeded, err := f.world.Seed(f.ctx, g)
	require.NoError(t, err)
	return seeded[0].(*entity.AssetGroup)
}

func clearAction(c entity.Capability) CapabilityAction {
	return CapabilityAction{Capability: c, Verb: VerbClear}
}

func setAction(c entity.Capability, agentID id.AgentID) CapabilityAction {
	return CapabilityAction{Capability: c, Verb: VerbSet, AgentID: agentID}
}

func TestBulkClearLastLinkEmptiesAgentCapabilities(t *testing.T) {
	f := newGroupFixture(t)
	agent := f.seedAgentWithCaps(t, f.owner.OwnerID(), entity.CapabilityDelete)
	group := f.seedGroup(t, &entity.AssetGroup{
		OwnerID:       f.owner.OwnerID(),
		Qualifier:     "AssetType=AzureTable;AccountName=payments",
		DeleteAgentID: agent.AgentID(),
	})

	result, err := f.writer.ApplyAgentRelationships(f.ctx, ApplyParameters{
		Relationships: []RelationshipChange{{
			AssetGroupID: group.AssetGroupID(),
			VersionTag:   group.VersionTag,
			Actions:      []CapabilityAction{clearAction(entity.CapabilityDelete)},
		}},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, StatusRemoved, result.Results[0].Capabilities[0].Status)
	assert.NotEqual(t, group.VersionTag, result.Results[0].VersionTag)

	unlinked, err := f.world.AssetGroups.ReadByID(f.ctx, group.AssetGroupID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.True(t, unlinked.DeleteAgentID.IsNil())

	stored, err := f.world.Agents.ReadByID(f.ctx, agent.AgentID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.Empty(t, stored.Capabilities, "no group links the agent anymore")
}

func TestBulkClearKeepsCapabilitiesStillLinkedElsewhere(t *testing.T) {
	f := newGroupFixture(t)
	agent := f.seedAgentWithCaps(t, f.owner.OwnerID(), entity.CapabilityDelete)
	group := f.seedGroup(t, &entity.AssetGroup{
		OwnerID:       f.owner.OwnerID(),
		Qualifier:     "AssetType=AzureTable;AccountName=payments",
		DeleteAgentID: agent.AgentID(),
	})
	f.seedGroup(t, &entity.AssetGroup{
		OwnerID:       f.owner.OwnerID(),
		Qualifier:     "AssetType=AzureBlob;AccountName=payments",
		DeleteAgentID: agent.AgentID(),
	})

	_, err := f.writer.ApplyAgentRelationships(f.ctx, ApplyParameters{
		Relationships: []RelationshipChange{{
			AssetGroupID: group.AssetGroupID(),
			VersionTag:   group.VersionTag,
			Actions:      []CapabilityAction{clearAction(entity.CapabilityDelete)},
		}},
	})
	require.NoError(t, err)

	stored, err := f.world.Agents.ReadByID(f.ctx, agent.AgentID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.Equal(t, []entity.Capability{entity.CapabilityDelete}, stored.Capabilities,
		"the second group still links the agent")
}

func TestBulkClearDeletesOwnerlessGroup(t *testing.T) {
	f := newGroupFixture(t)
	agent := f.seedAgentWithCaps(t, f.owner.OwnerID(), entity.CapabilityDelete)
	group := f.seedGroup(t, &entity.AssetGroup{
		Qualifier:     "AssetType=AzureTable;AccountName=orphan",
		DeleteAgentID: agent.AgentID(),
	})

	_, err := f.writer.ApplyAgentRelationships(f.ctx, ApplyParameters{
		Relationships: []RelationshipChange{{
			AssetGroupID: group.AssetGroupID(),
			VersionTag:   group.VersionTag,
			Actions:      []CapabilityAction{clearAction(entity.CapabilityDelete)},
		}},
	})
	require.NoError(t, err)

	_, err = f.world.AssetGroups.ReadByID(f.ctx, group.AssetGroupID(), entity.ExpandNone)
	assert.ErrorIs(t, err, sentinel.ErrNotFound, "a group with neither owner nor agent is deleted")

	stored, err := f.world.Agents.ReadByID(f.ctx, agent.AgentID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.Empty(t, stored.Capabilities)
}

func TestBulkClearPrunesEmptySharingRequest(t *testing.T) {
	f := newGroupFixture(t)

	other, err := f.world.Seed(f.ctx, &entity.DataOwner{
		Base:  entity.Base{ID: uuid.New()},
		Named: entity.Named{Name: "Other Org"},
	})
	require.NoError(t, err)
	agent := f.seedAgent(t, other[0].(*entity.DataOwner).OwnerID(), true)

	groupID := id.AssetGroupID(uuid.New())
	requestSeed, err := f.world.Seed(f.ctx, &entity.SharingRequest{
		Base:          entity.Base{ID: uuid.New()},
		OwnerID:       f.owner.OwnerID(),
		DeleteAgentID: agent.AgentID(),
		Relationships: map[id.AssetGroupID]*entity.SharingRelationship{
			groupID: {AssetGroupID: groupID, Capabilities: []entity.Capability{entity.CapabilityDelete}},
		},
	})
	require.NoError(t, err)
	request := requestSeed[0].(*entity.SharingRequest)

	group := f.seedGroup(t, &entity.AssetGroup{
		Base:                   entity.Base{ID: uuid.UUID(groupID)},
		OwnerID:                f.owner.OwnerID(),
		Qualifier:              "AssetType=AzureTable;AccountName=shared",
		DeleteSharingRequestID: request.SharingRequestID(),
	})

	_, err = f.writer.ApplyAgentRelationships(f.ctx, ApplyParameters{
		Relationships: []RelationshipChange{{
			AssetGroupID: group.AssetGroupID(),
			VersionTag:   group.VersionTag,
			Actions:      []CapabilityAction{clearAction(entity.CapabilityDelete)},
		}},
	})
	require.NoError(t, err)

	_, err = f.world.Sharing.ReadByID(f.ctx, request.SharingRequestID(), entity.ExpandNone)
	assert.ErrorIs(t, err, sentinel.ErrNotFound, "a request with no remaining groups is deleted")

	unlinked, err := f.world.AssetGroups.ReadByID(f.ctx, group.AssetGroupID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.True(t, unlinked.DeleteSharingRequestID.IsNil())
}

func TestBulkSetLinksAgentAcrossGroups(t *testing.T) {
	f := newGroupFixture(t)
	agent := f.seedAgent(t, f.owner.OwnerID(), false)
	first := f.seedGroup(t, &entity.AssetGroup{
		OwnerID:   f.owner.OwnerID(),
		Qualifier: "AssetType=AzureTable;AccountName=one",
	})
	second := f.seedGroup(t, &entity.AssetGroup{
		OwnerID:   f.owner.OwnerID(),
		Qualifier: "AssetType=AzureTable;AccountName=two",
	})

	result, err := f.writer.ApplyAgentRelationships(f.ctx, ApplyParameters{
		Relationships: []RelationshipChange{
			{
				AssetGroupID: first.AssetGroupID(),
				VersionTag:   first.VersionTag,
				Actions:      []CapabilityAction{setAction(entity.CapabilityDelete, agent.AgentID())},
			},
			{
				AssetGroupID: second.AssetGroupID(),
				VersionTag:   second.VersionTag,
				Actions:      []CapabilityAction{setAction(entity.CapabilityDelete, agent.AgentID())},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	for _, r := range result.Results {
		assert.Equal(t, StatusUpdated, r.Capabilities[0].Status)
		assert.NotEmpty(t, r.VersionTag)
	}

	for _, groupID := range []id.AssetGroupID{first.AssetGroupID(), second.AssetGroupID()} {
		linked, err := f.world.AssetGroups.ReadByID(f.ctx, groupID, entity.ExpandNone)
		require.NoError(t, err)
		assert.Equal(t, agent.AgentID(), linked.DeleteAgentID)
	}

	stored, err := f.world.Agents.ReadByID(f.ctx, agent.AgentID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.Equal(t, []entity.Capability{entity.CapabilityDelete}, stored.Capabilities)
}

func TestBulkSetCrossOwnerRoutesThroughSharingRequest(t *testing.T) {
	f := newGroupFixture(t)

	other, err := f.world.Seed(f.ctx, &entity.DataOwner{
		Base:  entity.Base{ID: uuid.New()},
		Named: entity.Named{Name: "Other Org"},
	})
	require.NoError(t, err)
	agent := f.seedAgent(t, other[0].(*entity.DataOwner).OwnerID(), true)
	group := f.seedGroup(t, &entity.AssetGroup{
		OwnerID:   f.owner.OwnerID(),
		Qualifier: "AssetType=AzureTable;AccountName=shared",
	})

	result, err := f.writer.ApplyAgentRelationships(f.ctx, ApplyParameters{
		Relationships: []RelationshipChange{{
			AssetGroupID: group.AssetGroupID(),
			VersionTag:   group.VersionTag,
			Actions:      []CapabilityAction{setAction(entity.CapabilityDelete, agent.AgentID())},
		}},
	})
	require.NoError(t, err)

	capResult := result.Results[0].Capabilities[0]
	assert.Equal(t, StatusRequested, capResult.Status)
	require.False(t, capResult.SharingRequestID.IsNil())

	linked, err := f.world.AssetGroups.ReadByID(f.ctx, group.AssetGroupID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.True(t, linked.DeleteAgentID.IsNil(), "direct link deferred until approval")
	assert.Equal(t, capResult.SharingRequestID, linked.DeleteSharingRequestID)

	request, err := f.world.Sharing.ReadByID(f.ctx, capResult.SharingRequestID, entity.ExpandNone)
	require.NoError(t, err)
	rel := request.Relationships[group.AssetGroupID()]
	require.NotNil(t, rel)
	assert.Equal(t, []entity.Capability{entity.CapabilityDelete}, rel.Capabilities)
}

func TestBulkSharedAgentUnlinkByAgentOwner(t *testing.T) {
	f := newGroupFixture(t)

	bobGroup := id.SecurityGroupID(uuid.New())
	f.world.Directory.AddMember("bob", bobGroup)
	bobCtx := testutil.UserContext("bob", "bob")

	other, err := f.world.Seed(f.ctx, &entity.DataOwner{
		Base:                entity.Base{ID: uuid.New()},
		Named:               entity.Named{Name: "Agent Org"},
		WriteSecurityGroups: []id.SecurityGroupID{bobGroup},
	})
	require.NoError(t, err)
	agent := f.seedAgentWithCaps(t, other[0].(*entity.DataOwner).OwnerID(), entity.CapabilityDelete)

	// The group belongs to an owner bob cannot edit; only the shared-agent
	// unlink path lets bob release the link.
	group := f.seedGroup(t, &entity.AssetGroup{
		OwnerID:       f.owner.OwnerID(),
		Qualifier:     "AssetType=AzureTable;AccountName=lent",
		DeleteAgentID: agent.AgentID(),
	})

	_, err = f.writer.ApplyAgentRelationships(bobCtx, ApplyParameters{
		Relationships: []RelationshipChange{{
			AssetGroupID: group.AssetGroupID(),
			VersionTag:   group.VersionTag,
			Actions:      []CapabilityAction{clearAction(entity.CapabilityDelete)},
		}},
	})
	require.NoError(t, err)

	unlinked, err := f.world.AssetGroups.ReadByID(f.ctx, group.AssetGroupID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.True(t, unlinked.DeleteAgentID.IsNil())

	stored, err := f.world.Agents.ReadByID(f.ctx, agent.AgentID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.Empty(t, stored.Capabilities)
}

func TestBulkSetByForeignEditorForbidden(t *testing.T) {
	f := newGroupFixture(t)

	f.world.Directory.AddMember("mallory", id.SecurityGroupID(uuid.New()))
	malloryCtx := testutil.UserContext("mallory", "mallory")

	agent := f.seedAgent(t, f.owner.OwnerID(), false)
	group := f.seedGroup(t, &entity.AssetGroup{
		OwnerID:   f.owner.OwnerID(),
		Qualifier: "AssetType=AzureTable;AccountName=guarded",
	})

	_, err := f.writer.ApplyAgentRelationships(malloryCtx, ApplyParameters{
		Relationships: []RelationshipChange{{
			AssetGroupID: group.AssetGroupID(),
			VersionTag:   group.VersionTag,
			Actions:      []CapabilityAction{setAction(entity.CapabilityDelete, agent.AgentID())},
		}},
	})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)
}

func TestBulkBatchShapeValidation(t *testing.T) {
	f := newGroupFixture(t)
	agent := f.seedAgent(t, f.owner.OwnerID(), false)
	group := f.seedGroup(t, &entity.AssetGroup{
		OwnerID:   f.owner.OwnerID(),
		Qualifier: "AssetType=AzureTable;AccountName=shape",
	})

	run := func(actions ...CapabilityAction) error {
		_, err := f.writer.ApplyAgentRelationships(f.ctx, ApplyParameters{
			Relationships: []RelationshipChange{{
				AssetGroupID: group.AssetGroupID(),
				VersionTag:   group.VersionTag,
				Actions:      actions,
			}},
		})
		return err
	}

	t.Run("empty batch", func(t *testing.T) {
		_, err := f.writer.ApplyAgentRelationships(f.ctx, ApplyParameters{})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
	})
	t.Run("mixed verbs", func(t *testing.T) {
		err := run(setAction(entity.CapabilityDelete, agent.AgentID()), clearAction(entity.CapabilityExport))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
	})
	t.Run("set without agent", func(t *testing.T) {
		err := run(CapabilityAction{Capability: entity.CapabilityDelete, Verb: VerbSet})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
	})
	t.Run("clear with agent", func(t *testing.T) {
		err := run(CapabilityAction{Capability: entity.CapabilityDelete, Verb: VerbClear, AgentID: agent.AgentID()})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
	})
	t.Run("duplicate capability", func(t *testing.T) {
		err := run(clearAction(entity.CapabilityDelete), clearAction(entity.CapabilityDelete))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
	})
	t.Run("account close not bulk linkable", func(t *testing.T) {
		err := run(clearAction(entity.CapabilityAccountClose))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidValue), "got %v", err)
	})
	t.Run("stale version tag", func(t *testing.T) {
		_, err := f.writer.ApplyAgentRelationships(f.ctx, ApplyParameters{
			Relationships: []RelationshipChange{{
				AssetGroupID: group.AssetGroupID(),
				VersionTag:   uuid.NewString(),
				Actions:      []CapabilityAction{clearAction(entity.CapabilityDelete)},
			}},
		})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeVersionMismatch), "got %v", err)
	})
}
