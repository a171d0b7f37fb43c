package owner

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/directory"
	"custodia/internal/entity"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/testutil"
)

func newTestWriter(t *testing.T) (*Writer, *testutil.World) {
	t.Helper()
	world := testutil.NewWorld()
	w := NewWriter(world.Owners, world.Store, world.Directory, world.Authz)
	return w, world
}

func standaloneOwner(group id.SecurityGroupID) *entity.DataOwner {
	return &entity.DataOwner{
		Named:               entity.Named{Name: "Payments Platform"},
		AlertContacts:       []string{"payments-oncall@contoso.test"},
		WriteSecurityGroups: []id.SecurityGroupID{group},
	}
}

func TestCreateStandaloneOwner(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)
	ctx := testutil.UserContext("alice", "alice")

	created, err := w.Create(ctx, standaloneOwner(group))
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.NotEmpty(t, created.VersionTag)
	assert.Nil(t, created.Tracking, "tracking is server internal")

	stored, err := world.Owners.ReadByID(ctx, created.OwnerID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.Equal(t, "Payments Platform", stored.Name)
}

func TestCreateRequiresWriteSecurityGroups(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := testutil.UserContext("alice", "alice")

	incoming := standaloneOwner(id.SecurityGroupID(uuid.New()))
	incoming.WriteSecurityGroups = nil

	_, err := w.Create(ctx, incoming)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
}

func TestCreateForbiddenOutsideWriteGroups(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := testutil.UserContext("mallory", "mallory")

	_, err := w.Create(ctx, standaloneOwner(id.SecurityGroupID(uuid.New())))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)
	ctx := testutil.UserContext("alice", "alice")

	_, err := w.Create(ctx, standaloneOwner(group))
	require.NoError(t, err)

	dup := standaloneOwner(group)
	dup.Name = "payments platform" // case-insensitive match
	_, err = w.Create(ctx, dup)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadyExists), "got %v", err)
}

func TestCreateServiceTreeOwner(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)

	nodeID := id.ServiceTreeID(uuid.New())
	world.Directory.Nodes[nodeID] = &directory.ServiceTreeNode{
		ID:             nodeID,
		Level:          entity.ServiceTreeLevelService,
		Name:           "Checkout Service",
		OrganizationID: "org-7",
		DivisionID:     "div-2",
		ServiceAdmins:  []string{"alice"},
	}
	ctx := testutil.UserContext("alice", "alice")

	created, err := w.Create(ctx, &entity.DataOwner{
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: nodeID},
	})
	require.NoError(t, err)

	assert.Equal(t, "Checkout Service", created.Name, "name adopted from the directory node")
	assert.Equal(t, "org-7", created.ServiceTree.OrganizationID)
	assert.Equal(t, []string{"alice"}, created.ServiceTree.ServiceAdmins)
}

func TestCreateServiceTreeRejectsCallerName(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)
	ctx := testutil.UserContext("alice", "alice")

	_, err := w.Create(ctx, &entity.DataOwner{
		Named:               entity.Named{Name: "My Own Name"},
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: id.ServiceTreeID(uuid.New())},
	})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
}

func TestCreateServiceTreeRequiresNodeAdmin(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("bob", group)

	nodeID := id.ServiceTreeID(uuid.New())
	world.Directory.Nodes[nodeID] = &directory.ServiceTreeNode{
		ID:            nodeID,
		Level:         entity.ServiceTreeLevelService,
		Name:          "Checkout Service",
		ServiceAdmins: []string{"alice"},
	}
	ctx := testutil.UserContext("bob", "bob")

	_, err := w.Create(ctx, &entity.DataOwner{
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: nodeID},
	})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)
}

func TestCreateServiceTreeAlreadyClaimed(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)

	nodeID := id.ServiceTreeID(uuid.New())
	world.Directory.Nodes[nodeID] = &directory.ServiceTreeNode{
		ID:            nodeID,
		Level:         entity.ServiceTreeLevelService,
		Name:          "Checkout Service",
		ServiceAdmins: []string{"alice"},
	}
	ctx := testutil.UserContext("alice", "alice")

	claim := &entity.DataOwner{
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: nodeID},
	}
	_, err := w.Create(ctx, claim)
	require.NoError(t, err)

	_, err = w.Create(ctx, &entity.DataOwner{
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: nodeID},
	})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadyExists), "got %v", err)
}

func TestUpdateStaleTag(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)
	ctx := testutil.UserContext("alice", "alice")

	created, err := w.Create(ctx, standaloneOwner(group))
	require.NoError(t, err)

	created.Description = "first update"
	updated, err := w.Update(ctx, cloneOwner(t, created))
	require.NoError(t, err)
	require.NotEqual(t, created.VersionTag, updated.VersionTag)

	created.Description = "second update with the old tag"
	_, err = w.Update(ctx, cloneOwner(t, created))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeVersionMismatch), "got %v", err)
}

func TestUpdateRejectsServerComputedFlagChange(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)
	ctx := testutil.UserContext("alice", "alice")

	created, err := w.Create(ctx, standaloneOwner(group))
	require.NoError(t, err)

	created.HasPendingTransferRequests = true
	_, err = w.Update(ctx, cloneOwner(t, created))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeImmutableValue), "got %v", err)
}

func TestDeleteBlockedByLinkedAgent(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)
	ctx := testutil.UserContext("alice", "alice")

	created, err := w.Create(ctx, standaloneOwner(group))
	require.NoError(t, err)

	_, err = world.Seed(ctx, &entity.DeleteAgent{
		Base:    entity.Base{ID: uuid.New()},
		Named:   entity.Named{Name: "agent"},
		OwnerID: created.OwnerID(),
	})
	require.NoError(t, err)

	err = w.Delete(ctx, created.ID, created.VersionTag, false, false)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeLinkedEntityExists), "got %v", err)

	// Force skips the guard.
	err = w.Delete(ctx, created.ID, created.VersionTag, false, true)
	require.NoError(t, err)
}

func TestReplaceServiceTree(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)

	oldNode := id.ServiceTreeID(uuid.New())
	newNode := id.ServiceTreeID(uuid.New())
	world.Directory.Nodes[oldNode] = &directory.ServiceTreeNode{
		ID: oldNode, Level: entity.ServiceTreeLevelService,
		Name: "Checkout Service", ServiceAdmins: []string{"alice"},
	}
	world.Directory.Nodes[newNode] = &directory.ServiceTreeNode{
		ID: newNode, Level: entity.ServiceTreeLevelService,
		Name: "Checkout v2", ServiceAdmins: []string{"alice"},
	}
	ctx := testutil.UserContext("alice", "alice")

	created, err := w.Create(ctx, &entity.DataOwner{
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: oldNode},
	})
	require.NoError(t, err)

	replaced, err := w.ReplaceServiceTree(ctx, created.OwnerID(), created.VersionTag, newNode, entity.ServiceTreeLevelService)
	require.NoError(t, err)

	assert.Equal(t, newNode, replaced.ServiceTree.ServiceID)
	assert.Equal(t, "Checkout v2", replaced.Name)
	assert.NotEqual(t, created.VersionTag, replaced.VersionTag)
}

// legacyTreeOwner seeds a directory-linked owner stored without write security
// groups, the shape older records have.
func legacyTreeOwner(t *testing.T, world *testutil.World, nodeID id.ServiceTreeID) *entity.DataOwner {
	t.Helper()
	seeded, err := world.Seed(testutil.UserContext("seed", "seed"), &entity.DataOwner{
		Base:  entity.Base{ID: uuid.New()},
		Named: entity.Named{Name: "Legacy Service"},
		ServiceTree: &entity.ServiceTree{
			Level:         entity.ServiceTreeLevelService,
			ServiceID:     nodeID,
			ServiceName:   "Legacy Service",
			ServiceAdmins: []string{"alice"},
		},
	})
	require.NoError(t, err)
	return seeded[0].(*entity.DataOwner)
}

func TestUpdateLegacyOwnerRequiresTreeAdmin(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)
	world.Directory.AddMember("bob", group)

	nodeID := id.ServiceTreeID(uuid.New())
	world.Directory.Nodes[nodeID] = &directory.ServiceTreeNode{
		ID: nodeID, Level: entity.ServiceTreeLevelService,
		Name: "Legacy Service", ServiceAdmins: []string{"alice"},
	}
	legacy := legacyTreeOwner(t, world, nodeID)

	update := func() *entity.DataOwner {
		return &entity.DataOwner{
			Base:                entity.Base{ID: legacy.ID, VersionTag: legacy.VersionTag},
			WriteSecurityGroups: []id.SecurityGroupID{group},
			ServiceTree:         &entity.ServiceTree{ServiceID: nodeID, Level: entity.ServiceTreeLevelService},
		}
	}

	// Bob is in the supplied write group but not a listed node admin.
	_, err := w.Update(testutil.UserContext("bob", "bob"), update())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)

	updated, err := w.Update(testutil.UserContext("alice", "alice"), update())
	require.NoError(t, err)
	assert.Equal(t, []id.SecurityGroupID{group}, updated.WriteSecurityGroups)
}

func TestUpdateLegacyOwnerSurvivesDirectoryFailure(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)

	// The linked node is gone from the directory; the stored admin list is
	// used instead and the write still goes through.
	nodeID := id.ServiceTreeID(uuid.New())
	legacy := legacyTreeOwner(t, world, nodeID)

	updated, err := w.Update(testutil.UserContext("alice", "alice"), &entity.DataOwner{
		Base:                entity.Base{ID: legacy.ID, VersionTag: legacy.VersionTag},
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: nodeID, Level: entity.ServiceTreeLevelService},
	})
	require.NoError(t, err)
	assert.Equal(t, "Legacy Service", updated.Name, "stored identity kept when the refresh fails")
	assert.Equal(t, []string{"alice"}, updated.ServiceTree.ServiceAdmins)
}

func TestReplaceServiceTreeMergesClaimedOwner(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)

	oldNode := id.ServiceTreeID(uuid.New())
	newNode := id.ServiceTreeID(uuid.New())
	world.Directory.Nodes[oldNode] = &directory.ServiceTreeNode{
		ID: oldNode, Level: entity.ServiceTreeLevelService,
		Name: "Checkout Service", ServiceAdmins: []string{"alice"},
	}
	world.Directory.Nodes[newNode] = &directory.ServiceTreeNode{
		ID: newNode, Level: entity.ServiceTreeLevelService,
		Name: "Checkout v2", ServiceAdmins: []string{"alice"},
	}
	ctx := testutil.UserContext("alice", "alice")

	created, err := w.Create(ctx, &entity.DataOwner{
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: oldNode},
	})
	require.NoError(t, err)

	seeded, err := world.Seed(ctx, &entity.DataOwner{
		Base:                entity.Base{ID: uuid.New()},
		Named:               entity.Named{Name: "Checkout Legacy", Description: "the record that claimed the node first"},
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree: &entity.ServiceTree{
			Level:         entity.ServiceTreeLevelService,
			ServiceID:     newNode,
			ServiceAdmins: []string{"alice"},
		},
	})
	require.NoError(t, err)
	claimed := seeded[0].(*entity.DataOwner)

	replaced, err := w.ReplaceServiceTree(ctx, created.OwnerID(), created.VersionTag, newNode, entity.ServiceTreeLevelService)
	require.NoError(t, err)

	assert.Equal(t, newNode, replaced.ServiceTree.ServiceID)
	assert.Equal(t, "Checkout Legacy", replaced.Name, "identity adopted from the absorbed owner")
	assert.Equal(t, "the record that claimed the node first", replaced.Description)

	_, err = world.Owners.ReadByID(ctx, claimed.OwnerID(), entity.ExpandNone)
	assert.ErrorIs(t, err, sentinel.ErrNotFound, "the absorbed owner is retired")
}

func TestReplaceServiceTreeMergeBlockedByLinkedEntities(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)

	oldNode := id.ServiceTreeID(uuid.New())
	newNode := id.ServiceTreeID(uuid.New())
	world.Directory.Nodes[oldNode] = &directory.ServiceTreeNode{
		ID: oldNode, Level: entity.ServiceTreeLevelService,
		Name: "Checkout Service", ServiceAdmins: []string{"alice"},
	}
	world.Directory.Nodes[newNode] = &directory.ServiceTreeNode{
		ID: newNode, Level: entity.ServiceTreeLevelService,
		Name: "Checkout v2", ServiceAdmins: []string{"alice"},
	}
	ctx := testutil.UserContext("alice", "alice")

	created, err := w.Create(ctx, &entity.DataOwner{
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: oldNode},
	})
	require.NoError(t, err)

	seeded, err := world.Seed(ctx, &entity.DataOwner{
		Base:                entity.Base{ID: uuid.New()},
		Named:               entity.Named{Name: "Checkout Legacy"},
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree: &entity.ServiceTree{
			Level:         entity.ServiceTreeLevelService,
			ServiceID:     newNode,
			ServiceAdmins: []string{"alice"},
		},
	})
	require.NoError(t, err)
	claimed := seeded[0].(*entity.DataOwner)

	_, err = world.Seed(ctx, &entity.DeleteAgent{
		Base:    entity.Base{ID: uuid.New()},
		Named:   entity.Named{Name: "legacy agent"},
		OwnerID: claimed.OwnerID(),
	})
	require.NoError(t, err)

	_, err = w.ReplaceServiceTree(ctx, created.OwnerID(), created.VersionTag, newNode, entity.ServiceTreeLevelService)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeLinkedEntityExists), "got %v", err)
}

func TestReplaceServiceTreeRequiresTreeAdmin(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)
	world.Directory.AddMember("bob", group)

	oldNode := id.ServiceTreeID(uuid.New())
	newNode := id.ServiceTreeID(uuid.New())
	world.Directory.Nodes[oldNode] = &directory.ServiceTreeNode{
		ID: oldNode, Level: entity.ServiceTreeLevelService,
		Name: "Checkout Service", ServiceAdmins: []string{"alice"},
	}
	world.Directory.Nodes[newNode] = &directory.ServiceTreeNode{
		ID: newNode, Level: entity.ServiceTreeLevelService,
		Name: "Checkout v2", ServiceAdmins: []string{"alice"},
	}
	ctx := testutil.UserContext("alice", "alice")

	created, err := w.Create(ctx, &entity.DataOwner{
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: oldNode},
	})
	require.NoError(t, err)

	// Bob is in the write groups but not a listed admin of the linked node.
	_, err = w.ReplaceServiceTree(testutil.UserContext("bob", "bob"),
		created.OwnerID(), created.VersionTag, newNode, entity.ServiceTreeLevelService)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)
}

func TestUpdateCannotMoveLinkage(t *testing.T) {
	w, world := newTestWriter(t)
	group := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("alice", group)

	nodeID := id.ServiceTreeID(uuid.New())
	world.Directory.Nodes[nodeID] = &directory.ServiceTreeNode{
		ID: nodeID, Level: entity.ServiceTreeLevelService,
		Name: "Checkout Service", ServiceAdmins: []string{"alice"},
	}
	ctx := testutil.UserContext("alice", "alice")

	created, err := w.Create(ctx, &entity.DataOwner{
		WriteSecurityGroups: []id.SecurityGroupID{group},
		ServiceTree:         &entity.ServiceTree{ServiceID: nodeID},
	})
	require.NoError(t, err)

	created.ServiceTree = &entity.ServiceTree{ServiceID: id.ServiceTreeID(uuid.New())}
	created.Name = ""
	_, err = w.Update(ctx, cloneOwner(t, created))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeImmutableValue), "got %v", err)
}

// cloneOwner round-trips through the codec so the pipeline sees a fresh value,
// the way a transport layer would deliver one.
func cloneOwner(t *testing.T, o *entity.DataOwner) *entity.DataOwner {
	t.Helper()
	clone, err := entity.Clone(o)
	require.NoError(t, err)
	out := clone.(*entity.DataOwner)
	out.Tracking = nil
	return out
}
