package variantrequest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/entity"
	"custodia/internal/queue"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/testutil"
)

type captureQueue struct {
	items []queue.WorkItem
	err   error
}

func (q *captureQueue) Enqueue(_ context.Context, item queue.WorkItem) error {
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

type variantFixture struct {
	writer     *Writer
	world      *testutil.World
	queue      *captureQueue
	owner      *entity.DataOwner
	group      *entity.AssetGroup
	definition *entity.VariantDefinition

	ownerCtx  context.Context
	editorCtx context.Context
}

func newVariantFixture(t *testing.T) *variantFixture {
	t.Helper()
	world := testutil.NewWorld()

	ownerGroup := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("owner-editor", ownerGroup)
	world.Directory.AddMember("variant-editor", world.EditorGroup)

	f := &variantFixture{
		world:     world,
		queue:     &captureQueue{},
		ownerCtx:  testutil.UserContext("owner-editor", "owner-editor"),
		editorCtx: testutil.UserContext("variant-editor", "variant-editor"),
	}

	owner := &entity.DataOwner{
		Base:                entity.Base{ID: uuid.New()},
		Named:               entity.Named{Name: "Payments Platform"},
		WriteSecurityGroups: []id.SecurityGroupID{ownerGroup},
	}
	group := &entity.AssetGroup{
		Base:      entity.Base{ID: uuid.New()},
		OwnerID:   owner.OwnerID(),
		Qualifier: "AssetType=AzureTable;AccountName=payments",
	}
	definition := &entity.VariantDefinition{
		Base:  entity.Base{ID: uuid.New()},
		Named: entity.Named{Name: "Legal Hold Exception"},
		State: entity.VariantDefinitionStateActive,
	}

	seeded, err := world.Seed(f.ownerCtx, owner, group, definition)
	require.NoError(t, err)
	f.owner = seeded[0].(*entity.DataOwner)
	f.group = seeded[1].(*entity.AssetGroup)
	f.definition = seeded[2].(*entity.VariantDefinition)

	f.writer = NewWriter(world.Variants, world.AssetGroups, world.Owners, world.Definitions,
		world.Store, f.queue, world.Authz)
	return f
}

func (f *variantFixture) newRequest() *entity.VariantRequest {
	return &entity.VariantRequest{
		OwnerID:           f.owner.OwnerID(),
		RequestedVariants: []entity.AssetGroupVariant{{VariantID: f.definition.VariantDefinitionID()}},
		VariantRelationships: map[id.AssetGroupID]*entity.VariantRelationship{
			f.group.AssetGroupID(): {AssetGroupID: f.group.AssetGroupID()},
		},
	}
}

func TestCreateVariantRequest(t *testing.T) {
	f := newVariantFixture(t)

	created, err := f.writer.Create(f.ownerCtx, f.newRequest())
	require.NoError(t, err)

	assert.Equal(t, "Payments Platform", created.OwnerName)
	assert.Equal(t, f.group.Qualifier, created.VariantRelationships[f.group.AssetGroupID()].AssetQualifier,
		"qualifier snapshotted from the group, not the caller")

	group, err := f.world.AssetGroups.ReadByID(f.ownerCtx, f.group.AssetGroupID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.True(t, group.HasPendingVariantRequests)

	require.Len(t, f.queue.items, 1)
	assert.Equal(t, queue.WorkItemVariantRequestReview, f.queue.items[0].Type)
	assert.Equal(t, created.ID, f.queue.items[0].EntityID)
}

func TestCreateSurvivesQueueFailure(t *testing.T) {
	f := newVariantFixture(t)
	f.queue.err = assert.AnError

	created, err := f.writer.Create(f.ownerCtx, f.newRequest())
	require.NoError(t, err, "the committed write must not fail on queue errors")
	assert.NotEqual(t, uuid.Nil, created.ID)
}

func TestCreateRejectsClosedVariant(t *testing.T) {
	f := newVariantFixture(t)

	closed, err := f.world.Seed(f.ownerCtx, &entity.VariantDefinition{
		Base:   entity.Base{ID: uuid.New()},
		Named:  entity.Named{Name: "Closed Exception"},
		State:  entity.VariantDefinitionStateClosed,
		Reason: entity.VariantReasonExpired,
	})
	require.NoError(t, err)

	incoming := f.newRequest()
	incoming.RequestedVariants = []entity.AssetGroupVariant{
		{VariantID: closed[0].(*entity.VariantDefinition).VariantDefinitionID()},
	}
	_, err = f.writer.Create(f.ownerCtx, incoming)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidValue), "got %v", err)
}

func TestCreateRejectsForeignAssetGroup(t *testing.T) {
	f := newVariantFixture(t)

	foreign, err := f.world.Seed(f.ownerCtx, &entity.AssetGroup{
		Base:      entity.Base{ID: uuid.New()},
		OwnerID:   id.OwnerID(uuid.New()),
		Qualifier: "AssetType=AzureBlob;AccountName=elsewhere",
	})
	require.NoError(t, err)
	group := foreign[0].(*entity.AssetGroup)

	incoming := f.newRequest()
	incoming.VariantRelationships = map[id.AssetGroupID]*entity.VariantRelationship{
		group.AssetGroupID(): {AssetGroupID: group.AssetGroupID()},
	}
	_, err = f.writer.Create(f.ownerCtx, incoming)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidValue), "got %v", err)
}

func TestCreateRejectsDuplicatePendingCombination(t *testing.T) {
	f := newVariantFixture(t)

	_, err := f.writer.Create(f.ownerCtx, f.newRequest())
	require.NoError(t, err)

	_, err = f.writer.Create(f.ownerCtx, f.newRequest())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadyExists), "got %v", err)
}

func TestCreateBoundsAssetGroupCount(t *testing.T) {
	f := newVariantFixture(t)

	incoming := f.newRequest()
	incoming.VariantRelationships = make(map[id.AssetGroupID]*entity.VariantRelationship, maxAssetGroups+1)
	for i := 0; i <= maxAssetGroups; i++ {
		groupID := id.AssetGroupID(uuid.New())
		incoming.VariantRelationships[groupID] = &entity.VariantRelationship{AssetGroupID: groupID}
	}

	_, err := f.writer.Create(f.ownerCtx, incoming)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
}

func TestUpdateIsVariantEditorOnly(t *testing.T) {
	f := newVariantFixture(t)

	created, err := f.writer.Create(f.ownerCtx, f.newRequest())
	require.NoError(t, err)

	created.WorkItemURI = "https://tracker.contoso.test/items/42"
	_, err = f.writer.Update(f.ownerCtx, created)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)

	updated, err := f.writer.Update(f.editorCtx, created)
	require.NoError(t, err)
	assert.Equal(t, "https://tracker.contoso.test/items/42", updated.WorkItemURI)
}

func TestUpdateCannotChangeRequestedVariants(t *testing.T) {
	f := newVariantFixture(t)

	created, err := f.writer.Create(f.ownerCtx, f.newRequest())
	require.NoError(t, err)

	created.RequestedVariants = append(created.RequestedVariants,
		entity.AssetGroupVariant{VariantID: id.VariantDefinitionID(uuid.New())})
	_, err = f.writer.Update(f.editorCtx, created)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeImmutableValue), "got %v", err)
}

func TestApproveMergesVariantsAndRetiresRequest(t *testing.T) {
	f := newVariantFixture(t)

	created, err := f.writer.Create(f.ownerCtx, f.newRequest())
	require.NoError(t, err)

	err = f.writer.Approve(f.editorCtx, created.VariantRequestID(), created.VersionTag)
	require.NoError(t, err)

	group, err := f.world.AssetGroups.ReadByID(f.ownerCtx, f.group.AssetGroupID(), entity.ExpandNone)
	require.NoError(t, err)
	require.Len(t, group.Variants, 1)
	assert.Equal(t, entity.VariantStateApproved, group.Variants[0].State)
	assert.Equal(t, "Legal Hold Exception", group.Variants[0].VariantName)
	assert.False(t, group.HasPendingVariantRequests)

	_, err = f.world.Variants.ReadByID(f.ownerCtx, created.VariantRequestID(), entity.ExpandNone)
	assert.Error(t, err, "approved requests are retired")
}

func TestApproveRequiresVariantEditor(t *testing.T) {
	f := newVariantFixture(t)

	created, err := f.writer.Create(f.ownerCtx, f.newRequest())
	require.NoError(t, err)

	err = f.writer.Approve(f.ownerCtx, created.VariantRequestID(), created.VersionTag)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)
}

func TestDeleteClearsPendingFlag(t *testing.T) {
	f := newVariantFixture(t)

	created, err := f.writer.Create(f.ownerCtx, f.newRequest())
	require.NoError(t, err)

	err = f.writer.Delete(f.ownerCtx, created.ID, created.VersionTag, false, false)
	require.NoError(t, err)

	group, err := f.world.AssetGroups.ReadByID(f.ownerCtx, f.group.AssetGroupID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.False(t, group.HasPendingVariantRequests)
	assert.Empty(t, group.Variants)
}
