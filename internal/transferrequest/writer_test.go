package transferrequest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/entity"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/testutil"
)

type transferFixture struct {
	writer *Writer
	world  *testutil.World
	source *entity.DataOwner
	target *entity.DataOwner
	group  *entity.AssetGroup

	sourceCtx context.Context
	targetCtx context.Context
}

func newTransferFixture(t *testing.T) *transferFixture {
	t.Helper()
	world := testutil.NewWorld()

	sourceGroup := id.SecurityGroupID(uuid.New())
	targetGroup := id.SecurityGroupID(uuid.New())
	world.Directory.AddMember("source-editor", sourceGroup)
	world.Directory.AddMember("target-editor", targetGroup)

	f := &transferFixture{
		world:     world,
		sourceCtx: testutil.UserContext("source-editor", "source-editor"),
		targetCtx: testutil.UserContext("target-editor", "target-editor"),
	}

	source := &entity.DataOwner{
		Base:                entity.Base{ID: uuid.New()},
		Named:               entity.Named{Name: "Outgoing Org"},
		WriteSecurityGroups: []id.SecurityGroupID{sourceGroup},
	}
	target := &entity.DataOwner{
		Base:                entity.Base{ID: uuid.New()},
		Named:               entity.Named{Name: "Receiving Org"},
		WriteSecurityGroups: []id.SecurityGroupID{targetGroup},
	}
	group := &entity.AssetGroup{
		Base:      entity.Base{ID: uuid.New()},
		OwnerID:   source.OwnerID(),
		Qualifier: "AssetType=AzureTable;AccountName=handover",
	}

	seeded, err := world.Seed(f.sourceCtx, source, target, group)
	require.NoError(t, err)
	f.source = seeded[0].(*entity.DataOwner)
	f.target = seeded[1].(*entity.DataOwner)
	f.group = seeded[2].(*entity.AssetGroup)

	f.writer = NewWriter(world.Transfers, world.AssetGroups, world.Owners, world.Store, world.Authz)
	return f
}

func (f *transferFixture) newRequest() *entity.TransferRequest {
	return &entity.TransferRequest{
		SourceOwnerID: f.source.OwnerID(),
		TargetOwnerID: f.target.OwnerID(),
		AssetGroups:   []id.AssetGroupID{f.group.AssetGroupID()},
	}
}

func TestCreateTransferRequest(t *testing.T) {
	f := newTransferFixture(t)

	created, err := f.writer.Create(f.sourceCtx, f.newRequest())
	require.NoError(t, err)

	assert.Equal(t, entity.TransferStatePending, created.RequestState)
	assert.Equal(t, "Outgoing Org", created.SourceOwnerName)

	group, err := f.world.AssetGroups.ReadByID(f.sourceCtx, f.group.AssetGroupID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.True(t, group.HasPendingTransferRequest)
}

func TestCreateIsSourceOwnersCall(t *testing.T) {
	f := newTransferFixture(t)

	_, err := f.writer.Create(f.targetCtx, f.newRequest())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)
}

func TestCreateRejectsSameOwner(t *testing.T) {
	f := newTransferFixture(t)

	incoming := f.newRequest()
	incoming.TargetOwnerID = f.source.OwnerID()
	_, err := f.writer.Create(f.sourceCtx, incoming)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
}

func TestCreateRejectsForeignGroup(t *testing.T) {
	f := newTransferFixture(t)

	foreign, err := f.world.Seed(f.sourceCtx, &entity.AssetGroup{
		Base:      entity.Base{ID: uuid.New()},
		OwnerID:   f.target.OwnerID(),
		Qualifier: "AssetType=AzureBlob;AccountName=other",
	})
	require.NoError(t, err)

	incoming := f.newRequest()
	incoming.AssetGroups = []id.AssetGroupID{foreign[0].(*entity.AssetGroup).AssetGroupID()}
	_, err = f.writer.Create(f.sourceCtx, incoming)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidValue), "got %v", err)
}

func TestCreateRejectsDoubleBooking(t *testing.T) {
	f := newTransferFixture(t)

	_, err := f.writer.Create(f.sourceCtx, f.newRequest())
	require.NoError(t, err)

	_, err = f.writer.Create(f.sourceCtx, f.newRequest())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict), "got %v", err)
}

func TestUpdateUnsupported(t *testing.T) {
	f := newTransferFixture(t)

	created, err := f.writer.Create(f.sourceCtx, f.newRequest())
	require.NoError(t, err)

	_, err = f.writer.Update(f.sourceCtx, created)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest), "got %v", err)
}

func TestApproveReassignsOwnership(t *testing.T) {
	f := newTransferFixture(t)

	created, err := f.writer.Create(f.sourceCtx, f.newRequest())
	require.NoError(t, err)

	err = f.writer.Approve(f.targetCtx, created.TransferRequestID(), created.VersionTag)
	require.NoError(t, err)

	group, err := f.world.AssetGroups.ReadByID(f.sourceCtx, f.group.AssetGroupID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.Equal(t, f.target.OwnerID(), group.OwnerID)
	assert.False(t, group.HasPendingTransferRequest)

	_, err = f.world.Transfers.ReadByID(f.sourceCtx, created.TransferRequestID(), entity.ExpandNone)
	assert.Error(t, err, "approved requests are retired")
}

func TestApproveIsTargetOwnersCall(t *testing.T) {
	f := newTransferFixture(t)

	created, err := f.writer.Create(f.sourceCtx, f.newRequest())
	require.NoError(t, err)

	err = f.writer.Approve(f.sourceCtx, created.TransferRequestID(), created.VersionTag)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)
}

func TestCreateStampsOwnerFlags(t *testing.T) {
	f := newTransferFixture(t)

	_, err := f.writer.Create(f.sourceCtx, f.newRequest())
	require.NoError(t, err)

	source, err := f.world.Owners.ReadByID(f.sourceCtx, f.source.OwnerID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.True(t, source.HasInitiatedTransferRequests)
	assert.False(t, source.HasPendingTransferRequests)

	target, err := f.world.Owners.ReadByID(f.sourceCtx, f.target.OwnerID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.True(t, target.HasPendingTransferRequests)
	assert.False(t, target.HasInitiatedTransferRequests)
}

func TestApproveClearsOwnerFlags(t *testing.T) {
	f := newTransferFixture(t)

	created, err := f.writer.Create(f.sourceCtx, f.newRequest())
	require.NoError(t, err)

	err = f.writer.Approve(f.targetCtx, created.TransferRequestID(), created.VersionTag)
	require.NoError(t, err)

	source, err := f.world.Owners.ReadByID(f.sourceCtx, f.source.OwnerID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.False(t, source.HasInitiatedTransferRequests)

	target, err := f.world.Owners.ReadByID(f.sourceCtx, f.target.OwnerID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.False(t, target.HasPendingTransferRequests)
}

func TestCancelKeepsFlagsForRemainingRequests(t *testing.T) {
	f := newTransferFixture(t)

	other, err := f.world.Seed(f.sourceCtx, &entity.AssetGroup{
		Base:      entity.Base{ID: uuid.New()},
		OwnerID:   f.source.OwnerID(),
		Qualifier: "AssetType=AzureQueue;AccountName=handover2",
	})
	require.NoError(t, err)

	first, err := f.writer.Create(f.sourceCtx, f.newRequest())
	require.NoError(t, err)

	second := f.newRequest()
	second.AssetGroups = []id.AssetGroupID{other[0].(*entity.AssetGroup).AssetGroupID()}
	_, err = f.writer.Create(f.sourceCtx, second)
	require.NoError(t, err)

	err = f.writer.Delete(f.sourceCtx, first.ID, first.VersionTag, false, false)
	require.NoError(t, err)

	source, err := f.world.Owners.ReadByID(f.sourceCtx, f.source.OwnerID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.True(t, source.HasInitiatedTransferRequests, "the second request is still open")

	target, err := f.world.Owners.ReadByID(f.sourceCtx, f.target.OwnerID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.True(t, target.HasPendingTransferRequests)
}

func TestCancelReleasesGroups(t *testing.T) {
	f := newTransferFixture(t)

	created, err := f.writer.Create(f.sourceCtx, f.newRequest())
	require.NoError(t, err)

	err = f.writer.Delete(f.sourceCtx, created.ID, created.VersionTag, false, false)
	require.NoError(t, err)

	group, err := f.world.AssetGroups.ReadByID(f.sourceCtx, f.group.AssetGroupID(), entity.ExpandNone)
	require.NoError(t, err)
	assert.Equal(t, f.source.OwnerID(), group.OwnerID, "ownership unchanged on cancel")
	assert.False(t, group.HasPendingTransferRequest)
}
