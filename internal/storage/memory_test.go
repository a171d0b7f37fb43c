package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/entity"
	"custodia/pkg/platform/audit"
	"custodia/pkg/platform/sentinel"
)

func newOwner(name string) *entity.DataOwner {
	return &entity.DataOwner{
		Base:  entity.Base{ID: uuid.New()},
		Named: entity.Named{Name: name},
	}
}

func mustUpsert(t *testing.T, store Writer, entities ...entity.Entity) []entity.Entity {
	t.Helper()
	out, err := store.UpsertMany(context.Background(), entities)
	require.NoError(t, err)
	require.Len(t, out, len(entities))
	return out
}

func TestMemory_CreateAssignsVersionTag(t *testing.T) {
	store := NewMemory()
	owner := newOwner("contoso")

	out := mustUpsert(t, store, owner)

	created := out[0].(*entity.DataOwner)
	assert.NotEmpty(t, created.VersionTag)
	assert.Empty(t, owner.VersionTag, "input must not be mutated")

	stored, err := store.Get(context.Background(), owner.ID)
	require.NoError(t, err)
	assert.Equal(t, created.VersionTag, stored.Meta().VersionTag)
}

func TestMemory_CreateExistingIDFails(t *testing.T) {
	store := NewMemory()
	owner := newOwner("contoso")
	mustUpsert(t, store, owner)

	dup := newOwner("other")
	dup.ID = owner.ID
	_, err := store.UpsertMany(context.Background(), []entity.Entity{dup})
	assert.ErrorIs(t, err, sentinel.ErrVersionMismatch)
}

func TestMemory_UpdateRequiresCurrentTag(t *testing.T) {
	store := NewMemory()
	owner := newOwner("contoso")
	created := mustUpsert(t, store, owner)[0].(*entity.DataOwner)

	// Matching tag succeeds and rotates the tag.
	created.Name = "contoso-renamed"
	updated := mustUpsert(t, store, created)[0].(*entity.DataOwner)
	assert.NotEqual(t, created.VersionTag, updated.VersionTag)

	// The old tag is now stale.
	created.Name = "contoso-again"
	_, err := store.UpsertMany(context.Background(), []entity.Entity{created})
	assert.ErrorIs(t, err, sentinel.ErrVersionMismatch)

	stored, err := store.Get(context.Background(), owner.ID)
	require.NoError(t, err)
	assert.Equal(t, "contoso-renamed", stored.(*entity.DataOwner).Name)
}

func TestMemory_TagComparisonIsCaseInsensitive(t *testing.T) {
	store := NewMemory()
	owner := newOwner("contoso")
	created := mustUpsert(t, store, owner)[0].(*entity.DataOwner)

	created.VersionTag = strings.ToUpper(created.VersionTag)
	created.Name = "renamed"
	out := mustUpsert(t, store, created)
	assert.Equal(t, "renamed", out[0].(*entity.DataOwner).Name)
}

func TestMemory_UpdateMissingEntityFails(t *testing.T) {
	store := NewMemory()
	owner := newOwner("contoso")
	owner.VersionTag = uuid.NewString()

	_, err := store.UpsertMany(context.Background(), []entity.Entity{owner})
	assert.ErrorIs(t, err, sentinel.ErrVersionMismatch)
}

func TestMemory_BatchIsAllOrNothing(t *testing.T) {
	store := NewMemory()
	existing := newOwner("existing")
	created := mustUpsert(t, store, existing)[0].(*entity.DataOwner)

	fresh := newOwner("fresh")
	stale := &entity.DataOwner{
		Base:  entity.Base{ID: existing.ID, VersionTag: uuid.NewString()},
		Named: entity.Named{Name: "stale"},
	}

	_, err := store.UpsertMany(context.Background(), []entity.Entity{fresh, stale})
	require.ErrorIs(t, err, sentinel.ErrVersionMismatch)

	// Nothing from the rejected batch landed.
	_, err = store.Get(context.Background(), fresh.ID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	stored, err := store.Get(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "existing", stored.(*entity.DataOwner).Name)
	assert.Equal(t, created.VersionTag, stored.Meta().VersionTag)
}

func TestMemory_DuplicateIDInBatchRejected(t *testing.T) {
	store := NewMemory()
	owner := newOwner("contoso")
	twin := newOwner("contoso-twin")
	twin.ID = owner.ID

	_, err := store.UpsertMany(context.Background(), []entity.Entity{owner, twin})
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestMemory_HistorySharesTransactionID(t *testing.T) {
	store := NewMemory()
	owner := newOwner("contoso")
	agent := &entity.DeleteAgent{
		Base:  entity.Base{ID: uuid.New()},
		Named: entity.Named{Name: "agent"},
	}

	mustUpsert(t, store, owner, agent)

	history := store.History()
	require.Len(t, history, 2)
	assert.Equal(t, history[0].TransactionID, history[1].TransactionID)
	assert.Equal(t, entity.WriteActionCreate, history[0].Action)
	assert.Equal(t, entity.WriteActionCreate, history[1].Action)

	// A second batch gets its own transaction id.
	other := newOwner("fabrikam")
	mustUpsert(t, store, other)
	history = store.History()
	require.Len(t, history, 3)
	assert.NotEqual(t, history[0].TransactionID, history[2].TransactionID)
}

func TestMemory_HistoryDerivesActions(t *testing.T) {
	store := NewMemory()
	owner := newOwner("contoso")
	created := mustUpsert(t, store, owner)[0].(*entity.DataOwner)

	created.Name = "renamed"
	updated := mustUpsert(t, store, created)[0].(*entity.DataOwner)

	updated.IsDeleted = true
	mustUpsert(t, store, updated)

	history := store.History()
	require.Len(t, history, 3)
	assert.Equal(t, entity.WriteActionCreate, history[0].Action)
	assert.Equal(t, entity.WriteActionUpdate, history[1].Action)
	assert.Equal(t, entity.WriteActionSoftDelete, history[2].Action)
}

func TestMemory_GetIncludesSoftDeleted(t *testing.T) {
	store := NewMemory()
	owner := newOwner("contoso")
	created := mustUpsert(t, store, owner)[0].(*entity.DataOwner)

	created.IsDeleted = true
	mustUpsert(t, store, created)

	stored, err := store.Get(context.Background(), owner.ID)
	require.NoError(t, err)
	assert.True(t, stored.Meta().IsDeleted)
}

type captureEmitter struct {
	events []audit.Event
}

func (c *captureEmitter) Emit(_ context.Context, event audit.Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestMemory_EmitsAuditEvents(t *testing.T) {
	emitter := &captureEmitter{}
	store := NewMemory(WithEmitter(emitter))
	owner := newOwner("contoso")

	created := mustUpsert(t, store, owner)[0].(*entity.DataOwner)
	created.IsDeleted = true
	mustUpsert(t, store, created)

	require.Len(t, emitter.events, 2)
	assert.Equal(t, string(audit.EventEntityCreated), emitter.events[0].Action)
	assert.Equal(t, string(audit.EventEntitySoftDeleted), emitter.events[1].Action)
	assert.Equal(t, owner.ID, emitter.events[0].EntityID)
	assert.Equal(t, string(entity.KindDataOwner), emitter.events[0].EntityKind)
	assert.NotEqual(t, emitter.events[0].TransactionID, emitter.events[1].TransactionID)
}
