package testutil

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"custodia/internal/authorization"
	"custodia/internal/directory"
	"custodia/internal/entity"
	"custodia/internal/storage"
	id "custodia/pkg/domain"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"
)

// FakeDirectory is an in-memory directory for writer tests: per-user security
// group membership plus a static service tree. It satisfies both the
// authorization directory and the owner writer's resolver.
type FakeDirectory struct {
	Groups map[string][]id.SecurityGroupID
	Nodes  map[id.ServiceTreeID]*directory.ServiceTreeNode
}

func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		Groups: make(map[string][]id.SecurityGroupID),
		Nodes:  make(map[id.ServiceTreeID]*directory.ServiceTreeNode),
	}
}

func (d *FakeDirectory) SecurityGroupIDs(_ context.Context, principal requestcontext.AuthenticatedPrincipal, _ bool) ([]id.SecurityGroupID, error) {
	return d.Groups[strings.ToLower(principal.UserID)], nil
}

func (d *FakeDirectory) ResolveServiceTree(_ context.Context, nodeID id.ServiceTreeID, _ entity.ServiceTreeLevel) (*directory.ServiceTreeNode, error) {
	node, ok := d.Nodes[nodeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *node
	return &clone, nil
}

// AddMember puts a user in a security group.
func (d *FakeDirectory) AddMember(userID string, group id.SecurityGroupID) {
	key := strings.ToLower(userID)
	d.Groups[key] = append(d.Groups[key], group)
}

// World is the wired in-memory backend for writer tests: one store, every
// reader over it, a fake directory, and a real authorization provider.
type World struct {
	Store       *storage.Memory
	Directory   *FakeDirectory
	Authz       *authorization.Provider
	AdminGroup  id.SecurityGroupID
	EditorGroup id.SecurityGroupID

	Owners      *storage.Owners
	Agents      *storage.Agents
	AssetGroups *storage.AssetGroups
	Sharing     *storage.SharingRequests
	Variants    *storage.VariantRequests
	Transfers   *storage.TransferRequests
	Definitions *storage.VariantDefinitions
}

// NewWorld builds the backend. EditorGroup is pre-registered as the variant
// editor group and AdminGroup as the service admin group; add members per test.
func NewWorld() *World {
	store := storage.NewMemory()
	dir := NewFakeDirectory()
	w := &World{
		Store:       store,
		Directory:   dir,
		AdminGroup:  id.SecurityGroupID(mustUUID("a0000000-0000-0000-0000-00000000000a")),
		EditorGroup: id.SecurityGroupID(mustUUID("e0000000-0000-0000-0000-00000000000e")),
		Owners:      storage.NewOwners(store, storage.NoPendingCommands{}),
		Agents:      storage.NewAgents(store, storage.NoPendingCommands{}),
		AssetGroups: storage.NewAssetGroups(store, storage.NoPendingCommands{}),
		Sharing:     storage.NewSharingRequests(store, storage.NoPendingCommands{}),
		Variants:    storage.NewVariantRequests(store, storage.NoPendingCommands{}),
		Transfers:   storage.NewTransferRequests(store, storage.NoPendingCommands{}),
		Definitions: storage.NewVariantDefinitions(store, storage.NoPendingCommands{}),
	}
	w.Authz = authorization.NewProvider(dir, authorization.Config{
		ServiceAdminGroups:  []id.SecurityGroupID{w.AdminGroup},
		VariantEditorGroups: []id.SecurityGroupID{w.EditorGroup},
	})
	return w
}

// Seed writes entities directly to the store, bypassing the pipeline, and
// returns the persisted copies with their version tags. Entities without a
// tracking block get one, matching what the pipeline would have stamped.
func (w *World) Seed(ctx context.Context, entities ...entity.Entity) ([]entity.Entity, error) {
	for _, e := range entities {
		if e.Meta().Tracking == nil {
			e.Meta().Tracking = entity.NewTrackingDetails("seed", FixedTime)
		}
	}
	return w.Store.UpsertMany(ctx, entities)
}

func mustUUID(s string) [16]byte {
	u, err := uuid.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}
