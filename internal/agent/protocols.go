package agent

import "custodia/internal/entity"

// ProtocolCatalog is the deployment-injected registry of wire protocols an
// agent may speak, split by generation. The catalog is immutable after
// construction; writers never mutate it.
type ProtocolCatalog struct {
	legacy  map[entity.Protocol]struct{}
	nextGen map[entity.Protocol]struct{}
}

// NewProtocolCatalog builds a catalog from explicit generation lists.
func NewProtocolCatalog(legacy, nextGen []entity.Protocol) *ProtocolCatalog {
	c := &ProtocolCatalog{
		legacy:  make(map[entity.Protocol]struct{}, len(legacy)),
		nextGen: make(map[entity.Protocol]struct{}, len(nextGen)),
	}
	for _, p := range legacy {
		c.legacy[p] = struct{}{}
	}
	for _, p := range nextGen {
		c.nextGen[p] = struct{}{}
	}
	return c
}

// DefaultProtocolCatalog registers the protocols currently in production.
func DefaultProtocolCatalog() *ProtocolCatalog {
	return NewProtocolCatalog(
		[]entity.Protocol{entity.ProtocolCommandFeedV1, entity.ProtocolCosmosDeleteSignalV2},
		[]entity.Protocol{entity.ProtocolCommandFeedV2},
	)
}

// Known reports whether the protocol is registered at all.
func (c *ProtocolCatalog) Known(p entity.Protocol) bool {
	return c.IsLegacy(p) || c.IsNextGen(p)
}

// IsLegacy reports whether the protocol belongs to the legacy generation.
func (c *ProtocolCatalog) IsLegacy(p entity.Protocol) bool {
	_, ok := c.legacy[p]
	return ok
}

// IsNextGen reports whether the protocol belongs to the next generation.
func (c *ProtocolCatalog) IsNextGen(p entity.Protocol) bool {
	_, ok := c.nextGen[p]
	return ok
}

// IsMigration reports whether moving from one protocol to another is the
// supported legacy-to-next-generation migration.
func (c *ProtocolCatalog) IsMigration(from, to entity.Protocol) bool {
	return c.IsLegacy(from) && c.IsNextGen(to)
}
