package storage

import (
	"fmt"

	"github.com/google/uuid"

	"custodia/pkg/platform/sentinel"
)

// versionMismatch wraps the shared precondition sentinel with the entity that
// failed; the write pipeline translates it into the domain taxonomy.
func versionMismatch(entityID uuid.UUID, detail string) error {
	return fmt.Errorf("entity %s: %s: %w", entityID, detail, sentinel.ErrVersionMismatch)
}

// duplicateInBatch rejects a batch naming the same entity twice; the two
// writes would race each other inside one transaction.
func duplicateInBatch(entityID uuid.UUID) error {
	return fmt.Errorf("entity %s appears twice in one batch: %w", entityID, sentinel.ErrConflict)
}
