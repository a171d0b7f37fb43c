package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"custodia/internal/entity"
	audit "custodia/pkg/platform/audit"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"
)

// Memory is the in-memory document store. It favors clarity over performance
// and backs the unit tests and local runs; the postgres store is the
// production twin with the same contract.
type Memory struct {
	mu      sync.RWMutex
	docs    map[uuid.UUID]memoryDoc
	history []HistoryRecord

	emitter Emitter
	logger  *slog.Logger
}

type memoryDoc struct {
	kind       entity.Kind
	versionTag string
	data       []byte
}

// Option configures a store.
type Option func(*options)

type options struct {
	emitter Emitter
	logger  *slog.Logger
}

// WithEmitter attaches an audit emitter to the store.
func WithEmitter(emitter Emitter) Option {
	return func(o *options) { o.emitter = emitter }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func applyOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewMemory(opts ...Option) *Memory {
	o := applyOptions(opts)
	return &Memory{
		docs:    make(map[uuid.UUID]memoryDoc),
		emitter: o.emitter,
		logger:  o.logger,
	}
}

// Get returns the stored entity, including soft-deleted ones.
func (m *Memory) Get(_ context.Context, entityID uuid.UUID) (entity.Entity, error) {
	m.mu.RLock()
	doc, ok := m.docs[entityID]
	m.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return entity.Decode(doc.kind, doc.data)
}

// ListKind returns every stored entity of the kind.
func (m *Memory) ListKind(_ context.Context, kind entity.Kind) ([]entity.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []entity.Entity
	for _, doc := range m.docs {
		if doc.kind != kind {
			continue
		}
		e, err := entity.Decode(doc.kind, doc.data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// UpsertMany applies the whole batch or none of it. Tags are verified for
// every entity before any document changes, so a stale tag anywhere leaves
// the store untouched.
func (m *Memory) UpsertMany(ctx context.Context, entities []entity.Entity) ([]entity.Entity, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	// Clone up front so an encode failure cannot abort a half-applied batch.
	clones := make([]entity.Entity, len(entities))
	for i, e := range entities {
		clone, err := entity.Clone(e)
		if err != nil {
			return nil, err
		}
		clones[i] = clone
	}

	txID := uuid.New()
	now := requestcontext.Now(ctx)
	performedBy := performer(ctx)

	m.mu.Lock()
	seen := make(map[uuid.UUID]struct{}, len(clones))
	for _, e := range clones {
		base := e.Meta()
		if _, dup := seen[base.ID]; dup {
			m.mu.Unlock()
			return nil, duplicateInBatch(base.ID)
		}
		seen[base.ID] = struct{}{}

		doc, exists := m.docs[base.ID]
		if base.VersionTag == "" {
			if exists {
				m.mu.Unlock()
				return nil, versionMismatch(base.ID, "an entity with this id already exists")
			}
			continue
		}
		if !exists {
			m.mu.Unlock()
			return nil, versionMismatch(base.ID, "the entity does not exist")
		}
		if !entity.VersionTagsEqual(doc.versionTag, base.VersionTag) {
			m.mu.Unlock()
			return nil, versionMismatch(base.ID, "the version tag is stale")
		}
	}

	var events []audit.Event
	for _, e := range clones {
		action := deriveAction(e)
		base := e.Meta()
		base.VersionTag = uuid.NewString()

		data, err := entity.Encode(e)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.docs[base.ID] = memoryDoc{kind: e.Kind(), versionTag: base.VersionTag, data: data}

		version := 0
		if base.Tracking != nil {
			version = base.Tracking.Version
		}
		m.history = append(m.history, HistoryRecord{
			TransactionID: txID,
			EntityID:      base.ID,
			Kind:          e.Kind(),
			Action:        action,
			VersionTag:    base.VersionTag,
			Version:       version,
			Timestamp:     now,
			PerformedBy:   performedBy,
			Document:      data,
		})

		events = append(events, audit.Event{
			Timestamp:     now,
			TransactionID: txID,
			EntityID:      base.ID,
			EntityKind:    string(e.Kind()),
			Action:        string(auditAction(action)),
			PerformedBy:   performedBy,
			RequestID:     requestcontext.RequestID(ctx),
		})
	}
	m.mu.Unlock()

	m.emit(ctx, events)
	return clones, nil
}

// History returns a copy of the accepted history, oldest first.
func (m *Memory) History() []HistoryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]HistoryRecord{}, m.history...)
}

func (m *Memory) emit(ctx context.Context, events []audit.Event) {
	if m.emitter == nil {
		return
	}
	for _, event := range events {
		if err := m.emitter.Emit(ctx, event); err != nil {
			m.logger.WarnContext(ctx, "audit emission failed",
				slog.String("entity_id", event.EntityID.String()),
				slog.String("error", err.Error()))
		}
	}
}

// performer identifies the caller for history and audit rows.
func performer(ctx context.Context) string {
	principal := requestcontext.Principal(ctx)
	if principal.UserAlias != "" {
		return principal.UserAlias
	}
	return principal.ApplicationID
}
