package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"custodia/internal/entity"
	audit "custodia/pkg/platform/audit"
	"custodia/pkg/platform/sentinel"
	"custodia/pkg/requestcontext"
)

// Postgres is the production document store. Entities live in a single
// schema-less table keyed by id; every accepted batch also appends one history
// row per entity, committed in the same transaction.
//
// Open the *sql.DB through the pgx stdlib driver ("pgx").
type Postgres struct {
	db      *sql.DB
	emitter Emitter
	logger  *slog.Logger
}

func NewPostgres(db *sql.DB, opts ...Option) *Postgres {
	o := applyOptions(opts)
	return &Postgres{db: db, emitter: o.emitter, logger: o.logger}
}

// Get returns the stored entity, including soft-deleted ones.
func (p *Postgres) Get(ctx context.Context, entityID uuid.UUID) (entity.Entity, error) {
	var (
		kind string
		doc  []byte
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT kind, doc FROM entities WHERE id = $1`, entityID,
	).Scan(&kind, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query entity: %w", err)
	}
	return entity.Decode(entity.Kind(kind), doc)
}

// ListKind returns every stored entity of the kind.
func (p *Postgres) ListKind(ctx context.Context, kind entity.Kind) ([]entity.Entity, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM entities WHERE kind = $1`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e, err := entity.Decode(kind, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

// UpsertMany applies the whole batch in one transaction. Each entity's stored
// tag is read under a row lock and compared before anything is written, so a
// stale tag anywhere rolls the batch back.
func (p *Postgres) UpsertMany(ctx context.Context, entities []entity.Entity) ([]entity.Entity, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	clones := make([]entity.Entity, len(entities))
	for i, e := range entities {
		clone, err := entity.Clone(e)
		if err != nil {
			return nil, err
		}
		clones[i] = clone
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	seen := make(map[uuid.UUID]struct{}, len(clones))
	for _, e := range clones {
		base := e.Meta()
		if _, dup := seen[base.ID]; dup {
			return nil, duplicateInBatch(base.ID)
		}
		seen[base.ID] = struct{}{}

		var storedTag string
		err := tx.QueryRowContext(ctx,
			`SELECT version_tag FROM entities WHERE id = $1 FOR UPDATE`, base.ID,
		).Scan(&storedTag)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return nil, fmt.Errorf("lock entity %s: %w", base.ID, err)
		}

		switch {
		case base.VersionTag == "" && exists:
			return nil, versionMismatch(base.ID, "an entity with this id already exists")
		case base.VersionTag != "" && !exists:
			return nil, versionMismatch(base.ID, "the entity does not exist")
		case base.VersionTag != "" && !entity.VersionTagsEqual(storedTag, base.VersionTag):
			return nil, versionMismatch(base.ID, "the version tag is stale")
		}
	}

	txID := uuid.New()
	now := requestcontext.Now(ctx)
	performedBy := performer(ctx)

	var events []audit.Event
	for _, e := range clones {
		action := deriveAction(e)
		base := e.Meta()
		base.VersionTag = uuid.NewString()

		doc, err := entity.Encode(e)
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (id, kind, version_tag, is_deleted, doc, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE
			SET version_tag = EXCLUDED.version_tag,
			    is_deleted  = EXCLUDED.is_deleted,
			    doc         = EXCLUDED.doc,
			    updated_at  = EXCLUDED.updated_at
		`, base.ID, string(e.Kind()), base.VersionTag, base.IsDeleted, doc, now)
		if err != nil {
			return nil, fmt.Errorf("upsert entity %s: %w", base.ID, err)
		}

		version := 0
		if base.Tracking != nil {
			version = base.Tracking.Version
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entity_history (
				id, transaction_id, entity_id, kind, action,
				version_tag, version, timestamp, performed_by, document
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, uuid.New(), txID, base.ID, string(e.Kind()), string(action),
			base.VersionTag, version, now, performedBy, doc)
		if err != nil {
			return nil, fmt.Errorf("append history for %s: %w", base.ID, err)
		}

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

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}

	p.emit(ctx, events)
	return clones, nil
}

// HistoryForEntity returns the accepted history of one entity, oldest first.
func (p *Postgres) HistoryForEntity(ctx context.Context, entityID uuid.UUID) ([]HistoryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT transaction_id, entity_id, kind, action,
		       version_tag, version, timestamp, performed_by, document
		FROM entity_history
		WHERE entity_id = $1
		ORDER BY version
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var (
			rec    HistoryRecord
			kind   string
			action string
		)
		err := rows.Scan(&rec.TransactionID, &rec.EntityID, &kind, &action,
			&rec.VersionTag, &rec.Version, &rec.Timestamp, &rec.PerformedBy, &rec.Document)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.Kind = entity.Kind(kind)
		rec.Action = entity.WriteAction(action)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}

func (p *Postgres) emit(ctx context.Context, events []audit.Event) {
	if p.emitter == nil {
		return
	}
	for _, event := range events {
		if err := p.emitter.Emit(ctx, event); err != nil {
			p.logger.WarnContext(ctx, "audit emission failed",
				slog.String("entity_id", event.EntityID.String()),
				slog.String("error", err.Error()))
		}
	}
}
