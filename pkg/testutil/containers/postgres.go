//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// schema is applied to every fresh container. It mirrors the production
// migrations for the entity store and the audit trail.
const schema = `
CREATE TABLE IF NOT EXISTS entities (
    id          UUID PRIMARY KEY,
    kind        TEXT        NOT NULL,
    version_tag TEXT        NOT NULL,
    is_deleted  BOOLEAN     NOT NULL DEFAULT FALSE,
    doc         JSONB       NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS entities_kind_idx ON entities (kind);

CREATE TABLE IF NOT EXISTS entity_history (
    id             UUID PRIMARY KEY,
    transaction_id UUID        NOT NULL,
    entity_id      UUID        NOT NULL,
    kind           TEXT        NOT NULL,
    action         TEXT        NOT NULL,
    version_tag    TEXT        NOT NULL,
    version        INTEGER     NOT NULL,
    timestamp      TIMESTAMPTZ NOT NULL,
    performed_by   TEXT        NOT NULL,
    document       JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS entity_history_entity_idx ON entity_history (entity_id, version);

CREATE TABLE IF NOT EXISTS audit_events (
    id             UUID PRIMARY KEY,
    category       TEXT        NOT NULL,
    timestamp      TIMESTAMPTZ NOT NULL,
    transaction_id UUID        NOT NULL,
    entity_id      UUID,
    entity_kind    TEXT        NOT NULL,
    action         TEXT        NOT NULL,
    performed_by   TEXT        NOT NULL,
    request_id     TEXT        NOT NULL,
    reason         TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_entity_idx ON audit_events (entity_id);
`

// PostgresContainer wraps a testcontainers Postgres instance with the
// project schema applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// NewPostgresContainer starts a new Postgres container and applies the schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("custodia"),
		tcpostgres.WithUsername("custodia"),
		tcpostgres.WithPassword("custodia"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres connection: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to ping postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	return &PostgresContainer{
		Container: container,
		DSN:       dsn,
		DB:        db,
	}
}

// TruncateTables empties the given tables. Use between tests for isolation.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	_, err := p.DB.ExecContext(ctx,
		fmt.Sprintf("TRUNCATE TABLE %s CASCADE", strings.Join(tables, ", ")))
	return err
}
