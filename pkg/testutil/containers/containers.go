//go:build integration

// Package containers manages throwaway infrastructure for integration tests.
// Containers are started once per test binary and shared across suites; each
// suite truncates the tables it touches in SetupTest instead of restarting
// the container.
package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// schema creates every table the postgres stores expect. Kept in one place so
// integration tests and deployment migrations cannot drift apart silently.
const schema = `
CREATE TABLE IF NOT EXISTS identities (
    id            UUID PRIMARY KEY,
    contact_hash  TEXT NOT NULL UNIQUE,
    address       TEXT,
    status        TEXT NOT NULL,
    level         TEXT NOT NULL,
    endorsements  JSONB NOT NULL DEFAULT '[]',
    documents     JSONB NOT NULL DEFAULT '[]',
    personal_info JSONB NOT NULL,
    meta          JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS identity_keys (
    identity_id UUID PRIMARY KEY,
    private_key BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS currency_tokens (
    id         UUID PRIMARY KEY,
    holder     TEXT NOT NULL,
    currency   TEXT NOT NULL,
    issuer     TEXT NOT NULL DEFAULT '',
    amount     NUMERIC NOT NULL DEFAULT 0,
    frozen     BOOLEAN NOT NULL DEFAULT FALSE,
    metadata   JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (holder, currency)
);

CREATE TABLE IF NOT EXISTS achievement_tokens (
    id           UUID PRIMARY KEY,
    holder       TEXT NOT NULL UNIQUE,
    issuer       TEXT NOT NULL DEFAULT '',
    total_points BIGINT NOT NULL DEFAULT 0,
    achievements JSONB NOT NULL DEFAULT '[]',
    metadata     JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
    id             UUID PRIMARY KEY,
    type           TEXT NOT NULL,
    currency       TEXT NOT NULL,
    amount         NUMERIC NOT NULL,
    from_address   TEXT,
    to_address     TEXT NOT NULL,
    status         TEXT NOT NULL,
    reference      TEXT,
    failure_reason TEXT,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_pending_idx ON transactions (created_at) WHERE status = 'pending';
`

// PostgresContainer wraps a shared testcontainers Postgres instance.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// TruncateTables clears the named tables between tests.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	_, err := p.DB.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s", strings.Join(tables, ", ")))
	return err
}

// Manager hands out shared containers, starting each kind at most once.
type Manager struct {
	mu       sync.Mutex
	postgres *PostgresContainer
	redis    *RedisContainer
}

var (
	managerOnce sync.Once
	manager     *Manager
)

// GetManager returns the process-wide container manager.
func GetManager() *Manager {
	managerOnce.Do(func() {
		manager = &Manager{}
	})
	return manager
}

// GetPostgres returns the shared Postgres container, starting it and applying
// the schema on first use.
func (m *Manager) GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postgres != nil {
		return m.postgres
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("kehilla_test"),
		tcpostgres.WithUsername("kehilla"),
		tcpostgres.WithPassword("kehilla"),
		tcpostgres.BasicWaitStrategies(),
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
		t.Fatalf("failed to open postgres: %v", err)
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

	m.postgres = &PostgresContainer{Container: container, DSN: dsn, DB: db}
	return m.postgres
}
