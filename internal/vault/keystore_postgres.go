package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kehilla/pkg/domain"
	"kehilla/pkg/platform/sentinel"
)

// PostgresKeyStore persists owner private keys alongside the records they
// unlock.
//
// Schema:
//
//	CREATE TABLE identity_keys (
//	    identity_id UUID PRIMARY KEY,
//	    private_key BYTEA NOT NULL
//	);
type PostgresKeyStore struct {
	db *sql.DB
}

func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) Save(ctx context.Context, id domain.IdentityID, privateKey []byte) error {
	query := `
		INSERT INTO identity_keys (identity_id, private_key)
		VALUES ($1, $2)
		ON CONFLICT (identity_id) DO UPDATE SET private_key = EXCLUDED.private_key
	`
	if _, err := s.db.ExecContext(ctx, query, id.String(), privateKey); err != nil {
		return fmt.Errorf("save identity key: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) Load(ctx context.Context, id domain.IdentityID) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT private_key FROM identity_keys WHERE identity_id = $1`, id.String()).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load identity key: %w", err)
	}
	return key, nil
}

func (s *PostgresKeyStore) Delete(ctx context.Context, id domain.IdentityID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM identity_keys WHERE identity_id = $1`, id.String()); err != nil {
		return fmt.Errorf("delete identity key: %w", err)
	}
	return nil
}
