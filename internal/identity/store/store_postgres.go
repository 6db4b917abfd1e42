package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"kehilla/internal/identity/models"
	"kehilla/pkg/domain"
	"kehilla/pkg/platform/sentinel"
)

// Postgres persists identity records. Endorsements, documents and
// verification metadata live in JSONB columns; the queried fields (id,
// contact hash, status, level) are first-class columns.
//
// Schema:
//
//	CREATE TABLE identities (
//	    id            UUID PRIMARY KEY,
//	    contact_hash  TEXT NOT NULL UNIQUE,
//	    address       TEXT,
//	    status        TEXT NOT NULL,
//	    level         TEXT NOT NULL,
//	    endorsements  JSONB NOT NULL DEFAULT '[]',
//	    documents     JSONB NOT NULL DEFAULT '[]',
//	    personal_info JSONB NOT NULL,
//	    meta          JSONB NOT NULL DEFAULT '{}',
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    updated_at    TIMESTAMPTZ NOT NULL
//	);
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Create(ctx context.Context, record *models.IdentityRecord) error {
	endorsements, documents, personal, meta, err := marshalParts(record)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO identities (id, contact_hash, address, status, level, endorsements, documents, personal_info, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		record.ID.String(), record.ContactHash, record.Address.String(), string(record.Status), string(record.Level),
		endorsements, documents, personal, meta, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *Postgres) Update(ctx context.Context, record *models.IdentityRecord) error {
	endorsements, documents, personal, meta, err := marshalParts(record)
	if err != nil {
		return err
	}
	query := `
		UPDATE identities
		SET address = $2, status = $3, level = $4, endorsements = $5, documents = $6, personal_info = $7, meta = $8, updated_at = $9
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		record.ID.String(), record.Address.String(), string(record.Status), string(record.Level),
		endorsements, documents, personal, meta, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, id domain.IdentityID) (*models.IdentityRecord, error) {
	query := `
		SELECT id, contact_hash, address, status, level, endorsements, documents, personal_info, meta, created_at, updated_at
		FROM identities
		WHERE id = $1
	`
	return scanIdentity(s.db.QueryRowContext(ctx, query, id.String()))
}

func (s *Postgres) FindByContactHash(ctx context.Context, contactHash string) (*models.IdentityRecord, error) {
	query := `
		SELECT id, contact_hash, address, status, level, endorsements, documents, personal_info, meta, created_at, updated_at
		FROM identities
		WHERE contact_hash = $1
	`
	return scanIdentity(s.db.QueryRowContext(ctx, query, contactHash))
}

func (s *Postgres) FindByAddress(ctx context.Context, addr domain.Address) (*models.IdentityRecord, error) {
	query := `
		SELECT id, contact_hash, address, status, level, endorsements, documents, personal_info, meta, created_at, updated_at
		FROM identities
		WHERE address = $1
	`
	return scanIdentity(s.db.QueryRowContext(ctx, query, addr.String()))
}

func marshalParts(record *models.IdentityRecord) (endorsements, documents, personal, meta []byte, err error) {
	if endorsements, err = json.Marshal(record.Endorsements); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal endorsements: %w", err)
	}
	if documents, err = json.Marshal(record.Documents); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal documents: %w", err)
	}
	if personal, err = json.Marshal(record.PersonalInfo); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal personal info: %w", err)
	}
	if meta, err = json.Marshal(record.Meta); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal verification meta: %w", err)
	}
	return endorsements, documents, personal, meta, nil
}

func scanIdentity(row *sql.Row) (*models.IdentityRecord, error) {
	var (
		record       models.IdentityRecord
		rawID        string
		address      string
		status       string
		level        string
		endorsements []byte
		documents    []byte
		personal     []byte
		meta         []byte
	)
	err := row.Scan(&rawID, &record.ContactHash, &address, &status, &level,
		&endorsements, &documents, &personal, &meta,
		&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	record.ID, err = domain.ParseIdentityID(rawID)
	if err != nil {
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	record.Address = domain.Address(address)
	record.Status = models.Status(status)
	record.Level = models.VerificationLevel(level)
	if err := json.Unmarshal(endorsements, &record.Endorsements); err != nil {
		return nil, fmt.Errorf("unmarshal endorsements: %w", err)
	}
	if err := json.Unmarshal(documents, &record.Documents); err != nil {
		return nil, fmt.Errorf("unmarshal documents: %w", err)
	}
	if err := json.Unmarshal(personal, &record.PersonalInfo); err != nil {
		return nil, fmt.Errorf("unmarshal personal info: %w", err)
	}
	if err := json.Unmarshal(meta, &record.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal verification meta: %w", err)
	}
	return &record, nil
}
