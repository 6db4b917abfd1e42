package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"kehilla/internal/token/models"
	"kehilla/pkg/domain"
	"kehilla/pkg/platform/sentinel"
)

// Postgres persists token positions and the transaction log. Amounts are
// NUMERIC so the database can hold anything the ledger can; achievement
// entries live in a JSONB column.
//
// Schema:
//
//	CREATE TABLE currency_tokens (
//	    id         UUID PRIMARY KEY,
//	    holder     TEXT NOT NULL,
//	    currency   TEXT NOT NULL,
//	    issuer     TEXT NOT NULL DEFAULT '',
//	    amount     NUMERIC NOT NULL DEFAULT 0,
//	    frozen     BOOLEAN NOT NULL DEFAULT FALSE,
//	    metadata   JSONB NOT NULL DEFAULT '{}',
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    UNIQUE (holder, currency)
//	);
//
//	CREATE TABLE achievement_tokens (
//	    id           UUID PRIMARY KEY,
//	    holder       TEXT NOT NULL UNIQUE,
//	    issuer       TEXT NOT NULL DEFAULT '',
//	    total_points BIGINT NOT NULL DEFAULT 0,
//	    achievements JSONB NOT NULL DEFAULT '[]',
//	    metadata     JSONB NOT NULL DEFAULT '{}',
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    updated_at   TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE transactions (
//	    id             UUID PRIMARY KEY,
//	    type           TEXT NOT NULL,
//	    currency       TEXT NOT NULL,
//	    amount         NUMERIC NOT NULL,
//	    from_address   TEXT,
//	    to_address     TEXT NOT NULL,
//	    status         TEXT NOT NULL,
//	    reference      TEXT,
//	    failure_reason TEXT,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    updated_at     TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX transactions_pending_idx ON transactions (created_at) WHERE status = 'pending';
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) SaveCurrency(ctx context.Context, token *models.CurrencyToken) error {
	metadata, err := marshalMetadata(token.Metadata)
	if err != nil {
		return fmt.Errorf("save currency token: %w", err)
	}
	query := `
		INSERT INTO currency_tokens (id, holder, currency, issuer, amount, frozen, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (holder, currency) DO UPDATE
		SET amount = EXCLUDED.amount, frozen = EXCLUDED.frozen, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		token.ID.String(), token.Holder.String(), token.Currency, token.Issuer.String(),
		token.AmountString(), token.Frozen, metadata, token.CreatedAt, token.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save currency token: %w", err)
	}
	return nil
}

func (s *Postgres) FindCurrency(ctx context.Context, holder domain.Address, currency string) (*models.CurrencyToken, error) {
	query := `
		SELECT id, holder, currency, issuer, amount::TEXT, frozen, metadata, created_at, updated_at
		FROM currency_tokens
		WHERE holder = $1 AND currency = $2
	`
	row := s.db.QueryRowContext(ctx, query, holder.String(), currency)

	var token models.CurrencyToken
	var id, holderCol, issuerCol, amount string
	var metadata []byte
	err := row.Scan(&id, &holderCol, &token.Currency, &issuerCol, &amount, &token.Frozen, &metadata, &token.CreatedAt, &token.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find currency token: %w", err)
	}
	token.ID, err = domain.ParseTokenID(id)
	if err != nil {
		return nil, fmt.Errorf("find currency token: %w", err)
	}
	token.Holder = domain.Address(holderCol)
	token.Issuer = domain.Address(issuerCol)
	if err := unmarshalMetadata(metadata, &token.Metadata); err != nil {
		return nil, fmt.Errorf("find currency token: %w", err)
	}
	token.Amount, _ = new(big.Int).SetString(amount, 10)
	if token.Amount == nil {
		return nil, fmt.Errorf("find currency token: malformed amount %q", amount)
	}
	return &token, nil
}

func (s *Postgres) SaveAchievement(ctx context.Context, token *models.AchievementToken) error {
	achievements, err := json.Marshal(token.Achievements)
	if err != nil {
		return fmt.Errorf("save achievement token: %w", err)
	}
	metadata, err := marshalMetadata(token.Metadata)
	if err != nil {
		return fmt.Errorf("save achievement token: %w", err)
	}
	query := `
		INSERT INTO achievement_tokens (id, holder, issuer, total_points, achievements, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (holder) DO UPDATE
		SET total_points = EXCLUDED.total_points, achievements = EXCLUDED.achievements, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		token.ID.String(), token.Holder.String(), token.Issuer.String(), token.TotalPoints,
		achievements, metadata, token.CreatedAt, token.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save achievement token: %w", err)
	}
	return nil
}

func (s *Postgres) FindAchievement(ctx context.Context, holder domain.Address) (*models.AchievementToken, error) {
	query := `
		SELECT id, holder, issuer, total_points, achievements, metadata, created_at, updated_at
		FROM achievement_tokens
		WHERE holder = $1
	`
	row := s.db.QueryRowContext(ctx, query, holder.String())

	var token models.AchievementToken
	var id, holderCol, issuerCol string
	var achievements, metadata []byte
	err := row.Scan(&id, &holderCol, &issuerCol, &token.TotalPoints, &achievements, &metadata, &token.CreatedAt, &token.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find achievement token: %w", err)
	}
	token.ID, err = domain.ParseTokenID(id)
	if err != nil {
		return nil, fmt.Errorf("find achievement token: %w", err)
	}
	token.Holder = domain.Address(holderCol)
	token.Issuer = domain.Address(issuerCol)
	if err := json.Unmarshal(achievements, &token.Achievements); err != nil {
		return nil, fmt.Errorf("find achievement token: %w", err)
	}
	if err := unmarshalMetadata(metadata, &token.Metadata); err != nil {
		return nil, fmt.Errorf("find achievement token: %w", err)
	}
	token.Soulbound = true
	return &token, nil
}

// marshalMetadata keeps the column a JSON object even when nothing was set.
func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(metadata)
}

func unmarshalMetadata(raw []byte, out *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return err
	}
	if len(*out) == 0 {
		*out = nil
	}
	return nil
}

func (s *Postgres) Create(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (id, type, currency, amount, from_address, to_address, status, reference, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		tx.ID.String(), string(tx.Type), tx.Currency, tx.Amount, tx.From.String(), tx.To.String(),
		string(tx.Status), tx.Reference, tx.FailureReason, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *Postgres) Update(ctx context.Context, tx *models.Transaction) error {
	query := `
		UPDATE transactions
		SET status = $2, reference = $3, failure_reason = $4, updated_at = $5
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		tx.ID.String(), string(tx.Status), tx.Reference, tx.FailureReason, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, id domain.TransactionID) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, selectTransaction+` WHERE id = $1`, id.String())
	return scanTransaction(row)
}

func (s *Postgres) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	query := selectTransaction + `
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *Postgres) ListForAddress(ctx context.Context, addr domain.Address, limit int) ([]*models.Transaction, error) {
	query := selectTransaction + `
		WHERE from_address = $1 OR to_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, addr.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions for address: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

const selectTransaction = `
	SELECT id, type, currency, amount::TEXT, from_address, to_address, status, reference, failure_reason, created_at, updated_at
	FROM transactions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var id, from, to string
	err := row.Scan(&id, &tx.Type, &tx.Currency, &tx.Amount, &from, &to,
		&tx.Status, &tx.Reference, &tx.FailureReason, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	tx.ID, err = domain.ParseTransactionID(id)
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	tx.From = domain.Address(from)
	tx.To = domain.Address(to)
	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	return out, nil
}
