// Package store persists identity records. Implementations return sentinel
// errors; the service translates them into domain errors.
package store

import (
	"context"

	"kehilla/internal/identity/models"
	"kehilla/pkg/domain"
)

// Store is the record-store capability for identities.
type Store interface {
	// Create persists a new record. Returns sentinel.ErrConflict when a
	// record with the same contact hash already exists, which is how
	// enrollment stays idempotent.
	Create(ctx context.Context, record *models.IdentityRecord) error

	// Update replaces the stored record. The caller holds the per-record
	// serialization lock, so last-write-wins is safe here.
	Update(ctx context.Context, record *models.IdentityRecord) error

	FindByID(ctx context.Context, id domain.IdentityID) (*models.IdentityRecord, error)

	FindByContactHash(ctx context.Context, contactHash string) (*models.IdentityRecord, error)

	// FindByAddress resolves a linked ledger address to its record.
	FindByAddress(ctx context.Context, addr domain.Address) (*models.IdentityRecord, error)
}
