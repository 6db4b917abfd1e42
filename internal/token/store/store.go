// Package store persists token positions and the transaction log. The
// orchestrator declares what it needs here; memory backs tests and single
// node development, postgres backs production.
package store

import (
	"context"
	"time"

	"kehilla/internal/token/models"
	"kehilla/pkg/domain"
)

// TokenStore keys currency positions by (holder, currency) and achievement
// tokens by holder. Save upserts; Find returns sentinel.ErrNotFound when
// the holder has no position yet.
type TokenStore interface {
	SaveCurrency(ctx context.Context, token *models.CurrencyToken) error
	FindCurrency(ctx context.Context, holder domain.Address, currency string) (*models.CurrencyToken, error)
	SaveAchievement(ctx context.Context, token *models.AchievementToken) error
	FindAchievement(ctx context.Context, holder domain.Address) (*models.AchievementToken, error)
}

// TransactionStore is the append-then-resolve transaction log.
type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) error
	Update(ctx context.Context, tx *models.Transaction) error
	FindByID(ctx context.Context, id domain.TransactionID) (*models.Transaction, error)
	// ListPendingBefore returns pending transactions created before the
	// cutoff, oldest first. The reconciler works through them.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
	// ListForAddress returns transactions touching the address, newest
	// first.
	ListForAddress(ctx context.Context, addr domain.Address, limit int) ([]*models.Transaction, error)
}
