// Package ledger is the opaque gateway to the external value-transfer
// network: trust lines, issuance, payments, balances. The core never sees
// wire formats, only receipts and balance lines.
package ledger

import (
	"context"
	"errors"

	"kehilla/pkg/domain"
)

// ErrUnconfirmed reports a submission the network accepted but has not
// validated yet. The receipt returned alongside it carries the reference;
// the caller keeps its record pending and reconciles later.
var ErrUnconfirmed = errors.New("ledger submission not yet validated")

// Receipt acknowledges a submitted ledger transaction.
type Receipt struct {
	// Reference is the network transaction hash used for reconciliation.
	Reference string
}

// BalanceLine is one trust line reported for an account.
type BalanceLine struct {
	Currency string
	Value    string
	Frozen   bool
}

// Gateway is the boundary capability consumed by the token orchestrator.
// Implementations must be safe for concurrent use and hold no per-call
// mutable connection state.
type Gateway interface {
	// SetupTrustLine authorizes addr to hold currency up to limit.
	SetupTrustLine(ctx context.Context, addr domain.Address, currency string, limit string) (Receipt, error)

	// Issue sends freshly issued tokens from the issuing authority to addr.
	Issue(ctx context.Context, addr domain.Address, currency string, amount string) (Receipt, error)

	// Transfer submits a payment between two member addresses.
	Transfer(ctx context.Context, from, to domain.Address, currency string, amount string) (Receipt, error)

	// Balances reports all trust lines held by addr.
	Balances(ctx context.Context, addr domain.Address) ([]BalanceLine, error)

	// FindTransaction reports whether a previously submitted reference is
	// confirmed on the ledger. Used by the reconciler to resolve pending
	// transaction records.
	FindTransaction(ctx context.Context, reference string) (bool, error)
}
