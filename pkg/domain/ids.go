// Package domain holds typed identifiers shared across modules. Constructing
// them through the Parse helpers at trust boundaries enforces validity;
// direct casting bypasses validation.
package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IdentityID identifies an identity record.
type IdentityID uuid.UUID

// NewIdentityID returns a fresh random identity id.
func NewIdentityID() IdentityID {
	return IdentityID(uuid.New())
}

// ParseIdentityID validates and returns an IdentityID.
func ParseIdentityID(s string) (IdentityID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return IdentityID{}, fmt.Errorf("invalid identity id %q: %w", s, err)
	}
	return IdentityID(parsed), nil
}

func (id IdentityID) String() string {
	return uuid.UUID(id).String()
}

func (id IdentityID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

// TokenID identifies a token record (currency or achievement).
type TokenID uuid.UUID

func NewTokenID() TokenID {
	return TokenID(uuid.New())
}

func ParseTokenID(s string) (TokenID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return TokenID{}, fmt.Errorf("invalid token id %q: %w", s, err)
	}
	return TokenID(parsed), nil
}

func (id TokenID) String() string {
	return uuid.UUID(id).String()
}

func (id TokenID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

// TransactionID identifies a ledger-affecting transaction record.
type TransactionID uuid.UUID

func NewTransactionID() TransactionID {
	return TransactionID(uuid.New())
}

func ParseTransactionID(s string) (TransactionID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return TransactionID{}, fmt.Errorf("invalid transaction id %q: %w", s, err)
	}
	return TransactionID(parsed), nil
}

func (id TransactionID) String() string {
	return uuid.UUID(id).String()
}

func (id TransactionID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

// IssuerID identifies an endorsement issuer (rabbi, synagogue, federation).
// Issuer ids come from the issuer directory, not from this service, so they
// remain opaque strings.
type IssuerID string

func (id IssuerID) String() string {
	return string(id)
}

func (id IssuerID) IsNil() bool {
	return id == ""
}

// Address is a ledger account address. The gateway owns full validation; we
// only reject values that cannot possibly be addresses so obviously broken
// input fails before a ledger round trip.
type Address string

// ParseAddress validates the basic shape of a ledger address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if len(s) < 4 {
		return "", fmt.Errorf("invalid ledger address %q", s)
	}
	if strings.ContainsAny(s, " \t\n") {
		return "", fmt.Errorf("invalid ledger address %q", s)
	}
	return Address(s), nil
}

func (a Address) String() string {
	return string(a)
}

func (a Address) IsNil() bool {
	return a == ""
}
