// Package models holds the token aggregates: fungible community currency,
// soulbound achievement tokens and the transaction log that mirrors ledger
// submissions.
package models

import (
	"math/big"
	"time"

	"kehilla/pkg/domain"
	dErrors "kehilla/pkg/domain-errors"
)

// Currency codes carried on the ledger.
const (
	CurrencyShekel      = "SHK"
	CurrencyAchievement = "MVP"
)

// ParseAmount parses a non-negative integer amount in the smallest unit.
// Decimal fractions are rejected; the ledger carries whole units only.
func ParseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeValidation, "amount %q is not a whole number", s)
	}
	if amount.Sign() <= 0 {
		return nil, dErrors.Newf(dErrors.CodeValidation, "amount %q must be positive", s)
	}
	return amount, nil
}

// CurrencyToken is one holder's position in a fungible currency.
//
// Invariants:
//   - Amount mirrors confirmed ledger state only; unconfirmed submissions
//     never change it
//   - Frozen positions refuse transfers and report zero available balance
//   - Soulbound is always false for currency
type CurrencyToken struct {
	ID        domain.TokenID    `json:"id"`
	Currency  string            `json:"currency"`
	Holder    domain.Address    `json:"holder"`
	Issuer    domain.Address    `json:"issuer"`
	Amount    *big.Int          `json:"-"`
	Frozen    bool              `json:"frozen"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// AmountString is the canonical decimal form used on the wire and in rows.
func (t *CurrencyToken) AmountString() string {
	if t.Amount == nil {
		return "0"
	}
	return t.Amount.String()
}

// Credit adds a confirmed amount to the position.
func (t *CurrencyToken) Credit(amount *big.Int, now time.Time) {
	if t.Amount == nil {
		t.Amount = new(big.Int)
	}
	t.Amount.Add(t.Amount, amount)
	t.UpdatedAt = now
}

// Debit removes a confirmed amount. The caller checks available balance
// first; going negative here is an invariant violation.
func (t *CurrencyToken) Debit(amount *big.Int, now time.Time) error {
	if t.Amount == nil || t.Amount.Cmp(amount) < 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "debit exceeds confirmed balance")
	}
	t.Amount.Sub(t.Amount, amount)
	t.UpdatedAt = now
	return nil
}

func NewCurrencyToken(holder, issuer domain.Address, currency string, now time.Time) *CurrencyToken {
	return &CurrencyToken{
		ID:        domain.NewTokenID(),
		Currency:  currency,
		Holder:    holder,
		Issuer:    issuer,
		Amount:    new(big.Int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetMetadata attaches one annotation to the position.
func (t *CurrencyToken) SetMetadata(key, value string, now time.Time) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
	t.UpdatedAt = now
}

// AchievementCategory partitions achievement awards.
type AchievementCategory string

const (
	CategoryCommunity AchievementCategory = "community"
	CategoryLearning  AchievementCategory = "learning"
	CategoryCharity   AchievementCategory = "charity"
	CategoryRitual    AchievementCategory = "ritual"
)

func (c AchievementCategory) IsValid() bool {
	switch c {
	case CategoryCommunity, CategoryLearning, CategoryCharity, CategoryRitual:
		return true
	}
	return false
}

// Achievement is one award entry inside a holder's achievement token.
type Achievement struct {
	Name        string              `json:"name"`
	Category    AchievementCategory `json:"category"`
	Points      int64               `json:"points"`
	Description string              `json:"description"`
	AwardedAt   time.Time           `json:"awarded_at"`
}

// AchievementToken is a holder's soulbound achievement record: points
// accumulate, entries are append-only, and the token can never move.
type AchievementToken struct {
	ID           domain.TokenID    `json:"id"`
	Holder       domain.Address    `json:"holder"`
	Issuer       domain.Address    `json:"issuer"`
	TotalPoints  int64             `json:"total_points"`
	Achievements []Achievement     `json:"achievements"`
	Soulbound    bool              `json:"soulbound"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func NewAchievementToken(holder, issuer domain.Address, now time.Time) *AchievementToken {
	return &AchievementToken{
		ID:        domain.NewTokenID(),
		Holder:    holder,
		Issuer:    issuer,
		Soulbound: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Award appends one entry and bumps the running total.
func (t *AchievementToken) Award(name string, category AchievementCategory, points int64, description string, now time.Time) error {
	if name == "" {
		return dErrors.New(dErrors.CodeValidation, "achievement name is required")
	}
	if !category.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown achievement category %q", category)
	}
	if points <= 0 {
		return dErrors.New(dErrors.CodeValidation, "achievement points must be positive")
	}
	t.Achievements = append(t.Achievements, Achievement{
		Name:        name,
		Category:    category,
		Points:      points,
		Description: description,
		AwardedAt:   now,
	})
	t.TotalPoints += points
	t.UpdatedAt = now
	return nil
}

// PointsIn sums the points awarded in one category.
func (t *AchievementToken) PointsIn(category AchievementCategory) int64 {
	var total int64
	for _, a := range t.Achievements {
		if a.Category == category {
			total += a.Points
		}
	}
	return total
}

// TransactionType names what a ledger submission did.
type TransactionType string

const (
	TxIssuance TransactionType = "issuance"
	TxTransfer TransactionType = "transfer"
	TxBurn     TransactionType = "burn"
)

// TransactionStatus follows pending → completed | failed. Terminal states
// never change.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is the durable record of one ledger submission. It is written
// pending before the submission goes out, so a crash mid-flight leaves a
// record the reconciler can resolve against the ledger.
type Transaction struct {
	ID            domain.TransactionID `json:"id"`
	Type          TransactionType      `json:"type"`
	Currency      string               `json:"currency"`
	Amount        string               `json:"amount"`
	From          domain.Address       `json:"from,omitempty"`
	To            domain.Address       `json:"to"`
	Status        TransactionStatus    `json:"status"`
	Reference     string               `json:"reference,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func NewTransaction(txType TransactionType, currency, amount string, from, to domain.Address, now time.Time) *Transaction {
	return &Transaction{
		ID:        domain.NewTransactionID(),
		Type:      txType,
		Currency:  currency,
		Amount:    amount,
		From:      from,
		To:        to,
		Status:    TxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Complete marks the transaction confirmed with its ledger reference.
func (tx *Transaction) Complete(reference string, now time.Time) error {
	if tx.Status != TxPending {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot complete a %s transaction", tx.Status)
	}
	tx.Status = TxCompleted
	tx.Reference = reference
	tx.UpdatedAt = now
	return nil
}

// Fail marks the transaction failed with the reason for the audit trail.
func (tx *Transaction) Fail(reason string, now time.Time) error {
	if tx.Status != TxPending {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot fail a %s transaction", tx.Status)
	}
	tx.Status = TxFailed
	tx.FailureReason = reason
	tx.UpdatedAt = now
	return nil
}
