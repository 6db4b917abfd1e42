package audit

import (
	"context"
	"time"

	"kehilla/pkg/domain"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	IdentityID string    `json:"identity_id,omitempty"`
	Address    string    `json:"address,omitempty"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	// Device captures which kind of client performed sensitive operations
	// (enrollment, MFA changes).
	Device string `json:"device,omitempty"`
	// Reference is the external ledger transaction hash when the action
	// touched the ledger.
	Reference string `json:"reference,omitempty"`
}

// EventName enumerates the audit actions the service emits.
type EventName string

const (
	EventIdentityEnrolled      EventName = "identity_enrolled"
	EventIdentityActivated     EventName = "identity_activated"
	EventIdentitySuspended     EventName = "identity_suspended"
	EventIdentityReinstated    EventName = "identity_reinstated"
	EventLevelUpgraded         EventName = "verification_level_upgraded"
	EventEndorsementAccepted   EventName = "endorsement_accepted"
	EventEndorsementRejected   EventName = "endorsement_rejected"
	EventMFAEnabled            EventName = "mfa_enabled"
	EventMFADisabled           EventName = "mfa_disabled"
	EventCurrencyIssued        EventName = "currency_issued"
	EventAchievementAwarded    EventName = "achievement_awarded"
	EventTransferCompleted     EventName = "transfer_completed"
	EventTransferFailed        EventName = "transfer_failed"
	EventCurrencyBurned        EventName = "currency_burned"
	EventTokenFrozen           EventName = "token_frozen"
	EventTransactionReconciled EventName = "transaction_reconciled"
)

// Store persists events. Implementations must be append-only.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// ForIdentity is a small helper to stamp identity fields consistently.
func ForIdentity(id domain.IdentityID, action EventName) Event {
	return Event{IdentityID: id.String(), Action: string(action)}
}
