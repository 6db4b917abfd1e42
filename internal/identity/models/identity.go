package models

import (
	"fmt"
	"time"

	"kehilla/pkg/domain"
	dErrors "kehilla/pkg/domain-errors"
)

// VerificationLevel is the tier of scrutiny an identity has passed. Levels
// are ordered; outside an explicit administrative demotion the level never
// decreases.
type VerificationLevel string

const (
	LevelBasic    VerificationLevel = "basic"
	LevelAdvanced VerificationLevel = "advanced"
)

var levelRank = map[VerificationLevel]int{
	LevelBasic:    1,
	LevelAdvanced: 2,
}

func (l VerificationLevel) IsValid() bool {
	_, ok := levelRank[l]
	return ok
}

// AtLeast reports whether l is the same or a higher tier than other.
func (l VerificationLevel) AtLeast(other VerificationLevel) bool {
	return levelRank[l] >= levelRank[other]
}

// Status is the lifecycle state of a record.
//
// Transitions: pending → active → suspended, and suspended → active via
// explicit reinstatement only. Records are never deleted; suspension is the
// terminal-looking state that is still reversible.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

var statusTransitions = map[Status][]Status{
	StatusPending:   {StatusActive},
	StatusActive:    {StatusSuspended},
	StatusSuspended: {StatusActive},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// VerificationMethod records how the last verification was performed.
type VerificationMethod string

const (
	MethodHeritage   VerificationMethod = "heritage"
	MethodConversion VerificationMethod = "conversion"
	MethodCommunity  VerificationMethod = "community"
)

func (m VerificationMethod) IsValid() bool {
	switch m {
	case MethodHeritage, MethodConversion, MethodCommunity:
		return true
	}
	return false
}

// EndorsementType classifies the issuer of an endorsement. The trust weight
// per type is a policy constant, not code; see the policy tables in config.
type EndorsementType string

const (
	EndorsementRabbi      EndorsementType = "rabbi"
	EndorsementSynagogue  EndorsementType = "synagogue"
	EndorsementFederation EndorsementType = "federation"
)

func (t EndorsementType) IsValid() bool {
	switch t {
	case EndorsementRabbi, EndorsementSynagogue, EndorsementFederation:
		return true
	}
	return false
}

// Endorsement is a signed attestation by a recognized issuer. Immutable once
// accepted; it carries the issuer id as a back-reference only.
type Endorsement struct {
	IssuerID  domain.IssuerID `json:"issuer_id"`
	Type      EndorsementType `json:"type"`
	Level     int             `json:"level"`
	Timestamp time.Time       `json:"timestamp"`
	Signature []byte          `json:"signature"`
}

// CanonicalPayload is the byte string issuers sign. Field order and the
// second-precision unix timestamp are part of the wire contract.
func (e Endorsement) CanonicalPayload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%d", e.IssuerID, e.Type, e.Level, e.Timestamp.Unix()))
}

// Validate checks structural validity, not the signature.
func (e Endorsement) Validate() error {
	if e.IssuerID.IsNil() {
		return dErrors.New(dErrors.CodeInvariantViolation, "endorsement issuer id is required")
	}
	if !e.Type.IsValid() {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "unknown endorsement type %q", e.Type)
	}
	if e.Level <= 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "endorsement level must be positive")
	}
	if len(e.Signature) == 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "endorsement signature is required")
	}
	return nil
}

// DocumentReference points at an encrypted document in the content-addressed
// store. Append-only within a record.
type DocumentReference struct {
	ID           string    `json:"id"`
	ContentHash  string    `json:"content_hash"`
	EncryptedKey []byte    `json:"encrypted_key"`
	Type         string    `json:"type"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	VerifiedBy   []string  `json:"verified_by,omitempty"`
}

// PersonalInfo is the encrypted blob plus the owner public key it was sealed
// to. The core never inspects the plaintext outside explicit decrypt calls.
type PersonalInfo struct {
	EncryptedData []byte `json:"encrypted_data"`
	PublicKey     []byte `json:"public_key"`
}

// VerificationMeta tracks when and how the record was last verified.
type VerificationMeta struct {
	LastVerified time.Time          `json:"last_verified"`
	Method       VerificationMethod `json:"method"`
	VerifierIDs  []domain.IssuerID  `json:"verifier_ids"`
}

// AdvancedRequirements is the policy list gating the advanced level.
type AdvancedRequirements struct {
	MinEndorsements  int
	RequiredDocTypes []string
}

// MissingRequirement names an unmet requirement for the next level.
type MissingRequirement struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// IdentityRecord is the aggregate root for one member of the network.
//
// Invariants:
//   - Level advanced requires the AdvancedRequirements policy to hold
//     (endorsement count and required document types)
//   - Endorsements and Documents are append-only
//   - Status follows the pending/active/suspended machine above
//   - Records are never physically deleted
type IdentityRecord struct {
	ID           domain.IdentityID   `json:"id"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Level        VerificationLevel   `json:"verification_level"`
	Endorsements []Endorsement       `json:"endorsements"`
	Documents    []DocumentReference `json:"documents"`
	Status       Status              `json:"status"`
	PersonalInfo PersonalInfo        `json:"personal_info"`
	Meta         VerificationMeta    `json:"verification_meta"`
	// Address is the member's ledger account, when linked. The token
	// orchestrator resolves transfer limits through it.
	Address domain.Address `json:"address,omitempty"`
	// ContactHash is the SHA-256 of the normalized contact proof. It is the
	// idempotency key for enrollment: retrying with the same proof finds
	// the existing record instead of creating a second one.
	ContactHash string `json:"contact_hash"`
}

// NewIdentityRecord constructs a freshly enrolled record at basic/pending.
func NewIdentityRecord(id domain.IdentityID, personal PersonalInfo, contactHash string, now time.Time) (*IdentityRecord, error) {
	if id.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "identity id is required")
	}
	if len(personal.EncryptedData) == 0 || len(personal.PublicKey) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "encrypted personal info and public key are required")
	}
	if contactHash == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "contact hash is required")
	}
	return &IdentityRecord{
		ID:           id,
		CreatedAt:    now,
		UpdatedAt:    now,
		Level:        LevelBasic,
		Status:       StatusPending,
		PersonalInfo: personal,
		ContactHash:  contactHash,
	}, nil
}

// AppendEndorsement admits an already verified endorsement and records the
// issuer as a verifier. Duplicate issuers are allowed; each endorsement
// counts separately in trust scoring.
func (r *IdentityRecord) AppendEndorsement(e Endorsement, now time.Time) {
	r.Endorsements = append(r.Endorsements, e)
	r.Meta.VerifierIDs = append(r.Meta.VerifierIDs, e.IssuerID)
	r.UpdatedAt = now
}

// AppendDocuments adds new references; existing ones are never replaced.
func (r *IdentityRecord) AppendDocuments(docs []DocumentReference, now time.Time) {
	r.Documents = append(r.Documents, docs...)
	r.UpdatedAt = now
}

// HasDocumentType reports whether any reference carries the given type.
func (r *IdentityRecord) HasDocumentType(docType string) bool {
	for _, doc := range r.Documents {
		if doc.Type == docType {
			return true
		}
	}
	return false
}

// MeetsAdvancedRequirements evaluates the policy list against the current
// endorsement and document sets.
func (r *IdentityRecord) MeetsAdvancedRequirements(req AdvancedRequirements) bool {
	if len(r.Endorsements) < req.MinEndorsements {
		return false
	}
	for _, docType := range req.RequiredDocTypes {
		if !r.HasDocumentType(docType) {
			return false
		}
	}
	return true
}

// MissingForAdvanced names the unmet requirements, for status reporting.
func (r *IdentityRecord) MissingForAdvanced(req AdvancedRequirements) []MissingRequirement {
	var missing []MissingRequirement
	if len(r.Endorsements) < req.MinEndorsements {
		missing = append(missing, MissingRequirement{
			Type: "endorsements",
			Description: fmt.Sprintf("requires %d accepted endorsements, has %d",
				req.MinEndorsements, len(r.Endorsements)),
		})
	}
	for _, docType := range req.RequiredDocTypes {
		if !r.HasDocumentType(docType) {
			missing = append(missing, MissingRequirement{
				Type:        "document",
				Description: fmt.Sprintf("requires a %s-type document", docType),
			})
		}
	}
	return missing
}

// PromoteIfEligible raises the level to advanced when the policy holds.
// Returns true when a promotion happened. The level never moves down here;
// demotion is a separate administrative action.
func (r *IdentityRecord) PromoteIfEligible(req AdvancedRequirements, now time.Time) bool {
	if r.Level.AtLeast(LevelAdvanced) {
		return false
	}
	if !r.MeetsAdvancedRequirements(req) {
		return false
	}
	r.Level = LevelAdvanced
	r.UpdatedAt = now
	return true
}

// Activate transitions pending → active.
func (r *IdentityRecord) Activate(now time.Time) error {
	if r.Status == StatusActive {
		return nil
	}
	if !r.Status.CanTransitionTo(StatusActive) {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot activate a %s record", r.Status)
	}
	r.Status = StatusActive
	r.UpdatedAt = now
	return nil
}

// CanSuspend checks the transition; ApplySuspend performs it.
func (r *IdentityRecord) CanSuspend() error {
	if !r.Status.CanTransitionTo(StatusSuspended) {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot suspend a %s record", r.Status)
	}
	return nil
}

func (r *IdentityRecord) ApplySuspend(now time.Time) {
	r.Status = StatusSuspended
	r.UpdatedAt = now
}

// CanReinstate checks the transition; ApplyReinstate performs it.
// Reinstatement is always explicit, never automatic.
func (r *IdentityRecord) CanReinstate() error {
	if r.Status != StatusSuspended {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "cannot reinstate a %s record", r.Status)
	}
	return nil
}

func (r *IdentityRecord) ApplyReinstate(now time.Time) {
	r.Status = StatusActive
	r.UpdatedAt = now
}

// RecordVerification stamps the metadata after an upgrade attempt,
// regardless of whether a promotion happened.
func (r *IdentityRecord) RecordVerification(method VerificationMethod, now time.Time) {
	r.Meta.LastVerified = now
	r.Meta.Method = method
	r.UpdatedAt = now
}
