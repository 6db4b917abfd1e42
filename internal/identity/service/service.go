// Package service implements the identity lifecycle engine: enrollment,
// verification-level transitions, endorsement admission and status
// derivation.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"kehilla/internal/audit"
	"kehilla/internal/docstore"
	"kehilla/internal/identity/endorse"
	"kehilla/internal/identity/models"
	"kehilla/internal/identity/store"
	"kehilla/internal/mfa"
	"kehilla/internal/platform/metrics"
	"kehilla/internal/platform/middleware"
	"kehilla/internal/vault"
	"kehilla/pkg/domain"
	dErrors "kehilla/pkg/domain-errors"
	"kehilla/pkg/platform/sentinel"
)

// AuditPublisher emits audit events for identity operations.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service orchestrates identity records over the record store and the
// opaque capabilities (vault, key store, document store, MFA provisioning).
type Service struct {
	store        store.Store
	verifier     *endorse.Verifier
	vault        vault.Vault
	keys         vault.KeyStore
	docs         docstore.Store
	mfa          mfa.Provisioner
	requirements models.AdvancedRequirements

	logger  *slog.Logger
	metrics *metrics.Metrics
	auditer AuditPublisher
	locks   recordLocks
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) { s.auditer = publisher }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs the lifecycle engine. All collaborators are required.
func New(
	identities store.Store,
	verifier *endorse.Verifier,
	v vault.Vault,
	keys vault.KeyStore,
	docs docstore.Store,
	provisioner mfa.Provisioner,
	requirements models.AdvancedRequirements,
	opts ...Option,
) (*Service, error) {
	if identities == nil || verifier == nil || v == nil || keys == nil || docs == nil || provisioner == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "identity service requires all collaborators")
	}
	s := &Service{
		store:        identities,
		verifier:     verifier,
		vault:        v,
		keys:         keys,
		docs:         docs,
		mfa:          provisioner,
		requirements: requirements,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DocumentUpload is one document submitted at enrollment or upgrade.
type DocumentUpload struct {
	Data []byte
	Type string
}

// EnrollRequest is the contact proof plus initial material.
type EnrollRequest struct {
	Email      string
	Phone      string
	Address    domain.Address
	MFAEnabled bool
	Documents  []DocumentUpload
}

// personalDetails is the plaintext behind the encrypted personal-info blob.
type personalDetails struct {
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	MFAEnabled bool   `json:"mfa_enabled"`
}

// MFAProvisioning is returned when MFA is enabled for the first time.
type MFAProvisioning struct {
	TOTP        mfa.TOTPSetup
	BackupCodes []string
}

// EnrollResult carries the new record and, when MFA was requested, the
// provisioning payload the member needs exactly once.
type EnrollResult struct {
	Record *models.IdentityRecord
	MFA    *MFAProvisioning
}

var emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Enroll creates a record at basic/pending. It is idempotent by contact
// proof: retrying after a dependency failure finds the existing record
// instead of creating a second one. Either the full record with all its
// document references is written, or nothing is.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	if err := validateContactProof(req.Email, req.Phone); err != nil {
		return nil, err
	}
	contactHash := hashContactProof(req.Email, req.Phone)

	if existing, err := s.store.FindByContactHash(ctx, contactHash); err == nil {
		return &EnrollResult{Record: existing}, nil
	} else if !dErrors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "record store lookup failed")
	}

	pair, err := s.vault.GenerateKeyPair()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "key generation failed")
	}

	details := personalDetails{Email: req.Email, Phone: req.Phone, MFAEnabled: req.MFAEnabled}

	var provisioning *MFAProvisioning
	if req.MFAEnabled {
		provisioning, err = s.provision(ctx, contactHash)
		if err != nil {
			return nil, err
		}
	}

	encrypted, err := s.sealDetails(details, pair.Public)
	if err != nil {
		return nil, err
	}

	refs, err := s.storeDocuments(ctx, req.Documents, pair.Public)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	record, err := models.NewIdentityRecord(domain.NewIdentityID(), models.PersonalInfo{
		EncryptedData: encrypted,
		PublicKey:     pair.Public,
	}, contactHash, now)
	if err != nil {
		return nil, err
	}
	record.Address = req.Address
	record.AppendDocuments(refs, now)

	if err := s.keys.Save(ctx, record.ID, pair.Private); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "key store write failed")
	}
	if err := s.store.Create(ctx, record); err != nil {
		_ = s.keys.Delete(ctx, record.ID)
		if dErrors.Is(err, sentinel.ErrConflict) {
			// Lost an enrollment race for the same contact proof; the
			// winner's record is the one and only record.
			existing, findErr := s.store.FindByContactHash(ctx, contactHash)
			if findErr != nil {
				return nil, dErrors.Wrap(findErr, dErrors.CodeDependency, "record store lookup failed")
			}
			return &EnrollResult{Record: existing}, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "record store write failed")
	}

	if s.metrics != nil {
		s.metrics.IdentitiesEnrolled.Inc()
	}
	s.logAudit(ctx, audit.ForIdentity(record.ID, audit.EventIdentityEnrolled))
	return &EnrollResult{Record: record, MFA: provisioning}, nil
}

// UpgradeVerification appends newly stored documents and promotes the level
// when the advanced requirements hold after the append. Documents and the
// verification stamp are recorded either way.
func (s *Service) UpgradeVerification(ctx context.Context, id domain.IdentityID, uploads []DocumentUpload, method models.VerificationMethod) (*models.IdentityRecord, error) {
	if !method.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown verification method %q", method)
	}
	unlock := s.locks.lock(id)
	defer unlock()

	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status == models.StatusSuspended {
		return nil, dErrors.New(dErrors.CodeInvalidOperation, "suspended records cannot be verified")
	}

	refs, err := s.storeDocuments(ctx, uploads, record.PersonalInfo.PublicKey)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	record.AppendDocuments(refs, now)
	record.RecordVerification(method, now)
	promoted := record.PromoteIfEligible(s.requirements, now)
	if record.Status == models.StatusPending {
		if err := record.Activate(now); err != nil {
			return nil, err
		}
		s.logAudit(ctx, audit.ForIdentity(record.ID, audit.EventIdentityActivated))
	}

	if err := s.store.Update(ctx, record); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "record store write failed")
	}
	if promoted {
		if s.metrics != nil {
			s.metrics.LevelUpgrades.Inc()
		}
		s.logAudit(ctx, audit.ForIdentity(record.ID, audit.EventLevelUpgraded))
	}
	return record, nil
}

// AddEndorsement verifies and admits one endorsement. On a failed signature
// nothing is appended and the verifier-id set is untouched.
func (s *Service) AddEndorsement(ctx context.Context, id domain.IdentityID, e models.Endorsement) error {
	unlock := s.locks.lock(id)
	defer unlock()

	record, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	valid, err := s.verifier.Verify(ctx, e)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "issuer directory unavailable")
	}
	if !valid {
		if s.metrics != nil {
			s.metrics.EndorsementsRejected.Inc()
		}
		s.logAudit(ctx, audit.ForIdentity(record.ID, audit.EventEndorsementRejected))
		return dErrors.Newf(dErrors.CodeInvalidSignature, "endorsement from %s rejected", e.IssuerID)
	}

	now := s.now().UTC()
	record.AppendEndorsement(e, now)
	promoted := record.PromoteIfEligible(s.requirements, now)

	if err := s.store.Update(ctx, record); err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "record store write failed")
	}
	if s.metrics != nil {
		s.metrics.EndorsementsAccepted.Inc()
	}
	s.logAudit(ctx, audit.ForIdentity(record.ID, audit.EventEndorsementAccepted))
	if promoted {
		if s.metrics != nil {
			s.metrics.LevelUpgrades.Inc()
		}
		s.logAudit(ctx, audit.ForIdentity(record.ID, audit.EventLevelUpgraded))
	}
	return nil
}

// VerificationStatus reports the current level and what is still missing
// for the next one. NextLevel is only set while the record is basic.
type VerificationStatus struct {
	Level      models.VerificationLevel    `json:"current_level"`
	Missing    []models.MissingRequirement `json:"missing_requirements"`
	NextLevel  *models.VerificationLevel   `json:"next_level,omitempty"`
	TrustLevel float64                     `json:"trust_level"`
}

func (s *Service) VerificationStatus(ctx context.Context, id domain.IdentityID) (*VerificationStatus, error) {
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	status := &VerificationStatus{
		Level:      record.Level,
		TrustLevel: s.verifier.TrustLevel(record.Endorsements),
	}
	if record.Level == models.LevelBasic {
		next := models.LevelAdvanced
		status.NextLevel = &next
		status.Missing = record.MissingForAdvanced(s.requirements)
	}
	return status, nil
}

// UpdateMFASettings toggles the MFA flag inside the encrypted blob. The
// provisioning calls run before the blob is rewritten, so a failed persist
// leaves both the stored flag and the member-visible MFA state unchanged.
func (s *Service) UpdateMFASettings(ctx context.Context, id domain.IdentityID, enable bool) (*MFAProvisioning, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	details, _, err := s.openDetails(ctx, record)
	if err != nil {
		return nil, err
	}
	if details.MFAEnabled == enable {
		return nil, nil
	}

	var provisioning *MFAProvisioning
	if enable {
		provisioning, err = s.provision(ctx, record.ID.String())
		if err != nil {
			return nil, err
		}
	}

	details.MFAEnabled = enable
	encrypted, err := s.sealDetails(*details, record.PersonalInfo.PublicKey)
	if err != nil {
		return nil, err
	}
	record.PersonalInfo.EncryptedData = encrypted
	record.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, record); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "record store write failed")
	}
	event := audit.EventMFADisabled
	if enable {
		event = audit.EventMFAEnabled
	}
	s.logAudit(ctx, audit.ForIdentity(record.ID, event))
	return provisioning, nil
}

// Suspend transitions active → suspended. Explicit administrative action.
func (s *Service) Suspend(ctx context.Context, id domain.IdentityID, reason string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	record, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := record.CanSuspend(); err != nil {
		return err
	}
	record.ApplySuspend(s.now().UTC())
	if err := s.store.Update(ctx, record); err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "record store write failed")
	}
	event := audit.ForIdentity(record.ID, audit.EventIdentitySuspended)
	event.Reason = reason
	s.logAudit(ctx, event)
	return nil
}

// Reinstate transitions suspended → active. Never automatic.
func (s *Service) Reinstate(ctx context.Context, id domain.IdentityID) error {
	unlock := s.locks.lock(id)
	defer unlock()

	record, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := record.CanReinstate(); err != nil {
		return err
	}
	record.ApplyReinstate(s.now().UTC())
	if err := s.store.Update(ctx, record); err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "record store write failed")
	}
	s.logAudit(ctx, audit.ForIdentity(record.ID, audit.EventIdentityReinstated))
	return nil
}

// Profile returns the record, optionally with decrypted personal details.
type Profile struct {
	Record   *models.IdentityRecord
	Personal *PersonalDetails
}

// PersonalDetails is the decrypted view of the personal-info blob.
type PersonalDetails struct {
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	MFAEnabled bool   `json:"mfa_enabled"`
}

func (s *Service) Profile(ctx context.Context, id domain.IdentityID, includePersonal bool) (*Profile, error) {
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	profile := &Profile{Record: record}
	if includePersonal {
		details, _, err := s.openDetails(ctx, record)
		if err != nil {
			return nil, err
		}
		profile.Personal = &PersonalDetails{
			Email:      details.Email,
			Phone:      details.Phone,
			MFAEnabled: details.MFAEnabled,
		}
	}
	return profile, nil
}

// RetrieveDocument decrypts one stored document for the owner.
func (s *Service) RetrieveDocument(ctx context.Context, id domain.IdentityID, documentID string) ([]byte, error) {
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	var ref *models.DocumentReference
	for i := range record.Documents {
		if record.Documents[i].ID == documentID {
			ref = &record.Documents[i]
			break
		}
	}
	if ref == nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "document %s not found", documentID)
	}
	privateKey, err := s.keys.Load(ctx, record.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "key store read failed")
	}
	data, err := s.docs.Retrieve(ctx, ref.ContentHash, ref.EncryptedKey, privateKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "document retrieval failed")
	}
	return data, nil
}

// LevelForAddress resolves the verification level for a linked ledger
// address. Unlinked addresses get the conservative basic level so transfer
// limits still apply.
func (s *Service) LevelForAddress(ctx context.Context, addr domain.Address) (models.VerificationLevel, error) {
	record, err := s.store.FindByAddress(ctx, addr)
	if err != nil {
		if dErrors.Is(err, sentinel.ErrNotFound) {
			return models.LevelBasic, nil
		}
		return "", dErrors.Wrap(err, dErrors.CodeDependency, "record store lookup failed")
	}
	return record.Level, nil
}

func (s *Service) load(ctx context.Context, id domain.IdentityID) (*models.IdentityRecord, error) {
	record, err := s.store.FindByID(ctx, id)
	if err != nil {
		if dErrors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "identity %s not found", id)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "record store read failed")
	}
	return record, nil
}

func (s *Service) storeDocuments(ctx context.Context, uploads []DocumentUpload, ownerPublicKey []byte) ([]models.DocumentReference, error) {
	now := s.now().UTC()
	refs := make([]models.DocumentReference, 0, len(uploads))
	for _, upload := range uploads {
		if len(upload.Data) == 0 || upload.Type == "" {
			return nil, dErrors.New(dErrors.CodeValidation, "document data and type are required")
		}
		result, err := s.docs.Store(ctx, upload.Data, [][]byte{ownerPublicKey})
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeDependency, "document storage failed")
		}
		refs = append(refs, models.DocumentReference{
			ID:           uuid.NewString(),
			ContentHash:  result.ContentHash,
			EncryptedKey: result.EncryptedKeys[base64.StdEncoding.EncodeToString(ownerPublicKey)],
			Type:         upload.Type,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return refs, nil
}

func (s *Service) provision(ctx context.Context, identifier string) (*MFAProvisioning, error) {
	setup, err := s.mfa.SetupTOTP(ctx, identifier)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "mfa provisioning failed")
	}
	codes, err := s.mfa.GenerateBackupCodes(ctx, identifier, 10)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "backup code generation failed")
	}
	return &MFAProvisioning{TOTP: setup, BackupCodes: codes}, nil
}

func (s *Service) sealDetails(details personalDetails, publicKey []byte) ([]byte, error) {
	plaintext, err := json.Marshal(details)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "marshal personal details")
	}
	encrypted, err := s.vault.Encrypt(plaintext, publicKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "encryption failed")
	}
	return encrypted, nil
}

func (s *Service) openDetails(ctx context.Context, record *models.IdentityRecord) (*personalDetails, []byte, error) {
	privateKey, err := s.keys.Load(ctx, record.ID)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeDependency, "key store read failed")
	}
	plaintext, err := s.vault.Decrypt(record.PersonalInfo.EncryptedData, privateKey)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeDependency, "decryption failed")
	}
	var details personalDetails
	if err := json.Unmarshal(plaintext, &details); err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "unmarshal personal details")
	}
	return &details, privateKey, nil
}

func (s *Service) logAudit(ctx context.Context, event audit.Event) {
	if requestID := middleware.GetRequestID(ctx); requestID != "" {
		event.RequestID = requestID
	}
	if device, ok := middleware.GetDevice(ctx); ok {
		event.Device = device.Browser + "/" + device.OS
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, event.Action,
			"identity_id", event.IdentityID,
			"request_id", event.RequestID,
			"log_type", "audit")
	}
	if s.auditer == nil {
		return
	}
	if err := s.auditer.Emit(ctx, event); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "event", event.Action, "error", err)
	}
}

func validateContactProof(email, phone string) error {
	if !emailShape.MatchString(strings.TrimSpace(email)) {
		return dErrors.New(dErrors.CodeValidation, "contact proof requires a valid email")
	}
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 7 {
		return dErrors.New(dErrors.CodeValidation, "contact proof requires a valid phone number")
	}
	return nil
}

func hashContactProof(email, phone string) string {
	normalized := strings.ToLower(strings.TrimSpace(email)) + "|" + strings.TrimSpace(phone)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
