package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"kehilla/internal/docstore"
	"kehilla/internal/identity/endorse"
	"kehilla/internal/identity/models"
	"kehilla/internal/identity/store"
	"kehilla/internal/mfa"
	"kehilla/internal/vault"
	"kehilla/pkg/domain"
	dErrors "kehilla/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite

	store     *store.Memory
	directory *endorse.StaticDirectory
	service   *Service

	issuerKeys map[domain.IssuerID]ed25519.PrivateKey
	now        time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewMemory()
	s.directory = endorse.NewStaticDirectory()
	s.issuerKeys = make(map[domain.IssuerID]ed25519.PrivateKey)
	s.now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	verifier := endorse.New(s.directory, endorse.TrustPolicy{
		Weights: map[models.EndorsementType]float64{
			models.EndorsementRabbi:      1.0,
			models.EndorsementSynagogue:  2.0,
			models.EndorsementFederation: 3.0,
		},
		PerIssuerCap: 10.0,
	})

	svc, err := New(
		s.store,
		verifier,
		vault.NewBox(),
		vault.NewMemoryKeyStore(),
		docstore.NewMemory(vault.NewBox()),
		mfa.NewLocal(),
		models.AdvancedRequirements{MinEndorsements: 2, RequiredDocTypes: []string{"heritage"}},
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) registerIssuer(id string) domain.IssuerID {
	issuer := domain.IssuerID(id)
	public, private, err := ed25519.GenerateKey(nil)
	s.Require().NoError(err)
	s.directory.Register(issuer, public)
	s.issuerKeys[issuer] = private
	return issuer
}

func (s *ServiceSuite) signedEndorsement(issuer domain.IssuerID, typ models.EndorsementType, level int) models.Endorsement {
	e := models.Endorsement{
		IssuerID:  issuer,
		Type:      typ,
		Level:     level,
		Timestamp: s.now,
	}
	e.Signature = ed25519.Sign(s.issuerKeys[issuer], e.CanonicalPayload())
	return e
}

func (s *ServiceSuite) enroll(email string, docs ...DocumentUpload) *models.IdentityRecord {
	result, err := s.service.Enroll(context.Background(), EnrollRequest{
		Email:     email,
		Phone:     "+1 212 555 0100",
		Documents: docs,
	})
	s.Require().NoError(err)
	return result.Record
}

func (s *ServiceSuite) TestEnroll_CreatesBasicPendingRecord() {
	record := s.enroll("miriam@example.org", DocumentUpload{Data: []byte("birth certificate"), Type: "heritage"})

	s.Equal(models.LevelBasic, record.Level)
	s.Equal(models.StatusPending, record.Status)
	s.Len(record.Documents, 1)
	s.NotEmpty(record.PersonalInfo.EncryptedData)
	s.NotEmpty(record.ContactHash)
}

func (s *ServiceSuite) TestEnroll_IdempotentByContactProof() {
	first := s.enroll("miriam@example.org")
	second := s.enroll("Miriam@Example.org") // case-insensitive email normalization

	s.Equal(first.ID, second.ID)
}

func (s *ServiceSuite) TestEnroll_RejectsMalformedContactProof() {
	ctx := context.Background()

	_, err := s.service.Enroll(ctx, EnrollRequest{Email: "not-an-email", Phone: "+1 212 555 0100"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.service.Enroll(ctx, EnrollRequest{Email: "miriam@example.org", Phone: "123"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestEnroll_RetrySucceedsAfterStoreFailure() {
	ctx := context.Background()
	req := EnrollRequest{Email: "miriam@example.org", Phone: "+1 212 555 0100"}

	s.store.FailNext(errors.New("db down"))
	_, err := s.service.Enroll(ctx, req)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDependency))

	result, err := s.service.Enroll(ctx, req)
	s.Require().NoError(err)
	s.NotNil(result.Record)
}

func (s *ServiceSuite) TestEnroll_WithMFAReturnsProvisioning() {
	result, err := s.service.Enroll(context.Background(), EnrollRequest{
		Email:      "miriam@example.org",
		Phone:      "+1 212 555 0100",
		MFAEnabled: true,
	})
	s.Require().NoError(err)
	s.Require().NotNil(result.MFA)
	s.NotEmpty(result.MFA.TOTP.Secret)
	s.Len(result.MFA.BackupCodes, 10)
}

func (s *ServiceSuite) TestAddEndorsement_PromotesWhenRequirementsHold() {
	ctx := context.Background()
	rabbi := s.registerIssuer("rabbi-cohen")
	synagogue := s.registerIssuer("beth-shalom")

	record := s.enroll("miriam@example.org", DocumentUpload{Data: []byte("lineage"), Type: "heritage"})

	s.Require().NoError(s.service.AddEndorsement(ctx, record.ID, s.signedEndorsement(rabbi, models.EndorsementRabbi, 2)))

	got, err := s.store.FindByID(ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.LevelBasic, got.Level, "one endorsement is not enough")

	s.Require().NoError(s.service.AddEndorsement(ctx, record.ID, s.signedEndorsement(synagogue, models.EndorsementSynagogue, 1)))

	got, err = s.store.FindByID(ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.LevelAdvanced, got.Level)
	s.Len(got.Endorsements, 2)
}

func (s *ServiceSuite) TestAddEndorsement_NoPromotionWithoutRequiredDocument() {
	ctx := context.Background()
	rabbi := s.registerIssuer("rabbi-cohen")
	federation := s.registerIssuer("uja-federation")

	record := s.enroll("miriam@example.org") // no heritage document

	s.Require().NoError(s.service.AddEndorsement(ctx, record.ID, s.signedEndorsement(rabbi, models.EndorsementRabbi, 3)))
	s.Require().NoError(s.service.AddEndorsement(ctx, record.ID, s.signedEndorsement(federation, models.EndorsementFederation, 3)))

	got, err := s.store.FindByID(ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.LevelBasic, got.Level)
}

func (s *ServiceSuite) TestAddEndorsement_InvalidSignatureLeavesRecordUntouched() {
	ctx := context.Background()
	rabbi := s.registerIssuer("rabbi-cohen")

	record := s.enroll("miriam@example.org")

	forged := s.signedEndorsement(rabbi, models.EndorsementRabbi, 2)
	forged.Level = 5 // signature no longer covers the payload

	err := s.service.AddEndorsement(ctx, record.ID, forged)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidSignature))

	got, findErr := s.store.FindByID(ctx, record.ID)
	s.Require().NoError(findErr)
	s.Empty(got.Endorsements)
}

func (s *ServiceSuite) TestAddEndorsement_UnknownIssuerRejected() {
	ctx := context.Background()
	record := s.enroll("miriam@example.org")

	_, private, err := ed25519.GenerateKey(nil)
	s.Require().NoError(err)
	e := models.Endorsement{
		IssuerID:  "nobody-knows-me",
		Type:      models.EndorsementRabbi,
		Level:     1,
		Timestamp: s.now,
	}
	e.Signature = ed25519.Sign(private, e.CanonicalPayload())

	err = s.service.AddEndorsement(ctx, record.ID, e)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidSignature))
}

func (s *ServiceSuite) TestUpgradeVerification_ActivatesAndPromotes() {
	ctx := context.Background()
	rabbi := s.registerIssuer("rabbi-cohen")
	synagogue := s.registerIssuer("beth-shalom")

	record := s.enroll("miriam@example.org")
	s.Require().NoError(s.service.AddEndorsement(ctx, record.ID, s.signedEndorsement(rabbi, models.EndorsementRabbi, 2)))
	s.Require().NoError(s.service.AddEndorsement(ctx, record.ID, s.signedEndorsement(synagogue, models.EndorsementSynagogue, 1)))

	upgraded, err := s.service.UpgradeVerification(ctx, record.ID,
		[]DocumentUpload{{Data: []byte("lineage"), Type: "heritage"}}, models.MethodHeritage)
	s.Require().NoError(err)
	s.Equal(models.LevelAdvanced, upgraded.Level)
	s.Equal(models.StatusActive, upgraded.Status)
	s.Equal(models.MethodHeritage, upgraded.Meta.Method)
}

func (s *ServiceSuite) TestUpgradeVerification_UnknownMethod() {
	record := s.enroll("miriam@example.org")

	_, err := s.service.UpgradeVerification(context.Background(), record.ID, nil, "osmosis")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestVerificationStatus_ReportsMissingRequirements() {
	ctx := context.Background()
	record := s.enroll("miriam@example.org")

	status, err := s.service.VerificationStatus(ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.LevelBasic, status.Level)
	s.Require().NotNil(status.NextLevel)
	s.Equal(models.LevelAdvanced, *status.NextLevel)
	s.NotEmpty(status.Missing)
}

func (s *ServiceSuite) TestVerificationStatus_AdvancedHasNoNextLevel() {
	ctx := context.Background()
	rabbi := s.registerIssuer("rabbi-cohen")
	synagogue := s.registerIssuer("beth-shalom")

	record := s.enroll("miriam@example.org", DocumentUpload{Data: []byte("lineage"), Type: "heritage"})
	s.Require().NoError(s.service.AddEndorsement(ctx, record.ID, s.signedEndorsement(rabbi, models.EndorsementRabbi, 2)))
	s.Require().NoError(s.service.AddEndorsement(ctx, record.ID, s.signedEndorsement(synagogue, models.EndorsementSynagogue, 1)))

	status, err := s.service.VerificationStatus(ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.LevelAdvanced, status.Level)
	s.Nil(status.NextLevel)
	s.Empty(status.Missing)
	s.Greater(status.TrustLevel, 0.0)
}

func (s *ServiceSuite) TestVerificationStatus_NotFound() {
	_, err := s.service.VerificationStatus(context.Background(), domain.NewIdentityID())
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestUpdateMFASettings_ToggleRoundTrip() {
	ctx := context.Background()
	record := s.enroll("miriam@example.org")

	provisioning, err := s.service.UpdateMFASettings(ctx, record.ID, true)
	s.Require().NoError(err)
	s.Require().NotNil(provisioning)
	s.NotEmpty(provisioning.TOTP.Secret)
	s.Len(provisioning.BackupCodes, 10)

	profile, err := s.service.Profile(ctx, record.ID, true)
	s.Require().NoError(err)
	s.True(profile.Personal.MFAEnabled)

	// Enabling twice is a no-op: no fresh secrets are minted.
	provisioning, err = s.service.UpdateMFASettings(ctx, record.ID, true)
	s.Require().NoError(err)
	s.Nil(provisioning)

	provisioning, err = s.service.UpdateMFASettings(ctx, record.ID, false)
	s.Require().NoError(err)
	s.Nil(provisioning)

	profile, err = s.service.Profile(ctx, record.ID, true)
	s.Require().NoError(err)
	s.False(profile.Personal.MFAEnabled)
}

func (s *ServiceSuite) TestProfile_DecryptsPersonalDetails() {
	ctx := context.Background()
	record := s.enroll("miriam@example.org")

	profile, err := s.service.Profile(ctx, record.ID, true)
	s.Require().NoError(err)
	s.Equal("miriam@example.org", profile.Personal.Email)
	s.Equal("+1 212 555 0100", profile.Personal.Phone)

	withoutPersonal, err := s.service.Profile(ctx, record.ID, false)
	s.Require().NoError(err)
	s.Nil(withoutPersonal.Personal)
}

func (s *ServiceSuite) TestRetrieveDocument_RoundTrip() {
	ctx := context.Background()
	original := []byte("certificate of conversion, beth din of america")
	record := s.enroll("miriam@example.org", DocumentUpload{Data: original, Type: "conversion"})

	data, err := s.service.RetrieveDocument(ctx, record.ID, record.Documents[0].ID)
	s.Require().NoError(err)
	s.Equal(original, data)

	_, err = s.service.RetrieveDocument(ctx, record.ID, "no-such-document")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestSuspendReinstate_Lifecycle() {
	ctx := context.Background()
	record := s.enroll("miriam@example.org")

	// Pending records cannot be suspended.
	err := s.service.Suspend(ctx, record.ID, "fraud review")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	_, err = s.service.UpgradeVerification(ctx, record.ID,
		[]DocumentUpload{{Data: []byte("lineage"), Type: "heritage"}}, models.MethodHeritage)
	s.Require().NoError(err)

	s.Require().NoError(s.service.Suspend(ctx, record.ID, "fraud review"))

	_, err = s.service.UpgradeVerification(ctx, record.ID,
		[]DocumentUpload{{Data: []byte("more"), Type: "heritage"}}, models.MethodHeritage)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidOperation))

	s.Require().NoError(s.service.Reinstate(ctx, record.ID))

	got, err := s.store.FindByID(ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, got.Status)
}

func (s *ServiceSuite) TestLevelForAddress() {
	ctx := context.Background()

	level, err := s.service.LevelForAddress(ctx, "rUnlinkedAddress123456789012345")
	s.Require().NoError(err)
	s.Equal(models.LevelBasic, level, "unlinked addresses fall back to basic")

	result, err := s.service.Enroll(ctx, EnrollRequest{
		Email:   "miriam@example.org",
		Phone:   "+1 212 555 0100",
		Address: "rMiriamAddress1234567890123456",
	})
	s.Require().NoError(err)

	level, err = s.service.LevelForAddress(ctx, "rMiriamAddress1234567890123456")
	s.Require().NoError(err)
	s.Equal(result.Record.Level, level)
}
