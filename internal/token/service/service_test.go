package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	identitymodels "kehilla/internal/identity/models"
	"kehilla/internal/ledger"
	"kehilla/internal/token/models"
	"kehilla/internal/token/store"
	"kehilla/pkg/domain"
	dErrors "kehilla/pkg/domain-errors"
)

const (
	issuerAddr = domain.Address("rKehillaIssuer0000000000000000")
	aliceAddr  = domain.Address("rAlice000000000000000000000000")
	bobAddr    = domain.Address("rBob00000000000000000000000000")
)

type staticDirectory struct {
	levels map[domain.Address]identitymodels.VerificationLevel
}

func (d *staticDirectory) LevelForAddress(_ context.Context, addr domain.Address) (identitymodels.VerificationLevel, error) {
	if level, ok := d.levels[addr]; ok {
		return level, nil
	}
	return identitymodels.LevelBasic, nil
}

type TokenServiceSuite struct {
	suite.Suite

	tokens    *store.Memory
	gateway   *ledger.Memory
	directory *staticDirectory
	service   *Service
}

func TestTokenServiceSuite(t *testing.T) {
	suite.Run(t, new(TokenServiceSuite))
}

func (s *TokenServiceSuite) SetupTest() {
	s.tokens = store.NewMemory()
	s.gateway = ledger.NewMemory(issuerAddr)
	s.directory = &staticDirectory{levels: make(map[domain.Address]identitymodels.VerificationLevel)}

	svc, err := New(s.tokens, s.tokens, s.gateway, s.directory, Config{
		IssuerAddress:      issuerAddr,
		TrustLineLimit:     "1000000000",
		BasicTransferLimit: "1000",
	})
	s.Require().NoError(err)
	s.service = svc
}

func (s *TokenServiceSuite) issue(to domain.Address, amount string) *models.Transaction {
	tx, err := s.service.IssueCurrency(context.Background(), to, models.CurrencyShekel, amount, nil)
	s.Require().NoError(err)
	return tx
}

func (s *TokenServiceSuite) TestIssueCurrency_RoundTrip() {
	ctx := context.Background()
	tx := s.issue(aliceAddr, "500")

	s.Equal(models.TxCompleted, tx.Status)
	s.NotEmpty(tx.Reference)

	views, err := s.service.Balances(ctx, aliceAddr)
	s.Require().NoError(err)
	s.Require().Len(views, 1)
	s.Equal("500", views[0].Balance)
	s.Equal("500", views[0].Available)

	position, err := s.tokens.FindCurrency(ctx, aliceAddr, models.CurrencyShekel)
	s.Require().NoError(err)
	s.Equal("500", position.AmountString())
}

func (s *TokenServiceSuite) TestIssueCurrency_RecordsIssuerAndMetadata() {
	ctx := context.Background()
	_, err := s.service.IssueCurrency(ctx, aliceAddr, models.CurrencyShekel, "500",
		map[string]string{"program": "chesed-fund"})
	s.Require().NoError(err)

	position, err := s.tokens.FindCurrency(ctx, aliceAddr, models.CurrencyShekel)
	s.Require().NoError(err)
	s.Equal(issuerAddr, position.Issuer)
	s.Equal("chesed-fund", position.Metadata["program"])
}

func (s *TokenServiceSuite) TestIssueCurrency_TrustLineFailureLeavesNothing() {
	ctx := context.Background()
	s.gateway.FailNext(errors.New("network unreachable"))

	_, err := s.service.IssueCurrency(ctx, aliceAddr, models.CurrencyShekel, "500", nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDependency))

	// Nothing was submitted, so neither a position nor a record exists.
	_, err = s.tokens.FindCurrency(ctx, aliceAddr, models.CurrencyShekel)
	s.Require().Error(err)
	history, err := s.service.Transactions(ctx, aliceAddr, 10)
	s.Require().NoError(err)
	s.Empty(history)
}

func (s *TokenServiceSuite) TestTransferCurrency_SubmitFailureLeavesFailedRecord() {
	ctx := context.Background()
	s.issue(aliceAddr, "500")
	s.gateway.SetupTrustLine(ctx, bobAddr, models.CurrencyShekel, "1000000000")

	s.gateway.FailNext(errors.New("network unreachable"))
	tx, err := s.service.TransferCurrency(ctx, aliceAddr, bobAddr, models.CurrencyShekel, "100")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDependency))

	stored, findErr := s.tokens.FindByID(ctx, tx.ID)
	s.Require().NoError(findErr)
	s.Equal(models.TxFailed, stored.Status)
	s.NotEmpty(stored.FailureReason)

	// The local position mirrors confirmed ledger state only.
	position, err := s.tokens.FindCurrency(ctx, aliceAddr, models.CurrencyShekel)
	s.Require().NoError(err)
	s.Equal("500", position.AmountString())
}

func (s *TokenServiceSuite) TestIssueCurrency_RejectsAchievementCurrency() {
	_, err := s.service.IssueCurrency(context.Background(), aliceAddr, models.CurrencyAchievement, "10", nil)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidOperation))
}

func (s *TokenServiceSuite) TestIssueCurrency_RejectsBadAmounts() {
	ctx := context.Background()
	for _, amount := range []string{"", "0", "-5", "1.5", "abc"} {
		_, err := s.service.IssueCurrency(ctx, aliceAddr, models.CurrencyShekel, amount, nil)
		s.Require().Error(err, "amount %q", amount)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation), "amount %q", amount)
	}
}

func (s *TokenServiceSuite) TestTransferCurrency_RoundTrip() {
	ctx := context.Background()
	s.issue(aliceAddr, "800")
	s.gateway.SetupTrustLine(ctx, bobAddr, models.CurrencyShekel, "1000000000")

	tx, err := s.service.TransferCurrency(ctx, aliceAddr, bobAddr, models.CurrencyShekel, "300")
	s.Require().NoError(err)
	s.Equal(models.TxCompleted, tx.Status)

	aliceViews, err := s.service.Balances(ctx, aliceAddr)
	s.Require().NoError(err)
	s.Equal("500", aliceViews[0].Balance)

	bobViews, err := s.service.Balances(ctx, bobAddr)
	s.Require().NoError(err)
	s.Equal("300", bobViews[0].Balance)
}

func (s *TokenServiceSuite) TestTransferCurrency_InsufficientBalanceLeavesNoRecord() {
	ctx := context.Background()
	s.issue(aliceAddr, "100")

	_, err := s.service.TransferCurrency(ctx, aliceAddr, bobAddr, models.CurrencyShekel, "200")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInsufficientBalance))

	history, err := s.service.Transactions(ctx, aliceAddr, 10)
	s.Require().NoError(err)
	for _, tx := range history {
		s.NotEqual(models.TxTransfer, tx.Type, "a refused transfer must not leave a record")
	}
}

func (s *TokenServiceSuite) TestTransferCurrency_BasicLevelCapped() {
	ctx := context.Background()
	s.issue(aliceAddr, "5000")
	s.gateway.SetupTrustLine(ctx, bobAddr, models.CurrencyShekel, "1000000000")

	_, err := s.service.TransferCurrency(ctx, aliceAddr, bobAddr, models.CurrencyShekel, "2000")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	// Advanced verification lifts the cap.
	s.directory.levels[aliceAddr] = identitymodels.LevelAdvanced
	tx, err := s.service.TransferCurrency(ctx, aliceAddr, bobAddr, models.CurrencyShekel, "2000")
	s.Require().NoError(err)
	s.Equal(models.TxCompleted, tx.Status)
}

func (s *TokenServiceSuite) TestTransferCurrency_EmptyLimitDisablesCap() {
	ctx := context.Background()
	svc, err := New(s.tokens, s.tokens, s.gateway, s.directory, Config{
		IssuerAddress:  issuerAddr,
		TrustLineLimit: "1000000000",
	})
	s.Require().NoError(err)
	s.service = svc

	s.issue(aliceAddr, "5000")
	s.gateway.SetupTrustLine(ctx, bobAddr, models.CurrencyShekel, "1000000000")

	// Alice stays at basic verification; without a configured limit the
	// transfer goes through anyway.
	tx, err := s.service.TransferCurrency(ctx, aliceAddr, bobAddr, models.CurrencyShekel, "4000")
	s.Require().NoError(err)
	s.Equal(models.TxCompleted, tx.Status)
}

func (s *TokenServiceSuite) TestTransferCurrency_SoulboundRefused() {
	_, err := s.service.TransferCurrency(context.Background(), aliceAddr, bobAddr, models.CurrencyAchievement, "10")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidOperation))
}

func (s *TokenServiceSuite) TestTransferCurrency_FrozenPositionRefused() {
	ctx := context.Background()
	s.issue(aliceAddr, "500")
	s.Require().NoError(s.service.FreezeCurrency(ctx, aliceAddr, models.CurrencyShekel, true, "fraud review"))

	_, err := s.service.TransferCurrency(ctx, aliceAddr, bobAddr, models.CurrencyShekel, "100")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidOperation))
}

func (s *TokenServiceSuite) TestFreezeCurrency_BalanceReportsZeroAvailable() {
	ctx := context.Background()
	s.issue(aliceAddr, "500")
	s.gateway.FreezeAddress(aliceAddr, true)

	views, err := s.service.Balances(ctx, aliceAddr)
	s.Require().NoError(err)
	s.Require().Len(views, 1)
	s.Equal("500", views[0].Balance)
	s.Equal("0", views[0].Available)
	s.True(views[0].Frozen)
}

func (s *TokenServiceSuite) TestBurnCurrency_ReturnsValueToIssuer() {
	ctx := context.Background()
	s.issue(aliceAddr, "500")
	s.gateway.SetupTrustLine(ctx, issuerAddr, models.CurrencyShekel, "1000000000")

	tx, err := s.service.BurnCurrency(ctx, aliceAddr, models.CurrencyShekel, "200")
	s.Require().NoError(err)
	s.Equal(models.TxCompleted, tx.Status)
	s.Equal(models.TxBurn, tx.Type)

	views, err := s.service.Balances(ctx, aliceAddr)
	s.Require().NoError(err)
	s.Equal("300", views[0].Balance)
}

func (s *TokenServiceSuite) TestAwardAchievement_Accumulates() {
	ctx := context.Background()

	token, err := s.service.AwardAchievement(ctx, aliceAddr, "community builder", models.CategoryCharity, 18, "tzedakah drive")
	s.Require().NoError(err)
	s.True(token.Soulbound)
	s.EqualValues(18, token.TotalPoints)

	token, err = s.service.AwardAchievement(ctx, aliceAddr, "torah scholar", models.CategoryLearning, 5, "daf yomi")
	s.Require().NoError(err)
	s.EqualValues(23, token.TotalPoints)
	s.EqualValues(18, token.PointsIn(models.CategoryCharity))
	s.EqualValues(5, token.PointsIn(models.CategoryLearning))

	_, err = s.service.AwardAchievement(ctx, aliceAddr, "hero", "heroics", 10, "")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.service.AwardAchievement(ctx, aliceAddr, "", models.CategoryCharity, 10, "")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *TokenServiceSuite) TestAwardAchievement_IssuesOnLedger() {
	ctx := context.Background()

	_, err := s.service.AwardAchievement(ctx, aliceAddr, "community builder", models.CategoryCommunity, 18, "shabbat meal hosting")
	s.Require().NoError(err)

	// The award is a real MVP issuance: trust line and transaction record,
	// exactly like currency.
	lines, err := s.gateway.Balances(ctx, aliceAddr)
	s.Require().NoError(err)
	s.Require().Len(lines, 1)
	s.Equal(models.CurrencyAchievement, lines[0].Currency)
	s.Equal("18", lines[0].Value)

	history, err := s.service.Transactions(ctx, aliceAddr, 10)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal(models.TxIssuance, history[0].Type)
	s.Equal(models.CurrencyAchievement, history[0].Currency)
	s.Equal("18", history[0].Amount)
	s.Equal(models.TxCompleted, history[0].Status)
}

func (s *TokenServiceSuite) TestAwardAchievement_LedgerFailureAwardsNothing() {
	ctx := context.Background()
	s.gateway.FailNext(errors.New("network unreachable"))

	_, err := s.service.AwardAchievement(ctx, aliceAddr, "community builder", models.CategoryCommunity, 18, "")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDependency))

	_, err = s.service.Achievements(ctx, aliceAddr)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *TokenServiceSuite) TestUnconfirmedSubmissionReconcilesToCompleted() {
	ctx := context.Background()
	s.issue(aliceAddr, "800")
	s.gateway.SetupTrustLine(ctx, bobAddr, models.CurrencyShekel, "1000000000")

	s.gateway.UnconfirmedNext()
	tx, err := s.service.TransferCurrency(ctx, aliceAddr, bobAddr, models.CurrencyShekel, "100")
	s.Require().NoError(err)
	s.Equal(models.TxPending, tx.Status)
	s.NotEmpty(tx.Reference)

	reconciler := NewReconciler(s.tokens, s.tokens, s.gateway, issuerAddr, time.Minute, 0)
	s.Require().NoError(reconciler.Sweep(ctx))

	stored, err := s.tokens.FindByID(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(models.TxCompleted, stored.Status)
}

func (s *TokenServiceSuite) TestReconciler_ResyncsPositionsItCompletes() {
	ctx := context.Background()
	s.issue(aliceAddr, "800")
	s.gateway.SetupTrustLine(ctx, bobAddr, models.CurrencyShekel, "1000000000")

	s.gateway.UnconfirmedNext()
	_, err := s.service.TransferCurrency(ctx, aliceAddr, bobAddr, models.CurrencyShekel, "100")
	s.Require().NoError(err)

	// The request path never mirrored the pending transfer.
	position, err := s.tokens.FindCurrency(ctx, aliceAddr, models.CurrencyShekel)
	s.Require().NoError(err)
	s.Equal("800", position.AmountString())

	reconciler := NewReconciler(s.tokens, s.tokens, s.gateway, issuerAddr, time.Minute, 0)
	s.Require().NoError(reconciler.Sweep(ctx))

	position, err = s.tokens.FindCurrency(ctx, aliceAddr, models.CurrencyShekel)
	s.Require().NoError(err)
	s.Equal("700", position.AmountString())

	position, err = s.tokens.FindCurrency(ctx, bobAddr, models.CurrencyShekel)
	s.Require().NoError(err)
	s.Equal("100", position.AmountString())
}

func (s *TokenServiceSuite) TestReconciler_FailsReferencelessStalePending() {
	ctx := context.Background()
	tx := models.NewTransaction(models.TxTransfer, models.CurrencyShekel, "100",
		aliceAddr, bobAddr, time.Now().UTC().Add(-time.Hour))
	s.Require().NoError(s.tokens.Create(ctx, tx))

	reconciler := NewReconciler(s.tokens, s.tokens, s.gateway, issuerAddr, time.Minute, 10*time.Minute)
	s.Require().NoError(reconciler.Sweep(ctx))

	stored, err := s.tokens.FindByID(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(models.TxFailed, stored.Status)
	s.NotEmpty(stored.FailureReason)
}

func (s *TokenServiceSuite) TestTransactionLookup() {
	ctx := context.Background()
	tx := s.issue(aliceAddr, "500")

	found, err := s.service.Transaction(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(tx.ID, found.ID)

	_, err = s.service.Transaction(ctx, domain.NewTransactionID())
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
