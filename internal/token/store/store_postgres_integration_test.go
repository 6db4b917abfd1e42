//go:build integration

package store_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"kehilla/internal/token/models"
	"kehilla/internal/token/store"
	"kehilla/pkg/domain"
	"kehilla/pkg/platform/sentinel"
	"kehilla/pkg/testutil/containers"
)

type PostgresTokenSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
}

func TestPostgresTokenSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresTokenSuite))
}

func (s *PostgresTokenSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresTokenSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(),
		"currency_tokens", "achievement_tokens", "transactions")
	s.Require().NoError(err)
}

func (s *PostgresTokenSuite) TestCurrencyUpsertRoundTrip() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	position := models.NewCurrencyToken("rAliceAddr1", "rIssuerAddr1", models.CurrencyShekel, now)
	position.Credit(big.NewInt(500), now)
	position.SetMetadata("program", "chesed-fund", now)
	s.Require().NoError(s.store.SaveCurrency(ctx, position))

	got, err := s.store.FindCurrency(ctx, "rAliceAddr1", models.CurrencyShekel)
	s.Require().NoError(err)
	s.Equal("500", got.AmountString())
	s.Equal(domain.Address("rIssuerAddr1"), got.Issuer)
	s.Equal("chesed-fund", got.Metadata["program"])
	s.False(got.Frozen)

	// Saving again with the same (holder, currency) must update in place.
	s.Require().NoError(got.Debit(big.NewInt(200), now))
	got.Frozen = true
	s.Require().NoError(s.store.SaveCurrency(ctx, got))

	again, err := s.store.FindCurrency(ctx, "rAliceAddr1", models.CurrencyShekel)
	s.Require().NoError(err)
	s.Equal("300", again.AmountString())
	s.True(again.Frozen)
}

func (s *PostgresTokenSuite) TestCurrencyHoldsLargeAmounts() {
	ctx := context.Background()
	now := time.Now().UTC()

	huge, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	s.Require().True(ok)

	position := models.NewCurrencyToken("rWhaleAddr1", "rIssuerAddr1", models.CurrencyShekel, now)
	position.Credit(huge, now)
	s.Require().NoError(s.store.SaveCurrency(ctx, position))

	got, err := s.store.FindCurrency(ctx, "rWhaleAddr1", models.CurrencyShekel)
	s.Require().NoError(err)
	s.Equal("123456789012345678901234567890", got.AmountString())
}

func (s *PostgresTokenSuite) TestAchievementRoundTrip() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	token := models.NewAchievementToken("rBobAddr1", "rIssuerAddr1", now)
	s.Require().NoError(token.Award("community builder", models.CategoryCommunity, 18, "shabbat meal hosting", now))
	s.Require().NoError(token.Award("torah scholar", models.CategoryLearning, 5, "daf yomi attendance", now))
	s.Require().NoError(s.store.SaveAchievement(ctx, token))

	got, err := s.store.FindAchievement(ctx, "rBobAddr1")
	s.Require().NoError(err)
	s.True(got.Soulbound)
	s.Equal(int64(23), got.TotalPoints)
	s.Require().Len(got.Achievements, 2)
	s.Equal("community builder", got.Achievements[0].Name)
	s.Equal(domain.Address("rIssuerAddr1"), got.Issuer)
	s.Equal(int64(18), got.PointsIn(models.CategoryCommunity))
}

func (s *PostgresTokenSuite) TestTransactionLifecycle() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tx := models.NewTransaction(models.TxTransfer, models.CurrencyShekel, "250", "rAliceAddr1", "rBobAddr1", now)
	s.Require().NoError(s.store.Create(ctx, tx))

	// Duplicate ids conflict.
	s.Require().ErrorIs(s.store.Create(ctx, tx), sentinel.ErrConflict)

	got, err := s.store.FindByID(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(models.TxPending, got.Status)

	s.Require().NoError(got.Complete("LEDGER-REF-1", now.Add(time.Second)))
	s.Require().NoError(s.store.Update(ctx, got))

	done, err := s.store.FindByID(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(models.TxCompleted, done.Status)
	s.Equal("LEDGER-REF-1", done.Reference)
}

func (s *PostgresTokenSuite) TestListPendingBeforeOrdersOldestFirst() {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)

	var ids []domain.TransactionID
	for i := 0; i < 3; i++ {
		tx := models.NewTransaction(models.TxIssuance, models.CurrencyShekel, "10", "", "rHolderAddr1", base.Add(time.Duration(i)*time.Minute))
		s.Require().NoError(s.store.Create(ctx, tx))
		ids = append(ids, tx.ID)
	}
	// A completed transaction must never show up in the pending sweep.
	done := models.NewTransaction(models.TxIssuance, models.CurrencyShekel, "10", "", "rHolderAddr1", base)
	s.Require().NoError(done.Complete("REF", base))
	s.Require().NoError(s.store.Create(ctx, done))

	pending, err := s.store.ListPendingBefore(ctx, base.Add(10*time.Minute), 100)
	s.Require().NoError(err)
	s.Require().Len(pending, 3)
	s.Equal(ids[0], pending[0].ID)
	s.Equal(ids[2], pending[2].ID)

	limited, err := s.store.ListPendingBefore(ctx, base.Add(10*time.Minute), 1)
	s.Require().NoError(err)
	s.Require().Len(limited, 1)
	s.Equal(ids[0], limited[0].ID)
}

func (s *PostgresTokenSuite) TestListForAddressNewestFirst() {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)

	first := models.NewTransaction(models.TxIssuance, models.CurrencyShekel, "100", "", "rCarolAddr1", base)
	second := models.NewTransaction(models.TxTransfer, models.CurrencyShekel, "40", "rCarolAddr1", "rDaveAddr1", base.Add(time.Minute))
	unrelated := models.NewTransaction(models.TxTransfer, models.CurrencyShekel, "7", "rEveAddr12", "rFrankAddr1", base)
	for _, tx := range []*models.Transaction{first, second, unrelated} {
		s.Require().NoError(s.store.Create(ctx, tx))
	}

	history, err := s.store.ListForAddress(ctx, "rCarolAddr1", 50)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(second.ID, history[0].ID)
	s.Equal(first.ID, history[1].ID)
}

func (s *PostgresTokenSuite) TestUpdateMissingTransactionNotFound() {
	ctx := context.Background()
	tx := models.NewTransaction(models.TxBurn, models.CurrencyShekel, "5", "rGhostAddr1", "rIssuerAddr1", time.Now().UTC())
	s.Require().ErrorIs(s.store.Update(ctx, tx), sentinel.ErrNotFound)
}
