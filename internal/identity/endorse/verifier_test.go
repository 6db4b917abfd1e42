package endorse

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kehilla/internal/identity/models"
	"kehilla/pkg/domain"
)

var testPolicy = TrustPolicy{
	Weights: map[models.EndorsementType]float64{
		models.EndorsementRabbi:      1.0,
		models.EndorsementSynagogue:  2.0,
		models.EndorsementFederation: 3.0,
	},
	PerIssuerCap: 10.0,
}

func signedEndorsement(t *testing.T, priv ed25519.PrivateKey, issuer domain.IssuerID, kind models.EndorsementType, level int) models.Endorsement {
	t.Helper()
	e := models.Endorsement{
		IssuerID:  issuer,
		Type:      kind,
		Level:     level,
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
	e.Signature = ed25519.Sign(priv, e.CanonicalPayload())
	return e
}

func TestVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	directory := NewStaticDirectory()
	directory.Register("rabbi-cohen", pub)
	verifier := New(directory, testPolicy)
	ctx := context.Background()

	t.Run("accepts a valid signature", func(t *testing.T) {
		e := signedEndorsement(t, priv, "rabbi-cohen", models.EndorsementRabbi, 2)
		ok, err := verifier.Verify(ctx, e)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("rejects a tampered payload", func(t *testing.T) {
		e := signedEndorsement(t, priv, "rabbi-cohen", models.EndorsementRabbi, 2)
		e.Level = 5
		ok, err := verifier.Verify(ctx, e)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects an unknown issuer without error", func(t *testing.T) {
		e := signedEndorsement(t, priv, "unknown-issuer", models.EndorsementRabbi, 2)
		ok, err := verifier.Verify(ctx, e)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects a truncated signature", func(t *testing.T) {
		e := signedEndorsement(t, priv, "rabbi-cohen", models.EndorsementRabbi, 2)
		e.Signature = e.Signature[:16]
		ok, err := verifier.Verify(ctx, e)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("surfaces directory transport failures", func(t *testing.T) {
		failing := New(failingDirectory{}, testPolicy)
		e := signedEndorsement(t, priv, "rabbi-cohen", models.EndorsementRabbi, 2)
		_, err := failing.Verify(ctx, e)
		require.Error(t, err)
	})
}

type failingDirectory struct{}

func (failingDirectory) PublicKey(context.Context, domain.IssuerID) (ed25519.PublicKey, error) {
	return nil, errors.New("registry unreachable")
}

func endorsement(issuer domain.IssuerID, kind models.EndorsementType, level int) models.Endorsement {
	return models.Endorsement{IssuerID: issuer, Type: kind, Level: level, Timestamp: time.Now()}
}

func TestTrustLevel(t *testing.T) {
	verifier := New(NewStaticDirectory(), testPolicy)

	t.Run("weights by type and level", func(t *testing.T) {
		score := verifier.TrustLevel([]models.Endorsement{
			endorsement("rabbi-a", models.EndorsementRabbi, 2),      // 1.0 * 2
			endorsement("shul-b", models.EndorsementSynagogue, 1),   // 2.0 * 1
			endorsement("fed-c", models.EndorsementFederation, 1),   // 3.0 * 1
		})
		assert.InDelta(t, 7.0, score, 1e-9)
	})

	t.Run("halves repeated endorsements from one issuer", func(t *testing.T) {
		score := verifier.TrustLevel([]models.Endorsement{
			endorsement("rabbi-a", models.EndorsementRabbi, 4), // 4
			endorsement("rabbi-a", models.EndorsementRabbi, 4), // 2
			endorsement("rabbi-a", models.EndorsementRabbi, 4), // 1
		})
		assert.InDelta(t, 7.0, score, 1e-9)
	})

	t.Run("caps a single issuer's contribution", func(t *testing.T) {
		score := verifier.TrustLevel([]models.Endorsement{
			endorsement("fed-c", models.EndorsementFederation, 10), // 30, capped at 10
		})
		assert.InDelta(t, 10.0, score, 1e-9)
	})

	t.Run("adding endorsements never lowers the score", func(t *testing.T) {
		set := []models.Endorsement{}
		prev := 0.0
		for i := 0; i < 8; i++ {
			set = append(set, endorsement("rabbi-a", models.EndorsementRabbi, 3))
			score := verifier.TrustLevel(set)
			assert.GreaterOrEqual(t, score, prev)
			prev = score
		}
	})

	t.Run("is order independent", func(t *testing.T) {
		forward := []models.Endorsement{
			endorsement("rabbi-a", models.EndorsementRabbi, 2),
			endorsement("shul-b", models.EndorsementSynagogue, 3),
			endorsement("fed-c", models.EndorsementFederation, 1),
		}
		reversed := []models.Endorsement{forward[2], forward[1], forward[0]}
		assert.Equal(t, verifier.TrustLevel(forward), verifier.TrustLevel(reversed))
	})

	t.Run("empty set scores zero", func(t *testing.T) {
		assert.Zero(t, verifier.TrustLevel(nil))
	})
}
