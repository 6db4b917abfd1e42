// Package endorse validates endorsement authenticity and computes trust
// scores from endorsement sets.
package endorse

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sort"

	"kehilla/internal/identity/models"
	"kehilla/pkg/domain"
	"kehilla/pkg/platform/sentinel"
)

// IssuerDirectory resolves issuer ids to their ed25519 public keys. Backed
// by the issuer registry; returns sentinel.ErrNotFound for unknown issuers.
type IssuerDirectory interface {
	PublicKey(ctx context.Context, issuer domain.IssuerID) (ed25519.PublicKey, error)
}

// TrustPolicy is the per-type weight table plus the inflation guards. It is
// configuration, not code; see config.DefaultPolicy for the defaults.
type TrustPolicy struct {
	Weights      map[models.EndorsementType]float64
	PerIssuerCap float64
}

// Verifier checks endorsement signatures and scores endorsement sets.
type Verifier struct {
	directory IssuerDirectory
	policy    TrustPolicy
}

func New(directory IssuerDirectory, policy TrustPolicy) *Verifier {
	return &Verifier{directory: directory, policy: policy}
}

// Verify reports whether the endorsement's signature is valid for its
// canonical payload. It fails closed: unknown issuers and bad signatures
// return false with no error. Only directory transport failures surface as
// errors.
func (v *Verifier) Verify(ctx context.Context, e models.Endorsement) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, nil
	}
	key, err := v.directory.PublicKey(ctx, e.IssuerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(key) != ed25519.PublicKeySize || len(e.Signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(key, e.CanonicalPayload(), e.Signature), nil
}

// TrustLevel is a pure function of the endorsement set: deterministic, no
// side effects, monotonically non-decreasing as endorsements are added.
//
// Each endorsement contributes weight(type) × level, with repeated
// endorsements from the same issuer halved per repetition (1, 1/2, 1/4, …)
// and the issuer's total capped at PerIssuerCap, so one low-trust issuer
// cannot inflate the score without bound.
func (v *Verifier) TrustLevel(endorsements []models.Endorsement) float64 {
	perIssuer := make(map[domain.IssuerID][]models.Endorsement)
	for _, e := range endorsements {
		perIssuer[e.IssuerID] = append(perIssuer[e.IssuerID], e)
	}

	// Iterate issuers in a stable order; float addition is order-sensitive
	// and the score must be identical across calls.
	issuers := make([]domain.IssuerID, 0, len(perIssuer))
	for issuer := range perIssuer {
		issuers = append(issuers, issuer)
	}
	sort.Slice(issuers, func(i, j int) bool { return issuers[i] < issuers[j] })

	total := 0.0
	for _, issuer := range issuers {
		contribution := 0.0
		factor := 1.0
		for _, e := range perIssuer[issuer] {
			contribution += v.policy.Weights[e.Type] * float64(e.Level) * factor
			factor /= 2
		}
		if v.policy.PerIssuerCap > 0 && contribution > v.policy.PerIssuerCap {
			contribution = v.policy.PerIssuerCap
		}
		total += contribution
	}
	return total
}
