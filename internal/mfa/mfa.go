// Package mfa is the multi-factor provisioning capability. TOTP verification
// itself happens in the surrounding auth layer; this core only provisions
// secrets and backup codes when an identity enables MFA.
package mfa

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/url"
)

// TOTPSetup is the provisioning payload handed back to the enrolling client.
type TOTPSetup struct {
	Secret    string
	QRPayload string
}

// Provisioner is the boundary interface so the lifecycle engine can treat
// MFA setup as an opaque, possibly remote, call.
type Provisioner interface {
	SetupTOTP(ctx context.Context, identifier string) (TOTPSetup, error)
	GenerateBackupCodes(ctx context.Context, identifier string, count int) ([]string, error)
}

const issuerLabel = "kehilla"

// Local provisions secrets in-process.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (Local) SetupTOTP(_ context.Context, identifier string) (TOTPSetup, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return TOTPSetup{}, fmt.Errorf("generate totp secret: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	qr := fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s",
		issuerLabel, url.PathEscape(identifier), secret, issuerLabel)
	return TOTPSetup{Secret: secret, QRPayload: qr}, nil
}

func (Local) GenerateBackupCodes(_ context.Context, _ string, count int) ([]string, error) {
	if count <= 0 {
		count = 10
	}
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, 5)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes = append(codes, base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw))
	}
	return codes, nil
}
