package endorse

import (
	"context"
	"crypto/ed25519"
	"sync"

	"kehilla/pkg/domain"
	"kehilla/pkg/platform/sentinel"
)

// StaticDirectory is an in-memory issuer key registry. Production deploys
// point the verifier at the community's issuer registry service instead;
// the static variant serves development and tests.
type StaticDirectory struct {
	mu   sync.RWMutex
	keys map[domain.IssuerID]ed25519.PublicKey
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{keys: make(map[domain.IssuerID]ed25519.PublicKey)}
}

// Register adds or replaces the key for an issuer.
func (d *StaticDirectory) Register(issuer domain.IssuerID, key ed25519.PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[issuer] = key
}

func (d *StaticDirectory) PublicKey(_ context.Context, issuer domain.IssuerID) (ed25519.PublicKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if key, ok := d.keys[issuer]; ok {
		return key, nil
	}
	return nil, sentinel.ErrNotFound
}
