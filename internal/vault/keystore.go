package vault

import (
	"context"
	"sync"

	"kehilla/pkg/domain"
	"kehilla/pkg/platform/sentinel"
)

// KeyStore holds owner private keys so the lifecycle engine can decrypt
// personal-info blobs on behalf of the member (MFA toggles, profile reads).
// Production deploys back this with an HSM or KMS; the core treats it as
// opaque.
type KeyStore interface {
	Save(ctx context.Context, id domain.IdentityID, privateKey []byte) error
	Load(ctx context.Context, id domain.IdentityID) ([]byte, error)
	Delete(ctx context.Context, id domain.IdentityID) error
}

// MemoryKeyStore keeps keys in-process for development and tests.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[domain.IdentityID][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[domain.IdentityID][]byte)}
}

func (s *MemoryKeyStore) Save(_ context.Context, id domain.IdentityID, privateKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = append([]byte{}, privateKey...)
	return nil
}

func (s *MemoryKeyStore) Load(_ context.Context, id domain.IdentityID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[id]; ok {
		return append([]byte{}, key...), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *MemoryKeyStore) Delete(_ context.Context, id domain.IdentityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
