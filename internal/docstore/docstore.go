// Package docstore is the content-addressable blob store capability.
// Documents are encrypted per recipient before storage; the content hash is
// computed over the plaintext so the same document always resolves to the
// same address regardless of recipients.
package docstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"kehilla/internal/vault"
	"kehilla/pkg/platform/sentinel"
)

// StoreResult carries the content address and the symmetric key encrypted
// for each recipient public key (base64 of the recipient key).
type StoreResult struct {
	ContentHash   string
	EncryptedKeys map[string][]byte
}

// Store is the boundary interface over blob storage.
type Store interface {
	Store(ctx context.Context, data []byte, recipientPublicKeys [][]byte) (StoreResult, error)
	Retrieve(ctx context.Context, contentHash string, encryptedKey []byte, privateKey []byte) ([]byte, error)
}

// blobCodec carries the shared encrypt/decrypt mechanics so the memory and
// redis implementations only differ in where bytes live.
type blobCodec struct {
	vault vault.Vault
}

func (c blobCodec) seal(data []byte, recipients [][]byte) (hash string, sealed []byte, keys map[string][]byte, err error) {
	sum := sha256.Sum256(data)
	hash = hex.EncodeToString(sum[:])

	var docKey [32]byte
	if _, err = rand.Read(docKey[:]); err != nil {
		return "", nil, nil, fmt.Errorf("generate document key: %w", err)
	}
	var nonce [24]byte
	if _, err = rand.Read(nonce[:]); err != nil {
		return "", nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed = secretbox.Seal(nonce[:], data, &nonce, &docKey)

	keys = make(map[string][]byte, len(recipients))
	for _, pub := range recipients {
		encKey, encErr := c.vault.Encrypt(docKey[:], pub)
		if encErr != nil {
			return "", nil, nil, fmt.Errorf("encrypt document key: %w", encErr)
		}
		keys[base64.StdEncoding.EncodeToString(pub)] = encKey
	}
	return hash, sealed, keys, nil
}

func (c blobCodec) open(sealed []byte, encryptedKey []byte, privateKey []byte) ([]byte, error) {
	rawKey, err := c.vault.Decrypt(encryptedKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt document key: %w", err)
	}
	if len(rawKey) != 32 || len(sealed) < 24 {
		return nil, fmt.Errorf("corrupt document blob")
	}
	var docKey [32]byte
	copy(docKey[:], rawKey)
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	opened, ok := secretbox.Open(nil, sealed[24:], &nonce, &docKey)
	if !ok {
		return nil, fmt.Errorf("open document blob: ciphertext rejected")
	}
	return opened, nil
}

// Memory keeps blobs in-process for tests and development.
type Memory struct {
	codec blobCodec
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory(v vault.Vault) *Memory {
	return &Memory{codec: blobCodec{vault: v}, blobs: make(map[string][]byte)}
}

func (m *Memory) Store(_ context.Context, data []byte, recipients [][]byte) (StoreResult, error) {
	hash, sealed, keys, err := m.codec.seal(data, recipients)
	if err != nil {
		return StoreResult{}, err
	}
	m.mu.Lock()
	m.blobs[hash] = sealed
	m.mu.Unlock()
	return StoreResult{ContentHash: hash, EncryptedKeys: keys}, nil
}

func (m *Memory) Retrieve(_ context.Context, contentHash string, encryptedKey []byte, privateKey []byte) ([]byte, error) {
	m.mu.RLock()
	sealed, ok := m.blobs[contentHash]
	m.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return m.codec.open(sealed, encryptedKey, privateKey)
}
