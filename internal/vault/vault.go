// Package vault provides the encryption capability used for personal-info
// blobs and per-document keys. Callers treat it as opaque: generate a key
// pair, encrypt to a public key, decrypt with the private key.
package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// Vault is the boundary interface so tests can substitute a failing or
// deterministic implementation.
type Vault interface {
	GenerateKeyPair() (KeyPair, error)
	Encrypt(data []byte, publicKey []byte) ([]byte, error)
	Decrypt(data []byte, privateKey []byte) ([]byte, error)
}

// KeyPair holds raw curve25519 key material. The private key never leaves
// the record store encrypted blob.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// Box implements Vault with anonymous NaCl sealed boxes. The sender key is
// ephemeral, so only the recipient's private key can open a blob.
type Box struct{}

func NewBox() *Box {
	return &Box{}
}

func (Box) GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{Public: pub[:], Private: priv[:]}, nil
}

func (Box) Encrypt(data []byte, publicKey []byte) ([]byte, error) {
	pub, err := toKey(publicKey)
	if err != nil {
		return nil, err
	}
	sealed, err := box.SealAnonymous(nil, data, pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return sealed, nil
}

func (Box) Decrypt(data []byte, privateKey []byte) ([]byte, error) {
	priv, err := toKey(privateKey)
	if err != nil {
		return nil, err
	}
	// Anonymous boxes need the recipient public key; derive it from the
	// private key instead of storing it separately.
	pubBytes, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	pub, err := toKey(pubBytes)
	if err != nil {
		return nil, err
	}
	opened, ok := box.OpenAnonymous(nil, data, pub, priv)
	if !ok {
		return nil, fmt.Errorf("open sealed box: ciphertext rejected")
	}
	return opened, nil
}

func toKey(raw []byte) (*[32]byte, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid key length %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
