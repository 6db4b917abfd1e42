package docstore

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"kehilla/internal/platform/redis"
	"kehilla/internal/vault"
	"kehilla/pkg/platform/sentinel"
)

const blobKeyPrefix = "kehilla:doc:"

// Redis stores sealed blobs in Redis keyed by content hash. Blobs are
// immutable, so an existing key is never overwritten with different bytes.
type Redis struct {
	codec  blobCodec
	client *redis.Client
}

func NewRedis(client *redis.Client, v vault.Vault) *Redis {
	return &Redis{codec: blobCodec{vault: v}, client: client}
}

func (r *Redis) Store(ctx context.Context, data []byte, recipients [][]byte) (StoreResult, error) {
	hash, sealed, keys, err := r.codec.seal(data, recipients)
	if err != nil {
		return StoreResult{}, err
	}
	// SetNX keeps the first write; content addressing makes duplicates
	// byte-identical anyway.
	if err := r.client.SetNX(ctx, blobKeyPrefix+hash, sealed, 0).Err(); err != nil {
		return StoreResult{}, fmt.Errorf("store blob: %w", err)
	}
	return StoreResult{ContentHash: hash, EncryptedKeys: keys}, nil
}

func (r *Redis) Retrieve(ctx context.Context, contentHash string, encryptedKey []byte, privateKey []byte) ([]byte, error) {
	sealed, err := r.client.Get(ctx, blobKeyPrefix+contentHash).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("retrieve blob: %w", err)
	}
	return r.codec.open(sealed, encryptedKey, privateKey)
}
