package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kehilla/internal/vault"
	"kehilla/pkg/platform/sentinel"
)

func TestMemoryStoreRetrieve(t *testing.T) {
	ctx := context.Background()
	v := vault.NewBox()
	store := NewMemory(v)

	owner, err := v.GenerateKeyPair()
	require.NoError(t, err)

	t.Run("round trips a document", func(t *testing.T) {
		plaintext := []byte("ketubah scan")
		result, err := store.Store(ctx, plaintext, [][]byte{owner.Public})
		require.NoError(t, err)
		require.Len(t, result.EncryptedKeys, 1)

		var encKey []byte
		for _, k := range result.EncryptedKeys {
			encKey = k
		}
		got, err := store.Retrieve(ctx, result.ContentHash, encKey, owner.Private)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("encrypts the key per recipient", func(t *testing.T) {
		second, err := v.GenerateKeyPair()
		require.NoError(t, err)

		result, err := store.Store(ctx, []byte("shared document"), [][]byte{owner.Public, second.Public})
		require.NoError(t, err)
		require.Len(t, result.EncryptedKeys, 2)

		for _, encKey := range result.EncryptedKeys {
			// Each recipient key blob differs, but one of the two
			// private keys opens each.
			_, errA := store.Retrieve(ctx, result.ContentHash, encKey, owner.Private)
			_, errB := store.Retrieve(ctx, result.ContentHash, encKey, second.Private)
			assert.True(t, errA == nil || errB == nil)
		}
	})

	t.Run("content hash is stable for identical plaintext", func(t *testing.T) {
		first, err := store.Store(ctx, []byte("same bytes"), [][]byte{owner.Public})
		require.NoError(t, err)
		second, err := store.Store(ctx, []byte("same bytes"), [][]byte{owner.Public})
		require.NoError(t, err)
		assert.Equal(t, first.ContentHash, second.ContentHash)
	})

	t.Run("wrong private key is rejected", func(t *testing.T) {
		intruder, err := v.GenerateKeyPair()
		require.NoError(t, err)

		result, err := store.Store(ctx, []byte("private"), [][]byte{owner.Public})
		require.NoError(t, err)

		var encKey []byte
		for _, k := range result.EncryptedKeys {
			encKey = k
		}
		_, err = store.Retrieve(ctx, result.ContentHash, encKey, intruder.Private)
		require.Error(t, err)
	})

	t.Run("missing blob returns not found", func(t *testing.T) {
		_, err := store.Retrieve(ctx, "0000000000000000", []byte("x"), owner.Private)
		require.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}
