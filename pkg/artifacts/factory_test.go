package artifacts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_DefaultIsFileStore(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewStore(context.Background(), Config{DataDir: tmpDir})
	require.NoError(t, err)

	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(tmpDir, "archive"), fs.baseDir)
}

func TestNewStore_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := NewStore(ctx, Config{Backend: BackendS3})
	assert.ErrorContains(t, err, "ARCHIVE_BUCKET")

	_, err = NewStore(ctx, Config{Backend: BackendGCS})
	assert.ErrorContains(t, err, "ARCHIVE_BUCKET")

	_, err = NewStore(ctx, Config{Backend: "ftp"})
	assert.ErrorContains(t, err, "unsupported")
}

func TestStores_RoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	stores := map[string]Store{"fs": fs, "memory": NewMemoryStore()}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte(`{"batch":1}`)

			hash, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, ContentHash(data), hash)

			again, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, hash, again, "put is idempotent")

			got, err := s.Get(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			ok, err := s.Exists(ctx, hash)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, hash))
			ok, err = s.Exists(ctx, hash)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Get(ctx, hash)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Get(ctx, "md5:abc")
			assert.ErrorContains(t, err, "invalid hash format")
			_, err = s.Get(ctx, "sha256:zz")
			assert.ErrorContains(t, err, "invalid hash hex")
		})
	}
}

func TestEnvelope_SignedRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	env, err := NewEnvelope(TypeAuditBatch, "anchor.batcher", map[string]any{"b": 2, "a": 1}, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(env.Payload))
	assert.Equal(t, `{"a":1,"b":2}`, string(env.Payload), "payload is canonical")
	require.NoError(t, env.Sign(key))

	hash, err := Put(ctx, s, env)
	require.NoError(t, err)

	opened, err := Open(ctx, s, hash)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), *opened.Signer)
	var payload map[string]int
	require.NoError(t, opened.Decode(&payload))
	assert.Equal(t, 2, payload["b"])
}

func TestEnvelope_TamperedSignature(t *testing.T) {
	key, _ := crypto.GenerateKey()
	env, err := NewEnvelope(TypeAuditBatch, "test", []int{1, 2, 3}, time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, env.Verify(), ErrUnsigned)

	require.NoError(t, env.Sign(key))
	env.Payload = []byte(`[1,2,4]`)
	assert.ErrorIs(t, env.Verify(), ErrSignatureInvalid)
}
