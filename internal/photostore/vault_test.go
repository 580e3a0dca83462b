package photostore

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMasterKey = hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	blobs, err := NewFSBlobs(t.TempDir())
	require.NoError(t, err)
	v, err := NewVault(blobs, testMasterKey)
	require.NoError(t, err)
	return v
}

func TestVaultRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	ref, err := v.Save(ctx, []byte("not really a jpeg"), "guardian")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "guardian_"))

	plain, err := v.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("not really a jpeg"), plain)
}

func TestVaultCiphertextAtRest(t *testing.T) {
	blobs, err := NewFSBlobs(t.TempDir())
	require.NoError(t, err)
	v, err := NewVault(blobs, testMasterKey)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := v.Save(ctx, []byte("guardian face bytes"), "guardian")
	require.NoError(t, err)

	raw, err := blobs.Get(ctx, ref)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "guardian face bytes")
}

func TestVaultDeleteIdempotent(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	ref, err := v.Save(ctx, []byte("child"), "child")
	require.NoError(t, err)

	require.NoError(t, v.Delete(ctx, ref))
	require.NoError(t, v.Delete(ctx, ref))

	_, err = v.Load(ctx, ref)
	assert.Error(t, err)
}

func TestVaultRejectsEmptyPayload(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Save(context.Background(), nil, "child")
	assert.Error(t, err)
}

func TestVaultBadMasterKey(t *testing.T) {
	blobs, err := NewFSBlobs(t.TempDir())
	require.NoError(t, err)

	_, err = NewVault(blobs, "zz")
	assert.Error(t, err)

	_, err = NewVault(blobs, hex.EncodeToString([]byte("short")))
	assert.Error(t, err)
}
