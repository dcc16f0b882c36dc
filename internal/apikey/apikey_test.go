package apikey

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modusnap/manager/internal/apperr"
)

func newStore(t *testing.T) *Store {
	return New(filepath.Join(t.TempDir(), "keys.json"))
}

func TestCreateGeneratesPrefixedKey(t *testing.T) {
	store := newStore(t)
	key, err := store.Create("ci")
	require.NoError(t, err)
	assert.True(t, len(key.Key) > len(keyPrefix))
	assert.Equal(t, keyPrefix, key.Key[:len(keyPrefix)])
	assert.Equal(t, "ci", key.Label)
	assert.False(t, key.Revoked)
}

func TestCreatedKeysAreUnique(t *testing.T) {
	store := newStore(t)
	a, err := store.Create("a")
	require.NoError(t, err)
	b, err := store.Create("b")
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestValidateAcceptsLiveKeyRejectsUnknown(t *testing.T) {
	store := newStore(t)
	key, err := store.Create("ci")
	require.NoError(t, err)

	assert.True(t, store.Validate(key.Key))
	assert.False(t, store.Validate("msnp_not_a_real_key"))
}

func TestRevokeDisablesValidationButKeepsRecord(t *testing.T) {
	store := newStore(t)
	key, err := store.Create("ci")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(key.ID))
	assert.False(t, store.Validate(key.Key))

	all := store.List()
	require.Len(t, all, 1)
	assert.True(t, all[0].Revoked)
}

func TestRevokeUnknownIDReturnsNotFound(t *testing.T) {
	store := newStore(t)
	err := store.Revoke("does-not-exist")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.Code(err))
}

func TestCreateEnforcesCap(t *testing.T) {
	store := newStore(t)
	for i := 0; i < MaxKeys; i++ {
		_, err := store.Create("k")
		require.NoError(t, err)
	}

	_, err := store.Create("one-too-many")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArg, apperr.Code(err))
}
