package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestStoreRoundTrip(t *testing.T) {
	keyring.MockInit()
	s := NewStore()

	_, err := s.Get("vaults/personal.hc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("vaults/personal.hc", "s3cret"))
	got, err := s.Get("vaults/personal.hc")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	// Overwrite replaces the previous value.
	require.NoError(t, s.Set("vaults/personal.hc", "updated"))
	got, err = s.Get("vaults/personal.hc")
	require.NoError(t, err)
	assert.Equal(t, "updated", got)

	require.NoError(t, s.Delete("vaults/personal.hc"))
	_, err = s.Get("vaults/personal.hc")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op, not an error.
	assert.NoError(t, s.Delete("vaults/personal.hc"))
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	keyring.MockInit()
	s := NewStore()

	_, err := s.Get("")
	assert.Error(t, err)
	assert.Error(t, s.Set("", "pw"))
	assert.NoError(t, s.Delete(""))
}
