package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peagen-io/peagen/internal/keys"
	"github.com/peagen-io/peagen/internal/models"
)

func TestSealOpenRoundTrip(t *testing.T) {
	alice, err := keys.GenerateIdentity()
	require.NoError(t, err)
	bob, err := keys.GenerateIdentity()
	require.NoError(t, err)

	plaintext := []byte("ghp_example_token_value")
	ciphertext, wrapped, err := Seal(plaintext, []Recipient{
		{Fingerprint: alice.Fingerprint(), Key: alice.Public},
		{Fingerprint: bob.Fingerprint(), Key: bob.Public},
	})
	require.NoError(t, err)
	require.Len(t, wrapped, 2)
	assert.NotContains(t, string(ciphertext), string(plaintext))

	// Both recipients can open with their own wrapped key.
	for i, id := range []*keys.Identity{alice, bob} {
		got, err := Open(ciphertext, wrapped[i], id)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestOpenWrongIdentity(t *testing.T) {
	alice, err := keys.GenerateIdentity()
	require.NoError(t, err)
	mallory, err := keys.GenerateIdentity()
	require.NoError(t, err)

	ciphertext, wrapped, err := Seal([]byte("secret"), []Recipient{
		{Fingerprint: alice.Fingerprint(), Key: alice.Public},
	})
	require.NoError(t, err)

	_, err = Open(ciphertext, wrapped[0], mallory)
	assert.Error(t, err)
}

func TestOpenTamperedCiphertext(t *testing.T) {
	alice, err := keys.GenerateIdentity()
	require.NoError(t, err)

	ciphertext, wrapped, err := Seal([]byte("secret"), []Recipient{
		{Fingerprint: alice.Fingerprint(), Key: alice.Public},
	})
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = Open(ciphertext, wrapped[0], alice)
	assert.Error(t, err)
}

func TestSealRequiresRecipients(t *testing.T) {
	_, _, err := Seal([]byte("secret"), nil)
	assert.Error(t, err)
}

func TestWrappedKeysCarryFingerprints(t *testing.T) {
	alice, err := keys.GenerateIdentity()
	require.NoError(t, err)

	_, wrapped, err := Seal([]byte("secret"), []Recipient{
		{Fingerprint: alice.Fingerprint(), Key: alice.Public},
	})
	require.NoError(t, err)

	s := models.Secret{WrappedKeys: wrapped}
	assert.True(t, s.IsRecipient(alice.Fingerprint()))
	assert.False(t, s.IsRecipient("deadbeef"))
}
