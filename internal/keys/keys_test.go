package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigningKeyRoundTrip(t *testing.T) {
	signer, armored, err := GenerateSigner()
	require.NoError(t, err)

	parsed, err := ParseArmored(armored)
	require.NoError(t, err)
	require.NotNil(t, parsed.Signing)
	assert.Nil(t, parsed.Encryption)
	assert.Equal(t, signer.Fingerprint(), parsed.Fingerprint())

	body := []byte(`{"jsonrpc":"2.0","method":"Task.submit","id":1}`)
	sig := signer.Sign(body)
	assert.True(t, Verify(parsed.Signing, body, sig))
	assert.False(t, Verify(parsed.Signing, []byte("tampered"), sig))
	assert.False(t, Verify(parsed.Signing, body, "not-hex"))
}

func TestEncryptionKeyRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	parsed, err := ParseArmored(id.Armored())
	require.NoError(t, err)
	require.NotNil(t, parsed.Encryption)
	assert.Equal(t, id.Fingerprint(), parsed.Fingerprint())
	assert.Equal(t, id.Public[:], parsed.Encryption[:])
}

func TestIdentityEncodeParse(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	parsed, err := ParseIdentity(EncodeIdentity(id))
	require.NoError(t, err)
	assert.Equal(t, id.Public[:], parsed.Public[:])
	assert.Equal(t, id.Private[:], parsed.Private[:])

	_, err = ParseIdentity([]byte("garbage"))
	assert.Error(t, err)
}

func TestParseArmoredRejectsGarbage(t *testing.T) {
	_, err := ParseArmored("not a pem block")
	assert.Error(t, err)

	_, err = ParseArmored("-----BEGIN RSA PUBLIC KEY-----\nAAAA\n-----END RSA PUBLIC KEY-----\n")
	assert.Error(t, err)
}
