// Package keys handles armored principal keys: ed25519 signing keys used
// for request verification and X25519 keys used as secret-envelope
// recipients. Fingerprints are the lowercase hex SHA-256 of the raw public
// key bytes.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const (
	pemTypeSigning    = "PEAGEN ED25519 PUBLIC KEY"
	pemTypeEncryption = "PEAGEN X25519 PUBLIC KEY"
)

// PublicKey is a parsed armored key.
type PublicKey struct {
	// Signing is set for ed25519 keys.
	Signing ed25519.PublicKey
	// Encryption is set for X25519 keys.
	Encryption *[32]byte
}

// Fingerprint returns the identity of the key.
func (k *PublicKey) Fingerprint() string {
	var raw []byte
	switch {
	case k.Signing != nil:
		raw = k.Signing
	case k.Encryption != nil:
		raw = k.Encryption[:]
	}
	return FingerprintBytes(raw)
}

// FingerprintBytes hashes raw public key material into a fingerprint.
func FingerprintBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ParseArmored decodes a PEM key blob produced by ArmorSigning or
// ArmorEncryption.
func ParseArmored(armored string) (*PublicKey, error) {
	block, _ := pem.Decode([]byte(armored))
	if block == nil {
		return nil, fmt.Errorf("keys: no PEM block found")
	}
	switch block.Type {
	case pemTypeSigning:
		if len(block.Bytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("keys: ed25519 key must be %d bytes, got %d", ed25519.PublicKeySize, len(block.Bytes))
		}
		return &PublicKey{Signing: ed25519.PublicKey(block.Bytes)}, nil
	case pemTypeEncryption:
		if len(block.Bytes) != 32 {
			return nil, fmt.Errorf("keys: x25519 key must be 32 bytes, got %d", len(block.Bytes))
		}
		var k [32]byte
		copy(k[:], block.Bytes)
		return &PublicKey{Encryption: &k}, nil
	default:
		return nil, fmt.Errorf("keys: unknown PEM type %q", block.Type)
	}
}

// ArmorSigning encodes an ed25519 public key as PEM.
func ArmorSigning(pub ed25519.PublicKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeSigning, Bytes: pub}))
}

// ArmorEncryption encodes an X25519 public key as PEM.
func ArmorEncryption(pub *[32]byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeEncryption, Bytes: pub[:]}))
}

// Signer signs raw request bodies with an ed25519 private key.
type Signer struct {
	fingerprint string
	priv        ed25519.PrivateKey
}

// NewSigner wraps a private key. The fingerprint is derived from the
// corresponding public key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{fingerprint: FingerprintBytes(pub), priv: priv}
}

// GenerateSigner creates a fresh ed25519 keypair and returns the signer
// plus the armored public key for registration.
func GenerateSigner() (*Signer, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("keys: generate ed25519: %w", err)
	}
	return NewSigner(priv), ArmorSigning(pub), nil
}

// Fingerprint returns the signer's identity.
func (s *Signer) Fingerprint() string { return s.fingerprint }

// PrivateKey returns the raw private key so daemons can persist it.
func (s *Signer) PrivateKey() ed25519.PrivateKey { return s.priv }

// Sign returns the hex signature over body.
func (s *Signer) Sign(body []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, body))
}

// Verify checks a hex signature over body against an ed25519 public key.
func Verify(pub ed25519.PublicKey, body []byte, hexSig string) bool {
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, body, sig)
}

// Identity is an X25519 keypair used to unwrap secret envelopes.
type Identity struct {
	Public  *[32]byte
	Private *[32]byte
}

// GenerateIdentity creates a fresh X25519 keypair.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate x25519: %w", err)
	}
	return &Identity{Public: pub, Private: priv}, nil
}

// Fingerprint returns the identity of the public half.
func (id *Identity) Fingerprint() string {
	return FingerprintBytes(id.Public[:])
}

const pemTypeIdentity = "PEAGEN X25519 KEYPAIR"

// EncodeIdentity serialises the full keypair as PEM, private half first.
// The blob contains key material and belongs in a mode-0600 file.
func EncodeIdentity(id *Identity) []byte {
	raw := make([]byte, 64)
	copy(raw[:32], id.Private[:])
	copy(raw[32:], id.Public[:])
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeIdentity, Bytes: raw})
}

// ParseIdentity decodes an EncodeIdentity blob.
func ParseIdentity(blob []byte) (*Identity, error) {
	block, _ := pem.Decode(blob)
	if block == nil || block.Type != pemTypeIdentity || len(block.Bytes) != 64 {
		return nil, fmt.Errorf("keys: invalid identity encoding")
	}
	var priv, pub [32]byte
	copy(priv[:], block.Bytes[:32])
	copy(pub[:], block.Bytes[32:])
	return &Identity{Public: &pub, Private: &priv}, nil
}

// Armored returns the PEM encoding of the public half.
func (id *Identity) Armored() string {
	return ArmorEncryption(id.Public)
}
