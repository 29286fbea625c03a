// Package vault implements the secret envelope scheme. A secret is
// encrypted once under a random content-encryption key with
// XChaCha20-Poly1305; the CEK is then sealed to each recipient's X25519
// key with an anonymous box. The gateway stores only ciphertext and
// wrapped keys and can never recover the plaintext itself.
package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/peagen-io/peagen/internal/keys"
	"github.com/peagen-io/peagen/internal/models"
)

// Recipient is one X25519 public key a secret should be sealed to.
type Recipient struct {
	Fingerprint string
	Key         *[32]byte
}

// Seal encrypts plaintext under a fresh CEK and wraps the CEK for every
// recipient. The CEK never leaves this function unencrypted.
func Seal(plaintext []byte, recipients []Recipient) (ciphertext []byte, wrapped []models.WrappedKey, err error) {
	if len(recipients) == 0 {
		return nil, nil, fmt.Errorf("vault: no recipients")
	}

	cek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(cek); err != nil {
		return nil, nil, fmt.Errorf("vault: generate cek: %w", err)
	}

	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	// Nonce is prepended so the recipient needs nothing besides the
	// ciphertext and an unwrapped CEK.
	ciphertext = aead.Seal(nonce, nonce, plaintext, nil)

	wrapped = make([]models.WrappedKey, 0, len(recipients))
	for _, r := range recipients {
		sealed, err := box.SealAnonymous(nil, cek, r.Key, rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("vault: wrap cek for %s: %w", r.Fingerprint, err)
		}
		wrapped = append(wrapped, models.WrappedKey{Fingerprint: r.Fingerprint, Wrapped: sealed})
	}
	return ciphertext, wrapped, nil
}

// Open unwraps the CEK addressed to id and decrypts the ciphertext. The
// caller picks the WrappedKey matching its own fingerprint.
func Open(ciphertext []byte, wk models.WrappedKey, id *keys.Identity) ([]byte, error) {
	cek, ok := box.OpenAnonymous(nil, wk.Wrapped, id.Public, id.Private)
	if !ok {
		return nil, fmt.Errorf("vault: unwrap cek: not a recipient or corrupted envelope")
	}

	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return nil, fmt.Errorf("vault: init aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("vault: ciphertext too short")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	return plaintext, nil
}
