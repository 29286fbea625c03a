package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyRole describes what a registered public key is used for.
type KeyRole string

const (
	RoleUser    KeyRole = "user"
	RoleWorker  KeyRole = "worker"
	RoleGateway KeyRole = "gateway"
)

// Valid returns true for a known role.
func (r KeyRole) Valid() bool {
	return r == RoleUser || r == RoleWorker || r == RoleGateway
}

// PublicKey is a registered principal key. Armored holds the PEM blob;
// Fingerprint is the SHA-256 of the raw key material and is the identity
// used for signature verification and secret recipient lists.
type PublicKey struct {
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	Armored     string    `json:"armored" db:"armored"`
	Role        KeyRole   `json:"role" db:"role"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Secret is an envelope-encrypted value scoped to a pool. Ciphertext and
// the wrapped content keys are opaque to the gateway; plaintext is never
// persisted or logged.
type Secret struct {
	Name        string       `json:"name" db:"name"`
	Pool        string       `json:"pool" db:"pool"`
	TenantID    uuid.UUID    `json:"tenant_id" db:"tenant_id"`
	Ciphertext  []byte       `json:"ciphertext" db:"ciphertext"`
	WrappedKeys []WrappedKey `json:"wrapped_keys" db:"wrapped_keys"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// WrappedKey is the content-encryption key sealed to one recipient.
type WrappedKey struct {
	Fingerprint string `json:"fingerprint"`
	Wrapped     []byte `json:"wrapped"`
}

// Recipients returns the fingerprints the secret is addressed to.
func (s *Secret) Recipients() []string {
	out := make([]string, 0, len(s.WrappedKeys))
	for _, wk := range s.WrappedKeys {
		out = append(out, wk.Fingerprint)
	}
	return out
}

// IsRecipient reports whether fingerprint can unwrap the secret.
func (s *Secret) IsRecipient(fingerprint string) bool {
	for _, wk := range s.WrappedKeys {
		if wk.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}
