// Package revision implements the append-only task revision chain: canonical
// JSON payload encoding, payload hashing, and the parent-linked rev_hash
// computation that makes the chain tamper-evident.
package revision

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize re-encodes a JSON document with object keys sorted
// recursively and no insignificant whitespace. Two semantically equal
// documents always canonicalise to the same bytes, which makes the payload
// hash stable regardless of how the client serialised the patch.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: invalid JSON: %w", err)
	}

	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case json.Number:
		b.WriteString(t.String())
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(enc)
	case []interface{}:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

// PayloadHash returns the lowercase hex SHA-256 of the canonical payload
// bytes.
func PayloadHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ChainHash computes rev_hash = SHA-256(parent_rev_hash || payload_hash)
// over the two hex strings. For the first revision of a task parentRevHash
// is the empty string.
func ChainHash(parentRevHash, payloadHash string) string {
	sum := sha256.Sum256([]byte(parentRevHash + payloadHash))
	return hex.EncodeToString(sum[:])
}

// EncodePayload base64-encodes the canonical payload bytes for storage.
func EncodePayload(canonical []byte) string {
	return base64.StdEncoding.EncodeToString(canonical)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}

// Entry is the subset of a stored revision needed to verify the chain.
type Entry struct {
	Seq           int
	PayloadHash   string
	ParentRevHash string
	RevHash       string
}

// Verify recomputes the chain from seq 1 and reports the first
// inconsistency found. A nil return means every stored rev_hash matches the
// recomputation and parent links are intact.
func Verify(entries []Entry) error {
	parent := ""
	for i, e := range entries {
		if e.Seq != i+1 {
			return fmt.Errorf("revision chain: gap at position %d (seq %d)", i, e.Seq)
		}
		if e.ParentRevHash != parent {
			return fmt.Errorf("revision chain: seq %d parent hash mismatch", e.Seq)
		}
		want := ChainHash(parent, e.PayloadHash)
		if e.RevHash != want {
			return fmt.Errorf("revision chain: seq %d rev hash mismatch", e.Seq)
		}
		parent = e.RevHash
	}
	return nil
}
