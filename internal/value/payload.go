package value

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// PayloadHash is the 32-byte content digest that is the sole identity used
// by payload history (§3). It is comparable and usable as a map key.
type PayloadHash [32]byte

func (h PayloadHash) String() string { return fmt.Sprintf("%x", h[:]) }

// IsZero reports whether h is the zero hash (no payload recorded yet).
func (h PayloadHash) IsZero() bool { return h == PayloadHash{} }

// DomainPayload is a canonicalized textual document: the runtime never
// interprets its fields, only hashes and passes it through. Canonical() is
// the form over which Hash() is computed; two payloads with different byte
// representations but the same decoded JSON value canonicalize identically,
// satisfying the spec's "equal payloads produce equal hashes" invariant.
type DomainPayload struct {
	raw json.RawMessage
}

// NewDomainPayload wraps raw JSON bytes as a payload. raw must be valid
// JSON; an empty/nil slice is treated as the empty object.
func NewDomainPayload(raw []byte) (DomainPayload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return DomainPayload{}, fmt.Errorf("value: invalid payload JSON: %w", err)
	}
	canon, err := canonicalize(v)
	if err != nil {
		return DomainPayload{}, err
	}
	return DomainPayload{raw: canon}, nil
}

// MustDomainPayload is NewDomainPayload that panics on error; for use with
// literal payloads known to be valid at compile time (tests, fixtures).
func MustDomainPayload(raw []byte) DomainPayload {
	p, err := NewDomainPayload(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Bytes returns the canonical JSON encoding.
func (p DomainPayload) Bytes() []byte {
	if p.raw == nil {
		return []byte("{}")
	}
	return []byte(p.raw)
}

// Hash computes the 32-byte content digest over the canonical encoding.
func (p DomainPayload) Hash() PayloadHash {
	return sha256.Sum256(p.Bytes())
}

// Equal reports whether two payloads canonicalize to the same bytes.
func (p DomainPayload) Equal(other DomainPayload) bool {
	return bytes.Equal(p.Bytes(), other.Bytes())
}

// canonicalize re-marshals a decoded JSON value with object keys sorted at
// every level, so that byte-for-byte distinct but structurally identical
// documents hash identically.
func canonicalize(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
