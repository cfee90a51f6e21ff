package value

import "testing"

func TestDomainPayload_CanonicalHashEquality(t *testing.T) {
	a := MustDomainPayload([]byte(`{"b":2,"a":1}`))
	b := MustDomainPayload([]byte(`{"a":1,"b":2}`))

	if a.Hash() != b.Hash() {
		t.Error("payloads that differ only in key order must hash identically")
	}
	if !a.Equal(b) {
		t.Error("payloads that differ only in key order must be Equal")
	}
}

func TestDomainPayload_DistinctPayloadsDistinctHash(t *testing.T) {
	a := MustDomainPayload([]byte(`{"name":"A"}`))
	b := MustDomainPayload([]byte(`{"name":"B"}`))

	if a.Hash() == b.Hash() {
		t.Error("distinct canonical forms must not collide")
	}
}

func TestDomainPayload_EmptyDefaultsToEmptyObject(t *testing.T) {
	p, err := NewDomainPayload(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(p.Bytes()) != "{}" {
		t.Errorf("Bytes() = %s, want {}", p.Bytes())
	}
}

func TestDomainPayload_InvalidJSON(t *testing.T) {
	if _, err := NewDomainPayload([]byte(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDomainPayload_NestedCanonicalization(t *testing.T) {
	a := MustDomainPayload([]byte(`{"outer":{"z":1,"y":2},"list":[{"b":1,"a":2}]}`))
	b := MustDomainPayload([]byte(`{"list":[{"a":2,"b":1}],"outer":{"y":2,"z":1}}`))
	if a.Hash() != b.Hash() {
		t.Error("nested object key order must not affect the hash")
	}
}
