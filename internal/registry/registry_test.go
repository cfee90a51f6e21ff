package registry

import "testing"

func TestRegistry_ResolveExact(t *testing.T) {
	r := Builtin()
	res := r.Resolve("comms.send-email")
	if res.Kind != Exact {
		t.Fatalf("Kind = %v, want Exact", res.Kind)
	}
	if res.Spec.Name != "comms.send-email" {
		t.Errorf("Spec.Name = %q", res.Spec.Name)
	}
}

func TestRegistry_ResolveAlias(t *testing.T) {
	r := Builtin()
	res := r.Resolve("send-email")
	if res.Kind != AliasMatch {
		t.Fatalf("Kind = %v, want AliasMatch", res.Kind)
	}
	if res.Spec.Name != "comms.send-email" {
		t.Errorf("Spec.Name = %q", res.Spec.Name)
	}
}

func TestRegistry_ResolveAmbiguous(t *testing.T) {
	a := &VerbSpec{Name: "a.verb", VerbAliases: []string{"shared"}}
	b := &VerbSpec{Name: "b.verb", VerbAliases: []string{"shared"}}
	r, err := New([]*VerbSpec{a, b})
	if err != nil {
		t.Fatal(err)
	}
	res := r.Resolve("shared")
	if res.Kind != AmbiguousMatch {
		t.Fatalf("Kind = %v, want AmbiguousMatch", res.Kind)
	}
	if len(res.Candidates) != 2 {
		t.Errorf("Candidates = %d, want 2", len(res.Candidates))
	}
}

func TestRegistry_ResolveNotFound(t *testing.T) {
	r := Builtin()
	res := r.Resolve("totally-unknown-verb-xyz")
	if res.Kind != NotFoundMatch {
		t.Fatalf("Kind = %v, want NotFoundMatch", res.Kind)
	}
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	a := &VerbSpec{Name: "dup"}
	b := &VerbSpec{Name: "dup"}
	if _, err := New([]*VerbSpec{a, b}); err == nil {
		t.Error("expected error for duplicate verb name")
	}
}

func TestVerbSpec_CanonicalArgName(t *testing.T) {
	spec, _ := Builtin().Get("comms.send-email")
	canon, ok := spec.CanonicalArgName("to")
	if !ok || canon != "recipient" {
		t.Errorf("CanonicalArgName(to) = %q, %v, want recipient, true", canon, ok)
	}
	canon, ok = spec.CanonicalArgName("subject")
	if !ok || canon != "subject" {
		t.Errorf("CanonicalArgName(subject) = %q, %v", canon, ok)
	}
	_, ok = spec.CanonicalArgName("nonexistent")
	if ok {
		t.Error("expected CanonicalArgName to fail for unknown keyword")
	}
}

func TestLoadArtifact_RoundTrip(t *testing.T) {
	yamlSrc := `
verbs:
  - name: test.ping
    args:
      - name: target
        shape: entity-ref
        required: true
        lookup: true
    positional_sugar: [target]
    verb_aliases: [ping]
    domain_tag: test
`
	r, err := LoadArtifact([]byte(yamlSrc))
	if err != nil {
		t.Fatalf("LoadArtifact: %v", err)
	}
	res := r.Resolve("ping")
	if res.Kind != AliasMatch || res.Spec.Name != "test.ping" {
		t.Fatalf("got %+v", res)
	}
	if len(res.Spec.Args) != 1 || res.Spec.Args[0].Shape != ShapeEntityRef {
		t.Errorf("args not parsed correctly: %+v", res.Spec.Args)
	}
}
