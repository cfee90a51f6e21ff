package lowering

import (
	"testing"

	"github.com/oriys/bplrt/internal/parser"
	"github.com/oriys/bplrt/internal/registry"
)

func TestLower_BasicForm(t *testing.T) {
	reg := registry.Builtin()
	forms, perrs := parser.Parse(`(comms.send-email :recipient <Customer> :subject "hi")`, reg)
	if len(perrs) != 0 {
		t.Fatalf("parse errors: %v", perrs)
	}
	lowered, lerrs := Lower(forms)
	if len(lerrs) != 0 {
		t.Fatalf("lowering errors: %v", lerrs)
	}
	if len(lowered) != 1 {
		t.Fatalf("got %d lowered forms, want 1", len(lowered))
	}
	arg, ok := lowered[0].Arg("recipient")
	if !ok {
		t.Fatal("missing recipient arg")
	}
	ref, ok := arg.Value.AsRef()
	if !ok || ref != "Customer" {
		t.Errorf("recipient = %q, %v, want Customer", ref, ok)
	}
}

func TestLower_IntArg(t *testing.T) {
	reg := registry.Builtin()
	forms, perrs := parser.Parse(`(onboarding.retry-verification :counter 0 :limit 3)`, reg)
	if len(perrs) != 0 {
		t.Fatalf("parse errors: %v", perrs)
	}
	lowered, lerrs := Lower(forms)
	if len(lerrs) != 0 {
		t.Fatalf("lowering errors: %v", lerrs)
	}
	arg, _ := lowered[0].Arg("limit")
	n, ok := arg.Value.AsInt()
	if !ok || n != 3 {
		t.Errorf("limit = %d, %v, want 3", n, ok)
	}
}

func TestLower_ShapeMismatch(t *testing.T) {
	spec := &registry.VerbSpec{
		Name: "test.needs-int",
		Args: []registry.ArgSpec{{Name: "n", Shape: registry.ShapeInt, Required: true}},
		PositionalSugar: []string{"n"},
	}
	reg, err := registry.New([]*registry.VerbSpec{spec})
	if err != nil {
		t.Fatal(err)
	}
	forms, perrs := parser.Parse(`(test.needs-int "not-an-int")`, reg)
	if len(perrs) != 0 {
		t.Fatalf("parse errors: %v", perrs)
	}
	_, lerrs := Lower(forms)
	if len(lerrs) == 0 {
		t.Fatal("expected shape mismatch error")
	}
}
