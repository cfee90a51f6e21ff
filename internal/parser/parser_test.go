package parser

import (
	"testing"

	"github.com/oriys/bplrt/internal/registry"
)

func TestParse_KeywordForm(t *testing.T) {
	reg := registry.Builtin()
	forms, errs := Parse(`(comms.send-email :recipient <Customer> :subject "hi")`, reg)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(forms) != 1 {
		t.Fatalf("got %d forms, want 1", len(forms))
	}
	vf := forms[0].(*VerbForm)
	if vf.Head != "comms.send-email" {
		t.Errorf("Head = %q", vf.Head)
	}
	if len(vf.Args) != 2 {
		t.Fatalf("got %d args, want 2", len(vf.Args))
	}
}

func TestParse_PositionalSugar(t *testing.T) {
	reg := registry.Builtin()
	forms, errs := Parse(`(send-email <Customer> "hi")`, reg)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	vf := forms[0].(*VerbForm)
	if vf.Args[0].Name != "recipient" || vf.Args[1].Name != "subject" {
		t.Errorf("positional args not mapped: %+v", vf.Args)
	}
	var sawSugar, sawAlias bool
	for _, d := range vf.Diagnostics {
		if d.Kind == DiagPositionalSugarApplied {
			sawSugar = true
		}
		if d.Kind == DiagAliasUsed {
			sawAlias = true
		}
	}
	if !sawSugar || !sawAlias {
		t.Errorf("expected both positional-sugar and alias-used diagnostics, got %+v", vf.Diagnostics)
	}
}

func TestParse_KeywordAlias(t *testing.T) {
	reg := registry.Builtin()
	forms, errs := Parse(`(comms.send-email :to <Customer> :subject "hi")`, reg)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	vf := forms[0].(*VerbForm)
	if vf.Args[0].Name != "recipient" {
		t.Errorf("keyword alias not expanded: %+v", vf.Args[0])
	}
}

func TestParse_MissingRequiredArgument(t *testing.T) {
	reg := registry.Builtin()
	_, errs := Parse(`(comms.send-email :subject "hi")`, reg)
	if len(errs) == 0 {
		t.Fatal("expected error for missing required argument")
	}
}

func TestParse_UnknownVerb(t *testing.T) {
	reg := registry.Builtin()
	_, errs := Parse(`(bogus.verb :x 1)`, reg)
	if len(errs) == 0 {
		t.Fatal("expected error for unknown verb")
	}
}

func TestParse_AmbiguousAlias(t *testing.T) {
	a := &registry.VerbSpec{Name: "a.verb", VerbAliases: []string{"shared"}}
	b := &registry.VerbSpec{Name: "b.verb", VerbAliases: []string{"shared"}}
	reg, err := registry.New([]*registry.VerbSpec{a, b})
	if err != nil {
		t.Fatal(err)
	}
	_, errs := Parse(`(shared)`, reg)
	if len(errs) == 0 {
		t.Fatal("expected error for ambiguous alias")
	}
}

func TestParse_ListAndMapLiterals(t *testing.T) {
	reg := registry.Builtin()
	forms, errs := Parse(`(onboarding.collect-document :subject <Acme Corp> :document-type "passport")`, reg)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(forms) != 1 {
		t.Fatalf("got %d forms", len(forms))
	}
}

func TestParse_MultipleTopLevelFormsWithErrorRecovery(t *testing.T) {
	reg := registry.Builtin()
	forms, errs := Parse(`(bogus.verb :x 1) (demo.emit-greeting "A")`, reg)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	if len(forms) != 1 {
		t.Fatalf("got %d forms, want 1 (recovered)", len(forms))
	}
}

func TestParse_PrettyPrintRoundTrip(t *testing.T) {
	reg := registry.Builtin()
	forms, errs := Parse(`(comms.send-email :recipient <Customer> :subject "hi there")`, reg)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	printed := PrintProgram(forms)
	forms2, errs2 := Parse(printed, reg)
	if len(errs2) != 0 {
		t.Fatalf("re-parse errors: %v", errs2)
	}
	vf1 := forms[0].(*VerbForm)
	vf2 := forms2[0].(*VerbForm)
	if vf1.Head != vf2.Head {
		t.Errorf("Head mismatch: %q vs %q", vf1.Head, vf2.Head)
	}
	if len(vf1.Args) != len(vf2.Args) {
		t.Fatalf("arg count mismatch: %d vs %d", len(vf1.Args), len(vf2.Args))
	}
	for i := range vf1.Args {
		if vf1.Args[i].Name != vf2.Args[i].Name {
			t.Errorf("arg %d name mismatch: %q vs %q", i, vf1.Args[i].Name, vf2.Args[i].Name)
		}
	}
}
