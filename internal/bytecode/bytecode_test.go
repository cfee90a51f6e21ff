package bytecode

import (
	"testing"

	"github.com/oriys/bplrt/internal/value"
)

func TestVerify_ForwardJumpPasses(t *testing.T) {
	p := &CompiledProgram{
		Instrs: []Instr{
			{Op: OpJump, Target: 2},
			{Op: OpReturn},
			{Op: OpReturn},
		},
	}
	if errs := Verify(p, nil); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestVerify_BackwardJumpFails(t *testing.T) {
	p := &CompiledProgram{
		Instrs: []Instr{
			{Op: OpReturn},
			{Op: OpJump, Target: 0},
		},
	}
	if errs := Verify(p, nil); len(errs) == 0 {
		t.Fatal("expected error for backward Jump")
	}
}

func TestVerify_BrCounterLtAllowsBackwardJump(t *testing.T) {
	p := &CompiledProgram{
		Instrs: []Instr{
			{Op: OpReturn},
			{Op: OpBrCounterLt, Counter: 1, Limit: 2, Target: 0},
		},
	}
	declared := map[uint32]bool{1: true, 2: true}
	if errs := Verify(p, declared); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestVerify_BrCounterLtUndeclaredFlagFails(t *testing.T) {
	p := &CompiledProgram{
		Instrs: []Instr{
			{Op: OpReturn},
			{Op: OpBrCounterLt, Counter: 1, Limit: 2, Target: 0},
		},
	}
	declared := map[uint32]bool{1: true}
	if errs := Verify(p, declared); len(errs) == 0 {
		t.Fatal("expected error for undeclared limit flag")
	}
}

func TestComputeVersion_Deterministic(t *testing.T) {
	mk := func() *CompiledProgram {
		return &CompiledProgram{
			Instrs: []Instr{
				{Op: OpLoadConst, Const: value.Int(1)},
				{Op: OpReturn},
			},
			FiberEntries: map[string]Addr{"main": 0},
			DebugMap:     map[Addr]string{0: "T"},
		}
	}
	a, b := mk(), mk()
	if a.ComputeVersion() != b.ComputeVersion() {
		t.Error("identical programs must hash identically")
	}
}

func TestComputeVersion_DistinctPrograms(t *testing.T) {
	a := &CompiledProgram{Instrs: []Instr{{Op: OpReturn}}}
	b := &CompiledProgram{Instrs: []Instr{{Op: OpLoadConst, Const: value.Int(1)}, {Op: OpReturn}}}
	if a.ComputeVersion() == b.ComputeVersion() {
		t.Error("distinct programs must not collide")
	}
}
