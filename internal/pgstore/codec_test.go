package pgstore

import (
	"testing"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/value"
)

func TestFlagMapRoundTrip(t *testing.T) {
	fm := value.FlagMap{
		0: value.Bool(true),
		1: value.Int(42),
		2: value.Str("hello"),
		3: value.Ref("Entity-1"),
	}
	b, err := marshalFlagMap(fm)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := unmarshalFlagMap(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != len(fm) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(fm))
	}
	for k, v := range fm {
		gv, ok := got[k]
		if !ok {
			t.Fatalf("missing key %d", k)
		}
		if !value.Equal(v, gv) {
			t.Errorf("key %d: got %s want %s", k, gv, v)
		}
	}
}

func TestUnmarshalFlagMapEmpty(t *testing.T) {
	fm, err := unmarshalFlagMap(nil)
	if err != nil {
		t.Fatalf("unmarshal nil: %v", err)
	}
	if len(fm) != 0 {
		t.Fatalf("expected empty map, got %v", fm)
	}
}

func TestProgramRoundTrip(t *testing.T) {
	prog := &bytecode.CompiledProgram{
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpLoadConst, Const: value.Int(7), ElementID: "n1"},
			{Op: bytecode.OpEmitJob, TaskType: "emit-greeting", ServiceTaskID: "n2", Inputs: []value.FlagKey{0, 1}},
			{Op: bytecode.OpFork, FiberEntries: []bytecode.Addr{3, 4}, JoinID: "join1"},
			{Op: bytecode.OpJoinArrive, JoinID: "join1", Expected: 2},
			{Op: bytecode.OpReturn},
		},
		Entry:        0,
		FiberEntries: map[string]bytecode.Addr{"main": 0, "child": 3},
		DebugMap:     map[bytecode.Addr]string{0: "n1", 1: "n2"},
		Boundary: bytecode.BoundaryIndex{
			Errors: map[string][]bytecode.BoundaryErrorEntry{"n2": {{ElementID: "be1", ErrorCode: "E1", Target: 4}}},
			Timers: map[string][]bytecode.BoundaryTimerEntry{"n2": {{ElementID: "bt1", Interrupting: true, TimerSpec: "PT5S", Target: 4}}},
		},
		TerminateEnds: map[string]bool{"end1": true},
	}
	version := prog.ComputeVersion()
	prog.Version = version

	b, err := marshalProgram(prog)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := unmarshalProgram(b, version)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ComputeVersion() != version {
		t.Fatalf("round-tripped program hashes differently")
	}
	if len(got.Instrs) != len(prog.Instrs) {
		t.Fatalf("instr count mismatch: got %d want %d", len(got.Instrs), len(prog.Instrs))
	}
	if !got.TerminateEnds["end1"] {
		t.Error("terminate end not preserved")
	}
	if len(got.Boundary.Errors["n2"]) != 1 || got.Boundary.Errors["n2"][0].ErrorCode != "E1" {
		t.Error("boundary error entry not preserved")
	}
	if len(got.Boundary.Timers["n2"]) != 1 || !got.Boundary.Timers["n2"][0].Interrupting {
		t.Error("boundary timer entry not preserved")
	}
}

func TestAdvisoryKeyStable(t *testing.T) {
	a := advisoryKey("instance-1")
	b := advisoryKey("instance-1")
	c := advisoryKey("instance-2")
	if a != b {
		t.Error("advisoryKey not deterministic")
	}
	if a == c {
		t.Error("advisoryKey collided for distinct instance ids (hash quality, not a correctness requirement, but suspicious)")
	}
}
