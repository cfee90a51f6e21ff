package planner

import (
	"testing"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/compiler"
	"github.com/oriys/bplrt/internal/ir"
	"github.com/oriys/bplrt/internal/lowering"
	"github.com/oriys/bplrt/internal/parser"
	"github.com/oriys/bplrt/internal/registry"
)

func buildGraph(t *testing.T, src string) *ir.Graph {
	t.Helper()
	reg := registry.Default()
	forms, perrs := parser.Parse(src, reg)
	if len(perrs) != 0 {
		t.Fatalf("parse errors: %v", perrs)
	}
	lowered, lerrs := lowering.Lower(forms)
	if len(lerrs) != 0 {
		t.Fatalf("lowering errors: %v", lerrs)
	}
	g, perrs2 := Plan(lowered)
	if len(perrs2) != 0 {
		t.Fatalf("planning errors: %v", perrs2)
	}
	return g
}

func TestPlan_StraightLineAutoEnd(t *testing.T) {
	g := buildGraph(t, `(demo.emit-greeting "Ada")`)
	if errs := ir.Verify(g); len(errs) != 0 {
		t.Fatalf("verify errors: %v", errs)
	}
	if len(g.NodesByKind(ir.ServiceTask)) != 1 {
		t.Fatalf("expected 1 service task, got %d", len(g.NodesByKind(ir.ServiceTask)))
	}
	if len(g.NodesByKind(ir.End)) != 1 {
		t.Fatalf("expected auto-inserted end, got %d", len(g.NodesByKind(ir.End)))
	}
	if _, _, errs := compiler.Compile(g); len(errs) != 0 {
		t.Fatalf("compile errors: %v", errs)
	}
}

func TestPlan_ForkJoin(t *testing.T) {
	src := `
(flow.fork :branches [
  [(comms.send-email :to <Customer> :subject "a")]
  [(risk.classify :subject <Customer>)]
])
(flow.end)
`
	g := buildGraph(t, src)
	if errs := ir.Verify(g); len(errs) != 0 {
		t.Fatalf("verify errors: %v", errs)
	}
	ands := g.NodesByKind(ir.GatewayAnd)
	if len(ands) != 2 {
		t.Fatalf("expected 2 AND gateway nodes (fork+join), got %d", len(ands))
	}
	prog, flags, errs := compiler.Compile(g)
	if len(errs) != 0 {
		t.Fatalf("compile errors: %v", errs)
	}
	if verrs := bytecode.Verify(prog, flags); len(verrs) != 0 {
		t.Fatalf("bytecode verify errors: %v", verrs)
	}
}

func TestPlan_XorDefaultCase(t *testing.T) {
	src := `
(flow.xor :cases [
  ["f1" (comms.send-email :to <Customer> :subject "high")]
  [default (demo.emit-greeting "low")]
])
(flow.end)
`
	g := buildGraph(t, src)
	if errs := ir.Verify(g); len(errs) != 0 {
		t.Fatalf("verify errors: %v", errs)
	}
	if _, _, errs := compiler.Compile(g); len(errs) != 0 {
		t.Fatalf("compile errors: %v", errs)
	}
}

func TestPlan_BoundaryTimerOnHost(t *testing.T) {
	src := `
(onboarding.collect-document :subject <Customer> :document-type "passport" :as @doc)
(flow.boundary-timer :host @doc :spec "PT24H" :escalation [(demo.emit-greeting "timed-out") (flow.end)])
(flow.end)
`
	g := buildGraph(t, src)
	if errs := ir.Verify(g); len(errs) != 0 {
		t.Fatalf("verify errors: %v", errs)
	}
	timers := g.NodesByKind(ir.BoundaryTimer)
	if len(timers) != 1 {
		t.Fatalf("expected 1 boundary timer, got %d", len(timers))
	}
	if _, _, errs := compiler.Compile(g); len(errs) != 0 {
		t.Fatalf("compile errors: %v", errs)
	}
}

func TestPlan_UnboundHostIsError(t *testing.T) {
	src := `(flow.boundary-timer :host @missing :spec "PT1H" :escalation [(flow.end)])`
	reg := registry.Default()
	forms, perrs := parser.Parse(src, reg)
	if len(perrs) != 0 {
		t.Fatalf("parse errors: %v", perrs)
	}
	lowered, lerrs := lowering.Lower(forms)
	if len(lerrs) != 0 {
		t.Fatalf("lowering errors: %v", lerrs)
	}
	_, errs := Plan(lowered)
	if len(errs) == 0 {
		t.Fatal("expected a planning error for an unbound :host reference")
	}
}

func TestPlan_BoundedIterationEmitsBrCounterLt(t *testing.T) {
	src := `
(onboarding.retry-verification 0 5)
(flow.end)
`
	g := buildGraph(t, src)
	if errs := ir.Verify(g); len(errs) != 0 {
		t.Fatalf("verify errors: %v", errs)
	}
	tasks := g.NodesByKind(ir.ServiceTask)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 service task, got %d", len(tasks))
	}
	if !tasks[0].BoundedIteration {
		t.Fatal("expected onboarding.retry-verification to lower to a BoundedIteration node")
	}
	if tasks[0].CounterInit != 0 || tasks[0].LimitInit != 5 {
		t.Fatalf("expected counter=0 limit=5, got counter=%d limit=%d", tasks[0].CounterInit, tasks[0].LimitInit)
	}

	prog, flags, errs := compiler.Compile(g)
	if len(errs) != 0 {
		t.Fatalf("compile errors: %v", errs)
	}
	if verrs := bytecode.Verify(prog, flags); len(verrs) != 0 {
		t.Fatalf("bytecode verify errors: %v", verrs)
	}

	var sawBrCounterLt, sawEmitJob bool
	for _, ins := range prog.Instrs {
		switch ins.Op {
		case bytecode.OpBrCounterLt:
			sawBrCounterLt = true
			if ins.Counter == ins.Limit {
				t.Fatal("BrCounterLt counter and limit must be distinct flags")
			}
			if !flags[uint32(ins.Counter)] || !flags[uint32(ins.Limit)] {
				t.Fatal("BrCounterLt counter/limit flags must be declared in the compiled FlagSpace")
			}
		case bytecode.OpEmitJob:
			sawEmitJob = true
		}
	}
	if !sawBrCounterLt {
		t.Fatal("expected onboarding.retry-verification to compile a BrCounterLt instruction")
	}
	if !sawEmitJob {
		t.Fatal("expected onboarding.retry-verification to compile an EmitJob instruction")
	}
}
