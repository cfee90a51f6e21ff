package ir

import "testing"

func linearHappyPath(t *testing.T) *Graph {
	t.Helper()
	b := NewBuilder()
	if err := b.AddServiceTask("T", "emit-greeting"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddEnd("end1", false); err != nil {
		t.Fatal(err)
	}
	return b.Graph
}

func TestVerify_HappyPath(t *testing.T) {
	g := linearHappyPath(t)
	if errs := Verify(g); len(errs) != 0 {
		t.Fatalf("unexpected verify errors: %v", errs)
	}
}

func TestVerify_MissingStart(t *testing.T) {
	g := NewGraph()
	_ = g.AddNode(&Node{ID: "end1", Kind: End})
	errs := Verify(g)
	if len(errs) == 0 {
		t.Fatal("expected verify errors")
	}
}

func TestVerify_UnreachableNode(t *testing.T) {
	g := linearHappyPath(t)
	_ = g.AddNode(&Node{ID: "orphan", Kind: ServiceTask, TaskType: "x"})
	errs := Verify(g)
	var found bool
	for _, e := range errs {
		if e.ElementID == "orphan" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unreachable-node error for orphan, got %v", errs)
	}
}

func TestVerify_ParallelForkJoin(t *testing.T) {
	b := NewBuilder()
	if err := b.Graph.AddNode(&Node{ID: "A", Kind: ServiceTask, TaskType: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Graph.AddNode(&Node{ID: "B", Kind: ServiceTask, TaskType: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := b.OpenFork("fork1", []string{"A", "B"}); err != nil {
		t.Fatal(err)
	}
	if err := b.CloseJoin("join1", []string{"A", "B"}); err != nil {
		t.Fatal(err)
	}
	b.SetFocus("join1")
	if err := b.AddEnd("end1", false); err != nil {
		t.Fatal(err)
	}
	if errs := Verify(b.Graph); len(errs) != 0 {
		t.Fatalf("unexpected verify errors: %v", errs)
	}
}

func TestVerify_UnbalancedParallelGateways(t *testing.T) {
	b := NewBuilder()
	_ = b.Graph.AddNode(&Node{ID: "A", Kind: ServiceTask, TaskType: "a"})
	if err := b.OpenFork("fork1", []string{"A"}); err != nil {
		t.Fatal(err)
	}
	b.SetFocus("A")
	if err := b.AddEnd("end1", false); err != nil {
		t.Fatal(err)
	}
	errs := Verify(b.Graph)
	if len(errs) == 0 {
		t.Fatal("expected unbalanced parallel gateway error")
	}
}

func TestVerify_XorRequiresExactlyOneDefault(t *testing.T) {
	b := NewBuilder()
	if err := b.OpenXorDiverge("xor1"); err != nil {
		t.Fatal(err)
	}
	_ = b.Graph.AddNode(&Node{ID: "A", Kind: ServiceTask, TaskType: "a"})
	_ = b.Graph.AddNode(&Node{ID: "Bn", Kind: ServiceTask, TaskType: "b"})
	b.AddEdgeFrom("xor1", "A", "risk==HIGH")
	b.AddEdgeFrom("xor1", "Bn", "risk==LOW")
	b.SetFocus("A")
	_ = b.AddEnd("endA", false)
	b.SetFocus("Bn")
	_ = b.AddEnd("endB", false)
	errs := Verify(b.Graph)
	if len(errs) == 0 {
		t.Fatal("expected missing-default error")
	}
}

func TestVerify_XorWithDefaultPasses(t *testing.T) {
	b := NewBuilder()
	if err := b.OpenXorDiverge("xor1"); err != nil {
		t.Fatal(err)
	}
	_ = b.Graph.AddNode(&Node{ID: "A", Kind: ServiceTask, TaskType: "a"})
	_ = b.Graph.AddNode(&Node{ID: "Bn", Kind: ServiceTask, TaskType: "b"})
	b.AddEdgeFrom("xor1", "A", "risk==HIGH")
	b.AddEdgeFrom("xor1", "Bn", "")
	b.SetFocus("A")
	_ = b.AddEnd("endA", false)
	b.SetFocus("Bn")
	_ = b.AddEnd("endB", false)
	if errs := Verify(b.Graph); len(errs) != 0 {
		t.Fatalf("unexpected verify errors: %v", errs)
	}
}

func TestVerify_BoundaryTimerCardinality(t *testing.T) {
	b := NewBuilder()
	if err := b.AddServiceTask("T", "slow-task"); err != nil {
		t.Fatal(err)
	}
	_ = b.AddEnd("end1", false)
	if err := b.AttachBoundaryTimer("bt1", "T", "PT5S", true, false); err != nil {
		t.Fatal(err)
	}
	_ = b.Graph.AddNode(&Node{ID: "end2", Kind: End})
	b.AddEdgeFrom("bt1", "end2", "")
	if errs := Verify(b.Graph); len(errs) != 0 {
		t.Fatalf("unexpected verify errors: %v", errs)
	}

	if err := b.AttachBoundaryTimer("bt2", "T", "PT1S", true, false); err != nil {
		t.Fatal(err)
	}
	b.AddEdgeFrom("bt2", "end2", "")
	errs := Verify(b.Graph)
	if len(errs) == 0 {
		t.Fatal("expected multiple-boundary-timer-per-host error")
	}
}

func TestVerify_CycleTimerMustBeNonInterrupting(t *testing.T) {
	b := NewBuilder()
	_ = b.AddServiceTask("T", "poll")
	_ = b.AddEnd("end1", false)
	if err := b.AttachBoundaryTimer("bt1", "T", "PT1H", true, true); err != nil {
		t.Fatal(err)
	}
	_ = b.Graph.AddNode(&Node{ID: "end2", Kind: End})
	b.AddEdgeFrom("bt1", "end2", "")
	errs := Verify(b.Graph)
	if len(errs) == 0 {
		t.Fatal("expected cycle-timer-must-be-non-interrupting error")
	}
}

func TestVerify_InclusiveGatewayCardinality(t *testing.T) {
	b := NewBuilder()
	if err := b.OpenInclusiveDiverge("incl1"); err != nil {
		t.Fatal(err)
	}
	_ = b.Graph.AddNode(&Node{ID: "A", Kind: ServiceTask, TaskType: "a"})
	_ = b.Graph.AddNode(&Node{ID: "Bn", Kind: ServiceTask, TaskType: "b"})
	b.AddEdgeFrom("incl1", "A", "x==1")
	b.AddEdgeFrom("incl1", "Bn", "y==1")
	if err := b.CloseInclusiveConverge("incl2", []string{"A", "Bn"}); err != nil {
		t.Fatal(err)
	}
	b.SetFocus("incl2")
	_ = b.AddEnd("end1", false)
	if errs := Verify(b.Graph); len(errs) != 0 {
		t.Fatalf("unexpected verify errors: %v", errs)
	}
}
