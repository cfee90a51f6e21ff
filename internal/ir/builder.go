package ir

import "fmt"

// Builder threads the small piece of state §4.3 describes: a focus node
// (the last-added activity, where the next sequence edge originates), a
// stack of currently-open gateways, and a pool of name -> element-id
// bindings populated by `:as @symbol` captures so later verbs can reference
// an earlier activity by name.
type Builder struct {
	Graph    *Graph
	focus    string
	gateways []openGateway
	bindings map[string]string
	seq      int
}

type openGateway struct {
	ID        string
	Kind      NodeKind
	Direction GatewayDirection
}

// NewBuilder creates a Builder with a fresh Start node as the initial
// focus.
func NewBuilder() *Builder {
	g := NewGraph()
	start := &Node{ID: "start", Kind: Start}
	_ = g.AddNode(start)
	return &Builder{Graph: g, focus: "start", bindings: make(map[string]string)}
}

// Focus returns the current focus element id.
func (b *Builder) Focus() string { return b.focus }

// SetFocus repoints the focus explicitly (used when resuming a branch, or
// after closing a gateway onto its merge node).
func (b *Builder) SetFocus(id string) { b.focus = id }

// NextID generates a fresh, stable element id with the given kind prefix.
func (b *Builder) NextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s_%d", prefix, b.seq)
}

// Bind records a name -> element-id binding from an `:as @symbol` capture.
func (b *Builder) Bind(name, id string) { b.bindings[name] = id }

// Lookup resolves a previously bound name.
func (b *Builder) Lookup(name string) (string, bool) {
	id, ok := b.bindings[name]
	return id, ok
}

// AddServiceTask appends a ServiceTask after the current focus and advances
// focus to it.
func (b *Builder) AddServiceTask(id, taskType string) error {
	if err := b.Graph.AddNode(&Node{ID: id, Kind: ServiceTask, TaskType: taskType}); err != nil {
		return err
	}
	b.Graph.AddEdge(b.focus, id, "")
	b.focus = id
	return nil
}

// AddHumanWait appends a HumanWait after the current focus and advances
// focus to it.
func (b *Builder) AddHumanWait(id string) error {
	if err := b.Graph.AddNode(&Node{ID: id, Kind: HumanWait}); err != nil {
		return err
	}
	b.Graph.AddEdge(b.focus, id, "")
	b.focus = id
	return nil
}

// OpenXorDiverge inserts a diverging XOR gateway after focus and advances
// focus to it; callers then add one edge per branch via AddEdgeFrom(id,
// target, condition), leaving exactly one edge with condition == "" as the
// required default.
func (b *Builder) OpenXorDiverge(id string) error {
	if err := b.Graph.AddNode(&Node{ID: id, Kind: GatewayXor}); err != nil {
		return err
	}
	b.Graph.AddEdge(b.focus, id, "")
	b.gateways = append(b.gateways, openGateway{ID: id, Kind: GatewayXor, Direction: Diverging})
	b.focus = id
	return nil
}

// AddEdgeFrom adds an explicit sequence edge from a named source (typically
// an open gateway) to target, with an optional condition.
func (b *Builder) AddEdgeFrom(from, to, condition string) {
	b.Graph.AddEdge(from, to, condition)
}

// OpenFork inserts a diverging parallel (AND) gateway after focus, spawning
// one branch per entry in branches (each must already be a valid or
// to-be-added node id); focus advances to the gateway.
func (b *Builder) OpenFork(id string, branches []string) error {
	if err := b.Graph.AddNode(&Node{ID: id, Kind: GatewayAnd, Direction: Diverging}); err != nil {
		return err
	}
	b.Graph.AddEdge(b.focus, id, "")
	for _, br := range branches {
		b.Graph.AddEdge(id, br, "")
	}
	b.gateways = append(b.gateways, openGateway{ID: id, Kind: GatewayAnd, Direction: Diverging})
	b.focus = id
	return nil
}

// CloseJoin inserts a converging AND gateway that the given branch tails
// all flow into, and advances focus to it.
func (b *Builder) CloseJoin(id string, branchTails []string) error {
	if err := b.Graph.AddNode(&Node{ID: id, Kind: GatewayAnd, Direction: Converging}); err != nil {
		return err
	}
	for _, t := range branchTails {
		b.Graph.AddEdge(t, id, "")
	}
	b.focus = id
	return nil
}

// AddEnd appends a terminal End node after focus.
func (b *Builder) AddEnd(id string, terminate bool) error {
	if err := b.Graph.AddNode(&Node{ID: id, Kind: End, Terminate: terminate}); err != nil {
		return err
	}
	b.Graph.AddEdge(b.focus, id, "")
	return nil
}

// OpenInclusiveDiverge inserts a diverging inclusive gateway after focus and
// advances focus to it.
func (b *Builder) OpenInclusiveDiverge(id string) error {
	if err := b.Graph.AddNode(&Node{ID: id, Kind: GatewayInclusive, Direction: Diverging}); err != nil {
		return err
	}
	b.Graph.AddEdge(b.focus, id, "")
	b.focus = id
	return nil
}

// CloseInclusiveConverge inserts a converging inclusive gateway that the
// given branch tails flow into, and advances focus to it.
func (b *Builder) CloseInclusiveConverge(id string, branchTails []string) error {
	if err := b.Graph.AddNode(&Node{ID: id, Kind: GatewayInclusive, Direction: Converging}); err != nil {
		return err
	}
	for _, t := range branchTails {
		b.Graph.AddEdge(t, id, "")
	}
	b.focus = id
	return nil
}

// AttachBoundaryTimer adds a BoundaryTimer hosted on attachedTo; callers add
// its outgoing edge(s) separately via AddEdgeFrom.
func (b *Builder) AttachBoundaryTimer(id, attachedTo, spec string, interrupting, cycle bool) error {
	return b.Graph.AddNode(&Node{
		ID: id, Kind: BoundaryTimer, AttachedTo: attachedTo,
		TimerSpec: spec, Interrupting: interrupting, Cycle: cycle,
	})
}

// AttachBoundaryError adds a BoundaryError hosted on attachedTo; errorCode
// empty means catch-all.
func (b *Builder) AttachBoundaryError(id, attachedTo, errorCode string) error {
	return b.Graph.AddNode(&Node{ID: id, Kind: BoundaryError, AttachedTo: attachedTo, ErrorCode: errorCode})
}
