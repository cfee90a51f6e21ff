// Package compiler lowers a verified IR graph into a linear CompiledProgram
// (§4.5). Layout is deterministic: a topological walk starting at Start
// (and, for alternate entry points, at each boundary event) assigns strictly
// increasing addresses, so every structural jump the walk emits is forward
// by construction; only the bounded-iteration loop-back (BrCounterLt) ever
// targets an earlier address.
package compiler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/ir"
	"github.com/oriys/bplrt/internal/value"
)

// Error is a fatal compilation failure (distinct from IR/bytecode verify
// failures, which gate compilation before or after this stage runs).
type Error struct {
	Message   string
	ElementID string
}

func (e *Error) Error() string {
	if e.ElementID != "" {
		return fmt.Sprintf("compile error: %s (element %s)", e.Message, e.ElementID)
	}
	return fmt.Sprintf("compile error: %s", e.Message)
}

// FlagSpace accumulates every FlagKey the program can reference, so the
// bytecode verifier can check BrCounterLt operands are within it.
type FlagSpace map[uint32]bool

func (f FlagSpace) declare(k value.FlagKey) { f[uint32(k)] = true }

// Compile emits a CompiledProgram from a verified IR graph. Callers must
// run ir.Verify first; Compile does not re-check structural invariants. The
// returned FlagSpace must be passed to bytecode.Verify before the program is
// stored; the boundary-event index travels inside the returned
// CompiledProgram's Boundary field.
func Compile(g *ir.Graph) (*bytecode.CompiledProgram, FlagSpace, []*Error) {
	order, errs := topoOrder(g)
	if len(errs) != 0 {
		return nil, nil, errs
	}

	c := &compileState{
		g:        g,
		nodeAddr: make(map[string]bytecode.Addr),
		flags:    make(FlagSpace),
		boundary: bytecode.BoundaryIndex{
			Errors: make(map[string][]bytecode.BoundaryErrorEntry),
			Timers: make(map[string][]bytecode.BoundaryTimerEntry),
		},
		nextBoundedFlag: boundedIterationFlagBase,
	}

	// Pass 1: assign every node's starting address by walking the layout
	// order and reserving the fixed instruction count its kind needs, so
	// pass 2 can resolve every jump target (including forward references
	// to nodes not yet emitted) against a complete address table.
	var addr bytecode.Addr
	for _, id := range order {
		c.nodeAddr[id] = addr
		addr += instrCount(g, g.Nodes[id])
	}

	// Pass 2: emit real instructions now that every address is known.
	for _, id := range order {
		c.emitNode(g.Nodes[id])
	}
	c.indexBoundaries()

	if len(c.errs) != 0 {
		return nil, nil, c.errs
	}

	prog := &bytecode.CompiledProgram{
		Instrs:        c.instrs,
		Entry:         c.nodeAddr["start"],
		FiberEntries:  c.fiberEntries,
		DebugMap:      c.debugMap,
		Boundary:      c.boundary,
		TerminateEnds: c.terminateEnds(),
	}
	if prog.FiberEntries == nil {
		prog.FiberEntries = map[string]bytecode.Addr{}
	}
	prog.FiberEntries["main"] = prog.Entry
	prog.Version = prog.ComputeVersion()
	return prog, c.flags, nil
}

type compileState struct {
	g            *ir.Graph
	instrs       []bytecode.Instr
	nodeAddr     map[string]bytecode.Addr
	fiberEntries map[string]bytecode.Addr
	debugMap     map[bytecode.Addr]string
	flags        FlagSpace
	boundary     bytecode.BoundaryIndex
	errs         []*Error

	// nextBoundedFlag allocates the reserved counter/limit flag pair each
	// BoundedIteration ServiceTask gets (§4.5). Starting at
	// boundedIterationFlagBase keeps these out of the small integer range a
	// verb's own :as/condition flags plausibly occupy.
	nextBoundedFlag uint32
}

// boundedIterationFlagBase is the first FlagKey the compiler allocates for
// bounded-iteration counter/limit pairs, chosen well above any flag number a
// registry's condition/correlation wiring would plausibly assign, the same
// reservation convention internal/engine's inclusiveTokenFlag uses.
const boundedIterationFlagBase uint32 = 0xF0000000

func (c *compileState) allocBoundedFlag() value.FlagKey {
	k := value.FlagKey(c.nextBoundedFlag)
	c.nextBoundedFlag++
	return k
}

// terminateEnds collects the element ids of every End node built with
// terminate=true, for bytecode.CompiledProgram.TerminateEnds.
func (c *compileState) terminateEnds() map[string]bool {
	out := make(map[string]bool)
	for _, n := range c.g.NodesByKind(ir.End) {
		if n.Terminate {
			out[n.ID] = true
		}
	}
	return out
}

// indexBoundaries walks every BoundaryTimer/BoundaryError node after layout
// and instruction emission, recording each against its host in declaration
// order (by ElementID, the only stable tie-break available post-build) so
// the engine can resolve an Incident or TimerFired without the IR graph.
func (c *compileState) indexBoundaries() {
	timers := c.g.NodesByKind(ir.BoundaryTimer)
	sort.Slice(timers, func(i, j int) bool { return timers[i].ID < timers[j].ID })
	for _, n := range timers {
		awaitAddr, ok := c.nodeAddr[n.ID]
		if !ok {
			continue
		}
		out := c.g.Out(n.ID)
		var target bytecode.Addr
		if len(out) > 0 {
			target = c.nodeAddr[out[0].To]
		}
		c.boundary.Timers[n.AttachedTo] = append(c.boundary.Timers[n.AttachedTo], bytecode.BoundaryTimerEntry{
			ElementID:    n.ID,
			Interrupting: n.Interrupting,
			Cycle:        n.Cycle,
			TimerSpec:    n.TimerSpec,
			AwaitAddr:    awaitAddr,
			Target:       target,
		})
	}

	errNodes := c.g.NodesByKind(ir.BoundaryError)
	sort.Slice(errNodes, func(i, j int) bool { return errNodes[i].ID < errNodes[j].ID })
	for _, n := range errNodes {
		out := c.g.Out(n.ID)
		var target bytecode.Addr
		if len(out) > 0 {
			target = c.nodeAddr[out[0].To]
		}
		c.boundary.Errors[n.AttachedTo] = append(c.boundary.Errors[n.AttachedTo], bytecode.BoundaryErrorEntry{
			ElementID: n.ID,
			ErrorCode: n.ErrorCode,
			Target:    target,
		})
	}
}

func (c *compileState) emit(elementID string, ins bytecode.Instr) bytecode.Addr {
	ins.ElementID = elementID
	addr := bytecode.Addr(len(c.instrs))
	c.instrs = append(c.instrs, ins)
	if c.debugMap == nil {
		c.debugMap = make(map[bytecode.Addr]string)
	}
	c.debugMap[addr] = elementID
	return addr
}

func (c *compileState) fail(elementID, msg string) {
	c.errs = append(c.errs, &Error{Message: msg, ElementID: elementID})
}

// parseFlagCondition decodes an IR edge condition of the form "f<N>" into
// the FlagKey it tests for truthiness. Richer predicates (e.g. the
// "risk==HIGH" comparisons in worked scenarios) are expected to have
// already been reduced upstream to a boolean flag by the ServiceTask that
// computed them; the bytecode layer only ever branches on flag truthiness,
// matching the instruction set's BrIf/BrIfNot shape.
func parseFlagCondition(cond string) (value.FlagKey, bool) {
	if !strings.HasPrefix(cond, "f") {
		return 0, false
	}
	n, err := strconv.ParseUint(cond[1:], 10, 32)
	if err != nil {
		return 0, false
	}
	return value.FlagKey(n), true
}

// instrCount returns the exact number of instructions emitNode will produce
// for n, so pass 1 can lay out addresses before any instruction exists.
func instrCount(g *ir.Graph, n *ir.Node) bytecode.Addr {
	switch n.Kind {
	case ir.Start, ir.End, ir.BoundaryError:
		return 1
	case ir.ServiceTask:
		if n.BoundedIteration {
			// LoadConst+StoreFlag(counter), LoadConst+StoreFlag(limit),
			// EmitJob, BrCounterLt, trailing fallthrough Jump.
			return 7
		}
		return 2
	case ir.HumanWait, ir.BoundaryTimer:
		return 2
	case ir.GatewayXor:
		if n.Direction != ir.Diverging {
			return 1
		}
		conditioned := 0
		for _, e := range g.Out(n.ID) {
			if e.HasCondition() {
				conditioned++
			}
		}
		return bytecode.Addr(2*conditioned + 1)
	case ir.GatewayAnd:
		if n.Direction == ir.Diverging {
			return 1
		}
		return 2
	case ir.GatewayInclusive:
		if n.Direction == ir.Diverging {
			return 1
		}
		return 2
	default:
		return 1
	}
}

func (c *compileState) emitNode(n *ir.Node) {
	switch n.Kind {
	case ir.Start:
		c.emitFallthrough(n.ID)
	case ir.End:
		c.emit(n.ID, bytecode.Instr{Op: bytecode.OpReturn})
	case ir.ServiceTask:
		if n.BoundedIteration {
			c.emitBoundedServiceTask(n)
		} else {
			c.emit(n.ID, bytecode.Instr{Op: bytecode.OpEmitJob, TaskType: n.TaskType, ServiceTaskID: n.ID})
			c.emitFallthrough(n.ID)
		}
	case ir.HumanWait:
		c.emit(n.ID, bytecode.Instr{Op: bytecode.OpAwaitCorrelation, CorrelationName: n.ID})
		c.emitFallthrough(n.ID)
	case ir.GatewayXor:
		if n.Direction == ir.Diverging {
			c.emitXorDiverge(n)
		} else {
			c.emitFallthrough(n.ID)
		}
	case ir.GatewayAnd:
		if n.Direction == ir.Diverging {
			c.emitForkDiverge(n, nil)
		} else {
			c.emitJoin(n, len(c.inEdges(n.ID)))
		}
	case ir.GatewayInclusive:
		if n.Direction == ir.Diverging {
			c.emitInclusiveDiverge(n)
		} else {
			c.emitJoin(n, -1)
		}
	case ir.BoundaryTimer:
		c.emit(n.ID, bytecode.Instr{Op: bytecode.OpAwaitTimer, TimerSpec: n.TimerSpec})
		c.emitFallthrough(n.ID)
	case ir.BoundaryError:
		c.emitFallthrough(n.ID)
	default:
		c.fail(n.ID, fmt.Sprintf("unknown node kind %v", n.Kind))
	}
}

func (c *compileState) inEdges(id string) []ir.Edge {
	var out []ir.Edge
	for _, edges := range c.g.OutEdges {
		for _, e := range edges {
			if e.To == id {
				out = append(out, e)
			}
		}
	}
	return out
}

// emitFallthrough emits the single unconditional continuation for a node
// with exactly one outgoing edge (the common sequential case); a node with
// zero outgoing edges is a dead end handled as a Return.
func (c *compileState) emitFallthrough(id string) {
	out := c.g.Out(id)
	if len(out) == 0 {
		c.emit(id, bytecode.Instr{Op: bytecode.OpReturn})
		return
	}
	if len(out) > 1 {
		c.fail(id, "node with implicit single continuation has multiple outgoing edges")
		return
	}
	c.emitJumpTo(id, out[0].To)
}

// emitJumpTo emits a Jump to target's address. Compile's first pass assigns
// every node's address before any instruction is emitted, so forward and
// backward targets alike are already known here; a missing address is
// reported as an internal compile error.
func (c *compileState) emitJumpTo(fromID, toID string) {
	addr, ok := c.nodeAddr[toID]
	if !ok {
		c.fail(fromID, fmt.Sprintf("internal: target %q address not yet assigned", toID))
		return
	}
	c.emit(fromID, bytecode.Instr{Op: bytecode.OpJump, Target: addr})
}

func (c *compileState) emitXorDiverge(n *ir.Node) {
	out := c.g.Out(n.ID)
	var defaultEdge *ir.Edge
	for i := range out {
		e := out[i]
		if !e.HasCondition() {
			defaultEdge = &out[i]
			continue
		}
		flag, ok := parseFlagCondition(e.Condition)
		if !ok {
			c.fail(n.ID, fmt.Sprintf("unrecognized condition %q", e.Condition))
			continue
		}
		c.flags.declare(flag)
		c.emit(n.ID, bytecode.Instr{Op: bytecode.OpLoadFlag, Flag: flag})
		target, ok := c.nodeAddr[e.To]
		if !ok {
			c.fail(n.ID, fmt.Sprintf("internal: target %q not laid out", e.To))
			continue
		}
		c.emit(n.ID, bytecode.Instr{Op: bytecode.OpBrIf, Target: target})
	}
	if defaultEdge == nil {
		c.fail(n.ID, "diverging XOR has no default edge")
		return
	}
	c.emitJumpTo(n.ID, defaultEdge.To)
}

func (c *compileState) emitForkDiverge(n *ir.Node, guards []value.FlagKey) {
	out := c.g.Out(n.ID)
	entries := make([]bytecode.Addr, 0, len(out))
	for i, e := range out {
		addr, ok := c.nodeAddr[e.To]
		if !ok {
			c.fail(n.ID, fmt.Sprintf("internal: fork target %q not laid out", e.To))
			continue
		}
		entries = append(entries, addr)
		c.registerFiberEntry(n.ID, i, addr)
	}
	c.emit(n.ID, bytecode.Instr{Op: bytecode.OpFork, FiberEntries: entries, JoinID: n.ID})
}

func (c *compileState) registerFiberEntry(forkID string, i int, addr bytecode.Addr) {
	if c.fiberEntries == nil {
		c.fiberEntries = make(map[string]bytecode.Addr)
	}
	c.fiberEntries[fmt.Sprintf("%s#%d", forkID, i)] = addr
}

// emitInclusiveDiverge compiles the diverging inclusive gateway as a guarded
// fork: every outgoing edge becomes a fiber entry, paired with a guard flag
// parsed from its condition (edges without a condition are the implicit
// default and always activate). The engine spawns only the fibers whose
// guard is truthy and counts exactly those toward the paired join's
// expected-arrivals tally (§4.5 "a dedicated join counter that compares
// arrivals to emitted-token count, not static fan-in").
func (c *compileState) emitInclusiveDiverge(n *ir.Node) {
	out := c.g.Out(n.ID)
	entries := make([]bytecode.Addr, 0, len(out))
	guards := make([]value.FlagKey, 0, len(out))
	for i, e := range out {
		addr, ok := c.nodeAddr[e.To]
		if !ok {
			c.fail(n.ID, fmt.Sprintf("internal: inclusive target %q not laid out", e.To))
			continue
		}
		entries = append(entries, addr)
		c.registerFiberEntry(n.ID, i, addr)
		if e.HasCondition() {
			flag, ok := parseFlagCondition(e.Condition)
			if !ok {
				c.fail(n.ID, fmt.Sprintf("unrecognized condition %q", e.Condition))
				continue
			}
			c.flags.declare(flag)
			guards = append(guards, flag)
		} else {
			guards = append(guards, 0)
		}
	}
	ins := bytecode.Instr{Op: bytecode.OpFork, FiberEntries: entries, JoinID: n.ID}
	ins.Inputs = guards // reuse Inputs as the per-entry guard flag list for inclusive forks
	c.emit(n.ID, ins)
}

// emitBoundedServiceTask compiles a ServiceTask lowered from a
// BoundedIteration verb (§4.5: "BrCounterLt is emitted only for the two
// bounded-iteration verbs explicitly flagged by the registry"). It seeds a
// fresh counter/limit flag pair from the verb's literal :counter/:limit
// arguments, emits the job, then retries it with BrCounterLt until the
// counter reaches the limit before falling through to the node's normal
// continuation.
func (c *compileState) emitBoundedServiceTask(n *ir.Node) {
	counterFlag := c.allocBoundedFlag()
	limitFlag := c.allocBoundedFlag()
	c.flags.declare(counterFlag)
	c.flags.declare(limitFlag)

	c.emit(n.ID, bytecode.Instr{Op: bytecode.OpLoadConst, Const: value.Int(n.CounterInit)})
	c.emit(n.ID, bytecode.Instr{Op: bytecode.OpStoreFlag, Flag: counterFlag})
	c.emit(n.ID, bytecode.Instr{Op: bytecode.OpLoadConst, Const: value.Int(n.LimitInit)})
	c.emit(n.ID, bytecode.Instr{Op: bytecode.OpStoreFlag, Flag: limitFlag})

	jobAddr := c.emit(n.ID, bytecode.Instr{Op: bytecode.OpEmitJob, TaskType: n.TaskType, ServiceTaskID: n.ID})
	c.emit(n.ID, bytecode.Instr{Op: bytecode.OpBrCounterLt, Counter: counterFlag, Limit: limitFlag, Target: jobAddr})
	c.emitFallthrough(n.ID)
}

func (c *compileState) emitJoin(n *ir.Node, expected int) {
	c.emit(n.ID, bytecode.Instr{Op: bytecode.OpJoinArrive, JoinID: n.ID, Expected: expected})
	c.emitFallthrough(n.ID)
}

// topoOrder computes a layout order: a DFS-postorder reversal starting from
// Start, extended with any boundary events (and their subgraphs) not
// otherwise reached, matching the reachability roots of ir.Verify invariant
// 3. IR graphs are acyclic at the edge level (the sole loop primitive,
// BrCounterLt, is not represented as a graph edge), so this order is a
// valid topological order.
func topoOrder(g *ir.Graph) ([]string, []*Error) {
	visited := make(map[string]bool)
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, e := range g.Out(id) {
			visit(e.To)
		}
		order = append(order, id)
	}

	if _, ok := g.Nodes["start"]; !ok {
		starts := g.NodesByKind(ir.Start)
		if len(starts) == 0 {
			return nil, []*Error{{Message: "no Start node"}}
		}
		visit(starts[0].ID)
	} else {
		visit("start")
	}

	var boundaries []*ir.Node
	boundaries = append(boundaries, g.NodesByKind(ir.BoundaryTimer)...)
	boundaries = append(boundaries, g.NodesByKind(ir.BoundaryError)...)
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i].ID < boundaries[j].ID })
	for _, b := range boundaries {
		visit(b.ID)
	}

	for id := range g.Nodes {
		visit(id)
	}

	// Reverse post-order to obtain a topological order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
