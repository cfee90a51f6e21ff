// Package planner is the §4.3 IR Graph Builder stage: it walks a lowered
// program — a flat sequence of lowering.LoweredForm, one per top-level verb
// invocation — and assembles an ir.Graph, threading a chain tail (the
// builder's "focus") through straight-line activities and recursing into
// nested branch/case bodies for forks and gateways.
//
// Translation is table-driven off each verb's registry.VerbSpec.Flow field,
// never off the verb's name: the overwhelming majority of forms carry
// FlowService and become a single ir.ServiceTask; the small fixed set of
// control verbs in registry.ControlFlow shape the rest of the graph.
package planner

import (
	"fmt"
	"strings"

	"github.com/oriys/bplrt/internal/ir"
	"github.com/oriys/bplrt/internal/lexer"
	"github.com/oriys/bplrt/internal/lowering"
	"github.com/oriys/bplrt/internal/parser"
	"github.com/oriys/bplrt/internal/registry"
)

// Error is a fatal planning failure: a structural mismatch the lowering
// stage's per-argument shape checks cannot catch (a branch with no body, an
// unresolved :host binding, a list element that isn't a verb form).
type Error struct {
	Message string
	Sp      lexer.Span
}

func (e *Error) Error() string {
	return fmt.Sprintf("planning error at %s: %s", e.Sp, e.Message)
}

// Plan builds a verified-ready ir.Graph from a top-level lowered program.
// Callers still run ir.Verify on the result before compiling it; Plan only
// guarantees the shape its own construction rules produce, not that every
// §4.4 invariant holds (e.g. a program that never reaches an end state via
// some boundary path is still a Verify failure, not a Plan one).
func Plan(forms []*lowering.LoweredForm) (*ir.Graph, []*Error) {
	b := ir.NewBuilder()
	p := &planState{b: b, g: b.Graph}
	_, tail := p.planChain(forms, b.Focus())
	if tail != "" {
		// No explicit flow.end closed the program; terminate it here so a
		// program that is just a straight line of business verbs compiles
		// without requiring boilerplate.
		id := b.NextID("end")
		p.addNode(&ir.Node{ID: id, Kind: ir.End, Terminate: true})
		p.g.AddEdge(tail, id, "")
	}
	return p.g, p.errs
}

type planState struct {
	b    *ir.Builder
	g    *ir.Graph
	errs []*Error
}

func (p *planState) fail(sp lexer.Span, format string, args ...any) {
	p.errs = append(p.errs, &Error{Message: fmt.Sprintf(format, args...), Sp: sp})
}

func (p *planState) addNode(n *ir.Node) {
	if err := p.g.AddNode(n); err != nil {
		p.fail(lexer.Span{}, "%s", err.Error())
	}
}

// planChain lowers forms in order, wiring each to the previous tail (""
// means the first node is detached: the caller — a fork/case opener —
// wires its own incoming edge). It returns the id of the node the caller
// should wire its own incoming edge to for the first form (head, "" if the
// chain is empty) and the final tail, "" if the chain was closed by a
// flow.end.
func (p *planState) planChain(forms []*lowering.LoweredForm, tail string) (head, newTail string) {
	for i, lf := range forms {
		if tail == "" && i > 0 {
			p.fail(lf.Sp, "unreachable form after an end")
			continue
		}
		var h string
		h, tail = p.planForm(lf, tail)
		if i == 0 {
			head = h
		}
	}
	return head, tail
}

// planForm lowers a single form, wiring its head node from tail (unless
// tail == "", meaning detached), and returns the node the caller should
// treat as this form's own head (for a detached first form) and the new
// chain tail.
func (p *planState) planForm(lf *lowering.LoweredForm, tail string) (head, newTail string) {
	spec := lf.Spec
	if spec == nil {
		p.fail(lf.Sp, "unresolved verb %q", lf.Head)
		return "", tail
	}
	switch spec.Flow {
	case registry.FlowService:
		id := p.b.NextID(sanitize(spec.Name))
		n := &ir.Node{ID: id, Kind: ir.ServiceTask, TaskType: spec.Name}
		if spec.BoundedIteration {
			n.BoundedIteration = true
			n.CounterInit, _ = intArg(lf, "counter")
			n.LimitInit, _ = intArg(lf, "limit")
		}
		p.addNode(n)
		p.wire(tail, id)
		p.bindAs(lf, id)
		return id, id
	case registry.FlowHumanWait:
		id := p.b.NextID("wait")
		p.addNode(&ir.Node{ID: id, Kind: ir.HumanWait})
		p.wire(tail, id)
		p.bindAs(lf, id)
		return id, id
	case registry.FlowEnd:
		id := p.b.NextID("end")
		terminate := true
		if a, ok := lf.Arg("terminate"); ok {
			if v, ok := a.Value.AsBool(); ok {
				terminate = v
			}
		}
		p.addNode(&ir.Node{ID: id, Kind: ir.End, Terminate: terminate})
		p.wire(tail, id)
		return id, ""
	case registry.FlowFork:
		forkID, joinID := p.planFork(lf, tail)
		return forkID, joinID
	case registry.FlowXor:
		divergeID, convergeID := p.planGateway(lf, tail, ir.GatewayXor, "cases")
		return divergeID, convergeID
	case registry.FlowInclusive:
		divergeID, convergeID := p.planGateway(lf, tail, ir.GatewayInclusive, "cases")
		return divergeID, convergeID
	case registry.FlowBoundaryTimer:
		p.planBoundaryTimer(lf)
		return "", tail
	case registry.FlowBoundaryError:
		p.planBoundaryError(lf)
		return "", tail
	default:
		p.fail(lf.Sp, "verb %q has unrecognized flow role", spec.Name)
		return "", tail
	}
}

func (p *planState) wire(tail, id string) {
	if tail != "" {
		p.g.AddEdge(tail, id, "")
	}
}

func (p *planState) bindAs(lf *lowering.LoweredForm, id string) {
	a, ok := lf.Arg("as")
	if !ok {
		return
	}
	name, ok := a.Value.AsRef()
	if !ok {
		p.fail(a.Sp, ":as must be a binding reference")
		return
	}
	p.b.Bind(name, id)
}

func (p *planState) planFork(lf *lowering.LoweredForm, tail string) (forkID, joinID string) {
	a, ok := lf.Arg("branches")
	if !ok {
		p.fail(lf.Sp, "flow.fork requires :branches")
		return "", tail
	}
	branches, err := listElems(a.Raw)
	if err != nil {
		p.fail(a.Sp, "%s", err)
		return "", tail
	}
	if len(branches) < 2 {
		p.fail(a.Sp, "flow.fork requires at least 2 branches")
		return "", tail
	}

	forkID = explicitOrNextID(p.b, lf, "fork")
	p.addNode(&ir.Node{ID: forkID, Kind: ir.GatewayAnd, Direction: ir.Diverging})
	p.wire(tail, forkID)

	var tails []string
	for _, branch := range branches {
		forms, err := p.lowerBody(branch)
		if err != nil {
			p.fail(branch.Span(), "%s", err)
			continue
		}
		if len(forms) == 0 {
			p.fail(branch.Span(), "fork branch must have at least one form")
			continue
		}
		head, branchTail := p.planChain(forms, "")
		if head == "" {
			p.fail(branch.Span(), "fork branch produces no node to join")
			continue
		}
		p.g.AddEdge(forkID, head, "")
		if branchTail != "" {
			tails = append(tails, branchTail)
		}
	}

	joinID = p.b.NextID("join")
	p.addNode(&ir.Node{ID: joinID, Kind: ir.GatewayAnd, Direction: ir.Converging})
	for _, t := range tails {
		p.g.AddEdge(t, joinID, "")
	}
	return forkID, joinID
}

// planGateway handles both flow.xor and flow.inclusive: a diverging
// gateway of kind, one outgoing edge per case (guarded by the case's
// condition, or unconditional for "default"), converging back into a
// single gateway of the same kind so the rest of the chain has one tail to
// wire from.
func (p *planState) planGateway(lf *lowering.LoweredForm, tail string, kind ir.NodeKind, argName string) (divergeID, convergeID string) {
	a, ok := lf.Arg(argName)
	if !ok {
		p.fail(lf.Sp, "%s requires :%s", lf.Head, argName)
		return "", tail
	}
	cases, err := listElems(a.Raw)
	if err != nil {
		p.fail(a.Sp, "%s", err)
		return "", tail
	}
	if len(cases) < 2 {
		p.fail(a.Sp, "%s requires at least 2 cases", lf.Head)
		return "", tail
	}

	divergeID = explicitOrNextID(p.b, lf, "gw")
	p.addNode(&ir.Node{ID: divergeID, Kind: kind, Direction: ir.Diverging})
	p.wire(tail, divergeID)

	var tails []string
	for _, c := range cases {
		elems, err := listElems(c)
		if err != nil {
			p.fail(c.Span(), "%s", err)
			continue
		}
		if len(elems) == 0 {
			p.fail(c.Span(), "case must open with a condition or `default`")
			continue
		}
		cond, err := caseCondition(elems[0])
		if err != nil {
			p.fail(elems[0].Span(), "%s", err)
			continue
		}
		forms, err := p.lowerForms(elems[1:])
		if err != nil {
			p.fail(c.Span(), "%s", err)
			continue
		}
		if len(forms) == 0 {
			p.fail(c.Span(), "case body must have at least one form")
			continue
		}
		head, branchTail := p.planChain(forms, "")
		if head == "" {
			p.fail(c.Span(), "case produces no node to converge")
			continue
		}
		p.g.AddEdge(divergeID, head, cond)
		if branchTail != "" {
			tails = append(tails, branchTail)
		}
	}

	convergeID = p.b.NextID("gwjoin")
	p.addNode(&ir.Node{ID: convergeID, Kind: kind, Direction: ir.Converging})
	for _, t := range tails {
		p.g.AddEdge(t, convergeID, "")
	}
	return divergeID, convergeID
}

func (p *planState) planBoundaryTimer(lf *lowering.LoweredForm) {
	host, ok := p.lookupHost(lf)
	if !ok {
		return
	}
	spec, _ := stringArg(lf, "spec")
	interrupting := true
	if a, ok := lf.Arg("interrupting"); ok {
		if v, ok := a.Value.AsBool(); ok {
			interrupting = v
		}
	}
	cycle := false
	if a, ok := lf.Arg("cycle"); ok {
		if v, ok := a.Value.AsBool(); ok {
			cycle = v
		}
	}
	id := p.b.NextID("btimer")
	if err := p.b.AttachBoundaryTimer(id, host, spec, interrupting, cycle); err != nil {
		p.fail(lf.Sp, "%s", err.Error())
		return
	}
	p.planEscalation(lf, id)
}

func (p *planState) planBoundaryError(lf *lowering.LoweredForm) {
	host, ok := p.lookupHost(lf)
	if !ok {
		return
	}
	errorCode, _ := stringArg(lf, "error-code")
	id := p.b.NextID("berror")
	if err := p.b.AttachBoundaryError(id, host, errorCode); err != nil {
		p.fail(lf.Sp, "%s", err.Error())
		return
	}
	p.planEscalation(lf, id)
}

func (p *planState) planEscalation(lf *lowering.LoweredForm, boundaryID string) {
	a, ok := lf.Arg("escalation")
	if !ok {
		p.fail(lf.Sp, "%s requires :escalation", lf.Head)
		return
	}
	elems, err := listElems(a.Raw)
	if err != nil {
		p.fail(a.Sp, "%s", err)
		return
	}
	forms, err := p.lowerForms(elems)
	if err != nil {
		p.fail(a.Sp, "%s", err)
		return
	}
	if len(forms) == 0 {
		p.fail(a.Sp, "escalation must have at least one form")
		return
	}
	head, _ := p.planChain(forms, "")
	if head == "" {
		p.fail(a.Sp, "escalation produces no node to attach")
		return
	}
	p.g.AddEdge(boundaryID, head, "")
}

func (p *planState) lookupHost(lf *lowering.LoweredForm) (string, bool) {
	a, ok := lf.Arg("host")
	if !ok {
		p.fail(lf.Sp, "%s requires :host", lf.Head)
		return "", false
	}
	name, ok := a.Value.AsRef()
	if !ok {
		p.fail(a.Sp, ":host must be a binding reference")
		return "", false
	}
	id, ok := p.b.Lookup(name)
	if !ok {
		p.fail(a.Sp, "unbound :host reference @%s", name)
		return "", false
	}
	return id, true
}

func (p *planState) lowerBody(n parser.Node) ([]*lowering.LoweredForm, error) {
	elems, err := listElems(n)
	if err != nil {
		return nil, err
	}
	return p.lowerForms(elems)
}

func (p *planState) lowerForms(nodes []parser.Node) ([]*lowering.LoweredForm, error) {
	out := make([]*lowering.LoweredForm, 0, len(nodes))
	for _, n := range nodes {
		vf, ok := n.(*parser.VerbForm)
		if !ok {
			return nil, fmt.Errorf("branch/case elements must be verb forms")
		}
		lf, errs := lowering.LowerForm(vf)
		for _, e := range errs {
			p.errs = append(p.errs, &Error{Message: e.Message, Sp: e.Sp})
		}
		if lf != nil {
			out = append(out, lf)
		}
	}
	return out, nil
}

func listElems(n parser.Node) ([]parser.Node, error) {
	lst, ok := n.(*parser.ListLit)
	if !ok {
		return nil, fmt.Errorf("expected a list literal")
	}
	return lst.Elems, nil
}

// caseCondition reads a case's leading discriminator: the bare symbol
// `default` for the unconditional branch, or a string/symbol flag
// reference (e.g. "f3") for a guarded one.
func caseCondition(n parser.Node) (string, error) {
	atom, ok := n.(*parser.Atom)
	if !ok {
		return "", fmt.Errorf("case condition must be `default` or a flag reference")
	}
	if atom.Kind == lexer.Symbol && atom.Text == "default" {
		return "", nil
	}
	if atom.Kind == lexer.String || atom.Kind == lexer.Symbol {
		return atom.Text, nil
	}
	return "", fmt.Errorf("case condition must be `default` or a flag reference")
}

func explicitOrNextID(b *ir.Builder, lf *lowering.LoweredForm, prefix string) string {
	if a, ok := lf.Arg("id"); ok {
		if s, ok := a.Value.AsString(); ok && s != "" {
			return s
		}
	}
	return b.NextID(prefix)
}

func stringArg(lf *lowering.LoweredForm, name string) (string, bool) {
	a, ok := lf.Arg(name)
	if !ok {
		return "", false
	}
	return a.Value.AsString()
}

func intArg(lf *lowering.LoweredForm, name string) (int64, bool) {
	a, ok := lf.Arg(name)
	if !ok {
		return 0, false
	}
	return a.Value.AsInt()
}

func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
