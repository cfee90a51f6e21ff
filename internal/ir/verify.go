package ir

import "fmt"

// VerifyError is one structural invariant violation from §4.4.
type VerifyError struct {
	Message   string
	ElementID string
}

func (e *VerifyError) Error() string {
	if e.ElementID != "" {
		return fmt.Sprintf("ir verify: %s (element %s)", e.Message, e.ElementID)
	}
	return fmt.Sprintf("ir verify: %s", e.Message)
}

// Verify checks all nine structural invariants of §4.4 and returns every
// violation found; a non-empty result means the graph must not be
// compiled.
func Verify(g *Graph) []*VerifyError {
	var errs []*VerifyError

	errs = append(errs, verifyStartEnd(g)...)
	errs = append(errs, verifyReachability(g)...)
	errs = append(errs, verifyParallelBalance(g)...)
	errs = append(errs, verifyServiceTasks(g)...)
	errs = append(errs, verifyXorDefaults(g)...)
	errs = append(errs, verifyBoundaryTimers(g)...)
	errs = append(errs, verifyBoundaryErrors(g)...)
	errs = append(errs, verifyInclusiveGateways(g)...)

	return errs
}

// 1 & 2: exactly one Start, at least one End.
func verifyStartEnd(g *Graph) []*VerifyError {
	var errs []*VerifyError
	starts := g.NodesByKind(Start)
	if len(starts) != 1 {
		errs = append(errs, &VerifyError{Message: fmt.Sprintf("expected exactly one Start, found %d", len(starts))})
	}
	if len(g.NodesByKind(End)) == 0 {
		errs = append(errs, &VerifyError{Message: "expected at least one End"})
	}
	return errs
}

// 3: every node reachable from Start or from some boundary event.
func verifyReachability(g *Graph) []*VerifyError {
	reachable := make(map[string]bool)
	var roots []string
	for _, n := range g.Nodes {
		if n.Kind == Start || n.Kind == BoundaryTimer || n.Kind == BoundaryError {
			roots = append(roots, n.ID)
		}
	}
	for _, r := range roots {
		bfs(g, r, reachable)
	}
	var errs []*VerifyError
	for id := range g.Nodes {
		if !reachable[id] {
			errs = append(errs, &VerifyError{Message: "unreachable node", ElementID: id})
		}
	}
	return errs
}

func bfs(g *Graph, start string, visited map[string]bool) {
	if visited[start] {
		return
	}
	visited[start] = true
	for _, e := range g.Out(start) {
		bfs(g, e.To, visited)
	}
}

// 4: diverging and converging parallel gateway counts match.
func verifyParallelBalance(g *Graph) []*VerifyError {
	var diverge, converge int
	for _, n := range g.NodesByKind(GatewayAnd) {
		if n.Direction == Diverging {
			diverge++
		} else {
			converge++
		}
	}
	if diverge != converge {
		return []*VerifyError{{Message: fmt.Sprintf("parallel gateway count mismatch: %d diverging vs %d converging", diverge, converge)}}
	}
	return nil
}

// 5: every ServiceTask has a non-empty task_type.
func verifyServiceTasks(g *Graph) []*VerifyError {
	var errs []*VerifyError
	for _, n := range g.NodesByKind(ServiceTask) {
		if n.TaskType == "" {
			errs = append(errs, &VerifyError{Message: "ServiceTask missing task_type", ElementID: n.ID})
		}
	}
	return errs
}

// 6: every diverging XOR with >1 outgoing edge has exactly one unconditional
// (default) edge.
func verifyXorDefaults(g *Graph) []*VerifyError {
	var errs []*VerifyError
	for _, n := range g.NodesByKind(GatewayXor) {
		out := g.Out(n.ID)
		if len(out) <= 1 {
			continue
		}
		defaults := 0
		for _, e := range out {
			if !e.HasCondition() {
				defaults++
			}
		}
		if defaults != 1 {
			errs = append(errs, &VerifyError{
				Message:   fmt.Sprintf("diverging XOR with %d outgoing edges must have exactly one default, found %d", len(out), defaults),
				ElementID: n.ID,
			})
		}
	}
	return errs
}

// 7: boundary timer cardinality and shape.
func verifyBoundaryTimers(g *Graph) []*VerifyError {
	var errs []*VerifyError
	perHost := map[string]int{}
	for _, n := range g.NodesByKind(BoundaryTimer) {
		host, ok := g.Nodes[n.AttachedTo]
		if !ok || (host.Kind != ServiceTask && host.Kind != HumanWait) {
			errs = append(errs, &VerifyError{Message: "BoundaryTimer attached_to must reference an existing ServiceTask or HumanWait", ElementID: n.ID})
		}
		if n.Cycle && n.Interrupting {
			errs = append(errs, &VerifyError{Message: "cycle timers must be non-interrupting", ElementID: n.ID})
		}
		if len(g.Out(n.ID)) < 1 {
			errs = append(errs, &VerifyError{Message: "BoundaryTimer must have at least one outgoing edge", ElementID: n.ID})
		}
		perHost[n.AttachedTo]++
	}
	for host, count := range perHost {
		if count > 1 {
			errs = append(errs, &VerifyError{Message: "at most one boundary timer per host is permitted in v1", ElementID: host})
		}
	}
	return errs
}

// 8: boundary error cardinality and shape.
func verifyBoundaryErrors(g *Graph) []*VerifyError {
	var errs []*VerifyError
	catchAllPerHost := map[string]int{}
	for _, n := range g.NodesByKind(BoundaryError) {
		host, ok := g.Nodes[n.AttachedTo]
		if !ok || host.Kind != ServiceTask {
			errs = append(errs, &VerifyError{Message: "BoundaryError attached_to must reference an existing ServiceTask", ElementID: n.ID})
		}
		if len(g.Out(n.ID)) != 1 {
			errs = append(errs, &VerifyError{Message: fmt.Sprintf("BoundaryError must have exactly one outgoing edge, found %d", len(g.Out(n.ID))), ElementID: n.ID})
		}
		if n.ErrorCode == "" {
			catchAllPerHost[n.AttachedTo]++
		}
	}
	for host, count := range catchAllPerHost {
		if count > 1 {
			errs = append(errs, &VerifyError{Message: "at most one catch-all BoundaryError per host is permitted", ElementID: host})
		}
	}
	return errs
}

// 9: inclusive gateway shape and v1 cardinality limits.
func verifyInclusiveGateways(g *Graph) []*VerifyError {
	var errs []*VerifyError
	var diverging, converging []*Node
	for _, n := range g.NodesByKind(GatewayInclusive) {
		if n.Direction == Diverging {
			diverging = append(diverging, n)
			if len(g.Out(n.ID)) < 2 {
				errs = append(errs, &VerifyError{Message: "diverging inclusive gateway must have at least 2 outgoing edges", ElementID: n.ID})
			}
		} else {
			converging = append(converging, n)
			if len(g.Out(n.ID)) != 1 {
				errs = append(errs, &VerifyError{Message: "converging inclusive gateway must have exactly 1 outgoing edge", ElementID: n.ID})
			}
			if countIncoming(g, n.ID) < 2 {
				errs = append(errs, &VerifyError{Message: "converging inclusive gateway must have at least 2 incoming edges", ElementID: n.ID})
			}
		}
	}
	if len(diverging) > 1 {
		errs = append(errs, &VerifyError{Message: "at most one diverging inclusive gateway is permitted in v1"})
	}
	if len(converging) > 1 {
		errs = append(errs, &VerifyError{Message: "at most one converging inclusive gateway is permitted in v1"})
	}
	return errs
}

func countIncoming(g *Graph, id string) int {
	count := 0
	for _, edges := range g.OutEdges {
		for _, e := range edges {
			if e.To == id {
				count++
			}
		}
	}
	return count
}
