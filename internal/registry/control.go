package registry

// ControlFlow returns the verb catalog the planner recognizes for
// structuring a program: forks, exclusive/inclusive gateways, terminal
// ends, and boundary events. These carry no DomainTag/CrudAsset — they
// mutate no durable business object, only the graph shape — and their
// Flow field (rather than their Name) drives how the planner lowers them,
// keeping translation table-driven per §9.
//
// Branch/case bodies are nested programs: a ":branches" or ":cases"
// argument is a list literal whose elements are themselves list literals of
// verb forms, parsed by the same schema-driven grammar as the top level
// (§4.1 lists nest arbitrarily). A case's first element is either the bare
// symbol `default` or a string flag reference (e.g. "f3"); the remaining
// elements are its body.
func ControlFlow() *Registry {
	specs := []*VerbSpec{
		{
			Name: "flow.human-wait",
			Flow: FlowHumanWait,
		},
		{
			Name: "flow.end",
			Args: []ArgSpec{
				{Name: "terminate", Shape: ShapeBool, Required: false},
			},
			Flow: FlowEnd,
		},
		{
			Name: "flow.fork",
			Args: []ArgSpec{
				{Name: "id", Shape: ShapeString, Required: false},
				{Name: "branches", Shape: ShapeListOf, Of: ShapeListOf, Required: true},
			},
			Flow: FlowFork,
		},
		{
			Name: "flow.xor",
			Args: []ArgSpec{
				{Name: "id", Shape: ShapeString, Required: false},
				{Name: "cases", Shape: ShapeListOf, Of: ShapeListOf, Required: true},
			},
			Flow: FlowXor,
		},
		{
			Name: "flow.inclusive",
			Args: []ArgSpec{
				{Name: "id", Shape: ShapeString, Required: false},
				{Name: "cases", Shape: ShapeListOf, Of: ShapeListOf, Required: true},
			},
			Flow: FlowInclusive,
		},
		{
			Name: "flow.boundary-timer",
			Args: []ArgSpec{
				{Name: "host", Shape: ShapeBindingRef, Required: true},
				{Name: "spec", Shape: ShapeString, Required: true},
				{Name: "interrupting", Shape: ShapeBool, Required: false},
				{Name: "cycle", Shape: ShapeBool, Required: false},
				{Name: "escalation", Shape: ShapeListOf, Of: ShapeMap, Required: true},
			},
			Flow: FlowBoundaryTimer,
		},
		{
			Name: "flow.boundary-error",
			Args: []ArgSpec{
				{Name: "host", Shape: ShapeBindingRef, Required: true},
				{Name: "error-code", Shape: ShapeString, Required: false},
				{Name: "escalation", Shape: ShapeListOf, Of: ShapeMap, Required: true},
			},
			Flow: FlowBoundaryError,
		},
	}
	r, err := New(withAs(specs))
	if err != nil {
		panic(err)
	}
	return r
}
