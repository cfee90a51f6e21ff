package registry

// Builtin returns the small built-in catalog used by the test harness and
// golden scenarios: a handful of service-task verbs covering the shapes
// exercised by §8's worked examples, plus the two bounded-iteration verbs
// permitted to compile to BrCounterLt.
func Builtin() *Registry {
	specs := []*VerbSpec{
		{
			Name: "comms.send-email",
			Args: []ArgSpec{
				{Name: "recipient", Shape: ShapeEntityRef, Required: true, Lookup: true},
				{Name: "subject", Shape: ShapeString, Required: true},
				{Name: "template", Shape: ShapeString, Required: false},
			},
			PositionalSugar: []string{"recipient", "subject"},
			KeywordAliases:  map[string]string{"to": "recipient"},
			VerbAliases:     []string{"send-email"},
			DomainTag:       "communication",
			CrudAsset:       "email_dispatch",
		},
		{
			Name: "risk.classify",
			Args: []ArgSpec{
				{Name: "subject", Shape: ShapeEntityRef, Required: true, Lookup: true},
			},
			PositionalSugar: []string{"subject"},
			VerbAliases:     []string{"classify"},
			DomainTag:       "compliance",
			CrudAsset:       "risk_classification",
		},
		{
			Name: "demo.emit-greeting",
			Args: []ArgSpec{
				{Name: "name", Shape: ShapeString, Required: false},
			},
			PositionalSugar: []string{"name"},
			VerbAliases:     []string{"emit-greeting"},
			DomainTag:       "demo",
		},
		{
			Name: "onboarding.collect-document",
			Args: []ArgSpec{
				{Name: "subject", Shape: ShapeEntityRef, Required: true, Lookup: true},
				{Name: "document-type", Shape: ShapeEnum, Required: true,
					EnumValues: []string{"passport", "utility-bill", "articles-of-incorporation"}},
			},
			PositionalSugar: []string{"subject", "document-type"},
			KeywordAliases:  map[string]string{"kind": "document-type"},
			VerbAliases:     []string{"collect-document"},
			DomainTag:       "onboarding",
			CrudAsset:       "kyc_document",
		},
		{
			Name: "onboarding.retry-verification",
			Args: []ArgSpec{
				{Name: "counter", Shape: ShapeInt, Required: true},
				{Name: "limit", Shape: ShapeInt, Required: true},
			},
			PositionalSugar:  []string{"counter", "limit"},
			VerbAliases:      []string{"retry-verification"},
			DomainTag:        "onboarding",
			BoundedIteration: true,
		},
		{
			Name: "onboarding.poll-document-status",
			Args: []ArgSpec{
				{Name: "counter", Shape: ShapeInt, Required: true},
				{Name: "limit", Shape: ShapeInt, Required: true},
			},
			PositionalSugar:  []string{"counter", "limit"},
			VerbAliases:      []string{"poll-document-status"},
			DomainTag:        "onboarding",
			BoundedIteration: true,
		},
	}
	r, err := New(withAs(specs))
	if err != nil {
		// Built-in specs are a compile-time constant; a duplicate name
		// here is a programmer error, not a runtime condition.
		panic(err)
	}
	return r
}

// Default is the registry a real bplc invocation compiles against: the
// business catalog plus the control-flow verb vocabulary the planner
// understands. Built-in tests intentionally use the narrower Builtin()
// catalog so golden fixtures aren't perturbed by control verbs they never
// exercise.
func Default() *Registry {
	specs := append(Builtin().All(), ControlFlow().All()...)
	r, err := New(specs)
	if err != nil {
		panic(err)
	}
	return r
}
