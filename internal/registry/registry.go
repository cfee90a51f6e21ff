// Package registry holds the canonical verb catalog: the schema each verb
// form in the surface DSL must conform to, keyed by fully-qualified
// "domain.action" name. The registry is data, not code — lowering is a
// table-driven walk over VerbSpecs, never a dispatch table keyed by verb
// name baked into the engine.
package registry

import "fmt"

// ArgShape names the accepted shape of a verb argument value.
type ArgShape uint8

const (
	ShapeString ArgShape = iota
	ShapeInt
	ShapeFloat
	ShapeBool
	ShapeUUID
	ShapeEntityRef
	ShapeBindingRef
	ShapeListOf
	ShapeEnum
	ShapeMap
	ShapeDecimal
)

func (s ArgShape) String() string {
	switch s {
	case ShapeString:
		return "string"
	case ShapeInt:
		return "int"
	case ShapeFloat:
		return "float"
	case ShapeBool:
		return "bool"
	case ShapeUUID:
		return "uuid"
	case ShapeEntityRef:
		return "entity-ref"
	case ShapeBindingRef:
		return "binding-ref"
	case ShapeListOf:
		return "list-of"
	case ShapeEnum:
		return "enum"
	case ShapeMap:
		return "map"
	case ShapeDecimal:
		return "decimal"
	default:
		return "unknown"
	}
}

// ArgSpec describes one argument a verb accepts.
type ArgSpec struct {
	Name     string
	Shape    ArgShape
	Required bool
	// Lookup marks this arg as an entity keyword for editor-side symbol
	// resolution; opaque to the compiler itself.
	Lookup bool
	// Of is the element shape when Shape == ShapeListOf.
	Of ArgShape
	// EnumValues lists the accepted values when Shape == ShapeEnum.
	EnumValues []string
}

// FlowRole tells the planner which ir.Graph construction routine a verb
// lowers to, so that translation stays table-driven off the VerbSpec
// instead of switching on verb name (§9 "dynamic dispatch over verbs").
// The zero value, FlowService, covers the overwhelming majority of verbs:
// ordinary business/service-task activities.
type FlowRole uint8

const (
	// FlowService lowers to a plain ir.ServiceTask; TaskType is the verb's
	// canonical Name.
	FlowService FlowRole = iota
	// FlowHumanWait lowers to an ir.HumanWait.
	FlowHumanWait
	// FlowFork opens a diverging/converging ir.GatewayAnd pair around a
	// ":branches" list-of-forms argument.
	FlowFork
	// FlowXor opens a diverging/converging ir.GatewayXor pair around a
	// ":cases" list-of-forms argument; exactly one case must be unguarded
	// (the default).
	FlowXor
	// FlowInclusive opens a diverging/converging ir.GatewayInclusive pair
	// around a ":cases" list-of-forms argument.
	FlowInclusive
	// FlowEnd lowers to an ir.End and terminates its chain.
	FlowEnd
	// FlowBoundaryTimer lowers to an ir.BoundaryTimer attached to a ":host"
	// binding, with an ":escalation" list-of-forms as its outgoing path.
	FlowBoundaryTimer
	// FlowBoundaryError lowers to an ir.BoundaryError attached to a ":host"
	// binding, with an ":escalation" list-of-forms as its outgoing path.
	FlowBoundaryError
)

// VerbSpec is the full schema for one verb.
type VerbSpec struct {
	// Name is the canonical "domain.action" form.
	Name string
	Args []ArgSpec
	// Flow tells the planner how to lower this verb into the IR graph.
	Flow FlowRole
	// PositionalSugar lists arg names in the order bare (non-keyword)
	// tokens following the head symbol are assigned to.
	PositionalSugar []string
	// KeywordAliases maps an alternate keyword spelling to the canonical
	// arg name (e.g. "to" -> "recipient").
	KeywordAliases map[string]string
	// VerbAliases lists alternate head-symbol spellings that resolve to
	// this verb.
	VerbAliases []string
	// InvocationPhrases are natural-language phrasings used only by
	// external NL collaborators; never consulted by the core.
	InvocationPhrases []string
	// DomainTag classifies the verb (e.g. "communication", "compliance").
	DomainTag string
	// CrudAsset names the durable object this verb mutates, if any.
	CrudAsset string
	// BoundedIteration marks this verb as one of the (at most two)
	// verbs the compiler is permitted to emit BrCounterLt for.
	BoundedIteration bool
}

// withAs returns specs with an implicit optional ":as @symbol" binding-
// capture argument appended to every verb that doesn't already declare one,
// per §4.3 ("a pool of name -> node-id bindings for :as @symbol captures").
// Verbs that reference an earlier node (boundary events) do so through
// their own ":host" argument; they receive the ":as" argument too, like
// every other verb without one.
func withAs(specs []*VerbSpec) []*VerbSpec {
	for _, s := range specs {
		if _, ok := s.argByName("as"); ok {
			continue
		}
		s.Args = append(s.Args, ArgSpec{Name: "as", Shape: ShapeBindingRef, Required: false})
	}
	return specs
}

func (s *VerbSpec) argByName(name string) (ArgSpec, bool) {
	for _, a := range s.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgSpec{}, false
}

// RequiredArgs returns the names of all required args.
func (s *VerbSpec) RequiredArgs() []string {
	var out []string
	for _, a := range s.Args {
		if a.Required {
			out = append(out, a.Name)
		}
	}
	return out
}

// CanonicalArgName resolves a possibly-aliased keyword to its canonical arg
// name, or returns it unchanged (with ok=false) if no alias or arg matches.
func (s *VerbSpec) CanonicalArgName(keyword string) (canonical string, ok bool) {
	if _, direct := s.argByName(keyword); direct {
		return keyword, true
	}
	if canon, aliased := s.KeywordAliases[keyword]; aliased {
		return canon, true
	}
	return keyword, false
}

// Resolution is the outcome of resolving a head symbol against the
// registry.
type Resolution struct {
	Kind       ResolutionKind
	Spec       *VerbSpec
	Alias      string
	Candidates []*VerbSpec
	Input      string
	Suggestions []string
}

// ResolutionKind distinguishes the four possible outcomes of §4.2
// resolution.
type ResolutionKind uint8

const (
	Exact ResolutionKind = iota
	AliasMatch
	AmbiguousMatch
	NotFoundMatch
)

// AmbiguityError reports that a head symbol resolved to more than one
// VerbSpec via overlapping aliases. Ambiguity is always a compile error.
type AmbiguityError struct {
	Alias      string
	Candidates []string
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("ambiguous verb alias %q: candidates %v", e.Alias, e.Candidates)
}

// Registry is the process-wide, read-mostly verb catalog. Once built it is
// treated as immutable; concurrent lookups are safe without locking.
type Registry struct {
	byName  map[string]*VerbSpec
	byAlias map[string][]*VerbSpec
}

// New builds a Registry from a set of verb specs, indexing both canonical
// names and declared aliases.
func New(specs []*VerbSpec) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]*VerbSpec, len(specs)),
		byAlias: make(map[string][]*VerbSpec),
	}
	for _, s := range specs {
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate verb name %q", s.Name)
		}
		r.byName[s.Name] = s
	}
	for _, s := range specs {
		for _, alias := range s.VerbAliases {
			r.byAlias[alias] = append(r.byAlias[alias], s)
		}
	}
	return r, nil
}

// Resolve implements the §4.2 resolution algorithm for a bare head symbol.
func (r *Registry) Resolve(head string) Resolution {
	if spec, ok := r.byName[head]; ok {
		return Resolution{Kind: Exact, Spec: spec}
	}
	if cands, ok := r.byAlias[head]; ok {
		if len(cands) == 1 {
			return Resolution{Kind: AliasMatch, Spec: cands[0], Alias: head}
		}
		names := make([]string, len(cands))
		for i, c := range cands {
			names[i] = c.Name
		}
		return Resolution{Kind: AmbiguousMatch, Alias: head, Candidates: cands, Suggestions: names}
	}
	return Resolution{Kind: NotFoundMatch, Input: head, Suggestions: r.suggest(head)}
}

// suggest returns canonical names within a small edit-distance window of
// the unresolved input, for structured parse-error feedback.
func (r *Registry) suggest(input string) []string {
	var out []string
	for name := range r.byName {
		if levenshtein(name, input) <= 2 {
			out = append(out, name)
		}
	}
	return out
}

func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

// Get returns the VerbSpec for a canonical name, if present.
func (r *Registry) Get(name string) (*VerbSpec, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// All returns every registered VerbSpec, for tooling (editor completion,
// doc generation) that must enumerate the catalog.
func (r *Registry) All() []*VerbSpec {
	out := make([]*VerbSpec, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	return out
}
