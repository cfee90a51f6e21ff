// Package parser turns a lexer token stream into a schema-driven AST of
// verb forms. The parser consults a verb registry after reading each head
// symbol to decide how subsequent bare tokens are assigned to arguments.
package parser

import (
	"github.com/oriys/bplrt/internal/lexer"
	"github.com/oriys/bplrt/internal/registry"
)

// Node is any AST value: an Atom, a VerbForm, a ListLit, or a MapLit.
type Node interface {
	Span() lexer.Span
	node()
}

// Atom is a leaf value: string, int, float, bool, entity ref, binding ref,
// or bare symbol.
type Atom struct {
	Kind lexer.Kind
	Text string
	Val  any // decoded Go value: string, int64, float64, bool
	Sp   lexer.Span
}

func (a *Atom) Span() lexer.Span { return a.Sp }
func (*Atom) node()              {}

// ListLit is a bracketed list literal: [a b c].
type ListLit struct {
	Elems []Node
	Sp    lexer.Span
}

func (l *ListLit) Span() lexer.Span { return l.Sp }
func (*ListLit) node()              {}

// MapLit is a brace map literal: {:k v :k2 v2}.
type MapLit struct {
	Keys   []string
	Values []Node
	Sp     lexer.Span
}

func (m *MapLit) Span() lexer.Span { return m.Sp }
func (*MapLit) node()              {}

// Arg is one resolved keyword argument of a VerbForm, after positional
// sugar and keyword-alias expansion.
type Arg struct {
	Name  string // canonical arg name
	Value Node
	Shape registry.ArgShape // expected shape, from the VerbSpec, for later validation
	Sp    lexer.Span        // span of the argument's value token(s)
}

// VerbForm is `(verb :key value ...)`: the core unit of the surface
// language. Head is the canonical verb name after alias resolution; a head
// that does not resolve is reported as a fatal Error and yields no VerbForm.
type VerbForm struct {
	HeadText string // as written in source
	Head     string // canonical resolved name, "" if unresolved
	Spec     *registry.VerbSpec
	Args     []Arg
	Sp       lexer.Span
	// Diagnostics are non-fatal notes attached to this node: alias used,
	// positional sugar applied, keyword alias expanded, unknown argument,
	// implicit coercion. Preserved downstream for tooling.
	Diagnostics []Diagnostic
}

func (v *VerbForm) Span() lexer.Span { return v.Sp }
func (*VerbForm) node()              {}

// DiagnosticKind classifies a non-fatal parse-time note.
type DiagnosticKind uint8

const (
	DiagAliasUsed DiagnosticKind = iota
	DiagPositionalSugarApplied
	DiagKeywordAliasExpanded
	DiagUnknownArgument
	DiagImplicitCoercion
)

func (k DiagnosticKind) String() string {
	switch k {
	case DiagAliasUsed:
		return "alias-used"
	case DiagPositionalSugarApplied:
		return "positional-sugar-applied"
	case DiagKeywordAliasExpanded:
		return "keyword-alias-expanded"
	case DiagUnknownArgument:
		return "unknown-argument"
	case DiagImplicitCoercion:
		return "implicit-coercion"
	default:
		return "unknown"
	}
}

// Diagnostic is a non-fatal note attached to an AST node.
type Diagnostic struct {
	Kind    DiagnosticKind
	Message string
	Sp      lexer.Span
}
