package parser

import (
	"fmt"

	"github.com/oriys/bplrt/internal/lexer"
	"github.com/oriys/bplrt/internal/registry"
)

// Parser consumes a token stream against a verb registry.
type Parser struct {
	toks []lexer.Token
	pos  int
	reg  *registry.Registry
	errs []*Error
}

// New creates a Parser over an already-lexed token stream.
func New(toks []lexer.Token, reg *registry.Registry) *Parser {
	return &Parser{toks: toks, reg: reg}
}

// Parse lexes and parses src as a sequence of top-level forms. It returns
// every form successfully parsed and the full list of fatal errors
// encountered; callers should treat a non-empty error list as a compile
// failure regardless of how many forms parsed.
func Parse(src string, reg *registry.Registry) ([]Node, []*Error) {
	toks, err := lexer.Tokenize(src)
	if err != nil {
		lerr := err.(*lexer.Error)
		return nil, []*Error{{Message: lerr.Message, Sp: lerr.Span}}
	}
	p := New(toks, reg)
	return p.ParseProgram()
}

// ParseProgram parses a sequence of top-level forms until EOF.
func (p *Parser) ParseProgram() ([]Node, []*Error) {
	var forms []Node
	for p.cur().Kind != lexer.EOF {
		form, ok := p.parseFormRecover()
		if ok {
			forms = append(forms, form)
		}
	}
	return forms, p.errs
}

func (p *Parser) cur() lexer.Token  { return p.toks[p.pos] }
func (p *Parser) advance() lexer.Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) addErr(e *Error) { p.errs = append(p.errs, e) }

// parseFormRecover parses one top-level form, and on failure resynchronizes
// by skipping to the next top-level '(' or EOF so that subsequent forms in
// the same source can still be checked and reported in one pass.
func (p *Parser) parseFormRecover() (Node, bool) {
	startPos := p.pos
	n, err := p.parseNode()
	if err == nil {
		return n, true
	}
	p.addErr(err)
	if p.pos == startPos {
		p.advance()
	}
	// Start from the nesting depth reached inside the failed form, so only a
	// '(' back at top level ends the skip.
	depth := 0
	for _, t := range p.toks[startPos:p.pos] {
		switch t.Kind {
		case lexer.LParen:
			depth++
		case lexer.RParen:
			depth--
		}
	}
	if depth < 0 {
		depth = 0
	}
	for p.cur().Kind != lexer.EOF {
		switch p.cur().Kind {
		case lexer.LParen:
			if depth == 0 {
				return nil, false
			}
			depth++
		case lexer.RParen:
			depth--
		}
		p.advance()
	}
	return nil, false
}

func (p *Parser) parseNode() (Node, *Error) {
	switch p.cur().Kind {
	case lexer.LParen:
		return p.parseVerbForm()
	case lexer.LBracket:
		return p.parseList()
	case lexer.LBrace:
		return p.parseMap()
	case lexer.String, lexer.Int, lexer.Float, lexer.Bool, lexer.Symbol, lexer.EntityRef, lexer.BindingRef:
		return p.parseAtom()
	default:
		tok := p.cur()
		return nil, &Error{Message: fmt.Sprintf("unexpected token %s", tok.Kind), Sp: tok.Span}
	}
}

func (p *Parser) parseAtom() (Node, *Error) {
	tok := p.advance()
	var val any
	switch tok.Kind {
	case lexer.String:
		val = tok.Text
	case lexer.Int:
		var i int64
		if _, err := fmt.Sscanf(tok.Text, "%d", &i); err != nil {
			return nil, &Error{Message: "invalid integer literal " + tok.Text, Sp: tok.Span}
		}
		val = i
	case lexer.Float:
		var f float64
		if _, err := fmt.Sscanf(tok.Text, "%g", &f); err != nil {
			return nil, &Error{Message: "invalid float literal " + tok.Text, Sp: tok.Span}
		}
		val = f
	case lexer.Bool:
		val = tok.Text == "true"
	case lexer.Symbol, lexer.EntityRef, lexer.BindingRef:
		val = tok.Text
	}
	return &Atom{Kind: tok.Kind, Text: tok.Text, Val: val, Sp: tok.Span}, nil
}

func (p *Parser) parseList() (Node, *Error) {
	open := p.advance() // '['
	var elems []Node
	for p.cur().Kind != lexer.RBracket {
		if p.cur().Kind == lexer.EOF {
			return nil, &Error{Message: "unterminated list", Sp: open.Span}
		}
		n, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		elems = append(elems, n)
	}
	closeTok := p.advance() // ']'
	return &ListLit{Elems: elems, Sp: lexer.Span{Start: open.Span.Start, End: closeTok.Span.End, Line: open.Span.Line}}, nil
}

func (p *Parser) parseMap() (Node, *Error) {
	open := p.advance() // '{'
	var keys []string
	var vals []Node
	for p.cur().Kind != lexer.RBrace {
		if p.cur().Kind == lexer.EOF {
			return nil, &Error{Message: "unterminated map", Sp: open.Span}
		}
		if p.cur().Kind != lexer.Keyword {
			return nil, &Error{Message: "expected keyword key in map literal", Sp: p.cur().Span, Expected: []string{"keyword"}}
		}
		keyTok := p.advance()
		v, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		keys = append(keys, keyTok.Text)
		vals = append(vals, v)
	}
	closeTok := p.advance() // '}'
	return &MapLit{Keys: keys, Values: vals, Sp: lexer.Span{Start: open.Span.Start, End: closeTok.Span.End, Line: open.Span.Line}}, nil
}

// parseVerbForm parses `(head arg...)`, resolving head against the
// registry and assigning subsequent bare tokens to keyword args via
// positional sugar, per §4.1/§4.2.
func (p *Parser) parseVerbForm() (Node, *Error) {
	open := p.advance() // '('
	if p.cur().Kind != lexer.Symbol {
		return nil, &Error{Message: "expected verb symbol", Sp: p.cur().Span, Expected: []string{"symbol"}}
	}
	headTok := p.advance()
	form := &VerbForm{HeadText: headTok.Text}

	res := p.reg.Resolve(headTok.Text)
	switch res.Kind {
	case registry.Exact:
		form.Head = res.Spec.Name
		form.Spec = res.Spec
	case registry.AliasMatch:
		form.Head = res.Spec.Name
		form.Spec = res.Spec
		form.Diagnostics = append(form.Diagnostics, Diagnostic{
			Kind: DiagAliasUsed, Message: fmt.Sprintf("%q is an alias for %q", res.Alias, res.Spec.Name), Sp: headTok.Span,
		})
	case registry.AmbiguousMatch:
		return nil, &Error{
			Message:     fmt.Sprintf("ambiguous verb alias %q", headTok.Text),
			Sp:          headTok.Span,
			Suggestions: res.Suggestions,
		}
	case registry.NotFoundMatch:
		return nil, &Error{
			Message:     fmt.Sprintf("unknown verb %q", headTok.Text),
			Sp:          headTok.Span,
			Suggestions: res.Suggestions,
		}
	}

	positionalIdx := 0
	for p.cur().Kind != lexer.RParen {
		if p.cur().Kind == lexer.EOF {
			return nil, &Error{Message: "unterminated verb form", Sp: open.Span}
		}
		if p.cur().Kind == lexer.Keyword {
			keyTok := p.advance()
			valNode, err := p.parseNode()
			if err != nil {
				return nil, err
			}
			canon, ok := form.Spec.CanonicalArgName(keyTok.Text)
			if !ok {
				form.Diagnostics = append(form.Diagnostics, Diagnostic{
					Kind: DiagUnknownArgument, Message: fmt.Sprintf("unknown argument :%s for verb %q", keyTok.Text, form.Head), Sp: keyTok.Span,
				})
				form.Args = append(form.Args, Arg{Name: keyTok.Text, Value: valNode, Sp: valNode.Span()})
				continue
			}
			if canon != keyTok.Text {
				form.Diagnostics = append(form.Diagnostics, Diagnostic{
					Kind: DiagKeywordAliasExpanded, Message: fmt.Sprintf(":%s expanded to canonical :%s", keyTok.Text, canon), Sp: keyTok.Span,
				})
			}
			form.Args = append(form.Args, Arg{Name: canon, Value: valNode, Shape: shapeFor(form.Spec, canon), Sp: valNode.Span()})
			continue
		}

		// Bare token: positional sugar.
		valNode, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		if positionalIdx >= len(form.Spec.PositionalSugar) {
			return nil, &Error{
				Message: fmt.Sprintf("too many positional arguments for verb %q", form.Head),
				Sp:      valNode.Span(),
			}
		}
		argName := form.Spec.PositionalSugar[positionalIdx]
		positionalIdx++
		form.Diagnostics = append(form.Diagnostics, Diagnostic{
			Kind: DiagPositionalSugarApplied, Message: fmt.Sprintf("positional argument assigned to :%s", argName), Sp: valNode.Span(),
		})
		form.Args = append(form.Args, Arg{Name: argName, Value: valNode, Shape: shapeFor(form.Spec, argName), Sp: valNode.Span()})
	}
	closeTok := p.advance() // ')'
	form.Sp = lexer.Span{Start: open.Span.Start, End: closeTok.Span.End, Line: open.Span.Line}

	if err := p.checkRequired(form); err != nil {
		return nil, err
	}
	return form, nil
}

func shapeFor(spec *registry.VerbSpec, argName string) registry.ArgShape {
	for _, a := range spec.Args {
		if a.Name == argName {
			return a.Shape
		}
	}
	return registry.ShapeString
}

func (p *Parser) checkRequired(form *VerbForm) *Error {
	have := make(map[string]bool, len(form.Args))
	for _, a := range form.Args {
		have[a.Name] = true
	}
	var missing []string
	for _, req := range form.Spec.RequiredArgs() {
		if !have[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return &Error{
			Message:  fmt.Sprintf("missing required argument(s) for verb %q", form.Head),
			Sp:       form.Sp,
			Expected: missing,
		}
	}
	return nil
}
