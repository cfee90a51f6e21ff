package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oriys/bplrt/internal/lexer"
)

// Print renders a Node back to surface text. Parse(Print(n)) reproduces an
// AST equal to n modulo insignificant whitespace and diagnostics (which are
// derived, not source, information).
func Print(n Node) string {
	var sb strings.Builder
	write(&sb, n)
	return sb.String()
}

// PrintProgram renders a sequence of top-level forms, one per line.
func PrintProgram(forms []Node) string {
	lines := make([]string, len(forms))
	for i, f := range forms {
		lines[i] = Print(f)
	}
	return strings.Join(lines, "\n")
}

func write(sb *strings.Builder, n Node) {
	switch v := n.(type) {
	case *Atom:
		writeAtom(sb, v)
	case *ListLit:
		sb.WriteByte('[')
		for i, e := range v.Elems {
			if i > 0 {
				sb.WriteByte(' ')
			}
			write(sb, e)
		}
		sb.WriteByte(']')
	case *MapLit:
		sb.WriteByte('{')
		for i, k := range v.Keys {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteByte(':')
			sb.WriteString(k)
			sb.WriteByte(' ')
			write(sb, v.Values[i])
		}
		sb.WriteByte('}')
	case *VerbForm:
		sb.WriteByte('(')
		sb.WriteString(v.HeadText)
		for _, a := range v.Args {
			sb.WriteByte(' ')
			sb.WriteByte(':')
			sb.WriteString(a.Name)
			sb.WriteByte(' ')
			write(sb, a.Value)
		}
		sb.WriteByte(')')
	}
}

func writeAtom(sb *strings.Builder, a *Atom) {
	switch a.Kind {
	case lexer.String:
		sb.WriteString(strconv.Quote(a.Text))
	case lexer.EntityRef:
		sb.WriteByte('<')
		sb.WriteString(a.Text)
		sb.WriteByte('>')
	case lexer.BindingRef:
		sb.WriteByte('@')
		sb.WriteString(a.Text)
	case lexer.Int, lexer.Float, lexer.Bool, lexer.Symbol:
		sb.WriteString(a.Text)
	default:
		sb.WriteString(fmt.Sprint(a.Val))
	}
}
