// Package lowering performs schema-guided AST lowering: it validates each
// parsed VerbForm's argument values against the ArgShape declared by its
// VerbSpec, producing a typed LoweredForm plus accumulated diagnostics.
// Lowering never inspects verb names directly — every decision is driven by
// the VerbSpec the parser already attached to the form (§9 "dynamic
// dispatch over verbs": the core holds no name-keyed dispatch table).
package lowering

import (
	"fmt"

	"github.com/oriys/bplrt/internal/lexer"
	"github.com/oriys/bplrt/internal/parser"
	"github.com/oriys/bplrt/internal/registry"
	"github.com/oriys/bplrt/internal/value"
)

// LoweredArg is one argument after shape validation/coercion.
type LoweredArg struct {
	Name  string
	Shape registry.ArgShape
	Value value.Value
	// Raw retains the original node for arguments whose shape cannot be
	// reduced to a scalar Value (ShapeListOf, ShapeMap).
	Raw parser.Node
	Sp  lexer.Span
}

// LoweredForm is a VerbForm whose arguments have been validated against its
// VerbSpec's ArgShapes.
type LoweredForm struct {
	Head        string
	Spec        *registry.VerbSpec
	Args        map[string]LoweredArg
	Sp          lexer.Span
	Diagnostics []parser.Diagnostic
}

// Arg returns the lowered argument named name, if present.
func (f *LoweredForm) Arg(name string) (LoweredArg, bool) {
	a, ok := f.Args[name]
	return a, ok
}

// Error is a fatal lowering failure: an argument's literal shape does not
// match what its VerbSpec declares.
type Error struct {
	Message string
	Sp      lexer.Span
}

func (e *Error) Error() string { return fmt.Sprintf("lowering error at %s: %s", e.Sp, e.Message) }

// Lower lowers every parsed top-level VerbForm. Non-VerbForm top-level
// nodes are rejected: a program is a sequence of verb invocations.
func Lower(forms []parser.Node) ([]*LoweredForm, []*Error) {
	var out []*LoweredForm
	var errs []*Error
	for _, n := range forms {
		vf, ok := n.(*parser.VerbForm)
		if !ok {
			errs = append(errs, &Error{Message: "top-level program elements must be verb forms", Sp: n.Span()})
			continue
		}
		lf, ferrs := LowerForm(vf)
		errs = append(errs, ferrs...)
		if lf != nil {
			out = append(out, lf)
		}
	}
	return out, errs
}

// LowerForm lowers a single VerbForm.
func LowerForm(vf *parser.VerbForm) (*LoweredForm, []*Error) {
	lf := &LoweredForm{
		Head:        vf.Head,
		Spec:        vf.Spec,
		Args:        make(map[string]LoweredArg, len(vf.Args)),
		Sp:          vf.Sp,
		Diagnostics: vf.Diagnostics,
	}
	var errs []*Error
	for _, a := range vf.Args {
		la, err := lowerArg(a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lf.Args[a.Name] = la
	}
	return lf, errs
}

func lowerArg(a parser.Arg) (LoweredArg, *Error) {
	atom, isAtom := a.Value.(*parser.Atom)
	switch a.Shape {
	case registry.ShapeListOf, registry.ShapeMap:
		return LoweredArg{Name: a.Name, Shape: a.Shape, Raw: a.Value, Sp: a.Sp}, nil
	case registry.ShapeString, registry.ShapeEnum:
		if !isAtom || atom.Kind != lexer.String {
			return LoweredArg{}, &Error{Message: fmt.Sprintf("argument :%s must be a string", a.Name), Sp: a.Sp}
		}
		if a.Shape == registry.ShapeEnum {
			// Enum membership is validated by the caller against its
			// VerbSpec.EnumValues; lowering only fixes the scalar shape.
		}
		return LoweredArg{Name: a.Name, Shape: a.Shape, Value: value.Str(atom.Text), Sp: a.Sp}, nil
	case registry.ShapeInt:
		if !isAtom || atom.Kind != lexer.Int {
			return LoweredArg{}, &Error{Message: fmt.Sprintf("argument :%s must be an integer", a.Name), Sp: a.Sp}
		}
		return LoweredArg{Name: a.Name, Shape: a.Shape, Value: value.Int(atom.Val.(int64)), Sp: a.Sp}, nil
	case registry.ShapeFloat, registry.ShapeDecimal:
		// Value has no float tag (§3: Bool/I64/Str/Ref only); floats and
		// decimals are carried as their exact source text so no precision
		// is lost converting through the runtime value model.
		if isAtom && atom.Kind == lexer.Int {
			return LoweredArg{Name: a.Name, Shape: a.Shape, Value: value.Str(atom.Text), Sp: a.Sp}, nil
		}
		if !isAtom || atom.Kind != lexer.Float {
			return LoweredArg{}, &Error{Message: fmt.Sprintf("argument :%s must be a float", a.Name), Sp: a.Sp}
		}
		return LoweredArg{Name: a.Name, Shape: a.Shape, Value: value.Str(atom.Text), Sp: a.Sp}, nil
	case registry.ShapeBool:
		if !isAtom || atom.Kind != lexer.Bool {
			return LoweredArg{}, &Error{Message: fmt.Sprintf("argument :%s must be a boolean", a.Name), Sp: a.Sp}
		}
		return LoweredArg{Name: a.Name, Shape: a.Shape, Value: value.Bool(atom.Val.(bool)), Sp: a.Sp}, nil
	case registry.ShapeUUID, registry.ShapeEntityRef, registry.ShapeBindingRef:
		wantKind := lexer.EntityRef
		if a.Shape == registry.ShapeBindingRef {
			wantKind = lexer.BindingRef
		}
		if a.Shape == registry.ShapeUUID {
			if !isAtom || atom.Kind != lexer.String {
				return LoweredArg{}, &Error{Message: fmt.Sprintf("argument :%s must be a uuid string", a.Name), Sp: a.Sp}
			}
			return LoweredArg{Name: a.Name, Shape: a.Shape, Value: value.Ref(atom.Text), Sp: a.Sp}, nil
		}
		if !isAtom || atom.Kind != wantKind {
			return LoweredArg{}, &Error{Message: fmt.Sprintf("argument :%s must be a %s", a.Name, wantKind), Sp: a.Sp}
		}
		return LoweredArg{Name: a.Name, Shape: a.Shape, Value: value.Ref(atom.Text), Sp: a.Sp}, nil
	default:
		return LoweredArg{}, &Error{Message: fmt.Sprintf("argument :%s has unrecognized shape", a.Name), Sp: a.Sp}
	}
}
