package parser

import (
	"fmt"

	"github.com/oriys/bplrt/internal/lexer"
)

// Error is a structured, fatal parse error: lex failure, unexpected or
// unterminated token sequence, unknown verb, ambiguous alias, missing
// required argument, or too many positional arguments. Argument shapes are
// checked later, by internal/lowering. Expected/Suggestions are best-effort
// hints for tooling.
type Error struct {
	Message     string
	Sp          lexer.Span
	Expected    []string
	Suggestions []string
}

func (e *Error) Error() string {
	if len(e.Expected) > 0 {
		return fmt.Sprintf("parse error at %s: %s (expected one of %v)", e.Sp, e.Message, e.Expected)
	}
	return fmt.Sprintf("parse error at %s: %s", e.Sp, e.Message)
}
