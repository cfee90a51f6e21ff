package bytecode

import "fmt"

// VerifyError is a bytecode safety violation (§4.6). A program that fails
// verification must never be stored.
type VerifyError struct {
	Message string
	At      Addr
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("bytecode verify: %s (at %d)", e.Message, e.At)
}

// Verify checks the two §4.6 safety rules: every Jump/BrIf/BrIfNot targets
// a strictly greater address, and BrCounterLt is the only instruction
// permitted to target a lower address, with its counter/limit flags
// present in the program's declared flag key space.
func Verify(p *CompiledProgram, declaredFlags map[uint32]bool) []*VerifyError {
	var errs []*VerifyError
	for i, ins := range p.Instrs {
		addr := Addr(i)
		switch ins.Op {
		case OpJump, OpBrIf, OpBrIfNot:
			if ins.Target <= addr {
				errs = append(errs, &VerifyError{
					Message: fmt.Sprintf("%s targets non-increasing address %d", ins.Op, ins.Target),
					At:      addr,
				})
			}
			if int(ins.Target) >= len(p.Instrs) {
				errs = append(errs, &VerifyError{Message: "branch target out of range", At: addr})
			}
		case OpBrCounterLt:
			if int(ins.Target) >= len(p.Instrs) {
				errs = append(errs, &VerifyError{Message: "BrCounterLt target out of range", At: addr})
				continue
			}
			if declaredFlags != nil {
				if !declaredFlags[uint32(ins.Counter)] {
					errs = append(errs, &VerifyError{Message: "BrCounterLt counter flag not declared in program flag space", At: addr})
				}
				if !declaredFlags[uint32(ins.Limit)] {
					errs = append(errs, &VerifyError{Message: "BrCounterLt limit flag not declared in program flag space", At: addr})
				}
			}
		}
	}
	return errs
}
