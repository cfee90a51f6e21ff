// Package bytecode defines the linear instruction set the compiler emits
// and the content-addressed CompiledProgram container.
package bytecode

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/oriys/bplrt/internal/value"
)

// Op identifies an instruction opcode.
type Op uint8

const (
	OpLoadConst Op = iota
	OpLoadFlag
	OpStoreFlag
	OpJump
	OpBrIf
	OpBrIfNot
	OpReturn
	OpBrCounterLt
	OpEmitJob
	OpAwaitTimer
	OpAwaitCorrelation
	OpFork
	OpJoinArrive
	OpIncident
)

func (o Op) String() string {
	switch o {
	case OpLoadConst:
		return "LoadConst"
	case OpLoadFlag:
		return "LoadFlag"
	case OpStoreFlag:
		return "StoreFlag"
	case OpJump:
		return "Jump"
	case OpBrIf:
		return "BrIf"
	case OpBrIfNot:
		return "BrIfNot"
	case OpReturn:
		return "Return"
	case OpBrCounterLt:
		return "BrCounterLt"
	case OpEmitJob:
		return "EmitJob"
	case OpAwaitTimer:
		return "AwaitTimer"
	case OpAwaitCorrelation:
		return "AwaitCorrelation"
	case OpFork:
		return "Fork"
	case OpJoinArrive:
		return "JoinArrive"
	case OpIncident:
		return "Incident"
	default:
		return "Unknown"
	}
}

// Addr is an instruction address: its index in CompiledProgram.Instrs.
type Addr uint32

// Severity classifies an Incident instruction's raised incident.
type Severity uint8

const (
	Retriable Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "Fatal"
	}
	return "Retriable"
}

// Instr is one bytecode instruction. Only the fields relevant to Op are
// populated.
type Instr struct {
	Op Op

	Const value.Value        // LoadConst
	Flag  value.FlagKey       // LoadFlag, StoreFlag

	Target Addr // Jump, BrIf, BrIfNot

	Counter value.FlagKey // BrCounterLt
	Limit   value.FlagKey // BrCounterLt (reads limit from a flag, per §4.6 flag-key-space requirement)

	TaskType     string   // EmitJob
	ServiceTaskID string  // EmitJob: origin element id, used to derive job_key
	Inputs       []value.FlagKey // EmitJob: flags forwarded as job input

	TimerSpec string // AwaitTimer

	CorrelationName string        // AwaitCorrelation
	CorrelationKey  value.FlagKey // AwaitCorrelation

	FiberEntries []Addr // Fork
	JoinID       string // Fork (join this fork's children target), JoinArrive
	Expected     int    // JoinArrive: static fan_in; <0 means "token-counted" (inclusive join)

	Code     string   // Incident
	SeverityV Severity // Incident

	// ElementID is the originating IR node, duplicated from the debug map
	// onto the instruction itself for convenient interpreter-side incident
	// attribution.
	ElementID string
}

// CompiledProgram is the compiler's sole output artifact: an ordered
// instruction sequence, an entry address, named fiber entry points, a debug
// map, a boundary-event index, and the content-addressed version.
type CompiledProgram struct {
	Instrs       []Instr
	Entry        Addr
	FiberEntries map[string]Addr // fiber name -> entry address
	DebugMap     map[Addr]string // addr -> origin element id
	Boundary     BoundaryIndex
	// TerminateEnds is the set of End element ids built with terminate=true
	// (§3's glossary: an End that cancels sibling activity on arrival,
	// rather than merely retiring its own fiber). The IR's Terminate flag
	// has no bytecode-instruction representation of its own (every End
	// compiles to a bare Return), so the engine needs this side table to
	// tell the two apart at runtime.
	TerminateEnds map[string]bool
	Version       [32]byte
}

// BoundaryErrorEntry is one compiled boundary-error catch, recorded in the
// order the compiler visited it so the engine can apply §4.7's "first
// matching node, in declaration order" rule without re-reading the IR.
type BoundaryErrorEntry struct {
	ElementID string
	ErrorCode string // empty = catch-all
	Target    Addr
}

// BoundaryTimerEntry is one compiled boundary timer.
type BoundaryTimerEntry struct {
	ElementID    string
	Interrupting bool
	Cycle        bool
	TimerSpec    string
	AwaitAddr    Addr // the AwaitTimer instruction's own address
	Target       Addr // address the timer's outgoing edge resumes at
}

// BoundaryIndex maps each host element id to the boundary events attached
// to it, letting the engine resolve an Incident or a TimerFired without
// re-walking the IR graph at runtime: the engine only ever holds bytecode
// plus this index, never the graph itself, since an instance holds only a
// version reference (§9). It travels inside CompiledProgram so the program
// store persists it under the same content-addressed version.
type BoundaryIndex struct {
	Errors map[string][]BoundaryErrorEntry
	Timers map[string][]BoundaryTimerEntry
}

// ComputeVersion derives the 32-byte content address over the canonical
// instruction encoding, the fiber entry map, and the debug map keys, so
// that two publications of the same (source, registry) pair always produce
// the same version (§6, §8 "compile is a function of (source, registry)").
func (p *CompiledProgram) ComputeVersion() [32]byte {
	h := sha256.New()
	for _, ins := range p.Instrs {
		encodeInstr(h, ins)
	}
	fiberNames := make([]string, 0, len(p.FiberEntries))
	for name := range p.FiberEntries {
		fiberNames = append(fiberNames, name)
	}
	sort.Strings(fiberNames)
	for _, name := range fiberNames {
		h.Write([]byte(name))
		writeUint32(h, uint32(p.FiberEntries[name]))
	}
	debugAddrs := make([]Addr, 0, len(p.DebugMap))
	for a := range p.DebugMap {
		debugAddrs = append(debugAddrs, a)
	}
	sort.Slice(debugAddrs, func(i, j int) bool { return debugAddrs[i] < debugAddrs[j] })
	for _, a := range debugAddrs {
		writeUint32(h, uint32(a))
		h.Write([]byte(p.DebugMap[a]))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeUint32(w interface{ Write([]byte) (int, error) }, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func encodeInstr(w interface{ Write([]byte) (int, error) }, ins Instr) {
	w.Write([]byte{byte(ins.Op)})
	w.Write([]byte(ins.Const.SerializeKey()))
	writeUint32(w, uint32(ins.Flag))
	writeUint32(w, uint32(ins.Target))
	writeUint32(w, uint32(ins.Counter))
	writeUint32(w, uint32(ins.Limit))
	w.Write([]byte(ins.TaskType))
	w.Write([]byte(ins.ServiceTaskID))
	for _, in := range ins.Inputs {
		writeUint32(w, uint32(in))
	}
	w.Write([]byte(ins.TimerSpec))
	w.Write([]byte(ins.CorrelationName))
	writeUint32(w, uint32(ins.CorrelationKey))
	for _, fe := range ins.FiberEntries {
		writeUint32(w, uint32(fe))
	}
	w.Write([]byte(ins.JoinID))
	writeUint32(w, uint32(ins.Expected))
	w.Write([]byte(ins.Code))
	w.Write([]byte{byte(ins.SeverityV)})
	w.Write([]byte(ins.ElementID))
}

// String renders an instruction for debug maps / tracing.
func (ins Instr) String() string {
	switch ins.Op {
	case OpLoadConst:
		return fmt.Sprintf("LoadConst %s", ins.Const)
	case OpLoadFlag:
		return fmt.Sprintf("LoadFlag f%d", ins.Flag)
	case OpStoreFlag:
		return fmt.Sprintf("StoreFlag f%d", ins.Flag)
	case OpJump:
		return fmt.Sprintf("Jump %d", ins.Target)
	case OpBrIf:
		return fmt.Sprintf("BrIf %d", ins.Target)
	case OpBrIfNot:
		return fmt.Sprintf("BrIfNot %d", ins.Target)
	case OpReturn:
		return "Return"
	case OpBrCounterLt:
		return fmt.Sprintf("BrCounterLt f%d<f%d -> %d", ins.Counter, ins.Limit, ins.Target)
	case OpEmitJob:
		return fmt.Sprintf("EmitJob %s", ins.TaskType)
	case OpAwaitTimer:
		return fmt.Sprintf("AwaitTimer %s", ins.TimerSpec)
	case OpAwaitCorrelation:
		return fmt.Sprintf("AwaitCorrelation %s/f%d", ins.CorrelationName, ins.CorrelationKey)
	case OpFork:
		return fmt.Sprintf("Fork %v", ins.FiberEntries)
	case OpJoinArrive:
		return fmt.Sprintf("JoinArrive %s expected=%d", ins.JoinID, ins.Expected)
	case OpIncident:
		return fmt.Sprintf("Incident %s %s", ins.SeverityV, ins.Code)
	default:
		return "?"
	}
}
