package pgstore

import (
	"encoding/json"
	"fmt"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/value"
)

// wireValue is the JSON-serializable mirror of value.Value; value.Value's
// fields are unexported (it is a tagged union presented only through its
// constructors and As* accessors), so codec.go reconstructs it field by
// field on decode rather than relying on struct tags.
type wireValue struct {
	Kind value.Kind `json:"kind"`
	Bool bool       `json:"bool,omitempty"`
	Int  int64      `json:"int,omitempty"`
	Str  string     `json:"str,omitempty"`
}

func encodeValue(v value.Value) wireValue {
	w := wireValue{Kind: v.Kind()}
	switch v.Kind() {
	case value.KindBool:
		w.Bool, _ = v.AsBool()
	case value.KindInt:
		w.Int, _ = v.AsInt()
	case value.KindString:
		w.Str, _ = v.AsString()
	case value.KindRef:
		w.Str, _ = v.AsRef()
	}
	return w
}

func decodeValue(w wireValue) value.Value {
	switch w.Kind {
	case value.KindBool:
		return value.Bool(w.Bool)
	case value.KindInt:
		return value.Int(w.Int)
	case value.KindString:
		return value.Str(w.Str)
	case value.KindRef:
		return value.Ref(w.Str)
	default:
		return value.Value{}
	}
}

// wireFlagMap is FlagMap keyed by its decimal string form, since JSON object
// keys must be strings and FlagKey is a uint32.
type wireFlagMap map[string]wireValue

func encodeFlagMap(f value.FlagMap) wireFlagMap {
	w := make(wireFlagMap, len(f))
	for k, v := range f {
		w[fmt.Sprintf("%d", k)] = encodeValue(v)
	}
	return w
}

func decodeFlagMap(w wireFlagMap) value.FlagMap {
	f := make(value.FlagMap, len(w))
	for k, v := range w {
		var key uint32
		fmt.Sscanf(k, "%d", &key)
		f[value.FlagKey(key)] = decodeValue(v)
	}
	return f
}

func marshalFlagMap(f value.FlagMap) ([]byte, error) {
	return json.Marshal(encodeFlagMap(f))
}

func unmarshalFlagMap(b []byte) (value.FlagMap, error) {
	if len(b) == 0 {
		return value.FlagMap{}, nil
	}
	var w wireFlagMap
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return decodeFlagMap(w), nil
}

// wireInstr/wireProgram mirror bytecode.Instr/CompiledProgram for JSONB
// storage in the programs table, keyed by the program's content-addressed
// version so republication of an identical source is a no-op upsert.
type wireInstr struct {
	Op              bytecode.Op    `json:"op"`
	Const           wireValue      `json:"const"`
	Flag            value.FlagKey  `json:"flag"`
	Target          bytecode.Addr  `json:"target"`
	Counter         value.FlagKey  `json:"counter"`
	Limit           value.FlagKey  `json:"limit"`
	TaskType        string         `json:"task_type"`
	ServiceTaskID   string         `json:"service_task_id"`
	Inputs          []value.FlagKey `json:"inputs"`
	TimerSpec       string         `json:"timer_spec"`
	CorrelationName string         `json:"correlation_name"`
	CorrelationKey  value.FlagKey  `json:"correlation_key"`
	FiberEntries    []bytecode.Addr `json:"fiber_entries"`
	JoinID          string         `json:"join_id"`
	Expected        int            `json:"expected"`
	Code            string         `json:"code"`
	Severity        bytecode.Severity `json:"severity"`
	ElementID       string         `json:"element_id"`
}

type wireProgram struct {
	Instrs        []wireInstr               `json:"instrs"`
	Entry         bytecode.Addr             `json:"entry"`
	FiberEntries  map[string]bytecode.Addr  `json:"fiber_entries"`
	DebugMap      map[string]string         `json:"debug_map"`
	BoundaryErrs  map[string][]bytecode.BoundaryErrorEntry `json:"boundary_errors"`
	BoundaryTimers map[string][]bytecode.BoundaryTimerEntry `json:"boundary_timers"`
	TerminateEnds []string                  `json:"terminate_ends"`
}

func marshalProgram(p *bytecode.CompiledProgram) ([]byte, error) {
	w := wireProgram{
		Entry:          p.Entry,
		FiberEntries:   p.FiberEntries,
		DebugMap:       make(map[string]string, len(p.DebugMap)),
		BoundaryErrs:   p.Boundary.Errors,
		BoundaryTimers: p.Boundary.Timers,
	}
	for addr, id := range p.DebugMap {
		w.DebugMap[fmt.Sprintf("%d", addr)] = id
	}
	for id, ok := range p.TerminateEnds {
		if ok {
			w.TerminateEnds = append(w.TerminateEnds, id)
		}
	}
	for _, ins := range p.Instrs {
		w.Instrs = append(w.Instrs, wireInstr{
			Op: ins.Op, Const: encodeValue(ins.Const), Flag: ins.Flag, Target: ins.Target,
			Counter: ins.Counter, Limit: ins.Limit, TaskType: ins.TaskType,
			ServiceTaskID: ins.ServiceTaskID, Inputs: ins.Inputs, TimerSpec: ins.TimerSpec,
			CorrelationName: ins.CorrelationName, CorrelationKey: ins.CorrelationKey,
			FiberEntries: ins.FiberEntries, JoinID: ins.JoinID, Expected: ins.Expected,
			Code: ins.Code, Severity: ins.SeverityV, ElementID: ins.ElementID,
		})
	}
	return json.Marshal(w)
}

func unmarshalProgram(b []byte, version [32]byte) (*bytecode.CompiledProgram, error) {
	var w wireProgram
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	p := &bytecode.CompiledProgram{
		Entry:         w.Entry,
		FiberEntries:  w.FiberEntries,
		DebugMap:      make(map[bytecode.Addr]string, len(w.DebugMap)),
		Boundary:      bytecode.BoundaryIndex{Errors: w.BoundaryErrs, Timers: w.BoundaryTimers},
		TerminateEnds: make(map[string]bool, len(w.TerminateEnds)),
		Version:       version,
	}
	for addrStr, id := range w.DebugMap {
		var addr uint32
		fmt.Sscanf(addrStr, "%d", &addr)
		p.DebugMap[bytecode.Addr(addr)] = id
	}
	for _, id := range w.TerminateEnds {
		p.TerminateEnds[id] = true
	}
	for _, wi := range w.Instrs {
		p.Instrs = append(p.Instrs, bytecode.Instr{
			Op: wi.Op, Const: decodeValue(wi.Const), Flag: wi.Flag, Target: wi.Target,
			Counter: wi.Counter, Limit: wi.Limit, TaskType: wi.TaskType,
			ServiceTaskID: wi.ServiceTaskID, Inputs: wi.Inputs, TimerSpec: wi.TimerSpec,
			CorrelationName: wi.CorrelationName, CorrelationKey: wi.CorrelationKey,
			FiberEntries: wi.FiberEntries, JoinID: wi.JoinID, Expected: wi.Expected,
			Code: wi.Code, SeverityV: wi.Severity, ElementID: wi.ElementID,
		})
	}
	return p, nil
}
