// Package value defines the runtime value model shared by the compiler and
// the execution engine: the tagged Value union, the flag register bank
// keyed by FlagKey, and the content-addressed DomainPayload.
package value

import (
	"fmt"
	"sort"
	"strconv"
)

// Kind tags the payload carried by a Value.
type Kind uint8

const (
	KindBool Kind = iota
	KindInt
	KindString
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindRef:
		return "ref"
	default:
		return "unknown"
	}
}

// Value is the tagged sum type every flag, constant, and stack slot holds.
// Ref is an opaque symbolic reference into the surrounding domain (e.g. a
// resolved entity identifier); the runtime never interprets its contents.
type Value struct {
	kind Kind
	b    bool
	i    int64
	s    string
}

// Bool constructs a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int constructs an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Str constructs a string Value.
func Str(s string) Value { return Value{kind: KindString, s: s} }

// Ref constructs an opaque reference Value.
func Ref(ref string) Value { return Value{kind: KindRef, s: ref} }

// Kind reports the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// AsBool returns the boolean payload; ok is false if the tag does not match.
func (v Value) AsBool() (val bool, ok bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsInt returns the integer payload; ok is false if the tag does not match.
func (v Value) AsInt() (val int64, ok bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsString returns the string payload; ok is false if the tag does not match.
func (v Value) AsString() (val string, ok bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsRef returns the reference payload; ok is false if the tag does not match.
func (v Value) AsRef() (val string, ok bool) {
	if v.kind != KindRef {
		return "", false
	}
	return v.s, true
}

// Truthy implements the engine's notion of a "true" branch condition: bools
// by value, non-empty strings/refs, and non-zero ints.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindString, KindRef:
		return v.s != ""
	default:
		return false
	}
}

// SerializeKey renders a canonical, tag-disambiguated string used as the
// dedupe-key serialization and as the total order's comparison key. Two
// values with identical tag and payload always produce identical keys;
// values of different tags never collide because the tag is the prefix.
func (v Value) SerializeKey() string {
	switch v.kind {
	case KindBool:
		return "b:" + strconv.FormatBool(v.b)
	case KindInt:
		return "i:" + strconv.FormatInt(v.i, 10)
	case KindString:
		return "s:" + v.s
	case KindRef:
		return "r:" + v.s
	default:
		return "?:"
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindString:
		return strconv.Quote(v.s)
	case KindRef:
		return "<" + v.s + ">"
	default:
		return "<invalid>"
	}
}

// Equal reports whether two values share tag and payload.
func Equal(a, b Value) bool {
	return a.SerializeKey() == b.SerializeKey()
}

// Compare establishes the total order over values required by §3: ordering
// is first by Kind, then by payload. It is only meaningful within a single
// flag's history or for deterministic serialization; it is not a domain
// comparison (e.g. KindInt(5) does not equal KindString("5")).
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindInt:
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		default:
			return 0
		}
	case KindString, KindRef:
		switch {
		case a.s < b.s:
			return -1
		case a.s > b.s:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

// FlagKey names an orchestration flag: a small unsigned integer identifying
// a register in the instance's flag bank.
type FlagKey uint32

// FlagMap is the engine's register bank: FlagKey -> Value, with a total key
// order (ascending FlagKey) used whenever flags must be iterated
// deterministically (event emission, debugging, hashing).
type FlagMap map[FlagKey]Value

// SortedKeys returns the flag keys in ascending order.
func (f FlagMap) SortedKeys() []FlagKey {
	keys := make([]FlagKey, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Clone returns a shallow copy safe for independent mutation.
func (f FlagMap) Clone() FlagMap {
	cp := make(FlagMap, len(f))
	for k, v := range f {
		cp[k] = v
	}
	return cp
}

// Merge applies the updates in other on top of f, returning a new map. Used
// when a job completion's orch_flags are merged into the instance's flags.
func (f FlagMap) Merge(other FlagMap) FlagMap {
	cp := f.Clone()
	for k, v := range other {
		cp[k] = v
	}
	return cp
}

func (f FlagMap) String() string {
	keys := f.SortedKeys()
	s := "{"
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d=%s", k, f[k])
	}
	return s + "}"
}
