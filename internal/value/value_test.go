package value

import "testing"

func TestValue_SerializeKey_Uniqueness(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"bool true", Bool(true), "b:true"},
		{"int 5", Int(5), "i:5"},
		{"string 5", Str("5"), "s:5"},
		{"ref 5", Ref("5"), "r:5"},
	}
	seen := map[string]string{}
	for _, tt := range tests {
		got := tt.v.SerializeKey()
		if got != tt.want {
			t.Errorf("%s: SerializeKey() = %q, want %q", tt.name, got, tt.want)
		}
		if other, dup := seen[got]; dup {
			t.Errorf("serialize key collision between %q and %q", other, tt.name)
		}
		seen[got] = tt.name
	}
}

func TestValue_Equal(t *testing.T) {
	if !Equal(Int(42), Int(42)) {
		t.Error("Int(42) should equal Int(42)")
	}
	if Equal(Int(42), Str("42")) {
		t.Error("Int(42) should not equal Str(42): distinct tags")
	}
}

func TestValue_Compare_TotalOrder(t *testing.T) {
	vals := []Value{Bool(false), Bool(true), Int(1), Int(2), Str("a"), Str("b"), Ref("a")}
	for i := 0; i < len(vals); i++ {
		for j := i + 1; j < len(vals); j++ {
			if Compare(vals[i], vals[j]) >= 0 {
				t.Errorf("expected vals[%d] < vals[%d]", i, j)
			}
			if Compare(vals[j], vals[i]) <= 0 {
				t.Errorf("expected vals[%d] > vals[%d]", j, i)
			}
		}
	}
}

func TestValue_Truthy(t *testing.T) {
	tests := []struct {
		v    Value
		want bool
	}{
		{Bool(true), true},
		{Bool(false), false},
		{Int(0), false},
		{Int(1), true},
		{Str(""), false},
		{Str("x"), true},
	}
	for _, tt := range tests {
		if got := tt.v.Truthy(); got != tt.want {
			t.Errorf("%v.Truthy() = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestFlagMap_SortedKeys(t *testing.T) {
	f := FlagMap{5: Int(1), 1: Int(2), 3: Int(3)}
	keys := f.SortedKeys()
	want := []FlagKey{1, 3, 5}
	if len(keys) != len(want) {
		t.Fatalf("len = %d, want %d", len(keys), len(want))
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("keys[%d] = %d, want %d", i, keys[i], k)
		}
	}
}

func TestFlagMap_Merge(t *testing.T) {
	a := FlagMap{1: Int(1), 2: Int(2)}
	b := FlagMap{2: Int(20), 3: Int(3)}
	merged := a.Merge(b)

	if len(a) != 2 {
		t.Error("Merge must not mutate the receiver")
	}
	if got, _ := merged[2].AsInt(); got != 20 {
		t.Errorf("merged[2] = %d, want 20 (overwritten by other)", got)
	}
	if got, _ := merged[1].AsInt(); got != 1 {
		t.Errorf("merged[1] = %d, want 1 (kept from receiver)", got)
	}
	if _, ok := merged[3]; !ok {
		t.Error("merged[3] missing")
	}
}
