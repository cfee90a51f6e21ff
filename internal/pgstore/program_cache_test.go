package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/cache"
	"github.com/oriys/bplrt/internal/value"
)

// TestProgramCacheKeyStable exercises the key-derivation building block
// WithProgramCache relies on; distinct versions must never collide and the
// same version must always address the same cache entry.
func TestProgramCacheKeyStable(t *testing.T) {
	var v1, v2 [32]byte
	v1[0] = 1
	v2[0] = 2
	if programCacheKey(v1) != programCacheKey(v1) {
		t.Fatal("programCacheKey not deterministic")
	}
	if programCacheKey(v1) == programCacheKey(v2) {
		t.Fatal("programCacheKey collided for distinct versions")
	}
}

// TestProgramCacheRoundTrip exercises the encode/decode path an attached
// cache.Cache actually stores and serves, independent of Postgres: what
// WithProgramCache primes on StoreProgram must be exactly what LoadProgram
// would decode back into an equivalent CompiledProgram.
func TestProgramCacheRoundTrip(t *testing.T) {
	prog := &bytecode.CompiledProgram{
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpLoadConst, Const: value.Int(1), ElementID: "n1"},
			{Op: bytecode.OpReturn},
		},
		Entry:        0,
		FiberEntries: map[string]bytecode.Addr{"main": 0},
		DebugMap:     map[bytecode.Addr]string{0: "n1"},
	}
	version := prog.ComputeVersion()
	prog.Version = version

	b, err := marshalProgram(prog)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	c := cache.NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()
	key := programCacheKey(version)
	if err := c.Set(ctx, key, b, time.Minute); err != nil {
		t.Fatalf("cache set: %v", err)
	}

	raw, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	got, err := unmarshalProgram(raw, version)
	if err != nil {
		t.Fatalf("unmarshal cached bytes: %v", err)
	}
	if got.ComputeVersion() != version {
		t.Fatal("cached program hashes differently after round trip")
	}
}

// TestWithProgramCacheAttaches confirms the fluent setter mutates the
// receiver in place (it also returns the receiver, so it can be chained
// off Open).
func TestWithProgramCacheAttaches(t *testing.T) {
	s := &Store{}
	c := cache.NewInMemoryCache()
	defer c.Close()
	s.WithProgramCache(c, 30*time.Second)
	if s.progCache == nil {
		t.Fatal("progCache not attached")
	}
	if s.progCacheTTL != 30*time.Second {
		t.Fatalf("progCacheTTL = %v, want 30s", s.progCacheTTL)
	}
}
