package pgstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/logging"
	"github.com/oriys/bplrt/internal/procstore"
)

func programCacheKey(version [32]byte) string {
	return "bplrt:program:" + hex.EncodeToString(version[:])
}

// StoreProgram upserts the program under its version: republishing an
// identical (source, registry) pair is an idempotent no-op, matching
// CompiledProgram's documented equality (§6). A populated progCache is
// primed eagerly so the first LoadProgram after publication is a hit.
func (s *Store) StoreProgram(ctx context.Context, version [32]byte, program *bytecode.CompiledProgram) error {
	b, err := marshalProgram(program)
	if err != nil {
		return fmt.Errorf("pgstore: marshal program: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bplrt_programs (version, program) VALUES ($1,$2)
		ON CONFLICT (version) DO NOTHING
	`, version[:], b)
	if err != nil {
		return fmt.Errorf("pgstore: store program: %w", err)
	}
	if s.progCache != nil {
		if err := s.progCache.Set(ctx, programCacheKey(version), b, s.progCacheTTL); err != nil {
			logging.Op().Warn("pgstore: program cache prime failed", "version", fmt.Sprintf("%x", version[:8]), "error", err)
		}
	}
	return nil
}

// LoadProgram serves from progCache when attached (a cache miss or a
// disconnected cache backend both fall through to Postgres transparently;
// the cache is an accelerator, never the program store of record).
func (s *Store) LoadProgram(ctx context.Context, version [32]byte) (*bytecode.CompiledProgram, error) {
	key := programCacheKey(version)
	if s.progCache != nil {
		if raw, err := s.progCache.Get(ctx, key); err == nil {
			return unmarshalProgram(raw, version)
		}
	}

	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT program FROM bplrt_programs WHERE version=$1`, version[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, procstore.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: load program: %w", err)
	}

	if s.progCache != nil {
		if err := s.progCache.Set(ctx, key, raw, s.progCacheTTL); err != nil {
			logging.Op().Warn("pgstore: program cache fill failed", "version", fmt.Sprintf("%x", version[:8]), "error", err)
		}
	}
	return unmarshalProgram(raw, version)
}
