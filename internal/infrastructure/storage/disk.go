package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vitos/grid_trade_engine/internal/domain"
)

// DiskStore persists engine state as a JSON file. It is the fallback when no
// shared database is configured and is safe for a single running instance
// only: it provides no cross-instance consistency and no leader lock.
type DiskStore struct {
	path string
}

var _ domain.StateStore = (*DiskStore)(nil)

func NewDiskStore(path string) *DiskStore {
	return &DiskStore{path: path}
}

func (s *DiskStore) Load(_ context.Context, _ string) (domain.EngineState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.NewEngineState(), nil
	}
	if err != nil {
		return domain.NewEngineState(), fmt.Errorf("read state file %s: %w", s.path, err)
	}
	return domain.DecodeEngineState(data)
}

// Save writes the blob through a temp file and rename so a crash mid-write
// never leaves a truncated state file.
func (s *DiskStore) Save(_ context.Context, _ string, state domain.EngineState) error {
	blob, err := state.Encode()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".engine_state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file %s: %w", s.path, err)
	}
	return nil
}
