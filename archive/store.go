package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists one rendered artifact. Implementations must return only
// after the artifact is durably visible; the orchestrator advances the
// cursor on the strength of that guarantee.
type Store interface {
	Persist(ctx context.Context, name, content string) (string, error)
}

// FSStore writes artifacts under a local directory (DATA_DIR). Writes go
// through a temp file and rename so a crash mid-write never leaves a
// partial artifact at the final path.
type FSStore struct {
	Dir string
}

func (s *FSStore) Persist(ctx context.Context, name, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	final := filepath.Join(s.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("mkdir archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), ".archive-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return final, nil
}
