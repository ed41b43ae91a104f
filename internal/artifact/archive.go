package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Archive persists a session's final artifact set outside the engine's
// memory, for download or inspection after the session is evicted.
type Archive interface {
	// Save writes the artifacts and returns a location string
	// (a directory path or object-store prefix).
	Save(ctx context.Context, sessionID string, artifacts []*Artifact) (string, error)
}

// DiskArchive writes artifacts under a local workspace directory, one
// subdirectory per session, using each artifact's sanitized project path.
type DiskArchive struct {
	Root string
}

// NewDiskArchive creates a disk archive rooted at dir.
func NewDiskArchive(dir string) *DiskArchive {
	return &DiskArchive{Root: dir}
}

// Save writes every artifact to disk. One bad artifact does not abort the
// batch; the first error is reported after all writes were attempted.
func (d *DiskArchive) Save(_ context.Context, sessionID string, artifacts []*Artifact) (string, error) {
	base := filepath.Join(d.Root, sessionID)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	var firstErr error
	for _, a := range artifacts {
		target := filepath.Join(base, filepath.FromSlash(a.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("write %s: %w", a.Path, err)
			}
			continue
		}
		if err := os.WriteFile(target, []byte(a.Content), 0o644); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("write %s: %w", a.Path, err)
			}
		}
	}
	return base, firstErr
}
