package metadata

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// FilePersist is the default Persist implementation: it writes the record
// as indented JSON to the path built by its PathBuilder, creating parent
// directories as needed. The core writes only path strings providers
// returned for images — never image bytes — per spec §1's Non-goals.
type FilePersist struct {
	OutputDir   string
	PathBuilder PathBuilder
	Now         func() time.Time // overridable for tests; defaults to time.Now
}

// NewFilePersist constructs a FilePersist rooted at outputDir using the
// spec-default path convention.
func NewFilePersist(outputDir string) *FilePersist {
	return &FilePersist{OutputDir: outputDir, PathBuilder: DefaultPathBuilder{}, Now: time.Now}
}

func (f *FilePersist) SaveMetadata(_ context.Context, _ string, sessionID string, record Record) (string, error) {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	at := now()
	path := f.PathBuilder.MetadataPath(f.OutputDir, sessionID, at)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
