package progress

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps one record file per topic under a state directory,
// mirroring the layout data directories have always used:
// <dir>/<topic>. Directory creation is best-effort; a crash mid-save
// leaves a file that fails to parse and degrades to a cold start.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created
// lazily on first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the state directory records are written under.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(topic string) string {
	return filepath.Join(s.dir, topic)
}

// Save writes the record for topic.
func (s *FileStore) Save(_ context.Context, topic string, rec Record) error {
	// Best-effort: if the directory cannot be created the write error below
	// is the one worth reporting.
	_ = os.MkdirAll(s.dir, 0o755)

	if err := os.WriteFile(s.path(topic), Marshal(rec), 0o644); err != nil {
		return fmt.Errorf("write progress record for %q: %w", topic, err)
	}
	return nil
}

// Load reads the record for topic. A missing file is a cold start, not an
// error.
func (s *FileStore) Load(_ context.Context, topic string) (Record, bool, error) {
	data, err := os.ReadFile(s.path(topic))
	if os.IsNotExist(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read progress record for %q: %w", topic, err)
	}

	rec, err := Unmarshal(data)
	if err != nil {
		return Record{}, false, fmt.Errorf("parse progress record for %q: %w", topic, err)
	}
	return rec, true, nil
}

// Delete removes the record for topic, if present.
func (s *FileStore) Delete(_ context.Context, topic string) error {
	err := os.Remove(s.path(topic))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove progress record for %q: %w", topic, err)
	}
	return nil
}
