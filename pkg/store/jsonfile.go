package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
)

// jsonFile persists jobs as a pretty-printed JSON array
type jsonFile struct {
	path string
}

func newJSONFile(path string) *jsonFile {
	return &jsonFile{path: path}
}

func (f *jsonFile) name() string { return "json" }

func (f *jsonFile) load() ([]*models.Job, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read file %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var jobs []*models.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse JSON %s: %w", f.path, err)
	}
	return jobs, nil
}

func (f *jsonFile) save(jobs []*models.Job) error {
	if jobs == nil {
		jobs = []*models.Job{}
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", f.path, err)
	}
	data = append(data, '\n')
	return writeFileAtomic(f.path, data)
}

func (f *jsonFile) close() error { return nil }

// writeFileAtomic writes data next to path and renames it into place so a
// crash never leaves a half-written job list behind
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".vidgen-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
