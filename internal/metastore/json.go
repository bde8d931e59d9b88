package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"file-relay/internal/registry"
)

// JSONFile keeps every record in one JSON document mapping id to record.
// Each mutation rewrites the whole document through a temp file, fsync and
// rename, so a crash leaves either the old or the new version on disk.
type JSONFile struct {
	path string

	mu     sync.Mutex
	doc    map[string]registry.FileRecord
	loaded bool
}

// NewJSONFile returns a store backed by the document at path. The file and
// its directory are created on the first write.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// LoadAll reads the document from disk. A missing file is an empty store.
func (s *JSONFile) LoadAll(context.Context) ([]registry.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	s.loaded = true

	out := make([]registry.FileRecord, 0, len(doc))
	for _, rec := range doc {
		out = append(out, rec)
	}
	return out, nil
}

// Save inserts or replaces rec.
func (s *JSONFile) Save(_ context.Context, rec registry.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	next := maps.Clone(s.doc)
	next[rec.ID] = rec
	if err := s.write(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// Delete removes id. Deleting an absent id does not touch the file.
func (s *JSONFile) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := s.doc[id]; !ok {
		return nil
	}
	next := maps.Clone(s.doc)
	delete(next, id)
	if err := s.write(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

func (s *JSONFile) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	doc, err := s.read()
	if err != nil {
		return err
	}
	s.doc = doc
	s.loaded = true
	return nil
}

func (s *JSONFile) read() (map[string]registry.FileRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]registry.FileRecord), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return make(map[string]registry.FileRecord), nil
	}

	doc := make(map[string]registry.FileRecord)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *JSONFile) write(doc map[string]registry.FileRecord) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Ping checks that the document directory exists or can be created.
func (s *JSONFile) Ping(context.Context) error {
	return os.MkdirAll(filepath.Dir(s.path), 0o750)
}
