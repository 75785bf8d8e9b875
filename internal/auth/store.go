package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// storeFile is the on-disk shape of the authorization store. The
// wrapper object leaves room for future top-level fields without a
// format break.
type storeFile struct {
	Conversations map[string]Record `json:"conversations"`
}

// FileStore persists authorization records as a JSON file. The file is
// created with an empty record set on first load and rewritten in full
// on every save (write to a temp file, then rename, so a crash never
// leaves a torn store behind).
type FileStore struct {
	path string
}

// NewFileStore creates a file store at the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads all records. A missing file is not an error: the store is
// bootstrapped empty and written out so subsequent saves have a
// directory to land in.
func (s *FileStore) Load() (map[string]Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if err := s.Save(map[string]Record{}); err != nil {
			return nil, fmt.Errorf("bootstrap store: %w", err)
		}
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, err
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if f.Conversations == nil {
		f.Conversations = map[string]Record{}
	}
	return f.Conversations, nil
}

// Save overwrites the store with the given records.
func (s *FileStore) Save(records map[string]Record) error {
	data, err := json.MarshalIndent(storeFile{Conversations: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".authorized-*.json")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp store: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}
