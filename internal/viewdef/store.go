package viewdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for view-definition repository operations.
var (
	ErrNotFound     = errors.New("view definition not found")
	ErrAlreadyExist = errors.New("view definition already exists")
	ErrUnsupported  = errors.New("unsupported view definition file extension")
)

// Store is the repository interface for view definitions, addressed by
// name.
type Store interface {
	Load(name string) (*ViewDefinition, error)
	Save(def *ViewDefinition, name string) error
	Delete(name string) error
	LoadAll() ([]*ViewDefinition, error)
}

// FileStore is a directory-backed Store. Definitions are JSON or YAML
// documents named "<name>.json", "<name>.yaml", or "<name>.yml";
// LoadAll walks the directory accepting both formats.
type FileStore struct {
	dir   string
	mutex sync.RWMutex
}

// NewFileStore creates a FileStore rooted at dir. The directory must
// already exist.
func NewFileStore(dir string) (*FileStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("viewdef: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("viewdef: %s is not a directory", dir)
	}

	return &FileStore{dir: dir}, nil
}

// Load reads a single view definition by name, trying JSON then YAML.
func (s *FileStore) Load(name string) (*ViewDefinition, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	return decodeFile(path)
}

// Save writes def to disk under name (or def.Name if name is empty),
// encoded as JSON.
func (s *FileStore) Save(def *ViewDefinition, name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if name == "" {
		name = def.Name
	}

	body, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("viewdef: marshal %s: %w", name, err)
	}

	return os.WriteFile(filepath.Join(s.dir, name+".json"), body, 0o644) //nolint:gosec // definitions are not secrets
}

// Delete removes a view definition by name, regardless of which
// extension it was stored under.
func (s *FileStore) Delete(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	path, err := s.resolve(name)
	if err != nil {
		return err
	}

	return os.Remove(path)
}

// LoadAll reads every .json/.yaml/.yml file in the directory.
func (s *FileStore) LoadAll() ([]*ViewDefinition, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("viewdef: read dir: %w", err)
	}

	defs := make([]*ViewDefinition, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !isSupportedExt(entry.Name()) {
			continue
		}

		def, err := decodeFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	return defs, nil
}

func (s *FileStore) resolve(name string) (string, error) {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(s.dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

func isSupportedExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func decodeFile(path string) (*ViewDefinition, error) {
	body, err := os.ReadFile(path) //nolint:gosec // path built from repository-rooted names only
	if err != nil {
		return nil, fmt.Errorf("viewdef: read %s: %w", path, err)
	}

	var def ViewDefinition

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(body, &def)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(body, &def)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}

	if err != nil {
		return nil, fmt.Errorf("viewdef: decode %s: %w", path, err)
	}

	return &def, nil
}
