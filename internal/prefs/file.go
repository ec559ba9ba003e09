package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

type fileModel struct {
	Values map[string][]string `yaml:"values"`
}

// FileStore keeps preferences in a single YAML file, rewritten on every set.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a YAML-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Strings(key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.loadFile()
	if err != nil {
		return nil, &PersistenceError{Op: "read", Key: key, Err: err}
	}
	return append([]string(nil), fm.Values[key]...), nil
}

func (s *FileStore) SetStrings(key string, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.loadFile()
	if err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: err}
	}
	if len(values) == 0 {
		delete(fm.Values, key)
	} else {
		fm.Values[key] = append([]string(nil), values...)
	}
	if err := s.saveFile(fm); err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) loadFile() (fileModel, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Values: map[string][]string{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if fm.Values == nil {
		fm.Values = map[string][]string{}
	}
	return fm, nil
}

func (s *FileStore) saveFile(fm fileModel) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
