// Package configstore persists tunnel configurations as <name>.conf files in
// a single directory, the layout wg-quick itself reads.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/wg-manager/internal/model"
)

const confExt = ".conf"

// ErrNotFound is returned when no config file exists for a name.
var ErrNotFound = errors.New("tunnel config not found")

// FetchError is returned when a tunnel config cannot be read or parsed.
type FetchError struct {
	Name string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch config %s: %v", e.Name, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Store is a directory of tunnel configs.
type Store struct {
	dir string
}

// NewStore returns a store of <name>.conf files under dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the config directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+confExt)
}

// List returns the names of all configs with a valid tunnel name, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), confExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), confExt)
		if model.ValidateName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, ctx.Err()
}

// Load reads and parses one config.
func (s *Store) Load(ctx context.Context, name string) (*model.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			err = ErrNotFound
		}
		return nil, &FetchError{Name: name, Err: err}
	}
	res, err := Parse(name, raw)
	if err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}
	return &res.Config, nil
}

// Save writes cfg under name, replacing any existing file atomically.
func (s *Store) Save(ctx context.Context, name string, cfg *model.Config) error {
	if err := model.ValidateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	raw := cfg.Raw
	if len(raw) == 0 {
		raw = Format(*cfg)
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(name))
}

// Rename moves a config to a new name. It refuses to overwrite.
func (s *Store) Rename(ctx context.Context, oldName, newName string) error {
	if err := model.ValidateName(newName); err != nil {
		return err
	}
	if _, err := os.Stat(s.path(newName)); err == nil {
		return fmt.Errorf("config %s already exists", newName)
	}
	if err := os.Rename(s.path(oldName), s.path(newName)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, oldName)
		}
		return err
	}
	return nil
}

// Delete removes a config.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	return nil
}

// Path exposes where a config lives, for diagnostics.
func (s *Store) Path(name string) string {
	return s.path(name)
}
