// Package group stores named sets of tunnels that are brought up or down
// together.
package group

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/tunnel"
)

// ErrNotFound is returned for a group that is not defined.
var ErrNotFound = errors.New("group not found")

// Definition is a named list of tunnel names.
type Definition struct {
	Name    string   `yaml:"name" json:"name"`
	Tunnels []string `yaml:"tunnels" json:"tunnels"`
}

type fileModel struct {
	Groups map[string]Definition `yaml:"groups"`
}

// Store keeps group definitions in a YAML file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by the YAML file at path. The file is
// created on first write.
func NewStore(path string) *Store { return &Store{path: path} }

// List returns all groups sorted by name.
func (s *Store) List() ([]Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(fm.Groups))
	for _, g := range fm.Groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns the named group or ErrNotFound.
func (s *Store) Get(name string) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return Definition{}, err
	}
	g, ok := fm.Groups[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return g, nil
}

// Put adds or replaces a group. Tunnel names are checked for syntax only; a
// group may name tunnels that are not imported yet.
func (s *Store) Put(name string, tunnels []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("group name cannot be empty")
	}
	if len(tunnels) == 0 {
		return errors.New("group must include at least one tunnel")
	}
	seen := make(map[string]bool, len(tunnels))
	var members []string
	for _, t := range tunnels {
		t = strings.TrimSpace(t)
		if err := model.ValidateName(t); err != nil {
			return fmt.Errorf("group %s: %w", name, err)
		}
		if !seen[t] {
			seen[t] = true
			members = append(members, t)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return err
	}
	fm.Groups[name] = Definition{Name: name, Tunnels: members}
	return s.save(fm)
}

// Delete removes the named group. Deleting an unknown group returns
// ErrNotFound.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := fm.Groups[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(fm.Groups, name)
	return s.save(fm)
}

// RenameTunnel rewrites every group that names from so it names to instead.
func (s *Store) RenameTunnel(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return err
	}
	changed := false
	for name, g := range fm.Groups {
		for i, t := range g.Tunnels {
			if t == from {
				g.Tunnels[i] = to
				changed = true
			}
		}
		fm.Groups[name] = g
	}
	if !changed {
		return nil
	}
	return s.save(fm)
}

func (s *Store) load() (fileModel, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Groups: map[string]Definition{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse groups: %w", err)
	}
	if fm.Groups == nil {
		fm.Groups = map[string]Definition{}
	}
	return fm, nil
}

func (s *Store) save(fm fileModel) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}

// Result is the outcome for one member of a group.
type Result struct {
	Tunnel string      `json:"tunnel"`
	State  model.State `json:"state"`
	Error  string      `json:"error,omitempty"`
}

// Apply requests desired for every member at once and waits for all of them.
// One member failing does not stop the others.
func Apply(ctx context.Context, m *tunnel.Manager, g Definition, desired model.State) ([]Result, error) {
	futs := make([]*async.Future[model.State], len(g.Tunnels))
	for i, name := range g.Tunnels {
		t, err := m.Lookup(ctx, name)
		if err != nil {
			futs[i] = async.Failed[model.State](err)
			continue
		}
		futs[i] = m.SetState(ctx, t, desired)
	}
	results := make([]Result, len(futs))
	var errs []error
	for i, f := range futs {
		st, err := f.Await(ctx)
		results[i] = Result{Tunnel: g.Tunnels[i], State: st}
		if err != nil {
			results[i].Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", g.Tunnels[i], err))
		}
	}
	return results, errors.Join(errs...)
}
