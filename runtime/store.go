package runtime

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Store holds operation-set definitions loaded from a directory, keyed by
// name. Definitions are read-only after loading.
type Store struct {
	sets map[string]*OperationSet
}

// LoadStore reads every *.yaml definition under dir. A definition that
// reuses an already-loaded name replaces it with a warning.
func LoadStore(l *slog.Logger, dir string) (*Store, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("error reading definitions directory: %w", err)
	}

	store := &Store{sets: make(map[string]*OperationSet)}
	for _, file := range files {
		set, err := readSet(file)
		if err != nil {
			return nil, err
		}
		if _, ok := store.sets[set.Name]; ok {
			l.Warn("Duplicate operation set definition, keeping the last one loaded",
				"name", set.Name,
				"file", file)
		}
		store.sets[set.Name] = set
	}
	return store, nil
}

func readSet(file string) (*OperationSet, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("error reading definition file %s: %w", file, err)
	}

	var set OperationSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("error unmarshalling definition %s: %w", file, err)
	}
	if err := set.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid definition %s: %w", file, err)
	}
	if err := validate.Struct(&set); err != nil {
		return nil, fmt.Errorf("definition %s failed validation: %w", file, err)
	}
	return &set, nil
}

// Add registers a definition directly. Used by tests and embedded callers.
func (s *Store) Add(set *OperationSet) {
	s.sets[set.Name] = set
}

func (s *Store) Get(name string) (*OperationSet, bool) {
	set, ok := s.sets[name]
	return set, ok
}

// Names returns all loaded set names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.sets))
	for name := range s.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sets: make(map[string]*OperationSet)}
}
