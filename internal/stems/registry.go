// Package stems defines the known separation models and the stem outputs
// each one produces.
package stems

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	yaml "go.yaml.in/yaml/v3"
)

// rescueFloor is the minimum number of on-disk artifacts a crashed job must
// have produced before it can be reclassified as done.
const rescueFloor = 4

// Model describes one separation model.
type Model struct {
	Name        string   `yaml:"name" json:"name"`
	Stems       []string `yaml:"stems" json:"stems"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// MinRescueStems returns how many recognizable artifacts a crashed job run
// with this model must leave behind to be rescued.
func (m Model) MinRescueStems() int {
	if len(m.Stems) < rescueFloor {
		return rescueFloor
	}
	return len(m.Stems)
}

// Registry holds the available models. It starts from the built-in set; when
// a models file is configured, the file defines the full set and can be
// reloaded at runtime. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
	order  []string
	path   string
	logger *slog.Logger
}

func builtins() []Model {
	return []Model{
		{
			Name:        "htdemucs_6s",
			Stems:       []string{"drums", "bass", "other", "vocals", "guitar", "piano"},
			Description: "Hybrid Transformer Demucs, 6 sources",
		},
		{
			Name:        "htdemucs_ft",
			Stems:       []string{"drums", "bass", "other", "vocals"},
			Description: "Fine-tuned Hybrid Transformer Demucs, 4 sources",
		},
		{
			Name:        "mvsep_full",
			Stems:       []string{"drums", "bass", "other", "vocals"},
			Description: "MVSep full-band model, 4 sources",
		},
	}
}

// NewRegistry creates a registry. With an empty path the built-in models are
// used; otherwise the file is loaded immediately and a load failure is an
// error so a misconfigured deployment fails at startup rather than at the
// first submission.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:   path,
		logger: logger.With("component", "stems"),
	}
	r.install(builtins())

	if path != "" {
		if err := r.Reload(); err != nil {
			return nil, fmt.Errorf("loading models file %s: %w", path, err)
		}
	}
	return r, nil
}

// Get returns the named model.
func (r *Registry) Get(name string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Contains reports whether the named model exists.
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[name]
	return ok
}

// List returns all models in declaration order.
func (r *Registry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Model, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name])
	}
	return out
}

// Names returns the model names in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Reload re-reads the models file and replaces the registry contents. The
// swap is transactional: a file that fails to parse or validate leaves the
// current set untouched.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}

	var file struct {
		Models []Model `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing models file: %w", err)
	}
	if len(file.Models) == 0 {
		return fmt.Errorf("models file declares no models")
	}
	for _, m := range file.Models {
		if m.Name == "" {
			return fmt.Errorf("model with empty name")
		}
		if len(m.Stems) == 0 {
			return fmt.Errorf("model %s declares no stems", m.Name)
		}
	}

	r.install(file.Models)
	return nil
}

func (r *Registry) install(models []Model) {
	byName := make(map[string]Model, len(models))
	order := make([]string, 0, len(models))
	for _, m := range models {
		if _, dup := byName[m.Name]; dup {
			continue
		}
		byName[m.Name] = m
		order = append(order, m.Name)
	}

	r.mu.Lock()
	r.models = byName
	r.order = order
	r.mu.Unlock()
}
