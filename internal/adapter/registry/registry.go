// Package registry ships an embedded catalog of model capabilities. The
// orchestrator consumes only validation and default recommendation; richer
// capability metadata rides along for operators inspecting the catalog.
package registry

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

//go:embed models.yaml
var modelsYAML []byte

// ModelInfo describes one model's capabilities.
type ModelInfo struct {
	Name        string   `yaml:"name"`
	Provider    string   `yaml:"provider"`
	Level       int      `yaml:"level"`
	Roles       []string `yaml:"roles"`
	Features    []string `yaml:"features,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// Registry is an immutable in-memory model catalog.
type Registry struct {
	models       map[string]ModelInfo
	defaultQuick string
	defaultDeep  string
}

// Load parses the embedded catalog.
func Load() (*Registry, error) {
	var doc struct {
		Defaults struct {
			Quick string `yaml:"quick"`
			Deep  string `yaml:"deep"`
		} `yaml:"defaults"`
		Models []ModelInfo `yaml:"models"`
	}
	if err := yaml.Unmarshal(modelsYAML, &doc); err != nil {
		return nil, fmt.Errorf("op=registry.Load: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("op=registry.Load: empty catalog")
	}
	m := make(map[string]ModelInfo, len(doc.Models))
	for _, mi := range doc.Models {
		m[mi.Name] = mi
	}
	if _, ok := m[doc.Defaults.Quick]; !ok {
		return nil, fmt.Errorf("op=registry.Load: default quick model %q not in catalog", doc.Defaults.Quick)
	}
	if _, ok := m[doc.Defaults.Deep]; !ok {
		return nil, fmt.Errorf("op=registry.Load: default deep model %q not in catalog", doc.Defaults.Deep)
	}
	return &Registry{models: m, defaultQuick: doc.Defaults.Quick, defaultDeep: doc.Defaults.Deep}, nil
}

// Known reports whether the model name is in the catalog.
func (r *Registry) Known(model string) bool {
	_, ok := r.models[model]
	return ok
}

// Get returns the full capability record.
func (r *Registry) Get(model string) (ModelInfo, bool) {
	mi, ok := r.models[model]
	return mi, ok
}

// All returns the catalog sorted by name.
func (r *Registry) All() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.models))
	for _, mi := range r.models {
		out = append(out, mi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Recommend returns the catalog's default quick and deep models.
func (r *Registry) Recommend() (quick, deep string) {
	return r.defaultQuick, r.defaultDeep
}

var _ domain.ModelRegistry = (*Registry)(nil)
