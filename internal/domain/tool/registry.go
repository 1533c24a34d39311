package tool

import (
	"fmt"
	"sort"

	"github.com/litree/labsos/internal/domain/agent"
)

// Registry is the catalog of registered tools. Registration happens once at
// process boot; afterwards the registry is read-only and safe for concurrent
// reads without locking. Construct one per process (or per test) and pass it
// in explicitly.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the catalog. Duplicate names and unknown
// categories are boot-time bugs, so both panic.
func (r *Registry) Register(t Tool) {
	if t.Name == "" || t.Execute == nil {
		panic(fmt.Sprintf("tool: invalid registration %+v", t.Name))
	}
	switch t.Category {
	case CategoryMarket, CategoryAnalytics, CategoryContent, CategoryScheduling, CategorySystem:
	default:
		panic(fmt.Sprintf("tool: unknown category %q for %q", t.Category, t.Name))
	}
	if _, exists := r.tools[t.Name]; exists {
		panic(fmt.Sprintf("tool: duplicate registration for %q", t.Name))
	}
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools, optionally filtered by category, sorted by name.
func (r *Registry) List(category Category) []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if category == "" || t.Category == category {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CategoriesFor maps an agent type to its allowed tool categories. This is
// a capability boundary: an agent type is never handed tools outside its
// mapped categories, even if globally registered.
func CategoriesFor(at agent.Type) []Category {
	switch at {
	case agent.TypeMarket:
		return []Category{CategoryMarket, CategoryAnalytics}
	case agent.TypeAnalytics:
		return []Category{CategoryAnalytics, CategoryMarket}
	case agent.TypeContent:
		return []Category{CategoryContent, CategoryMarket}
	case agent.TypeScheduler:
		return []Category{CategoryScheduling, CategorySystem}
	case agent.TypeAdmin:
		return []Category{CategorySystem, CategoryAnalytics}
	default:
		return []Category{CategorySystem}
	}
}

// ForAgent returns the tools an agent type may invoke.
func (r *Registry) ForAgent(at agent.Type) []Tool {
	var out []Tool
	for _, c := range CategoriesFor(at) {
		out = append(out, r.List(c)...)
	}
	return out
}

// Allowed reports whether the named tool is within the agent type's
// capability boundary.
func (r *Registry) Allowed(at agent.Type, name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	for _, c := range CategoriesFor(at) {
		if t.Category == c {
			return true
		}
	}
	return false
}
