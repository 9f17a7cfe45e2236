package tool

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/requiemhq/requiem/pkg/fault"
)

// entry is a registered tool with its compiled schemas.
type entry struct {
	def     Definition
	handler Handler
	input   *jsonschema.Schema
	output  *jsonschema.Schema
}

// Registry is the process-wide tool catalog. Entries are inserted once per
// (name, version) and never removed.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]map[string]*entry
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]map[string]*entry),
		logger: slog.Default(),
	}
}

// WithLogger replaces the registry's logger.
func (r *Registry) WithLogger(l *slog.Logger) *Registry {
	if l != nil {
		r.logger = l
	}
	return r
}

// Register validates and inserts a definition. Duplicate (name, version)
// pairs and missing or short digests are refused.
func (r *Registry) Register(def Definition, h Handler) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fault.Newf(fault.CodeInternal, "tool %s: nil handler", def.Ref()).
			WithSeverity(fault.SeverityWarning)
	}

	e := &entry{def: def, handler: h}
	var err error
	if e.input, err = compileSchema(def, "input", def.InputSchema); err != nil {
		return err
	}
	if e.output, err = compileSchema(def, "output", def.OutputSchema); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.tools[def.Name]
	if !ok {
		versions = make(map[string]*entry)
		r.tools[def.Name] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fault.Newf(fault.CodeInternal, "tool %s already registered", def.Ref()).
			WithSeverity(fault.SeverityWarning)
	}
	versions[def.Version] = e

	r.logger.Debug("tool registered", "tool", def.Name, "version", def.Version)
	return nil
}

// Resolve returns the definition for name@version, or the highest semver
// for the name when version is empty.
func (r *Registry) Resolve(name, version string) (Definition, error) {
	e, err := r.lookup(name, version)
	if err != nil {
		return Definition{}, err
	}
	return e.def, nil
}

// lookup is Resolve for internal callers that need the compiled entry.
func (r *Registry) lookup(name, version string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.tools[name]
	if !ok || len(versions) == 0 {
		return nil, fault.Newf(fault.CodeInternal, "tool %s not registered", name).
			WithSeverity(fault.SeverityWarning)
	}

	if version != "" {
		e, ok := versions[version]
		if !ok {
			return nil, fault.Newf(fault.CodeInternal, "tool %s@%s not registered", name, version).
				WithSeverity(fault.SeverityWarning)
		}
		return e, nil
	}

	var latest *entry
	var latestV *semver.Version
	for raw, e := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if latestV == nil || latestV.LessThan(v) {
			latest, latestV = e, v
		}
	}
	if latest == nil {
		return nil, fault.Newf(fault.CodeInternal, "tool %s has no resolvable version", name).
			WithSeverity(fault.SeverityWarning)
	}
	return latest, nil
}

// List returns every registered definition, sorted by name then ascending
// semver.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.tools))
	for _, versions := range r.tools {
		for _, e := range versions {
			out = append(out, e.def)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		vi, ei := semver.NewVersion(out[i].Version)
		vj, ej := semver.NewVersion(out[j].Version)
		if ei != nil || ej != nil {
			return out[i].Version < out[j].Version
		}
		return vi.LessThan(vj)
	})
	return out
}

// compileSchema builds the structural validator for one side of a tool.
func compileSchema(def Definition, kind string, raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	url := fmt.Sprintf("inmem://tools/%s/%s/%s.json", def.Name, def.Version, kind)
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "tool "+def.Ref()+": add "+kind+" schema", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "tool "+def.Ref()+": compile "+kind+" schema", err)
	}
	return schema, nil
}
