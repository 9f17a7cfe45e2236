package skill

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/requiemhq/requiem/pkg/fault"
)

// Registry stores skill definitions keyed by name and version. Registration
// is insert-once; duplicates are rejected and deletion is not supported.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]map[string]Definition
	logger *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		skills: make(map[string]map[string]Definition),
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

// Register validates and inserts a definition. A duplicate (name, version)
// pair fails with SKILL_ALREADY_REGISTERED.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.skills[def.Name]
	if !ok {
		versions = make(map[string]Definition)
		r.skills[def.Name] = versions
	}
	if _, dup := versions[def.Version]; dup {
		return fault.Newf(fault.CodeSkillAlreadyExists,
			"skill %s already registered", def.Ref())
	}
	versions[def.Version] = def

	r.logger.Debug("skill registered", "skill", def.Name, "version", def.Version)
	return nil
}

// Resolve returns the definition for name@version, or the highest semver
// for the name when version is empty.
func (r *Registry) Resolve(name, version string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.skills[name]
	if !ok || len(versions) == 0 {
		return Definition{}, fault.Newf(fault.CodeInternal, "skill %s not registered", name).
			WithSeverity(fault.SeverityWarning)
	}

	if version != "" {
		def, ok := versions[version]
		if !ok {
			return Definition{}, fault.Newf(fault.CodeInternal,
				"skill %s@%s not registered", name, version).
				WithSeverity(fault.SeverityWarning)
		}
		return def, nil
	}

	var latest *Definition
	var latestV *semver.Version
	for raw, def := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if latestV == nil || latestV.LessThan(v) {
			d := def
			latest, latestV = &d, v
		}
	}
	if latest == nil {
		return Definition{}, fault.Newf(fault.CodeInternal,
			"skill %s has no resolvable version", name).
			WithSeverity(fault.SeverityWarning)
	}
	return *latest, nil
}

// List returns every registered definition, sorted by name then ascending
// semver.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.skills))
	for _, versions := range r.skills {
		for _, def := range versions {
			out = append(out, def)
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
