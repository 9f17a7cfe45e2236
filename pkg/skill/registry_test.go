package skill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/requiemhq/requiem/pkg/fault"
)

func noopSkill(name, version string) Definition {
	return Definition{
		Name:    name,
		Version: version,
		Steps:   []Step{AssertStep("always", func(map[string]any, any) (bool, error) { return true, nil })},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(noopSkill("deploy", "1.0.0")))

	def, err := r.Resolve("deploy", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "deploy@1.0.0", def.Ref())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(noopSkill("deploy", "1.0.0")))

	err := r.Register(noopSkill("deploy", "1.0.0"))
	assert.True(t, fault.IsCode(err, fault.CodeSkillAlreadyExists))
}

func TestResolveLatestUsesSemverOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(noopSkill("deploy", "1.2.0")))
	require.NoError(t, r.Register(noopSkill("deploy", "1.10.0")))

	def, err := r.Resolve("deploy", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", def.Version)
}

func TestResolveMissingSkill(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("ghost", "")
	require.True(t, fault.IsCode(err, fault.CodeInternal))

	require.NoError(t, r.Register(noopSkill("deploy", "1.0.0")))
	_, err = r.Resolve("deploy", "9.9.9")
	assert.True(t, fault.IsCode(err, fault.CodeInternal))
}

func TestRegisterValidatesDefinition(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Definition{Name: "", Version: "1.0.0"})
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed), "missing name")

	err = r.Register(Definition{Name: "x", Version: "not-semver", Steps: noopSkill("x", "1.0.0").Steps})
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed), "bad version")

	err = r.Register(Definition{Name: "x", Version: "1.0.0"})
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed), "no steps")

	err = r.Register(Definition{Name: "x", Version: "1.0.0", Steps: []Step{{Kind: StepTool}}})
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed), "tool step without name")

	err = r.Register(Definition{Name: "x", Version: "1.0.0", Steps: []Step{{Kind: StepAssert}}})
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed), "bare assert step")

	err = r.Register(Definition{Name: "x", Version: "1.0.0", Steps: []Step{{Kind: "jump"}}})
	assert.True(t, fault.IsCode(err, fault.CodeValidationFailed), "unknown kind")
}

func TestListSortsByNameThenVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(noopSkill("deploy", "1.10.0")))
	require.NoError(t, r.Register(noopSkill("deploy", "1.2.0")))
	require.NoError(t, r.Register(noopSkill("audit", "2.0.0")))

	var refs []string
	for _, def := range r.List() {
		refs = append(refs, def.Ref())
	}
	assert.Equal(t, []string{"audit@2.0.0", "deploy@1.2.0", "deploy@1.10.0"}, refs)
}
