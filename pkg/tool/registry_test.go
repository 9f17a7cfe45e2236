package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/tenant"
)

var echoInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"value": {"type": "string"}},
	"required": ["value"],
	"additionalProperties": false
}`)

var echoOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"echo": {"type": "string"}},
	"required": ["echo"]
}`)

func echoHandler(_ context.Context, _ *tenant.Context, input map[string]any) (any, error) {
	return map[string]any{"echo": input["value"]}, nil
}

// fingerprinted fills the digest of a definition from its identity.
func fingerprinted(t *testing.T, def Definition) Definition {
	t.Helper()
	digest, err := def.Fingerprint()
	require.NoError(t, err)
	def.Digest = digest
	return def
}

func echoDef(t *testing.T, version string) Definition {
	t.Helper()
	return fingerprinted(t, Definition{
		Name:          "echo",
		Version:       version,
		Description:   "returns its input",
		InputSchema:   echoInputSchema,
		OutputSchema:  echoOutputSchema,
		Deterministic: true,
		TenantScoped:  true,
		Cost:          Cost{Units: 0, Latency: LatencyLow},
	})
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoDef(t, "1.0.0"), echoHandler))

	def, err := r.Resolve("echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "echo@1.0.0", def.Ref())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoDef(t, "1.0.0"), echoHandler))

	err := r.Register(echoDef(t, "1.0.0"), echoHandler)
	require.True(t, fault.IsCode(err, fault.CodeInternal))

	var env *fault.Envelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, fault.SeverityWarning, env.Severity)
}

func TestRegisterRejectsShortDigest(t *testing.T) {
	r := NewRegistry()

	def := echoDef(t, "1.0.0")
	def.Digest = "abc123"
	assert.True(t, fault.IsCode(r.Register(def, echoHandler), fault.CodeInternal))

	def.Digest = ""
	assert.True(t, fault.IsCode(r.Register(def, echoHandler), fault.CodeInternal))
}

func TestRegisterRejectsBadVersionAndNilHandler(t *testing.T) {
	r := NewRegistry()

	def := echoDef(t, "1.0.0")
	def.Version = "one"
	assert.Error(t, r.Register(def, echoHandler))

	assert.Error(t, r.Register(echoDef(t, "1.0.0"), nil))
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	def := echoDef(t, "1.0.0")
	def.InputSchema = json.RawMessage(`{"type": ["not a valid type"]}`)
	digest, err := def.Fingerprint()
	require.NoError(t, err)
	def.Digest = digest

	assert.Error(t, r.Register(def, echoHandler))
}

func TestResolveLatestUsesSemverOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoDef(t, "1.2.0"), echoHandler))
	require.NoError(t, r.Register(echoDef(t, "1.10.0"), echoHandler))
	require.NoError(t, r.Register(echoDef(t, "0.9.0"), echoHandler))

	def, err := r.Resolve("echo", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", def.Version)
}

func TestResolveMissing(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("ghost", "")
	assert.True(t, fault.IsCode(err, fault.CodeInternal))

	require.NoError(t, r.Register(echoDef(t, "1.0.0"), echoHandler))
	_, err = r.Resolve("echo", "9.9.9")
	assert.True(t, fault.IsCode(err, fault.CodeInternal))
}

func TestListIsSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoDef(t, "1.10.0"), echoHandler))
	require.NoError(t, r.Register(echoDef(t, "1.2.0"), echoHandler))

	alpha := fingerprinted(t, Definition{Name: "alpha", Version: "1.0.0"})
	require.NoError(t, r.Register(alpha, echoHandler))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha@1.0.0", list[0].Ref())
	assert.Equal(t, "echo@1.2.0", list[1].Ref())
	assert.Equal(t, "echo@1.10.0", list[2].Ref())
}

func TestFingerprintTracksIdentity(t *testing.T) {
	a, err := echoDef(t, "1.0.0").Fingerprint()
	require.NoError(t, err)
	b, err := echoDef(t, "1.0.1").Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)

	same, err := echoDef(t, "1.0.0").Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, a, same)
}
