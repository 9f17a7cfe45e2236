// Package llm abstracts the text-generation collaborator invoked by skill
// steps. The runtime treats the provider as opaque: a prompt goes in, text
// comes out, and an unconfigured provider fails with a typed code the skill
// runner can substitute a deterministic stub for.
package llm

import (
	"context"

	"github.com/requiemhq/requiem/pkg/fault"
)

// Sampling carries the generation parameters forwarded to the provider.
type Sampling struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
}

// DeterministicSampling pins temperature to zero with a fixed seed so
// repeated generations are as reproducible as the provider allows.
func DeterministicSampling(seed int64) *Sampling {
	return &Sampling{Temperature: 0, TopP: 1, Seed: seed}
}

// Request is one text generation call. An empty Model uses the provider's
// configured default; a nil Sampling leaves the provider's own defaults in
// place.
type Request struct {
	Prompt   string
	Model    string
	Sampling *Sampling
}

// Provider generates text for skill Llm steps.
type Provider interface {
	GenerateText(ctx context.Context, req Request) (string, error)
}

// Unconfigured is the provider wired when no credentials are present. Every
// call fails with PROVIDER_NOT_CONFIGURED, which the skill runner converts
// into a stub response instead of failing the run.
type Unconfigured struct{}

func (Unconfigured) GenerateText(context.Context, Request) (string, error) {
	return "", fault.New(fault.CodeProviderUnconfigured, "no text generation provider is configured")
}
