package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/requiemhq/requiem/pkg/canonical"
	"github.com/requiemhq/requiem/pkg/runtime"
	"github.com/requiemhq/requiem/pkg/tenant"
	"github.com/requiemhq/requiem/pkg/tool"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"value": {}},
	"required": ["value"],
	"additionalProperties": false
}`)

var digestSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"value": {}},
	"required": ["value"],
	"additionalProperties": false
}`)

// registerBuiltins installs the tools every deployment ships with: echo and
// digest are deterministic and replay bit for bit; now reads the runtime
// clock and is declared non-deterministic so replays skip re-verification.
func registerBuiltins(rt *runtime.Runtime) error {
	builtins := []struct {
		def     tool.Definition
		handler tool.Handler
	}{
		{
			def: tool.Definition{
				Name:          "echo",
				Version:       "1.0.0",
				Description:   "Returns its input unchanged",
				InputSchema:   echoSchema,
				Deterministic: true,
				Idempotent:    true,
				TenantScoped:  true,
			},
			handler: func(_ context.Context, _ *tenant.Context, input map[string]any) (any, error) {
				return map[string]any{"value": input["value"]}, nil
			},
		},
		{
			def: tool.Definition{
				Name:          "digest",
				Version:       "1.0.0",
				Description:   "Hashes the canonical form of its input",
				InputSchema:   digestSchema,
				Deterministic: true,
				Idempotent:    true,
				TenantScoped:  true,
			},
			handler: func(_ context.Context, _ *tenant.Context, input map[string]any) (any, error) {
				h, err := canonical.Hash(input["value"])
				if err != nil {
					return nil, err
				}
				return map[string]any{"digest": h}, nil
			},
		},
		{
			def: tool.Definition{
				Name:         "now",
				Version:      "1.0.0",
				Description:  "Reads the runtime clock",
				TenantScoped: true,
			},
			handler: func(_ context.Context, _ *tenant.Context, _ map[string]any) (any, error) {
				return map[string]any{"now": rt.Clock.NowISO()}, nil
			},
		},
	}

	for _, b := range builtins {
		digest, err := b.def.Fingerprint()
		if err != nil {
			return fmt.Errorf("fingerprint %s: %w", b.def.Ref(), err)
		}
		b.def.Digest = digest
		if err := rt.Tools.Register(b.def, b.handler); err != nil {
			return fmt.Errorf("register %s: %w", b.def.Ref(), err)
		}
	}
	return nil
}
