package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/ledger"
	"github.com/requiemhq/requiem/pkg/limits"
	"github.com/requiemhq/requiem/pkg/ratelimit"
	"github.com/requiemhq/requiem/pkg/tenant"
	"github.com/requiemhq/requiem/pkg/tool"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"value": {"type": "string"}},
	"required": ["value"],
	"additionalProperties": false
}`)

func seededClock() clock.Clock {
	return clock.Seeded(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), 0)
}

type serverFixture struct {
	server *Server
	ledger *ledger.MemoryLedger
	clock  clock.Clock
	logs   *bytes.Buffer
}

func newFixture(t *testing.T, mutate func(*Config)) *serverFixture {
	t.Helper()
	clk := seededClock()

	registry := tool.NewRegistry()
	def := tool.Definition{
		Name:          "echo",
		Version:       "1.0.0",
		Description:   "returns its input",
		InputSchema:   echoSchema,
		Deterministic: true,
		TenantScoped:  true,
	}
	digest, err := def.Fingerprint()
	require.NoError(t, err)
	def.Digest = digest
	require.NoError(t, registry.Register(def, func(_ context.Context, _ *tenant.Context, input map[string]any) (any, error) {
		return map[string]any{"echo": input["value"]}, nil
	}))

	writeDef := tool.Definition{
		Name:       "write",
		Version:    "1.0.0",
		SideEffect: true,
	}
	digest, err = writeDef.Fingerprint()
	require.NoError(t, err)
	writeDef.Digest = digest
	require.NoError(t, registry.Register(writeDef, func(_ context.Context, _ *tenant.Context, _ map[string]any) (any, error) {
		return map[string]any{"written": true}, nil
	}))

	led := ledger.NewMemoryLedger(clk)
	gate, err := tool.NewGate(tool.GateConfig{Registry: registry, Ledger: led, Clock: clk})
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	cfg := Config{
		Gate:     gate,
		Identity: tenant.NewContext(clk, "tenant-1", "user-1", tenant.RoleMember, tenant.SourceAPIKey, tenant.EnvDevelopment),
		Ledger:   led,
		Logger:   slog.New(slog.NewTextHandler(logs, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)

	return &serverFixture{server: server, ledger: led, clock: clk, logs: logs}
}

type wireError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

// serve feeds the lines through the loop and decodes every response line.
func (f *serverFixture) serve(t *testing.T, lines ...string) []wireResponse {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	out := &bytes.Buffer{}
	require.NoError(t, f.server.Serve(context.Background(), in, out))

	var responses []wireResponse
	for _, raw := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if raw == "" {
			continue
		}
		var resp wireResponse
		require.NoError(t, json.Unmarshal([]byte(raw), &resp), "line %q", raw)
		assert.Equal(t, Version, resp.JSONRPC)
		responses = append(responses, resp)
	}
	return responses
}

func TestToolsListAdvertisesRegistry(t *testing.T) {
	f := newFixture(t, nil)

	responses := f.serve(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Version     string          `json:"version"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(responses[0].Result, &result))
	require.Len(t, result.Tools, 2)

	names := []string{result.Tools[0].Name, result.Tools[1].Name}
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "write")
}

func TestToolsCallRunsGateAndAudits(t *testing.T) {
	f := newFixture(t, nil)

	responses := f.serve(t,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"value":"hi"}}}`)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	var result struct {
		Result map[string]any `json:"result"`
		Hash   string         `json:"hash"`
	}
	require.NoError(t, json.Unmarshal(responses[0].Result, &result))
	assert.Equal(t, "hi", result.Result["echo"])
	assert.NotEmpty(t, result.Hash)

	entries, err := f.ledger.Entries(context.Background(), "tenant-1")
	require.NoError(t, err)
	var audited bool
	for _, e := range entries {
		if e.EventType == "tool_call" {
			audited = true
			assert.Equal(t, "mcp_tool", e.Metadata["source_type"])
			assert.Equal(t, "ok", e.Metadata["outcome"])
		}
	}
	assert.True(t, audited, "transport audit entry missing")
}

func TestToolsCallDepthIsIncremented(t *testing.T) {
	var depth int
	f := newFixture(t, nil)

	registry := f.server.gate.Registry()
	def := tool.Definition{Name: "depth", Version: "1.0.0"}
	digest, err := def.Fingerprint()
	require.NoError(t, err)
	def.Digest = digest
	require.NoError(t, registry.Register(def, func(_ context.Context, inv *tenant.Context, _ map[string]any) (any, error) {
		depth = inv.Depth
		return map[string]any{}, nil
	}))

	responses := f.serve(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"depth"}}`)
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)
	assert.Equal(t, 1, depth, "session identity is depth 0, the call runs at depth 1")
}

func TestErrorCodeMapping(t *testing.T) {
	f := newFixture(t, nil)

	responses := f.serve(t,
		// missing tool name -> VALIDATION_FAILED -> -32602
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"arguments":{}}}`,
		// unknown method -> -32601
		`{"jsonrpc":"2.0","id":2,"method":"tools/destroy"}`,
		// unknown tool -> INTERNAL_ERROR -> -32603
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"nope"}}`,
	)
	require.Len(t, responses, 3)

	require.NotNil(t, responses[0].Error)
	assert.Equal(t, CodeInvalidParams, responses[0].Error.Code)
	assert.Equal(t, "VALIDATION_FAILED", responses[0].Error.Data["code"])

	require.NotNil(t, responses[1].Error)
	assert.Equal(t, CodeMethodNotFound, responses[1].Error.Code)

	require.NotNil(t, responses[2].Error)
	assert.Equal(t, CodeInternal, responses[2].Error.Code)
}

func TestForbiddenMapsTo32003(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		clk := seededClock()
		cfg.Identity = tenant.NewContext(clk, "tenant-1", "user-1", tenant.RoleViewer, tenant.SourceAPIKey, tenant.EnvDevelopment)
	})

	responses := f.serve(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"write"}}`)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, CodeForbidden, responses[0].Error.Code)
	assert.Equal(t, "FORBIDDEN", responses[0].Error.Data["code"])
}

func TestMalformedLineDoesNotStopLoop(t *testing.T) {
	f := newFixture(t, nil)

	responses := f.serve(t,
		`{not json`,
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
	)
	require.Len(t, responses, 1, "the bad line is skipped, the next one answered")
	assert.Contains(t, f.logs.String(), "malformed request line")
}

func TestNotificationGetsNoResponse(t *testing.T) {
	f := newFixture(t, nil)

	in := strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list"}` + "\n")
	out := &bytes.Buffer{}
	require.NoError(t, f.server.Serve(context.Background(), in, out))
	assert.Empty(t, out.String())
}

func TestTriggerDataCapRejectsOversizedArguments(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Trigger = limits.NewTriggerDataLimiter(16)
	})

	responses := f.serve(t,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"value":"this is decidedly more than sixteen bytes"}}}`)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, CodeServerError, responses[0].Error.Code)
	assert.Equal(t, "TRIGGER_DATA_TOO_LARGE", responses[0].Error.Data["code"])
}

func TestRateLimitDenialSurfacesAsBudgetExceeded(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Rate = ratelimit.NewMemoryStore(clock.Frozen(time.UnixMilli(0)))
		cfg.RatePolicy = ratelimit.Policy{RPS: 1, Burst: 1}
	})

	responses := f.serve(t,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"value":"a"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"value":"b"}}}`,
	)
	require.Len(t, responses, 2)
	require.Nil(t, responses[0].Error)
	require.NotNil(t, responses[1].Error)
	assert.Equal(t, CodeServerError, responses[1].Error.Code)
	assert.Equal(t, "BUDGET_EXCEEDED", responses[1].Error.Data["code"])
}

func TestHandleSingleLine(t *testing.T) {
	f := newFixture(t, nil)

	out := f.server.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":9,"method":"tools/list"}`))
	require.NotNil(t, out)

	var resp wireResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Nil(t, resp.Error)
	assert.EqualValues(t, 9, resp.ID)
}
