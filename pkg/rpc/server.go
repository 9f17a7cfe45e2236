// Package rpc frames JSON-RPC 2.0 over stdio, one JSON object per line.
// It is the process boundary an agent host speaks to: tools/list advertises
// the registry and tools/call routes through the invocation gate under the
// session identity resolved at startup. Requests are handled sequentially;
// the loop runs until the input stream closes.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/ledger"
	"github.com/requiemhq/requiem/pkg/limits"
	"github.com/requiemhq/requiem/pkg/ratelimit"
	"github.com/requiemhq/requiem/pkg/tenant"
	"github.com/requiemhq/requiem/pkg/tool"
)

// Version is the JSON-RPC protocol version on every frame.
const Version = "2.0"

// MaxLineBytes bounds a single request line. Lines beyond this are a parse
// failure, not a crash.
const MaxLineBytes = 4 * 1024 * 1024

// JSON-RPC error codes. The -32001/-32003 pair mirrors the HTTP 401/403
// split; everything not covered by a reserved code is a server error.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeServerError    = -32000
	CodeUnauthorized   = -32001
	CodeForbidden      = -32003
)

// ErrorCode maps a fault code onto the wire code.
func ErrorCode(code fault.Code) int {
	switch code {
	case fault.CodeUnauthorized:
		return CodeUnauthorized
	case fault.CodeForbidden:
		return CodeForbidden
	case fault.CodeValidationFailed:
		return CodeInvalidParams
	case fault.CodeInternal:
		return CodeInternal
	default:
		return CodeServerError
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is the JSON-RPC error object. Data carries the sanitized fault
// envelope so callers can branch on the stable code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// toolInfo is one tools/list row.
type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Version     string          `json:"version"`
}

type listResult struct {
	Tools []toolInfo `json:"tools"`
}

// callParams is the tools/call parameter shape. Arguments become the gate
// request input; identity never comes from here.
type callParams struct {
	Name      string         `json:"name"`
	Version   string         `json:"version,omitempty"`
	Arguments map[string]any `json:"arguments"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
}

// Config wires the server's collaborators.
type Config struct {
	Gate *tool.Gate
	// Identity is the session identity resolved before serving. Every
	// tools/call derives a child context from it.
	Identity *tenant.Context
	Ledger   ledger.Ledger
	// Trigger caps incoming tools/call arguments. Nil applies the default
	// trigger-data limiter.
	Trigger *limits.Limiter
	// Rate admits requests ahead of the gate. Nil disables admission
	// control; the composition root always provides a store.
	Rate       ratelimit.Store
	RatePolicy ratelimit.Policy
	Logger     *slog.Logger
}

// Server dispatches line-framed JSON-RPC requests.
type Server struct {
	gate       *tool.Gate
	identity   *tenant.Context
	ledger     ledger.Ledger
	trigger    *limits.Limiter
	rate       ratelimit.Store
	ratePolicy ratelimit.Policy
	logger     *slog.Logger
}

// NewServer builds a server. The gate and identity are mandatory.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Gate == nil {
		return nil, fault.New(fault.CodeInternal, "rpc server requires a gate")
	}
	if cfg.Identity == nil {
		return nil, fault.New(fault.CodeUnauthorized, "rpc server requires a resolved identity")
	}
	s := &Server{
		gate:       cfg.Gate,
		identity:   cfg.Identity,
		ledger:     cfg.Ledger,
		trigger:    cfg.Trigger,
		rate:       cfg.Rate,
		ratePolicy: cfg.RatePolicy,
		logger:     cfg.Logger,
	}
	if s.trigger == nil {
		s.trigger = limits.NewTriggerDataLimiter(0)
	}
	if s.ratePolicy == (ratelimit.Policy{}) {
		s.ratePolicy = ratelimit.DefaultPolicy
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Serve reads requests from in until it closes and writes one response line
// per request to out. Malformed lines are logged and skipped; they never
// stop the loop. The error return is the stream error, if any.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Error("malformed request line", "error", err)
			continue
		}

		resp := s.dispatch(ctx, &req)
		if resp == nil {
			continue // notification
		}
		if err := s.write(out, resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Handle processes one already-parsed request line and returns the response
// line, or nil for notifications. Exposed for transports that do their own
// framing.
func (s *Server) Handle(ctx context.Context, line []byte) []byte {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Error("malformed request line", "error", err)
		return nil
	}
	resp := s.dispatch(ctx, &req)
	if resp == nil {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response marshal failed", "error", err)
		return nil
	}
	return data
}

func (s *Server) dispatch(ctx context.Context, req *request) *response {
	// Requests without an id are notifications: handled, never answered.
	notification := len(req.ID) == 0 || string(req.ID) == "null"

	var resp *response
	switch req.Method {
	case "tools/list":
		resp = s.ok(req.ID, listResult{Tools: s.listTools()})
	case "tools/call":
		result, err := s.call(ctx, req.Params)
		if err != nil {
			resp = s.fail(req.ID, err)
		} else {
			resp = s.ok(req.ID, result)
		}
	default:
		resp = &response{
			JSONRPC: Version,
			ID:      req.ID,
			Error: &Error{
				Code:    CodeMethodNotFound,
				Message: fmt.Sprintf("method %q not found", req.Method),
			},
		}
	}

	if notification {
		return nil
	}
	return resp
}

func (s *Server) listTools() []toolInfo {
	defs := s.gate.Registry().List()
	tools := make([]toolInfo, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, toolInfo{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
			Version:     d.Version,
		})
	}
	return tools
}

func (s *Server) call(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
	var p callParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fault.Wrap(fault.CodeValidationFailed, "tools/call params rejected", err)
		}
	}
	if p.Name == "" {
		return nil, fault.New(fault.CodeValidationFailed, "tools/call requires a tool name")
	}
	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}

	// Trigger data cap applies before anything else touches the payload.
	if _, _, err := s.trigger.Enforce(p.Arguments); err != nil {
		return nil, err
	}

	if s.rate != nil {
		if err := ratelimit.Enforce(ctx, s.rate, s.identity.TenantID, s.ratePolicy); err != nil {
			return nil, err
		}
	}

	inv := s.identity.Child()
	result, callErr := s.gate.Call(ctx, tool.Request{
		Name:       p.Name,
		Version:    p.Version,
		Input:      p.Arguments,
		Invocation: inv,
		TimeoutMs:  p.TimeoutMs,
	})
	s.audit(ctx, inv, p.Name, result, callErr)
	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}

// audit writes the transport-level ledger entry for a gate call. Audit
// failures are logged, never surfaced: the .call outcome stands on its own.
func (s *Server) audit(ctx context.Context, inv *tenant.Context, name string, result *tool.Result, callErr error) {
	if s.ledger == nil {
		return
	}
	meta := map[string]any{
		"source_type": "mcp_tool",
		"tool":        name,
		"request_id":  inv.RequestID,
	}
	outcome := "ok"
	if callErr != nil {
		outcome = string(fault.FromUnknown(callErr).Code)
	} else if result != nil {
		meta["duration_ms"] = result.DurationMs
		meta["hash"] = result.Hash
	}
	meta["outcome"] = outcome

	if _, err := s.ledger.Append(ctx, inv.TenantID, "tool_call", "tools/call "+name, meta); err != nil {
		s.logger.Warn("rpc audit append failed", "tool", name, "error", err)
	}
}

func (s *Server) ok(id json.RawMessage, result any) *response {
	return &response{JSONRPC: Version, ID: id, Result: result}
}

func (s *Server) fail(id json.RawMessage, err error) *response {
	env := fault.FromUnknown(err)
	return &response{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    ErrorCode(env.Code),
			Message: env.Message,
			Data:    env,
		},
	}
}

func (s *Server) write(out io.Writer, resp *response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		// The result could not be encoded; answer with an internal error
		// so the caller is not left waiting.
		s.logger.Error("response marshal failed", "error", err)
		fallback := s.fail(resp.ID, fault.Wrap(fault.CodeInternal, "response not encodable", err))
		data, err = json.Marshal(fallback)
		if err != nil {
			return err
		}
	}
	_, err = out.Write(append(data, '\n'))
	return err
}
