package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"

	"github.com/requiemhq/requiem/pkg/config"
	"github.com/requiemhq/requiem/pkg/decide"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/runtime"
	"github.com/requiemhq/requiem/pkg/tenant"
)

// runDecide evaluates one decision input (from --input or stdin), walks the
// junction to resolution, and prints the persisted junction and decision.
func runDecide(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		inputPath string
		runID     string
		question  string
	)
	fs.StringVar(&inputPath, "input", "", "Path to the decision input JSON (default: stdin)")
	fs.StringVar(&runID, "run", "", "Run id the junction belongs to")
	fs.StringVar(&question, "question", "", "Question the junction answers")
	if err := fs.Parse(args); err != nil {
		return fault.ExitUserError
	}

	raw, err := readAll(inputPath)
	if err != nil {
		return fail(stderr, fault.Wrap(fault.CodeValidationFailed, "decision input could not be read", err))
	}
	var input decide.Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return fail(stderr, fault.Wrap(fault.CodeValidationFailed, "decision input is not valid JSON", err))
	}

	cfg := config.Load()
	ctx := context.Background()
	rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: newLogger(cfg, stderr)})
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = rt.Shutdown(ctx) }()

	identity, err := tenant.NewResolver(tenant.ResolverConfig{
		Clock:       rt.Clock,
		Environment: tenant.Environment(cfg.Environment),
	}).FromCLI()
	if err != nil {
		return fail(stderr, err)
	}

	res, err := rt.Decide(ctx, identity, runtime.DecideRequest{
		RunID:    runID,
		Question: question,
		Input:    input,
	})
	if err != nil {
		return fail(stderr, err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fail(stderr, err)
	}
	return fault.ExitOK
}

func readAll(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
