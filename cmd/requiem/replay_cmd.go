package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/requiemhq/requiem/pkg/config"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/replay"
	"github.com/requiemhq/requiem/pkg/runtime"
	"github.com/requiemhq/requiem/pkg/tenant"
)

// runReplay re-executes the envelopes of one request id and reports
// step-by-step verification. A divergence is an integrity failure: the
// command prints the report and exits 3.
func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		requestID string
		jsonOut   bool
	)
	fs.StringVar(&requestID, "request", "", "Request id whose envelopes to replay (REQUIRED)")
	fs.BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return fault.ExitUserError
	}
	if requestID == "" {
		fmt.Fprintln(stderr, "replay: --request is required")
		fs.Usage()
		return fault.ExitUserError
	}

	cfg := config.Load()
	ctx := context.Background()
	rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: newLogger(cfg, stderr)})
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = rt.Shutdown(ctx) }()

	if err := registerBuiltins(rt); err != nil {
		return fail(stderr, err)
	}

	identity, err := tenant.NewResolver(tenant.ResolverConfig{
		Clock:       rt.Clock,
		Environment: tenant.Environment(cfg.Environment),
	}).FromCLI()
	if err != nil {
		return fail(stderr, err)
	}

	report, err := rt.Replay.ReplayRun(ctx, identity, requestID)
	if err != nil {
		return fail(stderr, err)
	}

	if jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fail(stderr, err)
		}
	} else {
		fmt.Fprintf(stdout, "request %s: %s (%d steps)\n", report.RequestID, report.Status, len(report.Steps))
		for _, step := range report.Steps {
			note := ""
			if step.Note != "" {
				note = " " + step.Note
			}
			fmt.Fprintf(stdout, "  step %d %s: %s%s\n", step.StepNumber, step.ToolRef, step.Status, note)
		}
	}

	if report.Status == replay.StatusDiverged {
		return fault.ExitIntegrity
	}
	if report.Status == replay.StatusFailed {
		return fault.ExitSystem
	}
	return fault.ExitOK
}
