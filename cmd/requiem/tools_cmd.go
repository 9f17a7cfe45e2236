package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/requiemhq/requiem/pkg/config"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/runtime"
)

// runTools prints the registered catalog, one row per tool, or the full
// definitions as JSON with --json.
func runTools(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tools", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "Print definitions as JSON")
	if err := fs.Parse(args); err != nil {
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
	defs := rt.Tools.List()

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(defs); err != nil {
			return fail(stderr, err)
		}
		return fault.ExitOK
	}

	for _, def := range defs {
		marks := ""
		if def.Deterministic {
			marks += " deterministic"
		}
		if def.SideEffect {
			marks += " side-effect"
		}
		fmt.Fprintf(stdout, "%-24s %s%s\n", def.Ref(), def.Description, marks)
	}
	return fault.ExitOK
}
