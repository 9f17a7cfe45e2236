package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/requiemhq/requiem/pkg/config"
	"github.com/requiemhq/requiem/pkg/fault"
	"github.com/requiemhq/requiem/pkg/limits"
	"github.com/requiemhq/requiem/pkg/rpc"
	"github.com/requiemhq/requiem/pkg/runtime"
	"github.com/requiemhq/requiem/pkg/tenant"
)

// stdin is a variable so tests can feed the serve loop.
var stdin io.Reader = os.Stdin

// runServe wires the runtime and speaks JSON-RPC 2.0 over stdio until stdin
// closes or a signal arrives. Logs go to stderr; stdout carries only
// protocol frames.
func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return fault.ExitUserError
	}

	cfg := config.Load()
	logger := newLogger(cfg, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, runtime.Options{Logger: logger})
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = rt.Shutdown(context.Background()) }()

	if err := registerBuiltins(rt); err != nil {
		return fail(stderr, err)
	}

	resolver := tenant.NewResolver(tenant.ResolverConfig{
		Clock:       rt.Clock,
		Environment: tenant.Environment(cfg.Environment),
	})
	identity, err := resolver.FromCLI()
	if err != nil {
		return fail(stderr, err)
	}

	server, err := rpc.NewServer(rpc.Config{
		Gate:       rt.Gate,
		Identity:   identity,
		Ledger:     rt.Ledger,
		Trigger:    limits.NewTriggerDataLimiter(cfg.TriggerDataMaxBytes),
		Rate:       rt.Rate,
		RatePolicy: rt.RatePolicy,
		Logger:     logger,
	})
	if err != nil {
		return fail(stderr, err)
	}

	logger.Info("stdio server ready",
		"tenant", identity.TenantID,
		"tools", len(rt.Tools.List()),
		"ledger", cfg.LedgerBackend,
	)
	if err := server.Serve(ctx, stdin, stdout); err != nil {
		return fail(stderr, err)
	}
	return fault.ExitOK
}
