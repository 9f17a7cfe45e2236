package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/requiemhq/requiem/pkg/config"
	"github.com/requiemhq/requiem/pkg/fault"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. The exit code contract is fixed:
// 0 success, 2 user/input error, 3 integrity violation, 4 system error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return fault.ExitUserError
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "tools":
		return runTools(args[2:], stdout, stderr)
	case "decide":
		return runDecide(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "requiem v%s\n", version)
		return fault.ExitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return fault.ExitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return fault.ExitUserError
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "requiem v%s\n", version)
	fmt.Fprintln(w, "Deterministic tool execution with provable side effects.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  requiem <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Speak JSON-RPC 2.0 over stdio (tools/list, tools/call)")
	printCommand(w, "tools", "List the registered tool catalog")
	printCommand(w, "decide", "Evaluate a decision input and persist the junction")
	printCommand(w, "replay", "Re-execute a run from its sealed envelopes")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Identity comes from %s and %s.\n", "REQUIEM_TENANT_ID", "REQUIEM_API_KEY")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

// newLogger builds the process logger at the configured level, writing to
// stderr so serve's stdout stays a pure protocol stream.
func newLogger(cfg *config.Config, stderr io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Level()}))
}

// fail prints the fault's code and sanitized message, never the raw cause,
// and returns its exit code.
func fail(stderr io.Writer, err error) int {
	env := fault.FromUnknown(err)
	fmt.Fprintf(stderr, "error: %s: %s\n", env.Code, env.Message)
	return fault.ExitCode(err)
}
