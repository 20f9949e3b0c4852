package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/execlayer/kernel/pkg/config"
	"github.com/execlayer/kernel/pkg/kernel"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(args[1:], stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "verify-log":
		return runVerifyLogCmd(args[2:], stdout, stderr)
	case "verify-receipt":
		return runVerifyReceiptCmd(args[2:], stdout, stderr)
	case "bundle":
		return runBundleCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "\nExecLayer Kernel v%s\n", kernel.Version)
	_, _ = fmt.Fprintln(w, "Agents propose. The kernel decides, signs and chains.")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  execlayer <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP kernel (default) (--config)")
	printCommand(w, "verify-log", "Verify an audit hash chain (--path | --dialect --dsn, --checkpoint)")
	printCommand(w, "verify-receipt", "Verify a receipt signature (--file)")
	printCommand(w, "bundle", "Print the effective policy bundle as YAML (--path)")
	printCommand(w, "health", "Check server health over HTTP (--url)")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-16s %s\n", name, desc)
}

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg *config.Config, w io.Writer) {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}
