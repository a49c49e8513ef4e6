// Command mockagent stands in for the Claude CLI inside an agent image. It
// accepts the same headless flags, ignores the model and plays a script of
// stream-json records on stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iambrandonn/orca/internal/agent/script"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mockagent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Bool("p", false, "headless mode (always on)")
	fs.Bool("verbose", false, "accepted for compatibility")
	format := fs.String("output-format", "stream-json", "output format; only stream-json is supported")
	tools := fs.String("allowedTools", "", "comma-separated tool allow-list")
	scriptPath := fs.String("script", os.Getenv("ORCA_MOCK_SCRIPT"), "YAML script to play instead of the default run")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if *format != "stream-json" {
		logger.Error("unsupported output format", "format", *format)
		return 2
	}

	var prompt string
	if fs.NArg() > 0 {
		prompt = fs.Arg(fs.NArg() - 1)
	}

	s := script.Default(prompt)
	if *scriptPath != "" {
		loaded, err := script.Load(*scriptPath)
		if err != nil {
			logger.Error("failed to load script", "error", err)
			return 2
		}
		s = loaded
	}

	logger.Info("mock agent starting", "steps", len(s.Steps), "allowed_tools", *tools, "pid", os.Getpid())
	if err := s.Play(ctx, stdout, stdin, logger); err != nil {
		fmt.Fprintf(stderr, "mockagent: %v\n", err)
		return 1
	}
	return s.ExitCode
}
