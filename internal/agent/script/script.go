// Package script plays a scripted stand-in for the coding agent. It writes
// stream-json records the way the Claude CLI does, so an agent image can be
// exercised end to end without model access.
package script

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/orca/internal/ndjson"
)

// Script is an ordered list of records to emit.
type Script struct {
	Steps    []Step `yaml:"steps"`
	ExitCode int    `yaml:"exit_code"`
}

// Step emits one record. With AwaitInput set it first blocks for a line on
// stdin and reports it back as assistant text.
type Step struct {
	Record     map[string]any `yaml:"record"`
	Delay      time.Duration  `yaml:"delay"`
	AwaitInput bool           `yaml:"await_input"`
}

// Load reads a YAML (or JSON) script.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("script %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks that every step can be played.
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("script has no steps")
	}
	for i, step := range s.Steps {
		if step.AwaitInput {
			continue
		}
		if t, _ := step.Record["type"].(string); t == "" {
			return fmt.Errorf("step %d: record needs a type", i+1)
		}
	}
	return nil
}

// Default acknowledges the prompt, makes one tool call and succeeds.
func Default(prompt string) *Script {
	return &Script{Steps: []Step{
		{Record: map[string]any{"type": "system", "subtype": "init"}},
		{Record: Text("Working on: " + prompt)},
		{Record: ToolUse("toolu_1", "Bash", map[string]any{"command": "ls"})},
		{Record: Result("Done: "+prompt, false)},
	}}
}

// Text is an assistant record with one text block.
func Text(text string) map[string]any {
	return map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": text}},
		},
	}
}

// ToolUse is an assistant record with one tool_use block.
func ToolUse(id, name string, input map[string]any) map[string]any {
	return map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{map[string]any{"type": "tool_use", "id": id, "name": name, "input": input}},
		},
	}
}

// Result is the terminal record.
func Result(result string, isError bool) map[string]any {
	subtype := "success"
	if isError {
		subtype = "error_during_execution"
	}
	return map[string]any{"type": "result", "subtype": subtype, "result": result, "is_error": isError}
}

// Play writes the script to w, reading stdin for input steps. It stops early
// when ctx ends or stdin closes while input is awaited.
func (s *Script) Play(ctx context.Context, w io.Writer, stdin io.Reader, logger *slog.Logger) error {
	enc := ndjson.NewEncoder(w, logger)
	lines := bufio.NewScanner(stdin)

	for i, step := range s.Steps {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rec := step.Record
		if step.AwaitInput {
			if rec != nil {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			input, err := readLine(ctx, lines)
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			logger.Info("received input", "step", i+1, "bytes", len(input))
			rec = Text("input: " + input)
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func readLine(ctx context.Context, lines *bufio.Scanner) (string, error) {
	got := make(chan bool, 1)
	go func() { got <- lines.Scan() }()
	select {
	case ok := <-got:
		if !ok {
			if err := lines.Err(); err != nil {
				return "", fmt.Errorf("read input: %w", err)
			}
			return "", io.ErrUnexpectedEOF
		}
		return strings.TrimSpace(lines.Text()), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
