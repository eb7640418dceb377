package frames

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes an external command and returns its standard output.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandRunner runs commands with os/exec and logs their stderr.
type CommandRunner struct {
	Logger *slog.Logger
}

// NewCommandRunner creates a CommandRunner.
func NewCommandRunner(logger *slog.Logger) *CommandRunner {
	return &CommandRunner{Logger: logger}
}

func (r *CommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	var (
		wg      sync.WaitGroup
		lastErr string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		lastErr = r.monitorOutput(ctx, name, stderrPipe)
	}()

	cmdErr := cmd.Wait()
	wg.Wait()

	if cmdErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		if lastErr != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, cmdErr, lastErr)
		}
		return nil, fmt.Errorf("%s: %w", name, cmdErr)
	}

	return stdout.Bytes(), nil
}

// monitorOutput logs error lines from r and returns the last one.
func (r *CommandRunner) monitorOutput(ctx context.Context, name string, rd io.Reader) string {
	var last string
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			last = line
			if r.Logger != nil {
				r.Logger.WarnContext(ctx, "Command warning", "command", name, "output", line)
			}
		}
	}
	if err := scanner.Err(); err != nil && r.Logger != nil {
		r.Logger.WarnContext(ctx, "Command output scanner error", "command", name, "error", err)
	}
	return last
}
