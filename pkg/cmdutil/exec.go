// Package cmdutil runs external build commands and parses the command forms
// accepted in configuration.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// DefaultOutputLimit bounds the output kept in a Result. Image builds are
// chatty; only the end is useful for a failure report.
const DefaultOutputLimit = 64 << 10

// ExecOptions configures command execution.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Timeout is the maximum execution time.
	// If zero, no timeout is applied.
	Timeout time.Duration

	// Env contains extra environment variables for the command, appended
	// to the parent environment. Each entry should be in the form "KEY=value".
	Env []string

	// OutputLimit is how many trailing bytes of combined output are kept.
	// Zero means DefaultOutputLimit.
	OutputLimit int

	// Tee, when set, also receives the full combined output as it is written.
	Tee io.Writer
}

// Result contains the result of a command execution.
type Result struct {
	// Output is the tail of the combined stdout and stderr.
	Output []byte

	// Truncated is set when earlier output was dropped.
	Truncated bool

	ExitCode int
	Duration time.Duration
}

// Run executes a command with the given options.
// The command is provided as a slice of arguments (command and its arguments).
// A non-nil Result is returned whenever the command was started, even on failure.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	if len(cmdParts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	limit := opts.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	out := &tailBuffer{limit: limit}

	var w io.Writer = out
	if opts.Tee != nil {
		w = io.MultiWriter(out, opts.Tee)
	}

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdout = w
	cmd.Stderr = w
	// Children left running (vagrant, VBoxSVC) keep the output pipe open.
	cmd.WaitDelay = 10 * time.Second
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}

	start := time.Now()
	err := cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) {
		// The command itself exited cleanly.
		err = nil
	}

	result := &Result{Duration: time.Since(start)}
	result.Output, result.Truncated = out.bytes()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if cmd.ProcessState == nil && ctx.Err() == nil {
			return nil, fmt.Errorf("failed to start %s: %w", cmdParts[0], err)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return result, fmt.Errorf("command timed out after %s: %w", opts.Timeout, err)
		}
		return result, fmt.Errorf("command failed: %w", err)
	}

	return result, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > b.limit {
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		b.truncated = true
		return n, nil
	}
	if over := len(b.buf) + len(p) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) bytes() ([]byte, bool) {
	return append([]byte(nil), b.buf...), b.truncated
}

// ParseCommandString parses a shell-quoted command string into parts.
//
// Example:
//
//	"make ova NAME=\"avalon 7\"" -> ["make", "ova", "NAME=avalon 7"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}

// ParseCommandList parses a build command given either as a string or as a
// YAML list:
//   - String format: "vagrant up --provision"
//   - List format: ["vagrant", "up", "--provision"]
func ParseCommandList(cmd interface{}) ([]string, error) {
	switch v := cmd.(type) {
	case string:
		return ParseCommandString(v)
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command list item %d is not a string: %T", i, item)
			}
			parts[i] = str
		}
		if len(parts) == 0 {
			return nil, fmt.Errorf("empty command list")
		}
		return parts, nil
	case []string:
		if len(v) == 0 {
			return nil, fmt.Errorf("empty command list")
		}
		return v, nil
	default:
		return nil, fmt.Errorf("invalid command type: %T (must be string or list)", cmd)
	}
}

// FormatCommand renders command parts for logs, quoting only where needed.
// Example: ["make", "ova", "NAME=avalon 7"] -> "make ova 'NAME=avalon 7'"
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	quoted := make([]string, len(cmdParts))
	for i, part := range cmdParts {
		if strings.ContainsAny(part, " \t\n\"'$`\\") {
			quoted[i] = shellquote.Join(part)
		} else {
			quoted[i] = part
		}
	}

	return strings.Join(quoted, " ")
}
