package security

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// GitCommands allows only the git client. Checkouts never need anything else.
var GitCommands = map[string]bool{
	"git": true,
}

// SandboxedExecutor provides safe command execution with validation.
type SandboxedExecutor struct {
	// AllowedCommands is the map of commands that are permitted to run.
	AllowedCommands map[string]bool

	// WorkDir is the working directory for command execution.
	WorkDir string

	// Env contains extra environment variables for the command.
	Env []string
}

// NewSandboxedExecutor creates an executor that only runs git in workDir.
func NewSandboxedExecutor(workDir string) *SandboxedExecutor {
	return &SandboxedExecutor{
		AllowedCommands: GitCommands,
		WorkDir:         workDir,
		// Never prompt for credentials on a terminal; fail instead.
		Env: []string{"GIT_TERMINAL_PROMPT=0"},
	}
}

// Execute runs a command with validation.
// Returns the combined stdout/stderr output and any error.
func (e *SandboxedExecutor) Execute(ctx context.Context, cmdParts []string) ([]byte, error) {
	if err := e.ValidateCommandParts(cmdParts); err != nil {
		return nil, err
	}

	// No shell is involved, arguments are passed verbatim.
	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(cmd.Environ(), e.Env...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("command failed: %w", err)
	}

	return output, nil
}

// ValidateCommandParts validates a command before execution.
func (e *SandboxedExecutor) ValidateCommandParts(cmdParts []string) error {
	if len(cmdParts) == 0 {
		return fmt.Errorf("empty command")
	}

	if !e.AllowedCommands[cmdParts[0]] {
		return fmt.Errorf("command not allowed: %s (must be one of: %v)",
			cmdParts[0], e.allowedCommandsList())
	}

	for i, arg := range cmdParts[1:] {
		if containsShellMetachars(arg) {
			return fmt.Errorf("argument %d contains shell metacharacters: %s", i+1, arg)
		}
	}

	return nil
}

func (e *SandboxedExecutor) allowedCommandsList() []string {
	commands := make([]string, 0, len(e.AllowedCommands))
	for cmd := range e.AllowedCommands {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)
	return commands
}

// containsShellMetachars checks if a string contains shell metacharacters.
func containsShellMetachars(s string) bool {
	return strings.ContainsAny(s, ";|&$`\n><(){}*?[]\\'\"")
}
